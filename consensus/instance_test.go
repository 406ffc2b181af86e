package consensus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowlog/raft/clock"
	"github.com/flowlog/raft/consensus"
)

// fakeLog is an in-memory consensus.Log, the DummyPster-equivalent for this
// core: it persists nothing but the voted_for file (written by
// consensus.Instance itself into BaseDirectory), and keeps every entry in a
// plain slice.
type fakeLog struct {
	mu        sync.Mutex
	group     consensus.GroupId
	dir       string
	entries   []consensus.LogEntry
	appendErr error
}

func newFakeLog(t *testing.T, group consensus.GroupId) *fakeLog {
	return &fakeLog{group: group, dir: t.TempDir()}
}

func (l *fakeLog) Append(ctx context.Context, entries []consensus.LogEntry, fsync consensus.FsyncMode, priority consensus.IoPriority, timeout time.Duration) ([]consensus.AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return nil, l.appendErr
	}
	next := l.lastOffsetLocked() + 1
	results := make([]consensus.AppendResult, 0, len(entries))
	for _, e := range entries {
		e.Offset = next
		l.entries = append(l.entries, e)
		results = append(results, consensus.AppendResult{Offset: next, Term: e.Term})
		next++
	}
	return results, nil
}

func (l *fakeLog) Read(ctx context.Context, from consensus.LogOffset, maxBytes int) ([]consensus.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return nil, nil
	}
	startIdx := int(from) - int(l.entries[0].Offset)
	if startIdx < 0 {
		startIdx = 0
	}
	if startIdx >= len(l.entries) {
		return nil, nil
	}
	out := append([]consensus.LogEntry(nil), l.entries[startIdx:]...)
	return out, nil
}

func (l *fakeLog) TruncateSuffix(ctx context.Context, from consensus.LogOffset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	keep := len(l.entries)
	for idx, e := range l.entries {
		if e.Offset >= from {
			keep = idx
			break
		}
	}
	l.entries = l.entries[:keep]
	return nil
}

func (l *fakeLog) LastOffset() consensus.LogOffset {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastOffsetLocked()
}

func (l *fakeLog) lastOffsetLocked() consensus.LogOffset {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Offset
}

func (l *fakeLog) TermAt(offset consensus.LogOffset) (consensus.Term, bool) {
	if offset == 0 {
		return 0, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, false
	}
	idx := int(offset) - int(l.entries[0].Offset)
	if idx < 0 || idx >= len(l.entries) || l.entries[idx].Offset != offset {
		return 0, false
	}
	return l.entries[idx].Term, true
}

func (l *fakeLog) BaseDirectory() string   { return l.dir }
func (l *fakeLog) Ntp() consensus.GroupId { return l.group }

// registry is the fake Connection Cache / PeerTransport: an in-process
// dispatcher from NodeId straight to the target Instance's own RPC methods,
// the DummyMsger-equivalent for this core's transport boundary.
type registry struct {
	mu  sync.RWMutex
	byN map[consensus.NodeId]*consensus.Instance
}

func newRegistry() *registry { return &registry{byN: make(map[consensus.NodeId]*consensus.Instance)} }

func (r *registry) add(id consensus.NodeId, inst *consensus.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byN[id] = inst
}

func (r *registry) Vote(ctx context.Context, peer consensus.NodeId, req *consensus.VoteRequest) (*consensus.VoteReply, error) {
	r.mu.RLock()
	inst, ok := r.byN[peer]
	r.mu.RUnlock()
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return inst.Vote(ctx, req)
}

func (r *registry) AppendEntries(ctx context.Context, peer consensus.NodeId, req *consensus.AppendEntriesRequest) (*consensus.AppendEntriesReply, error) {
	r.mu.RLock()
	inst, ok := r.byN[peer]
	r.mu.RUnlock()
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return inst.AppendEntries(ctx, req)
}

func testOpts() consensus.Options {
	return consensus.Options{
		ElectionTimeout:       40 * time.Millisecond,
		ElectionTimeoutJitter: 0.5,
		HeartbeatInterval:     10 * time.Millisecond,
		DiskTimeout:           time.Second,
		Clock:                 clock.Real{},
	}
}

// quietOpts disables the risk of a background election firing mid-test for
// tests that drive RPCs directly rather than exercising the timer-driven
// election path.
func quietOpts() consensus.Options {
	opts := testOpts()
	opts.ElectionTimeout = 10 * time.Second
	return opts
}

func awaitLeader(t *testing.T, instances ...*consensus.Instance) *consensus.Instance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, inst := range instances {
			if inst.IsLeader() {
				return inst
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no leader elected before deadline")
	return nil
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	cfg := consensus.GroupConfiguration{"n1"}
	log := newFakeLog(t, "g1")
	reg := newRegistry()
	inst := consensus.New("n1", "g1", cfg, log, reg, testOpts())
	reg.add("n1", inst)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer inst.Stop(context.Background())

	awaitLeader(t, inst)
}

func TestThreeNodeQuorumElection(t *testing.T) {
	cfg := consensus.GroupConfiguration{"n1", "n2", "n3"}
	reg := newRegistry()

	var instances []*consensus.Instance
	for _, id := range cfg {
		log := newFakeLog(t, "g1")
		inst := consensus.New(id, "g1", cfg, log, reg, testOpts())
		reg.add(id, inst)
		instances = append(instances, inst)
	}

	for _, inst := range instances {
		if err := inst.Start(context.Background()); err != nil {
			t.Fatalf("start %s: %v", inst.Self(), err)
		}
		defer inst.Stop(context.Background())
	}

	leader := awaitLeader(t, instances...)

	leaderCount := 0
	for _, inst := range instances {
		if inst.IsLeader() {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaderCount)
	}

	if _, err := leader.Propose(context.Background(), []consensus.LogEntry{{Payload: []byte("hello")}}); err != nil {
		t.Fatalf("propose: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if leader.Meta().CommitOffset >= 2 { // no-op at election + proposed entry
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("commit offset never advanced: %+v", leader.Meta())
}

func TestStaleVoteRejected(t *testing.T) {
	cfg := consensus.GroupConfiguration{"n1", "n2"}
	log := newFakeLog(t, "g1")
	reg := newRegistry()
	inst := consensus.New("n1", "g1", cfg, log, reg, quietOpts())
	reg.add("n1", inst)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer inst.Stop(context.Background())

	// Advance n1's term past 1 via a vote request from n2 at term 5.
	if _, err := inst.Vote(context.Background(), &consensus.VoteRequest{Group: "g1", NodeId: "n2", Term: 5}); err != nil {
		t.Fatalf("vote: %v", err)
	}

	reply, err := inst.Vote(context.Background(), &consensus.VoteRequest{Group: "g1", NodeId: "n2", Term: 1})
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if reply.Granted {
		t.Fatal("expected stale-term vote request to be rejected")
	}
	if reply.Term != 5 {
		t.Fatalf("expected reply term 5, got %d", reply.Term)
	}
}

func TestLogDivergenceRepair(t *testing.T) {
	cfg := consensus.GroupConfiguration{"n1", "n2"}
	log := newFakeLog(t, "g1")
	reg := newRegistry()
	follower := consensus.New("n1", "g1", cfg, log, reg, quietOpts())
	reg.add("n1", follower)
	if err := follower.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer follower.Stop(context.Background())

	// Seed a diverging history at term 1: offsets 1, 2.
	_, err := follower.AppendEntries(context.Background(), &consensus.AppendEntriesRequest{
		Group: "g1", NodeId: "n2",
		Meta: consensus.AppendEntriesMeta{Term: 1},
		Entries: []consensus.LogEntry{
			{Term: 1, Offset: 1, Kind: consensus.EntryData},
			{Term: 1, Offset: 2, Kind: consensus.EntryData},
		},
	})
	if err != nil {
		t.Fatalf("seed append: %v", err)
	}

	// New leader at term 3 overwrites offset 2 and adds offset 3.
	reply, err := follower.AppendEntries(context.Background(), &consensus.AppendEntriesRequest{
		Group: "g1", NodeId: "n2",
		Meta: consensus.AppendEntriesMeta{Term: 3, PrevLogOffset: 1, PrevLogTerm: 1, CommitOffset: 3},
		Entries: []consensus.LogEntry{
			{Term: 3, Offset: 2, Kind: consensus.EntryData},
			{Term: 3, Offset: 3, Kind: consensus.EntryData},
		},
	})
	if err != nil {
		t.Fatalf("repair append: %v", err)
	}
	if !reply.Success {
		t.Fatalf("expected repair append to succeed, got %+v", reply)
	}

	meta := follower.Meta()
	if meta.PrevLogOffset != 3 || meta.PrevLogTerm != 3 {
		t.Fatalf("unexpected tail after repair: %+v", meta)
	}
	if meta.CommitOffset != 3 {
		t.Fatalf("expected commit offset 3 after repair, got %d", meta.CommitOffset)
	}
}

func TestLeaderStepsDownOnHigherTerm(t *testing.T) {
	cfg := consensus.GroupConfiguration{"n1"}
	log := newFakeLog(t, "g1")
	reg := newRegistry()
	inst := consensus.New("n1", "g1", cfg, log, reg, testOpts())
	reg.add("n1", inst)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer inst.Stop(context.Background())

	awaitLeader(t, inst)

	reply, err := inst.AppendEntries(context.Background(), &consensus.AppendEntriesRequest{
		Group: "g1", NodeId: "n9",
		Meta: consensus.AppendEntriesMeta{Term: inst.Meta().CurrentTerm + 10},
	})
	if err != nil {
		t.Fatalf("append_entries: %v", err)
	}
	if !reply.Success {
		t.Fatalf("expected higher-term append to be accepted, got %+v", reply)
	}
	if inst.IsLeader() {
		t.Fatal("expected instance to step down on observing a higher term")
	}
}

func TestLeaderStepsDownOnDiskError(t *testing.T) {
	cfg := consensus.GroupConfiguration{"n1"}
	log := newFakeLog(t, "g1")
	reg := newRegistry()
	inst := consensus.New("n1", "g1", cfg, log, reg, testOpts())
	reg.add("n1", inst)

	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer inst.Stop(context.Background())

	awaitLeader(t, inst)

	log.mu.Lock()
	log.appendErr = consensus.ErrDiskIO
	log.mu.Unlock()

	_, err := inst.Propose(context.Background(), []consensus.LogEntry{{Kind: consensus.EntryData, Payload: []byte("x")}})
	if err == nil {
		t.Fatal("expected Propose to surface the disk error")
	}
	if inst.IsLeader() {
		t.Fatal("expected leader to step down after a disk error appending its own entry")
	}
}
