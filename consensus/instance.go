package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/flowlog/raft/clock"
)

// Options configures a group's election and replication timing, mirroring
// the raft_* configuration options from the external interfaces section.
type Options struct {
	ElectionTimeout        time.Duration
	ElectionTimeoutJitter  float64
	HeartbeatInterval      time.Duration
	DiskTimeout            time.Duration
	ReplicateBatchMaxBytes int
	FsyncMode              FsyncMode
	IoPriority             IoPriority
	Clock                  clock.Clock
	Logger                 hclog.Logger
}

func (o *Options) setDefaults() {
	if o.ElectionTimeout == 0 {
		o.ElectionTimeout = 300 * time.Millisecond
	}
	if o.ElectionTimeoutJitter == 0 {
		o.ElectionTimeoutJitter = 1.0
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = o.ElectionTimeout / 6
	}
	if o.DiskTimeout == 0 {
		o.DiskTimeout = 500 * time.Millisecond
	}
	if o.ReplicateBatchMaxBytes == 0 {
		o.ReplicateBatchMaxBytes = 512 * 1024
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

// Instance is one Consensus Instance: the owner of a single replication
// group's durable state, vote state machine, per-follower replication
// state and commit-index advancement. Generalized from the teacher's
// single-group Raft struct (github.com/cube2222/raft/raft.Raft).
type Instance struct {
	self      NodeId
	group     GroupId
	cfg       GroupConfiguration
	log       Log
	transport PeerTransport
	opts      Options
	logger    hclog.Logger

	gate *gate

	// mu protects every field below, giving readers (IsLeader, Meta,
	// Config) an atomic snapshot without going through the gate, per
	// "readers use atomic snapshots of VoteState and ProtocolMetadata".
	mu            sync.RWMutex
	state         VoteState
	currentTerm   Term
	votedFor      *NodeId
	currentLeader *NodeId
	prevLogOffset LogOffset
	prevLogTerm   Term
	commitOffset  LogOffset

	progress map[NodeId]*FollowerProgress

	hooks []CommitHook

	electionTimer    clock.Timer
	electionDeadline time.Time

	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	onLeadershipChange func(LeadershipStatus)
}

// New constructs a Consensus Instance for group with the given voting
// configuration, self identity, durable log and peer transport. The
// instance is not started until Start is called.
func New(self NodeId, group GroupId, cfg GroupConfiguration, log Log, transport PeerTransport, opts Options) *Instance {
	opts.setDefaults()
	return &Instance{
		self:      self,
		group:     group,
		cfg:       cfg,
		log:       log,
		transport: transport,
		opts:      opts,
		logger:    opts.Logger.Named("consensus").With("group", string(group), "node", string(self)),
		gate:      newGate(),
		state:     Follower,
		progress:  make(map[NodeId]*FollowerProgress),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// OnLeadershipChange registers the single callback invoked whenever this
// instance's leadership status changes. Used by the Group Manager to fan
// out notifications; not part of the public RPC surface.
func (i *Instance) OnLeadershipChange(fn func(LeadershipStatus)) {
	i.mu.Lock()
	i.onLeadershipChange = fn
	i.mu.Unlock()
}

// Start recovers durable state, installs a jittered election timer and
// enters Follower state. Fails with RecoveryError if the voted_for record
// is corrupt or the log tail term disagrees with recovered metadata.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.gate.Acquire(ctx); err != nil {
		return err
	}
	defer i.gate.Release()

	rec, err := loadVotedFor(i.log.BaseDirectory())
	if err != nil {
		return &RecoveryError{Cause: err}
	}

	lastOffset := i.log.LastOffset()
	lastTerm, ok := i.log.TermAt(lastOffset)
	if lastOffset > 0 && !ok {
		return &RecoveryError{Cause: errors.Errorf("log tail at offset %d has no term", lastOffset)}
	}

	i.mu.Lock()
	i.currentTerm = rec.Term
	if lastTerm > i.currentTerm {
		i.currentTerm = lastTerm
	}
	i.votedFor = rec.VotedFor
	i.state = Follower
	i.prevLogOffset = lastOffset
	i.prevLogTerm = lastTerm
	i.started = true
	i.mu.Unlock()

	i.resetElectionTimer()

	go i.runLoop()

	i.logger.Info("started", "term", rec.Term, "last_offset", lastOffset)
	return nil
}

// Stop cancels timers, drains the background gate, and releases resources.
// Idempotent.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	timer := i.electionTimer
	i.mu.Unlock()

	close(i.stopCh)
	if timer != nil {
		timer.Stop()
	}

	select {
	case <-i.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	i.gate.Close()
	i.logger.Info("stopped")
	return nil
}

// IsLeader is a pure accessor, safe concurrent with the operation lock.
func (i *Instance) IsLeader() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state == Leader
}

// Meta returns an atomic snapshot of the group's replication metadata.
func (i *Instance) Meta() ProtocolMetadata {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return ProtocolMetadata{
		Group:         i.group,
		CurrentTerm:   i.currentTerm,
		PrevLogOffset: i.prevLogOffset,
		PrevLogTerm:   i.prevLogTerm,
		CommitOffset:  i.commitOffset,
	}
}

// Progress returns a snapshot of leader-only per-peer replication
// bookkeeping, keyed by peer NodeId. Empty if this instance is not
// currently Leader. Used by the Group Manager to derive replication-lag
// metrics without reaching into Instance internals.
func (i *Instance) Progress() map[NodeId]FollowerProgress {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[NodeId]FollowerProgress, len(i.progress))
	for peer, p := range i.progress {
		out[peer] = *p
	}
	return out
}

// Config returns the group's voting configuration.
func (i *Instance) Config() GroupConfiguration {
	return i.cfg
}

// GroupID returns the group this instance belongs to.
func (i *Instance) GroupID() GroupId { return i.group }

// Self returns this instance's own NodeId within its group configuration.
func (i *Instance) Self() NodeId { return i.self }

// Ntp is an alias for GroupID, matching the source platform's naming for
// "namespace/topic/partition".
func (i *Instance) Ntp() GroupId { return i.group }

// CurrentLeader returns the last known leader for this group, if any.
func (i *Instance) CurrentLeader() *NodeId {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.currentLeader
}

// RegisterHook attaches an observer; hooks are invoked synchronously under
// the operation lock in registration order.
func (i *Instance) RegisterHook(ctx context.Context, hook CommitHook) error {
	if err := i.gate.Acquire(ctx); err != nil {
		return err
	}
	defer i.gate.Release()
	i.mu.Lock()
	i.hooks = append(i.hooks, hook)
	i.mu.Unlock()
	return nil
}

// ProcessHeartbeat updates a follower's LastContact from an AppendEntries
// reply. Per the open question in the design notes, this is informational
// only: match_offset advancement is deferred to replies for non-empty
// batches, handled in replication.go's applyAppendReply. The Heartbeat
// Manager does not call this method: its ticks go through ReplicateToPeer,
// whose applyAppendReply records LastContact itself.
func (i *Instance) ProcessHeartbeat(peer NodeId, reply *AppendEntriesReply) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != Leader {
		return
	}
	if p, ok := i.progress[peer]; ok {
		p.LastContact = i.opts.Clock.Now()
	}
}

// resetElectionTimer rearms the election timer with fresh jitter. Safe to
// call from any goroutine; it takes the state mutex itself.
func (i *Instance) resetElectionTimer() {
	timeout := clock.Jitter(i.opts.ElectionTimeout, i.opts.ElectionTimeoutJitter)

	i.mu.Lock()
	i.electionDeadline = i.opts.Clock.Now().Add(timeout)
	if i.electionTimer == nil {
		i.electionTimer = i.opts.Clock.NewTimer(timeout)
	} else {
		i.electionTimer.Stop()
		i.electionTimer.Reset(timeout)
	}
	i.mu.Unlock()
}

// runLoop is the instance's own background goroutine, firing a new
// election dispatch whenever the election timer elapses. One goroutine per
// instance mirrors the teacher's single Run() tick loop, generalized from a
// fixed-rate ticker to an explicit, resettable timer.
func (i *Instance) runLoop() {
	defer close(i.doneCh)
	for {
		i.mu.RLock()
		timer := i.electionTimer
		i.mu.RUnlock()

		select {
		case <-i.stopCh:
			return
		case <-timer.C():
			i.onElectionTimeout()
		}
	}
}

func (i *Instance) onElectionTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), i.opts.ElectionTimeout)
	defer cancel()

	if err := i.gate.Acquire(ctx); err != nil {
		return
	}
	defer i.gate.Release()

	i.mu.RLock()
	state := i.state
	i.mu.RUnlock()

	if state == Leader {
		return
	}

	i.dispatchElection(ctx)
}

func (i *Instance) emitLeadershipChange() {
	i.mu.RLock()
	status := LeadershipStatus{Group: i.group, Term: i.currentTerm, CurrentLeader: i.currentLeader}
	fn := i.onLeadershipChange
	i.mu.RUnlock()
	if fn != nil {
		fn(status)
	}
}

// stepDown transitions to Follower under a higher observed term. Caller
// must hold the gate.
func (i *Instance) stepDown(term Term) {
	i.mu.Lock()
	wasLeader := i.state == Leader
	i.state = Follower
	i.currentTerm = term
	i.votedFor = nil
	i.currentLeader = nil
	i.progress = make(map[NodeId]*FollowerProgress)
	i.mu.Unlock()

	if err := persistVotedFor(i.log.BaseDirectory(), VotedForRecord{Term: term}); err != nil {
		i.logger.Error("couldn't persist cleared vote on step down", "error", err)
	}

	i.resetElectionTimer()

	if wasLeader {
		i.emitLeadershipChange()
	}
}
