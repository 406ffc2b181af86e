package heartbeat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowlog/raft/consensus"
	"github.com/flowlog/raft/heartbeat"
)

// fakeInstance is the heartbeat.Leadable fake: it records every peer it was
// asked to replicate to, the DummyMsger-equivalent for this package.
type fakeInstance struct {
	group    consensus.GroupId
	self     consensus.NodeId
	cfg      consensus.GroupConfiguration
	isLeader bool

	mu    sync.Mutex
	calls []consensus.NodeId
}

func (f *fakeInstance) GroupID() consensus.GroupId          { return f.group }
func (f *fakeInstance) Self() consensus.NodeId              { return f.self }
func (f *fakeInstance) IsLeader() bool                      { return f.isLeader }
func (f *fakeInstance) Config() consensus.GroupConfiguration { return f.cfg }

func (f *fakeInstance) ReplicateToPeer(ctx context.Context, peer consensus.NodeId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, peer)
	return nil
}

func (f *fakeInstance) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestManagerReplicatesOnlyLedGroups(t *testing.T) {
	leader := &fakeInstance{group: "led", self: "n1", cfg: consensus.GroupConfiguration{"n1", "n2", "n3"}, isLeader: true}
	follower := &fakeInstance{group: "followed", self: "n1", cfg: consensus.GroupConfiguration{"n1", "n2"}, isLeader: false}

	m := heartbeat.NewManager(heartbeat.Options{Interval: 5 * time.Millisecond})
	m.Register(leader)
	m.Register(follower)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && leader.callCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if leader.callCount() == 0 {
		t.Fatal("expected the led group to receive replicate ticks")
	}
	if follower.callCount() != 0 {
		t.Fatal("expected the non-led group to receive no replicate ticks")
	}
}

func TestManagerUnregisterStopsTicks(t *testing.T) {
	leader := &fakeInstance{group: "g", self: "n1", cfg: consensus.GroupConfiguration{"n1", "n2"}, isLeader: true}

	m := heartbeat.NewManager(heartbeat.Options{Interval: 5 * time.Millisecond})
	m.Register(leader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) && leader.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if leader.callCount() == 0 {
		t.Fatal("expected at least one tick before unregister")
	}

	m.Unregister("g")
	time.Sleep(20 * time.Millisecond)
	countAfter := leader.callCount()
	time.Sleep(50 * time.Millisecond)
	if leader.callCount() != countAfter {
		t.Fatal("expected no further ticks after unregister")
	}
}
