// Package heartbeat multiplexes periodic replication ticks across every
// group a process leads, generalized from the teacher's single-group
// Raft.Run/tick/propagateMessages loop (github.com/cube2222/raft/raft.go)
// to the many-groups-per-process shape this core runs under.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"

	"github.com/flowlog/raft/clock"
	"github.com/flowlog/raft/consensus"
)

// Leadable is the slice of *consensus.Instance the manager depends on, kept
// narrow so tests can drive it with a fake.
type Leadable interface {
	GroupID() consensus.GroupId
	Self() consensus.NodeId
	IsLeader() bool
	Config() consensus.GroupConfiguration
	ReplicateToPeer(ctx context.Context, peer consensus.NodeId) error
}

// Options configures the manager's tick cadence and per-tick RPC budget.
type Options struct {
	Interval    time.Duration
	RPCTimeout  time.Duration
	Clock       clock.Clock
	Logger      hclog.Logger
}

func (o *Options) setDefaults() {
	if o.Interval == 0 {
		o.Interval = 50 * time.Millisecond
	}
	if o.RPCTimeout == 0 {
		o.RPCTimeout = 60 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

// Manager drives one process-wide ticker that, on every tick, fans out
// replicate calls to every peer of every currently-led group. It holds no
// durable state of its own; a group's leadership and log data live entirely
// in its consensus.Instance.
type Manager struct {
	opts   Options
	logger hclog.Logger

	mu     sync.RWMutex
	groups map[consensus.GroupId]Leadable

	ticks atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager constructs a Manager. Call Run to start its background ticker.
func NewManager(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		opts:   opts,
		logger: opts.Logger.Named("heartbeat"),
		groups: make(map[consensus.GroupId]Leadable),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds a group to the heartbeat rotation. Safe to call while Run is
// active.
func (m *Manager) Register(instance Leadable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[instance.GroupID()] = instance
}

// Unregister removes a group from the rotation, typically called by the
// Group Manager when it stops an Instance.
func (m *Manager) Unregister(group consensus.GroupId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, group)
}

// Run drives the ticker until ctx is done or Stop is called. It is meant to
// be run in its own goroutine, one per process, mirroring Raft.Run.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := m.opts.Clock.NewTimer(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C():
			m.tick(ctx)
			ticker.Reset(m.opts.Interval)
		}
	}
}

// Stop halts the ticker. Idempotent is not required since a Manager is
// owned by exactly one process lifetime.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Ticks returns the number of heartbeat rounds driven so far.
func (m *Manager) Ticks() int64 {
	return m.ticks.Load()
}

// tick fans out one replication round to every peer of every led group,
// mirroring propagateMessages generalized from one group to N.
func (m *Manager) tick(parent context.Context) {
	m.ticks.Inc()

	m.mu.RLock()
	instances := make([]Leadable, 0, len(m.groups))
	for _, inst := range m.groups {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(parent, m.opts.RPCTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, inst := range instances {
		if !inst.IsLeader() {
			continue
		}
		for _, peer := range inst.Config().Others(inst.Self()) {
			wg.Add(1)
			go func(inst Leadable, peer consensus.NodeId) {
				defer wg.Done()
				if err := inst.ReplicateToPeer(ctx, peer); err != nil {
					m.logger.Debug("replicate tick failed", "group", inst.GroupID(), "peer", peer, "error", err)
				}
			}(inst, peer)
		}
	}
	wg.Wait()
}
