// Package group is the lifecycle owner of Consensus Instances: it starts
// and stops them, wires each one to the shared Heartbeat Manager and
// Connection Cache, and fans out leadership-change notifications to
// interested subscribers. Generalized from the teacher's single-Raft
// wiring in cmd/main.go into a per-group registry.
package group

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/flowlog/raft/consensus"
	"github.com/flowlog/raft/heartbeat"
)

// LogFactory builds the durable Log for a given group, so the manager can create
// groups on demand without its callers reaching into storage directly.
type LogFactory func(group consensus.GroupId) (consensus.Log, error)

// Manager owns every Consensus Instance running in this process.
type Manager struct {
	self       consensus.NodeId
	transport  consensus.PeerTransport
	heartbeats *heartbeat.Manager
	logFactory LogFactory
	opts       consensus.Options
	logger     hclog.Logger
	metrics    *Metrics

	mu             sync.RWMutex
	instances      map[consensus.GroupId]*consensus.Instance
	metricsStop    map[consensus.GroupId]chan struct{}
	notify         []leadershipSubscription
	nextSubscriber SubscriptionId
}

// LeadershipCallback is invoked, in registration order, once for every
// leadership change in every group this manager runs — not just one group —
// per spec §4.3's shard-wide register_leadership_notification. currentLeader
// is nil when the group has no known leader. Callbacks are invoked
// synchronously from the instance's own goroutine and must not block.
type LeadershipCallback func(group consensus.GroupId, term consensus.Term, currentLeader *consensus.NodeId)

// SubscriptionId identifies one registered LeadershipCallback, returned by
// RegisterLeadershipNotification and consumed by
// UnregisterLeadershipNotification.
type SubscriptionId uint64

type leadershipSubscription struct {
	id SubscriptionId
	cb LeadershipCallback
}

// NewManager constructs a group Manager. The heartbeat Manager and
// connection cache (wrapped by transport) are shared process-wide
// dependencies; logFactory opens or creates per-group durable storage.
func NewManager(self consensus.NodeId, transport consensus.PeerTransport, heartbeats *heartbeat.Manager, logFactory LogFactory, opts consensus.Options, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		self:        self,
		transport:   transport,
		heartbeats:  heartbeats,
		logFactory:  logFactory,
		opts:        opts,
		logger:      logger.Named("group"),
		metrics:     NewMetrics(),
		instances:   make(map[consensus.GroupId]*consensus.Instance),
		metricsStop: make(map[consensus.GroupId]chan struct{}),
	}
}

// StartGroup creates (if needed) and starts a Consensus Instance for group
// under the given voting configuration, registers it with the Heartbeat
// Manager, wires its leadership notifications to this manager's
// subscribers and to the elections_total/is_leader/current_term
// collectors, and starts the poller that refreshes the commit_offset and
// replication_lag_offsets gauges.
func (m *Manager) StartGroup(ctx context.Context, group consensus.GroupId, cfg consensus.GroupConfiguration) (*consensus.Instance, error) {
	m.mu.Lock()
	if existing, ok := m.instances[group]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	log, err := m.logFactory(group)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't open log for group %s", group)
	}

	instance := consensus.New(m.self, group, cfg, log, m.transport, m.opts)
	instance.OnLeadershipChange(func(status consensus.LeadershipStatus) {
		m.metrics.ObserveLeadershipChange(status)
		m.fanOut(status)
	})

	if err := instance.Start(ctx); err != nil {
		return nil, errors.Wrapf(err, "couldn't start group %s", group)
	}

	stop := make(chan struct{})
	m.mu.Lock()
	m.instances[group] = instance
	m.metricsStop[group] = stop
	m.mu.Unlock()

	m.heartbeats.Register(instance)
	go m.pollProgress(instance, stop)
	m.logger.Info("group started", "group", group)
	return instance, nil
}

// pollProgress periodically refreshes the commit_offset and
// replication_lag_offsets gauges from the instance's own accessors, since
// those fields change continuously (not just on leadership transitions)
// and so are not covered by OnLeadershipChange's event-driven updates.
func (m *Manager) pollProgress(instance *consensus.Instance, stop <-chan struct{}) {
	interval := m.opts.HeartbeatInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.metrics.ObserveProgress(instance.GroupID(), instance.Meta(), instance.Progress())
		}
	}
}

// StopGroup stops the group's Instance (if running), deregisters it from
// the Heartbeat Manager, and erases it from the registry unconditionally —
// even if Stop returns an error, per the teardown ordering stop → deregister
// → erase, so a failed stop never leaves a zombie entry blocking restart.
func (m *Manager) StopGroup(ctx context.Context, group consensus.GroupId) error {
	m.mu.Lock()
	instance, ok := m.instances[group]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	stopErr := instance.Stop(ctx)

	m.heartbeats.Unregister(group)

	m.mu.Lock()
	if stop, ok := m.metricsStop[group]; ok {
		close(stop)
	}
	delete(m.instances, group)
	delete(m.metricsStop, group)
	m.mu.Unlock()

	m.logger.Info("group stopped", "group", group)
	return stopErr
}

// Metrics returns the Prometheus collectors this manager updates, for
// registration with a prometheus.Registerer by the owning process.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Group returns the running Instance for group, if any.
func (m *Manager) Group(group consensus.GroupId) (*consensus.Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	instance, ok := m.instances[group]
	return instance, ok
}

// Groups returns every group currently managed, for fan-out operations
// like serving RPCs or collecting metrics.
func (m *Manager) Groups() []consensus.GroupId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]consensus.GroupId, 0, len(m.instances))
	for g := range m.instances {
		out = append(out, g)
	}
	return out
}

// RegisterLeadershipNotification subscribes cb to every future leadership
// change in any group this manager runs, per spec §4.3's shard-wide
// subscription model (not scoped to one group). Returns an opaque
// SubscriptionId to pass to UnregisterLeadershipNotification.
func (m *Manager) RegisterLeadershipNotification(cb LeadershipCallback) SubscriptionId {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubscriber++
	id := m.nextSubscriber
	m.notify = append(m.notify, leadershipSubscription{id: id, cb: cb})
	return id
}

// UnregisterLeadershipNotification removes a previously registered callback
// by the SubscriptionId returned from RegisterLeadershipNotification. A
// no-op if id is unknown, e.g. already unregistered.
func (m *Manager) UnregisterLeadershipNotification(id SubscriptionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, sub := range m.notify {
		if sub.id == id {
			m.notify = append(m.notify[:idx], m.notify[idx+1:]...)
			return
		}
	}
}

// fanOut invokes every registered callback, in registration order, for one
// group's leadership change. Callbacks run synchronously on the calling
// instance's own goroutine; a slow callback delays that instance's other
// subscribers and its own next leadership transition, per the callback's
// documented non-blocking contract.
func (m *Manager) fanOut(status consensus.LeadershipStatus) {
	m.mu.RLock()
	subs := append([]leadershipSubscription(nil), m.notify...)
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.cb(status.Group, status.Term, status.CurrentLeader)
	}
}

// ConsensusServer adapts the Manager to transport.ConsensusServer,
// dispatching an incoming Vote or AppendEntries RPC to the named group.
func (m *Manager) Vote(ctx context.Context, req *consensus.VoteRequest) (*consensus.VoteReply, error) {
	instance, ok := m.Group(req.Group)
	if !ok {
		return nil, errors.Errorf("unknown group %s", req.Group)
	}
	return instance.Vote(ctx, req)
}

func (m *Manager) AppendEntries(ctx context.Context, req *consensus.AppendEntriesRequest) (*consensus.AppendEntriesReply, error) {
	instance, ok := m.Group(req.Group)
	if !ok {
		return nil, errors.Errorf("unknown group %s", req.Group)
	}
	return instance.AppendEntries(ctx, req)
}
