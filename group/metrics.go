package group

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowlog/raft/consensus"
)

// Metrics holds the Prometheus collectors the group Manager updates as
// groups change leader and as its per-group poller samples replication
// state. The caller (typically cmd/raftnode) registers them with a
// registry of its choosing via Collectors().
type Metrics struct {
	electionsTotal        *prometheus.CounterVec
	isLeader              *prometheus.GaugeVec
	currentTerm           *prometheus.GaugeVec
	commitOffset          *prometheus.GaugeVec
	replicationLagOffsets *prometheus.GaugeVec
}

// NewMetrics builds an unregistered Metrics set.
func NewMetrics() *Metrics {
	return &Metrics{
		electionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowlog_raft",
			Name:      "elections_total",
			Help:      "Number of times a node has become leader of a group.",
		}, []string{"group"}),
		isLeader: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowlog_raft",
			Name:      "is_leader",
			Help:      "1 if this node currently believes it is leader of the group, else 0.",
		}, []string{"group"}),
		currentTerm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowlog_raft",
			Name:      "current_term",
			Help:      "Current term observed for the group.",
		}, []string{"group"}),
		commitOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowlog_raft",
			Name:      "commit_offset",
			Help:      "Highest committed log offset observed for the group.",
		}, []string{"group"}),
		replicationLagOffsets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowlog_raft",
			Name:      "replication_lag_offsets",
			Help:      "Offsets a peer's match_offset trails the leader's last log offset by.",
		}, []string{"group", "peer"}),
	}
}

// Collectors returns every collector, for registration with a
// prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.electionsTotal, m.isLeader, m.currentTerm,
		m.commitOffset, m.replicationLagOffsets,
	}
}

// ObserveLeadershipChange updates collectors from a leadership transition
// callback. It is the only write path into elections_total, is_leader and
// current_term, keeping them consistent with the same events fanned out to
// subscribers.
func (m *Metrics) ObserveLeadershipChange(status consensus.LeadershipStatus) {
	group := string(status.Group)
	m.currentTerm.WithLabelValues(group).Set(float64(status.Term))

	becameLeader := status.CurrentLeader != nil
	if becameLeader {
		m.electionsTotal.WithLabelValues(group).Inc()
		m.isLeader.WithLabelValues(group).Set(1)
	} else {
		m.isLeader.WithLabelValues(group).Set(0)
	}
}

// ObserveProgress updates the commit_offset and replication_lag_offsets
// gauges from a periodic snapshot of a group's replication state. progress
// is empty when the instance is not Leader, in which case no peer lag is
// reported (only this node's own commit_offset).
func (m *Metrics) ObserveProgress(group consensus.GroupId, meta consensus.ProtocolMetadata, progress map[consensus.NodeId]consensus.FollowerProgress) {
	groupLabel := string(group)
	m.commitOffset.WithLabelValues(groupLabel).Set(float64(meta.CommitOffset))

	for peer, p := range progress {
		lag := meta.PrevLogOffset - p.MatchOffset
		if lag < 0 {
			lag = 0
		}
		m.replicationLagOffsets.WithLabelValues(groupLabel, string(peer)).Set(float64(lag))
	}
}
