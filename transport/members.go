package transport

import (
	"fmt"
	"log"

	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"

	"github.com/flowlog/raft/consensus"
)

// Membership resolves NodeIds to dialable addresses via serf gossip,
// grounded on the teacher's cluster.Cluster. A Consensus Instance's
// GroupConfiguration only ever names NodeIds; it is Membership plus the
// Cache above that stands in for the spec's Connection Cache external
// interface.
type Membership struct {
	serf *serf.Serf
	port int
}

// NewMembership joins (or, failing that, seeds) a serf cluster as member
// localNode. rpcPort is not advertised to other members: Resolve assumes
// every member serves RPCs on this same port.
func NewMembership(localNode, bindAddr string, rpcPort int, joinAddrs []string) (*Membership, error) {
	conf := serf.DefaultConfig()
	conf.Init()
	conf.MemberlistConfig.Name = localNode
	conf.MemberlistConfig.BindAddr = bindAddr

	cluster, err := serf.Create(conf)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create membership cluster")
	}

	if len(joinAddrs) > 0 {
		if _, err := cluster.Join(joinAddrs, true); err != nil {
			log.Printf("couldn't join existing cluster, starting own: %v", err)
		}
	}

	return &Membership{serf: cluster, port: rpcPort}, nil
}

// Resolve implements MemberResolver.
func (m *Membership) Resolve(node consensus.NodeId) (string, error) {
	for _, member := range m.serf.Members() {
		if member.Name == string(node) && member.Status == serf.StatusAlive {
			return fmt.Sprintf("%s:%d", member.Addr, m.port), nil
		}
	}
	return "", errors.Errorf("couldn't find live member %q", node)
}

// LocalNode returns this process's own membership name.
func (m *Membership) LocalNode() string {
	return m.serf.LocalMember().Name
}

// Leave gracefully removes this node from the membership cluster, for use
// during a clean process shutdown.
func (m *Membership) Leave() error {
	return m.serf.Leave()
}
