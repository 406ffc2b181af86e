// Package config loads process configuration from the environment,
// mirroring the teacher's cmd/config.go use of envconfig.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"

	"github.com/flowlog/raft/consensus"
)

// Config is the full set of environment-driven settings for a raftnode
// process. Field names map to RAFT_* environment variables via envconfig's
// default naming.
type Config struct {
	// NodeName is this process's identity within both the serf membership
	// cluster and every group's GroupConfiguration. Defaults to hostname if
	// unset, resolved by the caller.
	NodeName string `envconfig:"node_name"`

	// ClusterAddress is a known-member address used to join the gossip
	// cluster; if unreachable, this node starts its own cluster.
	ClusterAddress string `envconfig:"cluster_address"`
	BindAddr       string `envconfig:"bind_addr" default:"0.0.0.0"`
	RPCPort        int    `envconfig:"rpc_port" default:"8001"`
	DebugPort      int    `envconfig:"debug_port" default:"8002"`

	DataDir string `envconfig:"data_dir" default:"/var/lib/flowlog-raft"`

	ElectionTimeout       time.Duration `envconfig:"election_timeout" default:"300ms"`
	ElectionTimeoutJitter float64       `envconfig:"election_timeout_jitter" default:"1.0"`
	HeartbeatInterval     time.Duration `envconfig:"heartbeat_interval" default:"50ms"`
	DiskTimeout           time.Duration `envconfig:"disk_timeout" default:"500ms"`
	ReplicateBatchMaxBytes int          `envconfig:"replicate_batch_max_bytes" default:"524288"`

	// FsyncMode is one of {always, on-commit, never}, per raft_fsync_mode.
	FsyncMode consensus.FsyncMode `envconfig:"fsync_mode" default:"always"`

	MetricsAddr string `envconfig:"metrics_addr" default:":9090"`
}

// Load reads Config from environment variables prefixed RAFT_.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("raft", &c); err != nil {
		return nil, errors.Wrap(err, "couldn't load configuration from environment")
	}
	return &c, nil
}
