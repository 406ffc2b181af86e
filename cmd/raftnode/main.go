// Command raftnode wires config, transport, the reference log, the
// consensus core, the heartbeat manager and the group manager into a
// single running process, generalized from the teacher's cmd/main.go
// single-Raft wiring to the many-groups-per-process shape of this core.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "raftnode",
		Short:         "flowlog-raft node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newDebugLogCmd())
	return root
}
