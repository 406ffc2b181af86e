package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowlog/raft/consensus"
	"github.com/flowlog/raft/internal/memlog"
)

func newDebugLogCmd() *cobra.Command {
	var dataDir, group string

	cmd := &cobra.Command{
		Use:   "debug-log",
		Short: "Dump a group's on-disk log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := memlog.Open(dataDir, consensus.GroupId(group))
			if err != nil {
				return err
			}
			entries, err := log.Read(context.Background(), 1, 1<<30)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("offset=%d term=%d kind=%s payload_len=%d\n", e.Offset, e.Term, e.Kind, len(e.Payload))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data", "/var/lib/flowlog-raft", "raftnode data directory")
	cmd.Flags().StringVar(&group, "group", "default", "group id to dump")
	return cmd
}
