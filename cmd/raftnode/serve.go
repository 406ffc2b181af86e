package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/satori/go.uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/flowlog/raft/config"
	"github.com/flowlog/raft/consensus"
	"github.com/flowlog/raft/group"
	"github.com/flowlog/raft/heartbeat"
	"github.com/flowlog/raft/internal/memlog"
	"github.com/flowlog/raft/internal/replicator"
	"github.com/flowlog/raft/transport"
)

const defaultGroup consensus.GroupId = "default"

func newServeCmd() *cobra.Command {
	var members string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a raftnode process, replicating a single default group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.NodeName == "" {
				hostname, err := os.Hostname()
				if err != nil {
					return errors.Wrap(err, "couldn't determine node name")
				}
				cfg.NodeName = hostname
			}

			groupCfg := parseMembers(members, cfg.NodeName)
			return runServe(cfg, groupCfg)
		},
	}
	cmd.Flags().StringVar(&members, "group-members", "", "comma-separated NodeIds of the default group's voting configuration (local node is added automatically)")
	return cmd
}

func parseMembers(csv string, self string) consensus.GroupConfiguration {
	cfg := consensus.GroupConfiguration{consensus.NodeId(self)}
	if csv == "" {
		return cfg
	}
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		if m == "" || m == self {
			continue
		}
		cfg = append(cfg, consensus.NodeId(m))
	}
	return cfg
}

func runServe(cfg *config.Config, groupCfg consensus.GroupConfiguration) error {
	logger := hclog.New(&hclog.LoggerOptions{Name: "raftnode", Level: hclog.Info})

	ctx, cancel := signalContext()
	defer cancel()

	members, err := transport.NewMembership(cfg.NodeName, cfg.BindAddr, cfg.RPCPort, joinAddrs(cfg))
	if err != nil {
		return errors.Wrap(err, "couldn't start membership")
	}
	defer members.Leave()

	cache := transport.NewCache(ctx, members, grpc.WithDefaultCallOptions())

	opts := consensus.Options{
		ElectionTimeout:        cfg.ElectionTimeout,
		ElectionTimeoutJitter:  cfg.ElectionTimeoutJitter,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		DiskTimeout:            cfg.DiskTimeout,
		ReplicateBatchMaxBytes: cfg.ReplicateBatchMaxBytes,
		FsyncMode:              cfg.FsyncMode,
		Logger:                 logger,
	}

	hbManager := heartbeat.NewManager(heartbeat.Options{
		Interval: cfg.HeartbeatInterval,
		Logger:   logger,
	})
	go hbManager.Run(ctx)
	defer hbManager.Stop()

	logFactory := func(g consensus.GroupId) (consensus.Log, error) {
		return memlog.Open(cfg.DataDir, g)
	}

	groupManager := group.NewManager(consensus.NodeId(cfg.NodeName), cache, hbManager, logFactory, opts, logger)

	store := replicator.NewStore()

	instance, err := groupManager.StartGroup(ctx, defaultGroup, groupCfg)
	if err != nil {
		return errors.Wrap(err, "couldn't start default group")
	}
	if err := instance.RegisterHook(ctx, store); err != nil {
		return errors.Wrap(err, "couldn't register replicator hook")
	}
	defer groupManager.StopGroup(context.Background(), defaultGroup)

	registry := prometheus.NewRegistry()
	for _, c := range groupManager.Metrics().Collectors() {
		registry.MustRegister(c)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.RPCPort))
	if err != nil {
		return errors.Wrap(err, "couldn't bind RPC listener")
	}
	grpcServer := grpc.NewServer()
	transport.RegisterConsensusServer(grpcServer, groupManager)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	debugMux := mux.NewRouter()
	debugMux.HandleFunc("/debug", debugHandler(instance)).Methods(http.MethodGet)
	debugMux.HandleFunc("/{collection}/{id}", putHandler(instance)).Methods(http.MethodPut)
	debugMux.HandleFunc("/{collection}/{id}", clearHandler(instance)).Methods(http.MethodDelete)
	debugMux.HandleFunc("/{collection}/{id}", getHandler(store)).Methods(http.MethodGet)
	debugMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	debugServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.DebugPort), Handler: debugMux}
	go func() {
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server stopped", "error", err)
		}
	}()
	defer debugServer.Close()

	fmt.Println("raftnode running. Press Ctrl+C to exit.")
	<-ctx.Done()
	return nil
}

func joinAddrs(cfg *config.Config) []string {
	if cfg.ClusterAddress == "" {
		return nil
	}
	return []string{cfg.ClusterAddress}
}

func debugHandler(instance *consensus.Instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta := instance.Meta()
		fmt.Fprintf(w, "group: %s\nterm: %d\ncommit_offset: %d\nprev_log_offset: %d\nis_leader: %v\n",
			meta.Group, meta.CurrentTerm, meta.CommitOffset, meta.PrevLogOffset, instance.IsLeader())
	}
}

func putHandler(instance *consensus.Instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var object interface{}
		if err := json.Unmarshal(body, &object); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "bad json body: %v", err)
			return
		}
		payload, err := replicator.EncodePut(replicator.PutOp{Collection: vars["collection"], ID: vars["id"], Object: object})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		propose(w, r.Context(), instance, payload)
	}
}

func clearHandler(instance *consensus.Instance) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		payload, err := replicator.EncodeClear(replicator.ClearOp{Collection: vars["collection"], ID: vars["id"]})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		propose(w, r.Context(), instance, payload)
	}
}

func getHandler(store *replicator.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		obj, ok := store.Get(vars["collection"], vars["id"])
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewEncoder(w).Encode(obj); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// propose appends payload as a new entry via the leader's Propose path. Not
// leader-forwarding: a client hitting a follower gets the current leader's
// identity back so it can retry there itself, instead of this node silently
// proxying the write — a wire-protocol front-end is out of scope.
func propose(w http.ResponseWriter, ctx context.Context, instance *consensus.Instance, payload []byte) {
	requestID := uuid.NewV4().String()
	w.Header().Set("X-Request-Id", requestID)

	_, err := instance.Propose(ctx, []consensus.LogEntry{{Kind: consensus.EntryData, Payload: payload}})
	if err != nil {
		var notLeader *consensus.NotLeaderError
		if errors.As(err, &notLeader) {
			leader := "unknown"
			if notLeader.Leader != nil {
				leader = string(*notLeader.Leader)
			}
			w.WriteHeader(http.StatusMisdirectedRequest)
			fmt.Fprintf(w, "not leader, current leader: %s", leader)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "couldn't propose entry: %v", err)
		return
	}
	fmt.Fprint(w, "accepted")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
