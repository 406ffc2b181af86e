// Package transport is the reference Connection Cache and peer RPC
// implementation: a pool of gRPC channels to peer nodes providing Vote and
// AppendEntries calls. Channels are dialed with grpc.WithInsecure, so they
// carry no transport security and no peer authentication. It is a capability
// parameter, not a singleton — inject a fake consensus.PeerTransport in
// tests to simulate partitions and reorderings, per the design notes.
package transport

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/flowlog/raft/consensus"
)

// MemberResolver translates a NodeId into a dialable address. The
// reference implementation in members.go backs this with serf gossip
// membership, mirroring the teacher's cluster.Cluster.
type MemberResolver interface {
	Resolve(node consensus.NodeId) (address string, err error)
}

// Cache is a pool of gRPC connections keyed by NodeId, built as a single
// request/response worker loop so concurrent dialers to the same peer share
// one in-flight Dial, grounded directly on the teacher's grpccache.Cache.
// Connections live until ctx is done, same as the teacher: no per-peer
// reference counting or idle eviction, since group membership here is
// static for a running process (see Non-goals).
type Cache struct {
	resolver MemberResolver
	dialOpts []grpc.DialOption

	requests chan *connectionRequest
}

type connectionRequest struct {
	ctx          context.Context
	node         consensus.NodeId
	responseChan chan<- *finishedConnection
}

type finishedConnection struct {
	node       consensus.NodeId
	connection *grpc.ClientConn
	err        error
}

// NewCache starts the cache's worker loop, which runs until ctx is done.
func NewCache(ctx context.Context, resolver MemberResolver, dialOpts ...grpc.DialOption) *Cache {
	cache := &Cache{
		resolver: resolver,
		dialOpts: dialOpts,
		requests: make(chan *connectionRequest),
	}
	go cache.loop(ctx)
	return cache
}

// Vote implements consensus.PeerTransport.
func (c *Cache) Vote(ctx context.Context, peer consensus.NodeId, req *consensus.VoteRequest) (*consensus.VoteReply, error) {
	conn, err := c.getConnection(ctx, peer)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't get connection to %s", peer)
	}
	return newConsensusClient(conn).Vote(ctx, req)
}

// AppendEntries implements consensus.PeerTransport.
func (c *Cache) AppendEntries(ctx context.Context, peer consensus.NodeId, req *consensus.AppendEntriesRequest) (*consensus.AppendEntriesReply, error) {
	conn, err := c.getConnection(ctx, peer)
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't get connection to %s", peer)
	}
	return newConsensusClient(conn).AppendEntries(ctx, req)
}

func (c *Cache) getConnection(ctx context.Context, node consensus.NodeId) (*grpc.ClientConn, error) {
	responseChan := make(chan *finishedConnection)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case c.requests <- &connectionRequest{ctx: ctx, node: node, responseChan: responseChan}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-responseChan:
		return res.connection, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) loop(ctx context.Context) {
	connections := make(map[consensus.NodeId]*grpc.ClientConn)
	waiting := make(map[consensus.NodeId][]*connectionRequest)
	finished := make(chan *finishedConnection)

	for {
		select {
		case req := <-c.requests:
			if conn, ok := connections[req.node]; ok {
				deliver(req, &finishedConnection{node: req.node, connection: conn}, ctx)
				continue
			}

			if already, ok := waiting[req.node]; ok {
				waiting[req.node] = append(already, req)
				continue
			}

			waiting[req.node] = []*connectionRequest{req}
			go c.dial(ctx, req.node, finished)

		case conn := <-finished:
			if conn.err == nil {
				connections[conn.node] = conn.connection
			}
			for _, client := range waiting[conn.node] {
				deliver(client, conn, ctx)
			}
			delete(waiting, conn.node)

		case <-ctx.Done():
			for _, conn := range connections {
				conn.Close()
			}
			return
		}
	}
}

func deliver(req *connectionRequest, conn *finishedConnection, ctx context.Context) {
	select {
	case req.responseChan <- conn:
	case <-req.ctx.Done():
	case <-ctx.Done():
	}
	close(req.responseChan)
}

func (c *Cache) dial(ctx context.Context, node consensus.NodeId, finished chan<- *finishedConnection) {
	addr, err := c.resolver.Resolve(node)
	if err != nil {
		finished <- &finishedConnection{node: node, err: errors.Wrapf(err, "couldn't resolve node %s", node)}
		return
	}

	opts := append([]grpc.DialOption{grpc.WithInsecure()}, c.dialOpts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		finished <- &finishedConnection{node: node, err: errors.Wrapf(err, "couldn't dial %s at %s", node, addr)}
		return
	}

	result := &finishedConnection{node: node, connection: conn}
	select {
	case finished <- result:
	case <-ctx.Done():
		conn.Close()
	}
}
