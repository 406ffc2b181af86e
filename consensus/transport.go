package consensus

import "context"

// VoteRequest is the candidate-side Vote RPC payload.
type VoteRequest struct {
	Group           GroupId
	NodeId          NodeId
	Term            Term
	PrevLogOffset   LogOffset
	PrevLogTerm     Term
}

// VoteReply is the Vote RPC response.
type VoteReply struct {
	Group   GroupId
	Term    Term
	Granted bool
	LogOk   bool
}

// AppendEntriesMeta carries the leader's view of replication state,
// piggybacked on every AppendEntries call (heartbeat or not).
type AppendEntriesMeta struct {
	Term          Term
	PrevLogOffset LogOffset
	PrevLogTerm   Term
	CommitOffset  LogOffset
}

// AppendEntriesRequest is the leader-side AppendEntries RPC payload.
type AppendEntriesRequest struct {
	Group  GroupId
	NodeId NodeId
	Meta   AppendEntriesMeta
	Entries []LogEntry
}

// AppendEntriesReply is the AppendEntries RPC response. Hint is populated
// only when Success is false, and carries the follower's last log offset;
// the leader retries from Hint+1 (decrement-with-hint backoff).
type AppendEntriesReply struct {
	Group         GroupId
	NodeId        NodeId
	Term          Term
	Success       bool
	LastLogOffset LogOffset
	Hint          LogOffset
}

// PeerTransport is the Connection Cache capability: a sharded pool of
// authenticated RPC channels to peer nodes, providing vote and
// append_entries calls. It is consumed, not designed, by this core —
// production code wires in the transport package's gRPC-backed cache;
// tests inject an in-memory fake to simulate partitions and reorderings.
type PeerTransport interface {
	Vote(ctx context.Context, peer NodeId, req *VoteRequest) (*VoteReply, error)
	AppendEntries(ctx context.Context, peer NodeId, req *AppendEntriesRequest) (*AppendEntriesReply, error)
}
