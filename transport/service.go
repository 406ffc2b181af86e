package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/flowlog/raft/consensus"
)

// ConsensusServer is implemented by whatever owns the set of Consensus
// Instances on a shard (the group manager) and dispatches an incoming Vote
// or AppendEntries call to the right Instance by GroupId.
type ConsensusServer interface {
	Vote(ctx context.Context, req *consensus.VoteRequest) (*consensus.VoteReply, error)
	AppendEntries(ctx context.Context, req *consensus.AppendEntriesRequest) (*consensus.AppendEntriesReply, error)
}

// consensusServiceDesc is the hand-written equivalent of a protoc-gen-go-grpc
// ServiceDesc: with no .proto toolchain in play, the peer RPC contract is
// expressed directly against grpc-go's registration API, using jsonCodec in
// place of protobuf wire encoding.
var consensusServiceDesc = grpc.ServiceDesc{
	ServiceName: "flowlog.raft.Consensus",
	HandlerType: (*ConsensusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: voteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowlog/raft/consensus.proto",
}

// RegisterConsensusServer attaches srv's Vote/AppendEntries methods to s.
func RegisterConsensusServer(s *grpc.Server, srv ConsensusServer) {
	s.RegisterService(&consensusServiceDesc, srv)
}

func voteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(consensus.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsensusServer).Vote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/flowlog.raft.Consensus/Vote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConsensusServer).Vote(ctx, req.(*consensus.VoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(consensus.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsensusServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/flowlog.raft.Consensus/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ConsensusServer).AppendEntries(ctx, req.(*consensus.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// consensusClient is the generated-equivalent client stub for
// consensusServiceDesc.
type consensusClient struct {
	cc *grpc.ClientConn
}

func newConsensusClient(cc *grpc.ClientConn) *consensusClient {
	return &consensusClient{cc: cc}
}

func (c *consensusClient) Vote(ctx context.Context, req *consensus.VoteRequest) (*consensus.VoteReply, error) {
	out := new(consensus.VoteReply)
	opts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if err := c.cc.Invoke(ctx, "/flowlog.raft.Consensus/Vote", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *consensusClient) AppendEntries(ctx context.Context, req *consensus.AppendEntriesRequest) (*consensus.AppendEntriesReply, error) {
	out := new(consensus.AppendEntriesReply)
	opts := []grpc.CallOption{grpc.CallContentSubtype(codecName)}
	if err := c.cc.Invoke(ctx, "/flowlog.raft.Consensus/AppendEntries", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
