package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec is a gRPC wire codec that marshals with encoding/json instead
// of protobuf. The peer RPC contract in this core is a handful of plain Go
// structs (VoteRequest/Reply, AppendEntriesRequest/Reply) with no .proto
// source and no codegen step, so we register our own codec rather than
// hand-rolling a partial proto.Message implementation.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
