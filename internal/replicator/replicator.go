// Package replicator is a minimal commit-hook-driven state machine,
// standing in for the wire-protocol front-end the Non-goals section places
// out of scope. It replaces the teacher's db/ query-and-command HTTP
// engine with the smallest thing that exercises CommitHook end to end: a
// put/clear key-value store whose writes are only visible once the
// consensus core reports them committed.
package replicator

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/flowlog/raft/consensus"
)

// Operation mirrors the teacher's db.Operation envelope: a tagged union of
// put/clear commands, JSON-encoded as a LogEntry payload.
type Operation struct {
	Type string      `json:"type"`
	Put  *PutOp      `json:"put,omitempty"`
	Clear *ClearOp   `json:"clear,omitempty"`
}

const (
	OpPut   = "put"
	OpClear = "clear"
)

type PutOp struct {
	Collection string      `json:"collection"`
	ID         string      `json:"id"`
	Object     interface{} `json:"object"`
}

type ClearOp struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// EncodePut and EncodeClear build the LogEntry payload for each operation
// kind, for callers proposing a write by appending it through the owning
// Instance's RegisterHook-observed append path.
func EncodePut(op PutOp) ([]byte, error) {
	return json.Marshal(Operation{Type: OpPut, Put: &op})
}

func EncodeClear(op ClearOp) ([]byte, error) {
	return json.Marshal(Operation{Type: OpClear, Clear: &op})
}

// Store is an in-memory collection-of-documents state machine. It
// implements consensus.CommitHook, applying each operation only once its
// begin/committed range is reported Commit, never speculatively at
// PreCommit — matching the at-least-once, commit-gated visibility the
// source platform's consumers rely on.
type Store struct {
	mu      sync.RWMutex
	data    map[string]map[string]interface{}
	pending map[consensus.LogOffset]consensus.LogEntry
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		data:    make(map[string]map[string]interface{}),
		pending: make(map[consensus.LogOffset]consensus.LogEntry),
	}
}

var _ consensus.CommitHook = (*Store)(nil)

// PreCommit stages entries so Commit can look them up by offset; it never
// rejects a batch, since this demo state machine has no conflicting
// invariants to enforce pre-append.
func (s *Store) PreCommit(beginOffset consensus.LogOffset, entries []consensus.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := beginOffset
	for _, e := range entries {
		s.pending[offset] = e
		offset++
	}
	return nil
}

// Abort discards staged entries from beginOffset onward without applying
// them, mirroring a failed disk_append.
func (s *Store) Abort(beginOffset consensus.LogOffset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for offset := range s.pending {
		if offset >= beginOffset {
			delete(s.pending, offset)
		}
	}
}

// Commit applies every staged entry in [beginOffset, committedOffset] to the
// in-memory store, in offset order, and evicts them from the staging map.
func (s *Store) Commit(beginOffset, committedOffset consensus.LogOffset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for offset := beginOffset; offset <= committedOffset; offset++ {
		entry, ok := s.pending[offset]
		delete(s.pending, offset)
		if !ok || entry.Kind != consensus.EntryData || len(entry.Payload) == 0 {
			continue
		}
		if err := s.apply(entry.Payload); err != nil {
			continue
		}
	}
}

func (s *Store) apply(payload []byte) error {
	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return errors.Wrap(err, "couldn't decode operation")
	}

	switch op.Type {
	case OpPut:
		if op.Put == nil {
			return errors.New("put operation missing body")
		}
		collection, ok := s.data[op.Put.Collection]
		if !ok {
			collection = make(map[string]interface{})
			s.data[op.Put.Collection] = collection
		}
		collection[op.Put.ID] = op.Put.Object
	case OpClear:
		if op.Clear == nil {
			return errors.New("clear operation missing body")
		}
		if collection, ok := s.data[op.Clear.Collection]; ok {
			delete(collection, op.Clear.ID)
		}
	default:
		return errors.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// Get reads a previously committed document. ok is false if the collection
// or document does not exist.
func (s *Store) Get(collection, id string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.data[collection]
	if !ok {
		return nil, false
	}
	obj, ok := coll[id]
	return obj, ok
}
