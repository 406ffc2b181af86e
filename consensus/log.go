package consensus

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// FsyncMode controls durability of disk_append, per raft_fsync_mode.
type FsyncMode int

const (
	FsyncAlways FsyncMode = iota
	FsyncOnCommit
	FsyncNever
)

// Decode implements envconfig.Decoder, so config.Config can populate
// raft_fsync_mode directly from one of "always", "on-commit", "never".
func (f *FsyncMode) Decode(value string) error {
	switch value {
	case "always", "":
		*f = FsyncAlways
	case "on-commit":
		*f = FsyncOnCommit
	case "never":
		*f = FsyncNever
	default:
		return errors.Errorf("unknown raft_fsync_mode %q, want one of always, on-commit, never", value)
	}
	return nil
}

func (f FsyncMode) String() string {
	switch f {
	case FsyncAlways:
		return "always"
	case FsyncOnCommit:
		return "on-commit"
	case FsyncNever:
		return "never"
	default:
		return "unknown"
	}
}

// IoPriority hints the storage engine's scheduler at how urgently an append
// needs to land relative to other disk traffic on the node, per the
// append(entries, fsync_mode, io_priority, timeout) contract. The reference
// in-memory Log ignores it; it exists on the interface so a real
// segment-based Log can act on it.
type IoPriority int

const (
	IoPriorityNormal IoPriority = iota
	IoPriorityHigh
)

// AppendResult is returned per entry appended to the Log.
type AppendResult struct {
	Offset LogOffset
	Term   Term
}

// Log is the append-only, fsync-capable, offset-addressable record log the
// consensus core consumes. The storage engine's segment layout is external
// to this core; this interface is the entire contract, grounded on the
// teacher's entrylog.EntryLog but generalized to carry a timeout, fsync
// mode and io priority rather than always fsyncing on every append.
type Log interface {
	// Append writes entries at the log's current tail, returning per-entry
	// offsets. Exceeding timeout surfaces ErrDiskTimeout.
	Append(ctx context.Context, entries []LogEntry, fsync FsyncMode, priority IoPriority, timeout time.Duration) ([]AppendResult, error)

	// Read streams entries starting at offset "from", bounded by maxBytes.
	Read(ctx context.Context, from LogOffset, maxBytes int) ([]LogEntry, error)

	// TruncateSuffix discards every entry at or after "from".
	TruncateSuffix(ctx context.Context, from LogOffset) error

	// LastOffset is the greatest offset currently in the log, or 0 if empty.
	LastOffset() LogOffset

	// TermAt returns the term of the entry at offset, or ok=false if there
	// is no such entry (offset 0 always reports term 0, ok=true).
	TermAt(offset LogOffset) (term Term, ok bool)

	// BaseDirectory is where the durable voted_for file for this group lives.
	BaseDirectory() string

	// Ntp identifies which group (namespace/topic/partition, in the source
	// platform's terms) this log handle belongs to.
	Ntp() GroupId
}
