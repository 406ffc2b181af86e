package consensus

// CommitHook is a non-owning observer capability registered on an Instance.
// Modeled as a three-method capability rather than an inheritance hierarchy,
// per the observer-pattern design note. Hooks are invoked synchronously
// under the operation lock, in registration order. A hook must never call
// back into the Instance it is registered on: doing so deadlocks, because
// the calling goroutine already holds the operation gate.
type CommitHook interface {
	// PreCommit is called before the disk append acknowledges, with the
	// offset the batch begins at and the entries about to be appended.
	PreCommit(beginOffset LogOffset, entries []LogEntry) error

	// Abort is called if the append that followed PreCommit failed.
	Abort(beginOffset LogOffset)

	// Commit is called once the commit index crosses committedOffset,
	// covering the half-open range (beginOffset-1, committedOffset].
	Commit(beginOffset, committedOffset LogOffset)
}
