package consensus

import (
	"context"

	"github.com/pkg/errors"
)

// AppendEntries handles the AppendEntries RPC on the follower side,
// serialized under the operation lock. Implements §4.1.4.
func (i *Instance) AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	if err := i.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer i.gate.Release()

	i.mu.RLock()
	currentTerm := i.currentTerm
	i.mu.RUnlock()

	if req.Meta.Term < currentTerm {
		return &AppendEntriesReply{Group: i.group, NodeId: i.self, Term: currentTerm, Success: false}, nil
	}

	if req.Meta.Term > currentTerm {
		i.adoptTermLocked(req.Meta.Term)
	}

	// At an equal term a candidate steps down to Follower but keeps the vote
	// it already cast in this term.
	leader := req.NodeId
	i.mu.Lock()
	i.state = Follower
	i.currentLeader = &leader
	i.mu.Unlock()
	i.resetElectionTimer()

	// Consistency check: the local log must contain prev_offset at prev_term.
	if req.Meta.PrevLogOffset > 0 {
		localTerm, ok := i.log.TermAt(req.Meta.PrevLogOffset)
		if !ok || localTerm != req.Meta.PrevLogTerm {
			i.mu.RLock()
			hint := i.prevLogOffset
			i.mu.RUnlock()
			return &AppendEntriesReply{
				Group: i.group, NodeId: i.self, Term: req.Meta.Term,
				Success: false, Hint: hint,
			}, nil
		}
	}

	// Find the first entry that is either new or conflicts with the local
	// log at that offset; truncate from there and append only the
	// remaining suffix, so entries already present and matching are not
	// re-appended.
	var newEntries []LogEntry
	for idx, entry := range req.Entries {
		localTerm, ok := i.log.TermAt(entry.Offset)
		if ok && localTerm == entry.Term {
			continue
		}
		if ok {
			if err := i.log.TruncateSuffix(ctx, entry.Offset); err != nil {
				return nil, errors.Wrap(err, "couldn't truncate diverging suffix")
			}
			i.mu.Lock()
			i.prevLogOffset = entry.Offset - 1
			if t, ok := i.log.TermAt(i.prevLogOffset); ok {
				i.prevLogTerm = t
			} else {
				i.prevLogTerm = 0
			}
			i.mu.Unlock()
		}
		newEntries = req.Entries[idx:]
		break
	}

	if len(newEntries) > 0 {
		if _, err := i.appendLocal(ctx, newEntries); err != nil {
			return &AppendEntriesReply{Group: i.group, NodeId: i.self, Term: req.Meta.Term, Success: false}, nil
		}
	}

	i.mu.RLock()
	prevOffset := i.prevLogOffset
	oldCommit := i.commitOffset
	i.mu.RUnlock()

	newCommit := req.Meta.CommitOffset
	if newCommit > prevOffset {
		newCommit = prevOffset
	}
	if newCommit > oldCommit {
		i.advanceCommitTo(newCommit)
	}

	return &AppendEntriesReply{
		Group: i.group, NodeId: i.self, Term: req.Meta.Term,
		Success: true, LastLogOffset: prevOffset,
	}, nil
}

// appendLocal writes entries to the log under the configured fsync policy
// and timeout, updating prev_log_offset/prev_log_term, then fires
// PreCommit/Abort hooks around the append. Caller must hold the gate.
func (i *Instance) appendLocal(ctx context.Context, entries []LogEntry) ([]AppendResult, error) {
	i.mu.RLock()
	beginOffset := i.prevLogOffset + 1
	hooks := append([]CommitHook(nil), i.hooks...)
	i.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook.PreCommit(beginOffset, entries); err != nil {
			return nil, errors.Wrap(err, "commit hook rejected pre-commit")
		}
	}

	results, err := i.log.Append(ctx, entries, i.opts.FsyncMode, i.opts.IoPriority, i.opts.DiskTimeout)
	if err != nil {
		for _, hook := range hooks {
			hook.Abort(beginOffset)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrDiskTimeout
		}
		return nil, errors.Wrap(ErrDiskIO, err.Error())
	}

	if len(results) > 0 {
		last := results[len(results)-1]
		i.mu.Lock()
		i.prevLogOffset = last.Offset
		i.prevLogTerm = last.Term
		i.mu.Unlock()

		// The leader's own tail counts toward the quorum; in a single-member
		// group it is the whole quorum. No-op unless Leader.
		i.recomputeLeaderCommit()
	}

	return results, nil
}

// advanceCommitTo sets commit_offset and invokes commit hooks for the
// range (old, new] in order: pre_commit already ran at append time, so
// only Commit fires here, per §4.1.4 step 5. Caller must hold the gate.
func (i *Instance) advanceCommitTo(newCommit LogOffset) {
	i.mu.Lock()
	oldCommit := i.commitOffset
	if newCommit <= oldCommit {
		i.mu.Unlock()
		return
	}
	i.commitOffset = newCommit
	hooks := append([]CommitHook(nil), i.hooks...)
	i.mu.Unlock()

	for _, hook := range hooks {
		hook.Commit(oldCommit+1, newCommit)
	}
}

// Propose is the client-facing entry point for new writes: it appends
// entries to the leader's log under the operation lock, then immediately
// triggers a replication round to every peer, per the "new local appends"
// trigger named alongside heartbeat ticks and failed-reply retries in the
// leader-side replication design. Returns NotLeaderError naming the current
// leader if this instance is not Leader.
func (i *Instance) Propose(ctx context.Context, entries []LogEntry) ([]AppendResult, error) {
	i.mu.RLock()
	if i.state != Leader {
		leader := i.currentLeader
		i.mu.RUnlock()
		return nil, &NotLeaderError{Leader: leader}
	}
	term := i.currentTerm
	i.mu.RUnlock()

	stamped := make([]LogEntry, len(entries))
	for idx, e := range entries {
		e.Term = term
		if e.Kind == 0 {
			e.Kind = EntryData
		}
		stamped[idx] = e
	}

	if err := i.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	results, err := i.appendLocal(ctx, stamped)
	if err != nil && (errors.Is(err, ErrDiskTimeout) || errors.Is(err, ErrDiskIO)) {
		// DiskTimeout/DiskIoError at leader triggers step-down, per the
		// error handling design: a leader that cannot persist its own
		// entries cannot safely keep the role. Done before releasing the
		// gate, matching stepDown's locking contract.
		i.stepDown(term)
	}
	i.gate.Release()
	if err != nil {
		return nil, err
	}

	i.mu.RLock()
	peers := i.cfg.Others(i.self)
	i.mu.RUnlock()
	for _, peer := range peers {
		go func(peer NodeId) {
			replicateCtx, cancel := context.WithTimeout(context.Background(), i.opts.DiskTimeout)
			defer cancel()
			if err := i.ReplicateToPeer(replicateCtx, peer); err != nil {
				i.logger.Debug("post-propose replication failed", "peer", peer, "error", err)
			}
		}(peer)
	}

	return results, nil
}

// ReplicateToPeer sends one AppendEntries batch to peer, built from the
// peer's NextOffset bounded by the configured max batch size, and applies
// the reply. It implements the leader side of replication (§4.1.5) and is
// the single code path shared by heartbeat ticks, post-append triggers and
// failed-reply retries, per the design note unifying heartbeats and
// replication.
func (i *Instance) ReplicateToPeer(ctx context.Context, peer NodeId) error {
	i.mu.RLock()
	if i.state != Leader {
		i.mu.RUnlock()
		return ErrNotLeader
	}
	term := i.currentTerm
	commitOffset := i.commitOffset
	progress, ok := i.progress[peer]
	i.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown peer %s", peer)
	}

	nextOffset := progress.NextOffset
	prevOffset := nextOffset - 1
	var prevTerm Term
	if prevOffset > 0 {
		t, ok := i.log.TermAt(prevOffset)
		if !ok {
			return errors.Errorf("no local term for prev offset %d", prevOffset)
		}
		prevTerm = t
	}

	entries, err := i.log.Read(ctx, nextOffset, i.opts.ReplicateBatchMaxBytes)
	if err != nil {
		return errors.Wrap(err, "couldn't read replication batch")
	}

	req := &AppendEntriesRequest{
		Group:  i.group,
		NodeId: i.self,
		Meta: AppendEntriesMeta{
			Term:          term,
			PrevLogOffset: prevOffset,
			PrevLogTerm:   prevTerm,
			CommitOffset:  commitOffset,
		},
		Entries: entries,
	}

	reply, err := i.transport.AppendEntries(ctx, peer, req)
	if err != nil {
		return errors.Wrapf(err, "append_entries to %s failed", peer)
	}

	if err := i.gate.Acquire(ctx); err != nil {
		return err
	}
	defer i.gate.Release()

	i.applyAppendReply(peer, req, reply)
	return nil
}

// applyAppendReply updates FollowerProgress from a reply and recomputes
// commit_offset. Caller must hold the gate.
func (i *Instance) applyAppendReply(peer NodeId, req *AppendEntriesRequest, reply *AppendEntriesReply) {
	i.mu.RLock()
	currentTerm := i.currentTerm
	i.mu.RUnlock()

	if reply.Term > currentTerm {
		i.adoptTermLocked(reply.Term)
		return
	}

	i.mu.Lock()
	if i.state != Leader || i.currentTerm != req.Meta.Term {
		i.mu.Unlock()
		return
	}
	progress, ok := i.progress[peer]
	if !ok {
		i.mu.Unlock()
		return
	}
	progress.LastContact = i.opts.Clock.Now()

	if reply.Success {
		if len(req.Entries) > 0 {
			lastSent := req.Entries[len(req.Entries)-1].Offset
			if lastSent > progress.MatchOffset {
				progress.MatchOffset = lastSent
			}
			progress.NextOffset = lastSent + 1
		} else if req.Meta.PrevLogOffset > progress.MatchOffset {
			// Empty heartbeat batch: informational only per the open
			// question resolution — do not advance MatchOffset here.
		}
	} else {
		if reply.Hint > 0 {
			candidate := reply.Hint + 1
			if candidate > progress.NextOffset-1 {
				candidate = progress.NextOffset - 1
			}
			if candidate < 1 {
				candidate = 1
			}
			progress.NextOffset = candidate
		} else if progress.NextOffset > 1 {
			progress.NextOffset--
		}
	}
	i.mu.Unlock()

	i.recomputeLeaderCommit()
}

// recomputeLeaderCommit computes the highest offset N such that N is
// greater than the current commit offset, term_at(N) equals the current
// term, and a majority of match offsets (counting self) is at least N.
// Leaders may only commit entries from their own term directly; prior-term
// entries commit transitively via a same-term entry, per §4.1.5. Caller
// must hold the gate.
func (i *Instance) recomputeLeaderCommit() {
	i.mu.RLock()
	if i.state != Leader {
		i.mu.RUnlock()
		return
	}
	term := i.currentTerm
	lastOffset := i.prevLogOffset
	commitOffset := i.commitOffset
	matchOffsets := make([]LogOffset, 0, len(i.progress)+1)
	matchOffsets = append(matchOffsets, lastOffset) // self always matches its own tail
	for _, p := range i.progress {
		matchOffsets = append(matchOffsets, p.MatchOffset)
	}
	quorum := i.cfg.Quorum()
	i.mu.RUnlock()

	for candidate := lastOffset; candidate > commitOffset; candidate-- {
		candidateTerm, ok := i.log.TermAt(candidate)
		if !ok || candidateTerm != term {
			continue
		}
		count := 0
		for _, m := range matchOffsets {
			if m >= candidate {
				count++
			}
		}
		if count >= quorum {
			i.advanceCommitTo(candidate)
			return
		}
	}
}
