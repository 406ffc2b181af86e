package consensus

import (
	"context"

	"github.com/pkg/errors"
)

// Vote handles the Vote RPC on the recipient side, serialized under the
// operation lock. Implements §4.1.2 of the election design.
func (i *Instance) Vote(ctx context.Context, req *VoteRequest) (*VoteReply, error) {
	if err := i.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer i.gate.Release()

	i.mu.RLock()
	currentTerm := i.currentTerm
	i.mu.RUnlock()

	if req.Term < currentTerm {
		return &VoteReply{Group: i.group, Term: currentTerm, Granted: false}, nil
	}

	if req.Term > currentTerm {
		i.adoptTermLocked(req.Term)
	}

	i.mu.RLock()
	votedFor := i.votedFor
	localLastOffset := i.prevLogOffset
	localLastTerm := i.prevLogTerm
	i.mu.RUnlock()

	logOk := req.PrevLogTerm > localLastTerm ||
		(req.PrevLogTerm == localLastTerm && req.PrevLogOffset >= localLastOffset)

	canVote := votedFor == nil || *votedFor == req.NodeId

	if !(canVote && logOk) {
		return &VoteReply{Group: i.group, Term: req.Term, Granted: false, LogOk: logOk}, nil
	}

	candidate := req.NodeId
	if err := persistVotedFor(i.log.BaseDirectory(), VotedForRecord{Term: req.Term, VotedFor: &candidate}); err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.votedFor = &candidate
	i.mu.Unlock()

	i.resetElectionTimer()

	return &VoteReply{Group: i.group, Term: req.Term, Granted: true, LogOk: true}, nil
}

// adoptTermLocked adopts a higher observed term: clears voted_for and steps
// down to Follower, emitting a leadership-change notification if this node
// was previously Leader. Caller must hold the gate (not i.mu).
func (i *Instance) adoptTermLocked(term Term) {
	i.mu.Lock()
	wasLeader := i.state == Leader
	i.state = Follower
	i.currentTerm = term
	i.votedFor = nil
	if wasLeader {
		i.currentLeader = nil
		i.progress = make(map[NodeId]*FollowerProgress)
	}
	i.mu.Unlock()

	if wasLeader {
		i.emitLeadershipChange()
	}
}

type voteResult struct {
	reply *VoteReply
	err   error
}

// dispatchElection implements the candidate-side election (§4.1.3). Caller
// must hold the gate for the full duration, including the vote round-trip:
// the operation lock is the stand-in for this core's single-threaded
// cooperative scheduling, so awaits inside a mutating operation are
// covered by it, per the concurrency section.
func (i *Instance) dispatchElection(ctx context.Context) {
	self := i.self
	candidate := self

	i.mu.Lock()
	i.currentTerm++
	term := i.currentTerm
	i.state = Candidate
	i.votedFor = &candidate
	i.mu.Unlock()

	if err := persistVotedFor(i.log.BaseDirectory(), VotedForRecord{Term: term, VotedFor: &candidate}); err != nil {
		i.logger.Error("couldn't persist self vote", "error", err)
		return
	}

	i.resetElectionTimer()

	i.mu.RLock()
	lastOffset := i.prevLogOffset
	lastTerm := i.prevLogTerm
	i.mu.RUnlock()

	peers := i.cfg.Others(self)
	quorum := i.cfg.Quorum()
	granted := 1 // self-vote

	if granted >= quorum {
		i.becomeLeader(term)
		return
	}
	if len(peers) == 0 {
		return
	}

	req := &VoteRequest{
		Group:         i.group,
		NodeId:        self,
		Term:          term,
		PrevLogOffset: lastOffset,
		PrevLogTerm:   lastTerm,
	}

	resultsCh := make(chan voteResult, len(peers))
	for _, peer := range peers {
		go func(peer NodeId) {
			reply, err := i.transport.Vote(ctx, peer, req)
			resultsCh <- voteResult{reply: reply, err: err}
		}(peer)
	}

	received := 0
	for received < len(peers) {
		select {
		case res := <-resultsCh:
			received++
			if res.err != nil || res.reply == nil {
				continue
			}
			if res.reply.Term > term {
				i.adoptTermLocked(res.reply.Term)
				return
			}
			if res.reply.Granted {
				granted++
			}
			if granted >= quorum {
				i.becomeLeader(term)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// becomeLeader transitions Candidate to Leader: initializes FollowerProgress
// for every peer and appends a no-op entry at the new term to force
// commit-index advancement in the new term, per Leader Completeness.
func (i *Instance) becomeLeader(term Term) {
	i.mu.Lock()
	if i.currentTerm != term || i.state != Candidate {
		i.mu.Unlock()
		return
	}
	i.state = Leader
	i.currentLeader = &i.self
	nextOffset := i.prevLogOffset + 1
	progress := make(map[NodeId]*FollowerProgress, len(i.cfg)-1)
	for _, peer := range i.cfg.Others(i.self) {
		progress[peer] = &FollowerProgress{NextOffset: nextOffset}
	}
	i.progress = progress
	i.mu.Unlock()

	i.logger.Info("became leader", "term", term)
	i.emitLeadershipChange()

	ctx, cancel := context.WithTimeout(context.Background(), i.opts.DiskTimeout)
	defer cancel()
	if _, err := i.appendLocal(ctx, []LogEntry{{Term: term, Kind: EntryData, Payload: nil}}); err != nil {
		i.logger.Error("couldn't append no-op entry on leadership", "error", err)
		if errors.Is(err, ErrDiskTimeout) || errors.Is(err, ErrDiskIO) {
			// DiskTimeout/DiskIoError at leader triggers step-down, per the
			// error handling design: a leader that cannot persist its own
			// entries cannot safely keep the role.
			i.stepDown(term)
		}
	}
}
