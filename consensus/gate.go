package consensus

import (
	"context"
	"sync"
)

// gate is the single-permit operation lock serializing every mutating
// operation on an Instance: vote, append_entries, election dispatch, disk
// append and commit advancement. It is channel-based rather than a
// sync.Mutex so Stop can close a background gate that blocks new
// acquisitions while draining whichever operation is currently in flight,
// per the cancellation & timeouts section.
type gate struct {
	permit chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newGate() *gate {
	g := &gate{
		permit: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	g.permit <- struct{}{}
	return g
}

// Acquire blocks until the permit is free, ctx is done, or the gate has
// been closed (ErrStopped). Every successful Acquire must be paired with a
// Release.
func (g *gate) Acquire(ctx context.Context) error {
	select {
	case <-g.permit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.closed:
		return ErrStopped
	}
}

func (g *gate) Release() {
	g.permit <- struct{}{}
}

// Close blocks new acquisitions and waits for whichever operation currently
// holds the permit to finish, then returns. Idempotent.
func (g *gate) Close() {
	g.once.Do(func() {
		<-g.permit // drain: waits for the current holder, if any, to Release
		close(g.closed)
	})
}
