package consensus

import (
	"context"
	"testing"
	"time"
)

func TestGateSerializesAcquirers(t *testing.T) {
	g := newGate()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err != nil {
			t.Errorf("second acquire: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer should not proceed while first holds the permit")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never proceeded after release")
	}
}

func TestGateAcquireRespectsContext(t *testing.T) {
	g := newGate()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := g.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestGateCloseDrainsCurrentHolderThenRejects(t *testing.T) {
	g := newGate()
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close should block until the current holder releases")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close never returned after release")
	}

	if err := g.Acquire(context.Background()); err != ErrStopped {
		t.Fatalf("expected ErrStopped after close, got %v", err)
	}
}

func TestGateCloseIsIdempotent(t *testing.T) {
	g := newGate()
	g.Close()
	g.Close()
}
