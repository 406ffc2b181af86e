// Package clock abstracts wall-clock time so election and heartbeat timers
// can be driven deterministically in tests, the way the teacher's term data
// resets its own election deadline with math/rand jitter.
package clock

import (
	"math/rand"
	"time"
)

// Timer is the subset of time.Timer behavior consensus code depends on.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Clock is an injectable source of time and timers.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Real is the production Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool                 { return r.t.Stop() }

// Jitter returns base plus a uniformly random fraction of base in [0, frac),
// desynchronizing election timeouts across peers.
func Jitter(base time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return base
	}
	n := int64(float64(base) * frac)
	if n <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(n))
}
