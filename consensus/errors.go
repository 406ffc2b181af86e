package consensus

import "github.com/pkg/errors"

// Sentinel error kinds from the error handling design. Callers compare with
// errors.Is; every boundary wraps these with errors.Wrap for context, the
// way the teacher wraps every fallible call with github.com/pkg/errors.
var (
	// ErrTermStale is never actually returned to a caller: a stale term
	// surfaces as granted=false / success=false in the reply instead.
	ErrTermStale = errors.New("consensus: term is stale")

	// ErrLogInconsistent surfaces with a hint offset, not as a fatal error.
	ErrLogInconsistent = errors.New("consensus: prev_offset/prev_term mismatch")

	// ErrDiskTimeout is returned when disk_append exceeds the configured deadline.
	ErrDiskTimeout = errors.New("consensus: disk append timed out")

	// ErrDiskIO is returned for any other failure while appending to the log.
	ErrDiskIO = errors.New("consensus: disk io error")

	// ErrRecovery means the voted_for record or log tail could not be
	// reconciled on start; the instance does not start.
	ErrRecovery = errors.New("consensus: recovery failed")

	// ErrNotLeader is returned by client-initiated operations on a non-leader.
	ErrNotLeader = errors.New("consensus: not leader")

	// ErrStopped is returned when an operation is attempted after stop.
	ErrStopped = errors.New("consensus: instance stopped")
)

// NotLeaderError carries the current leader hint alongside ErrNotLeader.
type NotLeaderError struct {
	Leader *NodeId
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return ErrNotLeader.Error() + ": leader unknown"
	}
	return ErrNotLeader.Error() + ": current leader is " + string(*e.Leader)
}

func (e *NotLeaderError) Unwrap() error { return ErrNotLeader }

// RecoveryError wraps the underlying corruption/disagreement cause.
type RecoveryError struct {
	Cause error
}

func (e *RecoveryError) Error() string {
	return errors.Wrap(e.Cause, ErrRecovery.Error()).Error()
}

func (e *RecoveryError) Unwrap() error { return ErrRecovery }
