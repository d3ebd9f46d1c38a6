package sim

import "errors"

// Sentinel errors for recoverable scheduling/allocation failures. Callers
// compare with errors.Is; wrap with fmt.Errorf("...: %w", ...) for context.
var (
	// ErrOutOfHostMemory is returned when a forced swap-out cannot find
	// enough free host-tier blocks. Callers downgrade the preemption to
	// Recompute rather than treat this as fatal.
	ErrOutOfHostMemory = errors.New("block space manager: out of host memory")

	// ErrInfeasible means a request can never be admitted under the current
	// configuration (its prompt is longer than the configured maximum, or
	// alone exceeds total device capacity).
	ErrInfeasible = errors.New("scheduler: request infeasible")

	// ErrDuplicateRequestID is returned by Scheduler.AddRequest when a
	// request id is already known to the scheduler.
	ErrDuplicateRequestID = errors.New("scheduler: duplicate request id")
)

// FatalSchedulerError wraps an invariant violation that should have been
// prevented by an earlier can_allocate/can_append_slots check. It is always
// delivered via panic (never returned), so it carries a distinct type a
// recover() site can type-assert on rather than swallowing an unrelated
// runtime panic.
type FatalSchedulerError struct {
	Err error
}

func (e *FatalSchedulerError) Error() string { return e.Err.Error() }
func (e *FatalSchedulerError) Unwrap() error { return e.Err }

func panicFatal(err error) {
	panic(&FatalSchedulerError{Err: err})
}

var errOutOfDeviceMemory = errors.New("block space manager: out of device memory after can_allocate/can_append_slots reported room")
