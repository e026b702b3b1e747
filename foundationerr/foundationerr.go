// Package foundationerr defines the shared error taxonomy used across the
// cache, lock, resilience, scheduler, and message-bus packages (spec.md §7).
//
// Errors are sentinel values wrapped with optional context via fmt.Errorf's
// %w verb, so callers use errors.Is against the sentinels below rather than
// type-asserting concrete types.
package foundationerr

import "errors"

var (
	// ErrTooLarge is returned when a cache set would exceed a configured
	// memory bound by itself (a single entry larger than max_bytes).
	ErrTooLarge = errors.New("foundation: value too large for configured bound")

	// ErrCircuitOpen is returned by a resilience policy when its circuit
	// breaker is open and calls are failing fast.
	ErrCircuitOpen = errors.New("foundation: circuit breaker open")

	// ErrTimeout is returned when a per-attempt wall-clock budget is
	// exceeded.
	ErrTimeout = errors.New("foundation: attempt timed out")

	// ErrCancelled is returned when an operation observes cooperative
	// cancellation (a cancelled context, or an interrupted sleep).
	ErrCancelled = errors.New("foundation: operation cancelled")

	// ErrContention is returned when a lock could not be acquired before
	// max_wait elapsed.
	ErrContention = errors.New("foundation: lock contention, max wait elapsed")

	// ErrParse is returned when a cron expression fails to parse. A job
	// surfacing this error is disabled (next_run = nil) rather than
	// crashing the scheduler loop.
	ErrParse = errors.New("foundation: parse error")

	// ErrClosed is returned by any component after it has been disposed.
	ErrClosed = errors.New("foundation: operation on closed component")

	// ErrTransport is returned by a cache/bus backing-store adapter on a
	// failure of the underlying transport (e.g., Redis, a cloud queue).
	// In-memory implementations in this module never return it themselves,
	// but the sentinel is shared so adapters and callers agree on its
	// identity.
	ErrTransport = errors.New("foundation: transport error")
)
