package dispatch

import "errors"

var (
	// ErrInvalidConfig is returned by New for zero or negative capacities.
	ErrInvalidConfig = errors.New("dispatch: invalid configuration")

	// ErrCapacityExceeded is returned by Submit when the holding structure is
	// at MaxHeldMessages, or when the ingress mailbox is full under the
	// fail-fast admission policy. The engine state is unchanged.
	ErrCapacityExceeded = errors.New("dispatch: capacity exceeded")

	// ErrNotRunning is returned by Submit and lifecycle calls once the engine
	// is draining or stopped, or before Start.
	ErrNotRunning = errors.New("dispatch: engine not running")

	// ErrAlreadyStarted is returned by Start after the first call.
	ErrAlreadyStarted = errors.New("dispatch: engine already started")

	// ErrShutdownTimeout is returned by Shutdown when the drain outlives the
	// caller's deadline. The engine still reaches the stopped phase; the
	// undelivered remainder is counted as abandoned.
	ErrShutdownTimeout = errors.New("dispatch: shutdown deadline exceeded")
)
