package swarm

import (
	"fmt"
)

// Common errors returned by the scheduler.
var (
	// ErrPoolClosed is returned when a work item is enqueued from outside the
	// pool after Shutdown has been called. Work items that are already
	// running may still enqueue follow-up work during a graceful shutdown.
	//
	// Example:
	//  pool.Shutdown(true)
	//  err := pool.Enqueue(ctx, item, false)
	//  if errors.Is(err, swarm.ErrPoolClosed) {
	//      log.Println("pool is no longer accepting work")
	//  }
	ErrPoolClosed = &PoolError{msg: "pool is closed"}

	// ErrNilWorkItem is returned when attempting to enqueue a nil work item.
	ErrNilWorkItem = &PoolError{msg: "work item is nil"}

	// ErrInvalidConfig is wrapped by every configuration validation error.
	//
	// Example:
	//  _, err := swarm.NewPool(swarm.WithMinThreads(8), swarm.WithMaxThreads(4))
	//  if errors.Is(err, swarm.ErrInvalidConfig) {
	//      // fix the bounds
	//  }
	ErrInvalidConfig = &PoolError{msg: "invalid config"}

	// ErrInvalidThreadBounds is returned by SetMinThreads and SetMaxThreads
	// when the requested bound would cross the other bound or is out of range.
	ErrInvalidThreadBounds = &PoolError{msg: "invalid thread bounds"}

	// ErrSpawnFailed wraps the error of a Spawner that could not start a
	// worker. The pool logs it and retries on the next worker request.
	ErrSpawnFailed = &PoolError{msg: "failed to spawn worker"}
)

// PoolError represents an error that occurred within the scheduler.
// It wraps underlying errors and provides context about pool operations.
type PoolError struct {
	msg string // Human-readable error message
	err error  // Underlying error (if any)
}

// Error returns a formatted error message.
// If an underlying error exists, it is included in the output.
func (e *PoolError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("swarm: %s: %v", e.msg, e.err)
	}
	return fmt.Sprintf("swarm: %s", e.msg)
}

// Unwrap returns the underlying error, allowing use with errors.Is and errors.As.
func (e *PoolError) Unwrap() error {
	return e.err
}

// PanicError describes a panic that escaped a work item. A work item panic
// leaves the process in an unknown state, so it is handed to the FailFast
// hook, whose default terminates the process.
type PanicError struct {
	Value any    // Value passed to panic
	Stack []byte // Stack trace of the panicking goroutine
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("swarm: work item panicked: %v\n\n%s", e.Value, e.Stack)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// errInvalidConfig creates an error for invalid pool configuration.
// This is returned during pool creation when validation fails.
func errInvalidConfig(msg string) error {
	return &PoolError{msg: msg, err: ErrInvalidConfig}
}

// errThreadBounds creates an error for a rejected SetMinThreads or SetMaxThreads call.
func errThreadBounds(format string, args ...any) error {
	return &PoolError{msg: fmt.Sprintf(format, args...), err: ErrInvalidThreadBounds}
}

// errSpawn creates an error for a worker that could not be started.
func errSpawn(err error) error {
	return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
}
