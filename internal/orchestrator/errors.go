package orchestrator

import "errors"

var (
	// ErrAlreadyRunning reports a start on a server that is starting or running.
	ErrAlreadyRunning = errors.New("already running")
	// ErrNotRunning reports a stop on a server that is already stopped.
	ErrNotRunning = errors.New("not running")
	// ErrUnknownServer is returned for names that are not registered.
	ErrUnknownServer = errors.New("unknown server")
	// ErrBusy rejects a reload while operations are in flight.
	ErrBusy = errors.New("operation in progress")
	// ErrTimeout is a warning: the server never confirmed readiness but is
	// still up, so it is treated as running.
	ErrTimeout = errors.New("still starting")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// Skipped reports whether err is a no-op outcome rather than a failure.
func Skipped(err error) bool {
	return errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotRunning)
}
