package process

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAlreadySpawned is returned by Spawn on a handle that was spawned before.
var ErrAlreadySpawned = errors.New("process already spawned")

// SpawnError wraps the OS error from a failed exec.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError describes a process that exited on its own.
// Code is -1 when the process was terminated by a signal.
type ExitError struct {
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	var b strings.Builder
	if e.Code < 0 {
		b.WriteString("terminated by signal")
	} else {
		fmt.Fprintf(&b, "exit code %d", e.Code)
	}
	if n := len(e.Tail); n > 0 {
		b.WriteString(": ")
		b.WriteString(e.Tail[n-1])
	}
	return b.String()
}
