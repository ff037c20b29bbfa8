//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"
)

// signalGroup ends the process. Console-less children cannot receive POSIX
// signals on Windows, so every signal maps to TerminateProcess.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 || sig == 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		// already gone
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
