// Package process owns individual OS processes: spawning, output capture,
// readiness probing and termination.
package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/env"
	"github.com/loykin/devpanel/internal/logger"
)

const (
	DefaultTailLines = 200

	// killWait bounds how long Terminate waits for the exit after SIGKILL.
	killWait = 5 * time.Second
	// pipeWaitDelay bounds how long Wait keeps reading output after the
	// child exits while a grandchild still holds the pipes.
	pipeWaitDelay = 2 * time.Second
)

type Options struct {
	// TailLines is the size of the captured output ring.
	TailLines int
	// Output is the default output file configuration, overlaid by the
	// descriptor's own Log section.
	Output logger.Config
	Logger *slog.Logger
}

// Handle wraps exactly one OS process instance. A Handle spawns at most once.
type Handle struct {
	desc    descriptor.Descriptor
	cmd     *exec.Cmd
	log     *slog.Logger
	tail    *ring
	out     *lineWriter
	errw    *lineWriter
	files   []io.Closer
	pattern *regexp.Regexp
	// ports already accepting connections before Spawn
	preBound map[int]bool

	readyLine chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	spawned   bool
	pid       int
	startedAt time.Time
	exitCode  int
	exitErr   error

	termMu sync.Mutex
}

// New prepares a handle for desc. environ is the fully composed environment.
func New(desc descriptor.Descriptor, environ env.Var, opts Options) *Handle {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	h := &Handle{
		desc:      desc,
		cmd:       desc.Command(environ),
		log:       l.With("server", desc.Name),
		tail:      newRing(opts.TailLines),
		readyLine: make(chan struct{}),
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	if desc.ReadyPattern != "" {
		// validated with the descriptor
		h.pattern, _ = regexp.Compile(desc.ReadyPattern)
	}

	out := opts.Output.Merge(desc.Log)
	if out.Dir != "" {
		if err := os.MkdirAll(out.Dir, 0o750); err != nil {
			h.log.Warn("output dir unavailable", "dir", out.Dir, "error", err)
		}
	}
	outFile, errFile := out.Writers(desc.Name)
	h.out = &lineWriter{stream: Stdout, onLine: h.onLine}
	h.errw = &lineWriter{stream: Stderr, onLine: h.onLine}
	if outFile != nil {
		h.out.file = outFile
		h.files = append(h.files, outFile)
	}
	if errFile != nil {
		h.errw.file = errFile
		h.files = append(h.files, errFile)
	}

	h.cmd.Stdout = h.out
	h.cmd.Stderr = h.errw
	h.cmd.WaitDelay = pipeWaitDelay
	configureSysProcAttr(h.cmd)
	return h
}

func (h *Handle) Name() string { return h.desc.Name }

func (h *Handle) Descriptor() descriptor.Descriptor { return h.desc }

func (h *Handle) onLine(l Line) {
	h.tail.add(l)
	if h.pattern != nil && h.pattern.MatchString(l.Text) {
		h.readyOnce.Do(func() { close(h.readyLine) })
	}
}

// Spawn starts the process. It fails with ErrAlreadySpawned on a second call
// and with *SpawnError when the OS refuses to start it.
func (h *Handle) Spawn() error {
	h.mu.Lock()
	if h.spawned {
		h.mu.Unlock()
		return ErrAlreadySpawned
	}
	h.spawned = true
	h.mu.Unlock()

	if h.preBound = boundPorts(h.desc.Ports); len(h.preBound) > 0 {
		h.log.Warn("declared port already in use before start", "ports", slices.Sorted(maps.Keys(h.preBound)))
	}
	if err := h.cmd.Start(); err != nil {
		serr := &SpawnError{Executable: h.cmd.Path, Err: err}
		h.closeFiles()
		h.mu.Lock()
		h.exitErr = serr
		h.mu.Unlock()
		close(h.done)
		return serr
	}

	h.mu.Lock()
	h.pid = h.cmd.Process.Pid
	h.startedAt = time.Now()
	h.mu.Unlock()
	h.log.Debug("spawned", "pid", h.pid, "path", h.cmd.Path)

	go h.wait()
	return nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.out.flush()
	h.errw.flush()
	h.closeFiles()

	code := 0
	if err != nil {
		code = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
	}
	h.mu.Lock()
	h.exitCode = code
	h.exitErr = err
	h.mu.Unlock()
	h.log.Debug("exited", "pid", h.cmd.Process.Pid, "code", code)
	close(h.done)
}

func (h *Handle) closeFiles() {
	for _, c := range h.files {
		_ = c.Close()
	}
}

// PID returns the OS process id, or 0 when not running.
func (h *Handle) PID() int {
	if h.Exited() {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Done is closed once the process has exited (or failed to spawn).
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Alive reports whether the handle has a running process.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	spawned := h.spawned
	h.mu.Unlock()
	return spawned && !h.Exited()
}

// ExitCode is valid once Done is closed; -1 means killed by a signal.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Tail returns a copy of up to n most recent output lines; n <= 0 returns all.
func (h *Handle) Tail(n int) []Line { return h.tail.last(n) }

// ReadyLine is closed when an output line matches the ready pattern.
func (h *Handle) ReadyLine() <-chan struct{} { return h.readyLine }

// UnexpectedExit describes the exit of a process nobody asked to stop.
func (h *Handle) UnexpectedExit(lines int) *ExitError {
	tail := h.Tail(lines)
	texts := make([]string, len(tail))
	for i, l := range tail {
		texts[i] = l.Text
	}
	return &ExitError{Code: h.ExitCode(), Tail: texts}
}

// Terminate sends sig to the process group, waits up to grace for the exit and
// force-kills the group if it is still alive. It reports whether the forced
// kill was needed. Terminating an exited process succeeds immediately.
func (h *Handle) Terminate(sig syscall.Signal, grace time.Duration) (bool, error) {
	h.termMu.Lock()
	defer h.termMu.Unlock()

	if !h.Alive() {
		return false, nil
	}
	pid := h.PID()
	if pid == 0 {
		return false, nil
	}
	if err := signalGroup(pid, sig); err != nil {
		if h.Exited() {
			return false, nil
		}
		return false, fmt.Errorf("signal %v to pid %d: %w", sig, pid, err)
	}

	t := time.NewTimer(grace)
	select {
	case <-h.done:
		t.Stop()
		return false, nil
	case <-t.C:
	}

	h.log.Warn("grace period elapsed, killing", "pid", pid, "grace", grace)
	return true, h.kill(pid)
}

// Kill force-kills the process group without a grace period and waits for the
// exit. It does not wait for a Terminate already in progress.
func (h *Handle) Kill() error {
	pid := h.PID()
	if pid == 0 || !h.Alive() {
		return nil
	}
	return h.kill(pid)
}

func (h *Handle) kill(pid int) error {
	if err := signalGroup(pid, syscall.SIGKILL); err != nil && !h.Exited() {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	kt := time.NewTimer(killWait)
	defer kt.Stop()
	select {
	case <-h.done:
		return nil
	case <-kt.C:
		return fmt.Errorf("pid %d still alive %s after SIGKILL", pid, killWait)
	}
}
