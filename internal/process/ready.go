package process

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const (
	DefaultProbeInterval = 100 * time.Millisecond

	dialTimeout    = 200 * time.Millisecond
	commandTimeout = 2 * time.Second
)

// ReadyBy names what confirmed readiness.
type ReadyBy string

const (
	ReadyByPort    ReadyBy = "port"
	ReadyByPattern ReadyBy = "pattern"
	ReadyByCommand ReadyBy = "command"
	// ReadyBySurvival means no readiness signal was declared and the process
	// stayed up for the whole startup timeout.
	ReadyBySurvival ReadyBy = "survival"
)

// Readiness is the outcome of WaitReady. Exactly one of Ready, TimedOut,
// Exited or Canceled is set.
type Readiness struct {
	Ready    bool
	By       ReadyBy
	TimedOut bool
	Exited   bool
	Canceled bool
}

// WaitReady blocks until the process is ready according to its descriptor,
// exits, the startup timeout elapses or ctx ends. Any declared signal is
// sufficient: all ports listening, a line matching the ready pattern, or the
// ready command succeeding.
func (h *Handle) WaitReady(ctx context.Context, interval time.Duration) Readiness {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := h.desc.StartupTimeout
	if timeout <= 0 {
		timeout = h.desc.WithDefaults().StartupTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var pattern <-chan struct{}
	if h.pattern != nil {
		pattern = h.readyLine
	}
	declared := h.desc.HasReadiness()

	for {
		select {
		case <-ctx.Done():
			return Readiness{Canceled: true}
		case <-h.done:
			return Readiness{Exited: true}
		case <-pattern:
			return Readiness{Ready: true, By: ReadyByPattern}
		case <-deadline.C:
			if h.Exited() {
				return Readiness{Exited: true}
			}
			if !declared {
				return Readiness{Ready: true, By: ReadyBySurvival}
			}
			return Readiness{TimedOut: true}
		case <-tick.C:
			if len(h.desc.Ports) > 0 && portsListening(h.PID(), h.desc.Ports, h.preBound) {
				return Readiness{Ready: true, By: ReadyByPort}
			}
			if h.desc.ReadyCommand != "" && runReadyCommand(ctx, h.desc.ReadyCommand, h.cmd.Dir, h.cmd.Env) {
				return Readiness{Ready: true, By: ReadyByCommand}
			}
		}
	}
}

// maxTreeDepth bounds how far down the process tree owned sockets are searched.
const maxTreeDepth = 4

// portsListening reports whether every port is accepting connections on behalf
// of pid. Sockets owned by pid or its descendants confirm a port directly. A
// port nobody in the tree owns is confirmed by dialing loopback, unless it was
// already taken before the process started: then the listener is someone else.
func portsListening(pid int, ports []int, preBound map[int]bool) bool {
	owned := ownedListeners(pid)
	for _, p := range ports {
		if owned[uint32(p)] {
			continue
		}
		if preBound[p] || !dialable(p) {
			return false
		}
	}
	return true
}

// ownedListeners collects the TCP ports in LISTEN state held by pid and its
// descendants.
func ownedListeners(pid int) map[uint32]bool {
	listening := map[uint32]bool{}
	if pid <= 0 {
		return listening
	}
	var walk func(pid int32, depth int)
	walk = func(pid int32, depth int) {
		if conns, err := gopsnet.ConnectionsPid("tcp", pid); err == nil {
			for _, c := range conns {
				if c.Status == "LISTEN" {
					listening[c.Laddr.Port] = true
				}
			}
		}
		if depth >= maxTreeDepth {
			return
		}
		p, err := gopsproc.NewProcess(pid)
		if err != nil {
			return
		}
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c.Pid, depth+1)
		}
	}
	walk(int32(pid), 0)
	return listening
}

// boundPorts returns the ports that already accept connections.
func boundPorts(ports []int) map[int]bool {
	var bound map[int]bool
	for _, p := range ports {
		if dialable(p) {
			if bound == nil {
				bound = map[int]bool{}
			}
			bound[p] = true
		}
	}
	return bound
}

func dialable(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// runReadyCommand runs cmdStr and reports whether it exited 0. A shell is only
// involved when the command uses shell syntax.
func runReadyCommand(ctx context.Context, cmdStr, dir string, environ []string) bool {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := buildShellAwareCommand(ctx, cmdStr)
	cmd.Dir = dir
	cmd.Env = environ
	return cmd.Run() == nil
}

func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return shellCommand(ctx, "exit 0")
	}
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}
