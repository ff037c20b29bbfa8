package process

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listenPortEnv = "DEVPANEL_TEST_LISTEN_PORT"

// TestListenHelper is not a real test: it is the body of child processes that
// bind a port themselves. It only runs when listenPortEnv is set.
func TestListenHelper(t *testing.T) {
	port := os.Getenv(listenPortEnv)
	if port == "" {
		t.Skip("helper process only")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	defer func() { _ = ln.Close() }()
	fmt.Println("listening")
	time.Sleep(30 * time.Second)
	os.Exit(0)
}

// listenerDesc describes a child that binds port itself. With viaShell the
// listener runs as a grandchild under /bin/sh.
func listenerDesc(t *testing.T, name string, viaShell bool) descriptor.Descriptor {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	d := descriptor.Descriptor{
		Name:       name,
		Executable: self,
		Args:       []string{"-test.run=^TestListenHelper$"},
	}
	if viaShell {
		d.Executable = "/bin/sh"
		d.Args = []string{"-c", "'" + self + "' -test.run='^TestListenHelper$'; exit $?"}
	}
	return d.WithDefaults()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestPortsListeningDialFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	// pid 0 owns nothing, the dial decides
	assert.True(t, portsListening(0, []int{port}, nil))
	// a port that was taken before start never counts through the dial
	assert.False(t, portsListening(0, []int{port}, map[int]bool{port: true}))

	_ = ln.Close()
	assert.False(t, portsListening(0, []int{port}, nil))
}

func TestBoundPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	taken := ln.Addr().(*net.TCPAddr).Port
	free := freePort(t)

	bound := boundPorts([]int{taken, free})
	assert.True(t, bound[taken])
	assert.False(t, bound[free])
	assert.Nil(t, boundPorts([]int{free}))
}

func TestWaitReadyByPort(t *testing.T) {
	requireUnix(t)
	for _, viaShell := range []bool{false, true} {
		t.Run(fmt.Sprintf("shell=%v", viaShell), func(t *testing.T) {
			port := freePort(t)
			d := listenerDesc(t, "port", viaShell)
			d.Ports = []int{port}
			environ := testEnv()
			environ[listenPortEnv] = strconv.Itoa(port)
			h := New(d, environ, Options{})
			require.NoError(t, h.Spawn())
			t.Cleanup(func() { _, _ = h.Terminate(syscall.SIGKILL, 0) })

			r := h.WaitReady(context.Background(), 20*time.Millisecond)
			require.True(t, r.Ready, "readiness: %+v", r)
			assert.Equal(t, ReadyByPort, r.By)
			assert.True(t, ownedListeners(h.PID())[uint32(port)])
		})
	}
}

func TestWaitReadyIgnoresForeignListener(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	d := shDesc("squatted", "echo 'bind: address in use' >&2; sleep 1; exit 1")
	d.Ports = []int{ln.Addr().(*net.TCPAddr).Port}
	d.StartupTimeout = 3 * time.Second
	h := New(d, testEnv(), Options{})
	require.NoError(t, h.Spawn())
	t.Cleanup(func() { _, _ = h.Terminate(syscall.SIGKILL, 0) })

	r := h.WaitReady(context.Background(), 20*time.Millisecond)
	assert.False(t, r.Ready, "readiness: %+v", r)
	assert.True(t, r.Exited)
}

func TestWaitReadyByCommand(t *testing.T) {
	requireUnix(t)
	d := shDesc("cmd", "exec sleep 5")
	d.ReadyCommand = "test -n \"$PATH\""
	h := New(d, testEnv(), Options{})
	require.NoError(t, h.Spawn())
	t.Cleanup(func() { _, _ = h.Terminate(syscall.SIGKILL, 0) })

	r := h.WaitReady(context.Background(), 20*time.Millisecond)
	assert.True(t, r.Ready)
	assert.Equal(t, ReadyByCommand, r.By)
}
