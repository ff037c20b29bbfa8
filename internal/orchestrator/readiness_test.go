package orchestrator

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/loykin/devpanel/internal/process"
	"github.com/loykin/devpanel/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listenPortEnv = "DEVPANEL_TEST_LISTEN_PORT"

// TestListenHelper is the body of child processes that bind a port
// themselves. It only runs when listenPortEnv is set.
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

func TestReadinessByPort(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	self, err := os.Executable()
	require.NoError(t, err)
	d := sh("memcached", 0, "")
	d.Executable = self
	d.Args = []string{"-test.run=^TestListenHelper$"}
	d.Env = []string{listenPortEnv + "=" + strconv.Itoa(port)}
	d.ReadyPattern = ""
	d.Ports = []int{port}
	o := newTestOrchestrator(t, d)
	rec := record(t, o)

	start := time.Now()
	r, err := o.Start(context.Background(), "memcached")
	require.NoError(t, err)
	require.NoError(t, r.Err)
	assert.NoError(t, r.Warn)
	assert.Less(t, time.Since(start), 3*time.Second)

	rec.waitFor(t, "memcached", status.Running)
	for _, ev := range rec.all() {
		if ev.New.Is(status.Running) {
			assert.Equal(t, "ready (port)", ev.Detail)
			assert.Greater(t, ev.PID, 0)
		}
	}
}

func TestForeignListenerDoesNotMakeServerReady(t *testing.T) {
	requireUnix(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	d := sh("redis", 0, "echo 'bind: address in use' >&2; sleep 1; exit 1")
	d.ReadyPattern = ""
	d.Ports = []int{ln.Addr().(*net.TCPAddr).Port}
	o := newTestOrchestrator(t, d)
	rec := record(t, o)

	r, err := o.Start(context.Background(), "redis")
	require.NoError(t, err)
	var ee *process.ExitError
	require.ErrorAs(t, r.Err, &ee)
	assert.Equal(t, 1, ee.Code)
	assert.Equal(t, status.Failed, r.Status.Kind)
	assert.Equal(t, status.Failed, kinds(o)["redis"])
	assert.Zero(t, rec.count("redis", status.Running))
}
