package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/orchestrator"
	"github.com/loykin/devpanel/internal/server"
)

func sh(name string, weight int, script string) descriptor.Descriptor {
	return descriptor.Descriptor{
		Name:           name,
		Executable:     "/bin/sh",
		Args:           []string{"-c", script},
		Weight:         weight,
		ReadyPattern:   "^ready$",
		StartupTimeout: 5 * time.Second,
		GracePeriod:    2 * time.Second,
	}
}

func setup(t *testing.T) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
	gin.SetMode(gin.TestMode)
	o, err := orchestrator.New([]descriptor.Descriptor{
		sh("db", 0, "echo booting; echo ready; exec sleep 30"),
		sh("web", 1, "echo ready; exec sleep 30"),
	}, orchestrator.WithProbeInterval(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(server.NewRouter(o, "/api", server.WithContext(ctx)).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		cctx, ccancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer ccancel()
		_ = o.Close(cctx)
	})
	return New(Config{BaseURL: srv.URL + "/api/", Timeout: 30 * time.Second})
}

func TestClientLifecycle(t *testing.T) {
	c := setup(t)
	ctx := context.Background()

	require.True(t, c.IsReachable(ctx))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, "stopped", snap[0].Status.State)

	res, err := c.StartAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "start-all", res.Op)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, []string{"db", "web"}, []string{res.Results[0].Name, res.Results[1].Name})

	r, err := c.Start(ctx, "db")
	require.NoError(t, err)
	assert.True(t, r.Skipped)
	assert.False(t, r.Failed())

	d, err := c.Server(ctx, "db")
	require.NoError(t, err)
	assert.Equal(t, "running", d.Status.State)
	assert.Positive(t, d.PID)

	lines, err := c.Tail(ctx, "db", 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "booting", lines[0].Text)

	r, err = c.Stop(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "stopped", r.Status.State)

	res, err = c.StopAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
}

func TestClientNotFound(t *testing.T) {
	c := setup(t)
	_, err := c.Start(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "unknown server")
}

func TestClientAsync(t *testing.T) {
	c := setup(t)
	ctx := context.Background()

	acc, err := c.StartAllAsync(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, acc.ID)

	var res AggregateResult
	require.Eventually(t, func() bool {
		r, done, err := c.Operation(ctx, acc.ID)
		require.NoError(t, err)
		res = r
		return done
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, acc.ID, res.ID)
	assert.Equal(t, 2, res.Succeeded)
}

func TestClientEvents(t *testing.T) {
	c := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var snap []ServerStatus
	events, errs, err := c.Events(ctx, []string{"web"}, func(s []ServerStatus) {
		mu.Lock()
		snap = s
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = c.Start(ctx, "web")
	require.NoError(t, err)

	var got []string
	timeout := time.After(10 * time.Second)
	for len(got) < 2 {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream closed early")
			assert.Equal(t, "web", ev.Unit)
			got = append(got, ev.New.State)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []string{"starting", "running"}, got)

	mu.Lock()
	assert.Len(t, snap, 2)
	mu.Unlock()

	cancel()
	for range events {
	}
	for err := range errs {
		t.Fatalf("unexpected stream error: %v", err)
	}
}
