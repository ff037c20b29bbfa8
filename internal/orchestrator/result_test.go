package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/loykin/devpanel/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateResultClassification(t *testing.T) {
	boom := errors.New("boom")
	a := AggregateResult{
		ID: "op-1",
		Op: OpStartAll,
		Results: []Result{
			{Name: "db", Status: status.Of(status.Running)},
			{Name: "cache", Status: status.Of(status.Running), Err: ErrAlreadyRunning},
			{Name: "web", Status: status.FailedWith("exit code 1"), Err: boom},
			{Name: "php", Status: status.Of(status.Running), Warn: fmt.Errorf("%w: slow", ErrTimeout)},
		},
	}
	assert.Len(t, a.Succeeded(), 2)
	assert.Len(t, a.Skipped(), 1)
	require.Len(t, a.Failed(), 1)
	assert.Equal(t, "web", a.Failed()[0].Name)

	err := a.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)

	a.Cause = ErrClosed
	assert.ErrorIs(t, a.Err(), ErrClosed)
}

func TestAggregateResultJSON(t *testing.T) {
	a := AggregateResult{
		ID: "op-2",
		Op: OpStopAll,
		Results: []Result{
			{Name: "redis", Status: status.Of(status.Stopped), Forced: true},
			{Name: "nginx", Status: status.Of(status.Stopped), Err: ErrNotRunning},
		},
	}
	b, err := json.Marshal(a)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "stop-all", got["op"])
	assert.EqualValues(t, 1, got["succeeded"])
	assert.EqualValues(t, 1, got["skipped"])
	results := got["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, true, first["forced"])
	second := results[1].(map[string]any)
	assert.Equal(t, "not running", second["error"])
	assert.Equal(t, true, second["skipped"])
}

func TestResultWarningJSON(t *testing.T) {
	r := Result{Name: "php", Status: status.Of(status.Running), Warn: fmt.Errorf("%w: no readiness signal within 10s", ErrTimeout)}
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"php","status":{"state":"running"},"warning":"still starting: no readiness signal within 10s"}`, string(b))
}
