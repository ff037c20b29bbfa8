package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/devpanel/internal/status"
)

// Op names an aggregate operation.
type Op string

const (
	OpStartAll Op = "start-all"
	OpStopAll  Op = "stop-all"
)

// Result is the outcome of one start or stop on one server.
type Result struct {
	Name   string
	Status status.Status
	// Err is the per-server failure, or ErrAlreadyRunning / ErrNotRunning
	// when the request was a no-op.
	Err error
	// Warn is set when the server was declared running without confirming
	// readiness (wraps ErrTimeout).
	Warn   error
	Forced bool
	PID    int
}

func (r Result) Skipped() bool { return Skipped(r.Err) }

func (r Result) Failed() bool { return r.Err != nil && !r.Skipped() }

func (r Result) MarshalJSON() ([]byte, error) {
	type wire struct {
		Name    string        `json:"name"`
		Status  status.Status `json:"status"`
		Error   string        `json:"error,omitempty"`
		Warning string        `json:"warning,omitempty"`
		Skipped bool          `json:"skipped,omitempty"`
		Forced  bool          `json:"forced,omitempty"`
		PID     int           `json:"pid,omitempty"`
	}
	w := wire{Name: r.Name, Status: r.Status, Skipped: r.Skipped(), Forced: r.Forced, PID: r.PID}
	if r.Err != nil {
		w.Error = r.Err.Error()
	}
	if r.Warn != nil {
		w.Warning = r.Warn.Error()
	}
	return json.Marshal(w)
}

// AggregateResult collects the per-server results of StartAll or StopAll in
// the order they were executed (tier by tier).
type AggregateResult struct {
	ID         string
	Op         Op
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []Result
	// Cause is set when the operation itself could not complete, for
	// example because the context ended or the orchestrator was closed.
	Cause error
}

func (a AggregateResult) Succeeded() []Result {
	return a.filter(func(r Result) bool { return r.Err == nil })
}

func (a AggregateResult) Failed() []Result {
	return a.filter(Result.Failed)
}

func (a AggregateResult) Skipped() []Result {
	return a.filter(Result.Skipped)
}

func (a AggregateResult) filter(keep func(Result) bool) []Result {
	var out []Result
	for _, r := range a.Results {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// Err joins the failures (skips excluded) and Cause; nil when all went well.
func (a AggregateResult) Err() error {
	var errs []error
	if a.Cause != nil {
		errs = append(errs, a.Cause)
	}
	for _, r := range a.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
	}
	return errors.Join(errs...)
}

func (a AggregateResult) Duration() time.Duration { return a.FinishedAt.Sub(a.StartedAt) }

func (a AggregateResult) MarshalJSON() ([]byte, error) {
	type wire struct {
		ID         string    `json:"id"`
		Op         Op        `json:"op"`
		StartedAt  time.Time `json:"started_at"`
		FinishedAt time.Time `json:"finished_at"`
		Results    []Result  `json:"results"`
		Succeeded  int       `json:"succeeded"`
		Failed     int       `json:"failed"`
		Skipped    int       `json:"skipped"`
		Error      string    `json:"error,omitempty"`
	}
	w := wire{
		ID: a.ID, Op: a.Op, StartedAt: a.StartedAt, FinishedAt: a.FinishedAt,
		Results:   a.Results,
		Succeeded: len(a.Succeeded()),
		Failed:    len(a.Failed()),
		Skipped:   len(a.Skipped()),
	}
	if w.Results == nil {
		w.Results = []Result{}
	}
	if a.Cause != nil {
		w.Error = a.Cause.Error()
	}
	return json.Marshal(w)
}

// UnitStatus is one row of a Snapshot.
type UnitStatus struct {
	Name      string        `json:"name"`
	Status    status.Status `json:"status"`
	Weight    int           `json:"weight"`
	PID       int           `json:"pid,omitempty"`
	Ports     []int         `json:"ports,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}
