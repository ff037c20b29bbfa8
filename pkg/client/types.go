package client

import "time"

// State mirrors the server-side status object.
type State struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// ServerStatus is one row of the snapshot.
type ServerStatus struct {
	Name      string    `json:"name"`
	Status    State     `json:"status"`
	Weight    int       `json:"weight"`
	PID       int       `json:"pid,omitempty"`
	Ports     []int     `json:"ports,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Stats is a resource sample of a running server.
type Stats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

// ServerDetail is ServerStatus plus uptime and resource usage.
type ServerDetail struct {
	ServerStatus
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	Stats         *Stats  `json:"stats,omitempty"`
}

// Result is the outcome of one start or stop.
type Result struct {
	Name    string `json:"name"`
	Status  State  `json:"status"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Forced  bool   `json:"forced,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Failed reports a real failure; skipped no-ops are not failures.
func (r Result) Failed() bool { return r.Error != "" && !r.Skipped }

// AggregateResult is the outcome of start-all or stop-all.
type AggregateResult struct {
	ID         string    `json:"id"`
	Op         string    `json:"op"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
}

// Accepted is returned for asynchronous aggregate operations.
type Accepted struct {
	ID string `json:"id"`
	Op string `json:"op"`
}

// Line is one captured output line.
type Line struct {
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Event is one status transition received from the event stream.
type Event struct {
	Seq       uint64    `json:"seq"`
	Unit      string    `json:"unit"`
	Old       State     `json:"old"`
	New       State     `json:"new"`
	Detail    string    `json:"detail,omitempty"`
	PID       int       `json:"pid,omitempty"`
	At        time.Time `json:"at"`
	Coalesced int       `json:"coalesced,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
