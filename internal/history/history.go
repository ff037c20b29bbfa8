package history

import (
	"context"
	"time"

	"github.com/loykin/devpanel/internal/status"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart      EventType = "start"
	EventStop       EventType = "stop"
	EventFail       EventType = "fail"
	EventTransition EventType = "transition"
)

// Event is a status transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	Seq        uint64    `json:"seq"`
	Server     string    `json:"server"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	PID        int       `json:"pid,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// FromStatus converts a bus event. Running is a start, Stopped a stop and
// Failed a failure; everything else is a plain transition.
func FromStatus(ev status.Event) Event {
	t := EventTransition
	switch ev.New.Kind {
	case status.Running:
		t = EventStart
	case status.Stopped:
		t = EventStop
	case status.Failed:
		t = EventFail
	}
	return Event{
		Type:       t,
		Seq:        ev.Seq,
		Server:     ev.Unit,
		From:       ev.Old.Kind.String(),
		To:         ev.New.Kind.String(),
		Reason:     ev.New.Reason,
		Detail:     ev.Detail,
		PID:        ev.PID,
		OccurredAt: ev.At,
	}
}
