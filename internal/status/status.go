package status

import (
	"fmt"
	"time"
)

// Kind is the lifecycle state of a managed server.
type Kind int32

const (
	Stopped Kind = iota
	Starting
	Running
	Stopping
	Failed
)

func (k Kind) String() string {
	switch k {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transitional reports whether the state is expected to settle on its own.
func (k Kind) Transitional() bool { return k == Starting || k == Stopping }

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "stopped":
		return Stopped, nil
	case "starting":
		return Starting, nil
	case "running":
		return Running, nil
	case "stopping":
		return Stopping, nil
	case "failed":
		return Failed, nil
	}
	return Stopped, fmt.Errorf("unknown state %q", s)
}

// Status is a state plus, for Failed, the reason it failed.
type Status struct {
	Kind   Kind   `json:"state"`
	Reason string `json:"reason,omitempty"`
}

func Of(k Kind) Status { return Status{Kind: k} }

// FailedWith returns a Failed status carrying reason.
func FailedWith(reason string) Status { return Status{Kind: Failed, Reason: reason} }

func (s Status) String() string {
	if s.Kind == Failed && s.Reason != "" {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Kind.String()
}

// Is reports whether s is in state k regardless of reason.
func (s Status) Is(k Kind) bool { return s.Kind == k }

// Event describes one status transition of one server.
type Event struct {
	Seq    uint64    `json:"seq"`
	Unit   string    `json:"unit"`
	Old    Status    `json:"old"`
	New    Status    `json:"new"`
	Detail string    `json:"detail,omitempty"`
	PID    int       `json:"pid,omitempty"`
	At     time.Time `json:"at"`
	// Coalesced counts the earlier transitions folded into this event
	// because the receiving subscriber fell behind.
	Coalesced int `json:"coalesced,omitempty"`
}
