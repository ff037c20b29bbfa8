package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/loykin/devpanel/internal/bus"
	"github.com/loykin/devpanel/internal/status"
)

const DefaultSendTimeout = 5 * time.Second

// Recorder forwards status transitions to sinks. It is a bus listener like
// any extension; a failing sink is logged and never affects the bus.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	sub     *bus.Subscription
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, log: log}
}

// SetTimeout bounds each Send call.
func (r *Recorder) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Attach subscribes the recorder to b.
func (r *Recorder) Attach(b *bus.Bus) *bus.Subscription {
	r.sub = b.SubscribeListener(r)
	return r.sub
}

func (r *Recorder) OnStatusChange(ev status.Event) {
	e := FromStatus(ev)
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "server", e.Server, "type", e.Type, "error", err)
		}
		cancel()
	}
}

// Close detaches from the bus, forwards what is still queued and closes
// sinks that hold resources.
func (r *Recorder) Close() error {
	if r.sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		r.sub.Drain(ctx)
		cancel()
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
