package bus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/loykin/devpanel/internal/metrics"
	"github.com/loykin/devpanel/internal/status"
)

// Listener is implemented by extensions that want status changes pushed to them.
type Listener interface {
	OnStatusChange(ev status.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev status.Event)

func (f ListenerFunc) OnStatusChange(ev status.Event) { f(ev) }

// Filter selects the events a subscription receives.
type Filter func(ev status.Event) bool

type SubscribeOption func(*Subscription)

func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) { s.filter = f }
}

// ForUnits limits delivery to the named servers.
func ForUnits(names ...string) SubscribeOption {
	return WithFilter(func(ev status.Event) bool {
		return slices.Contains(names, ev.Unit)
	})
}

// Subscription is one observer's interest in the bus.
type Subscription struct {
	id       uint64
	bus      *Bus
	filter   Filter
	listener Listener
	out      chan status.Event

	mu    sync.Mutex
	queue []status.Event
	cap   int

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	draining  chan struct{}
	drainOnce sync.Once
	done      chan struct{}
	coalesced atomic.Uint64
}

// C returns the delivery channel of a channel subscription; nil for listeners.
// The channel is closed after Close.
func (s *Subscription) C() <-chan status.Event { return s.out }

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Coalesced reports how many events were folded into later ones because this
// subscriber fell behind.
func (s *Subscription) Coalesced() uint64 { return s.coalesced.Load() }

// Close stops delivery. It is idempotent and safe to call from a listener.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.id != 0 {
			s.bus.detach(s.id)
		}
	})
}

// Drain detaches from the bus and waits until every queued event has been
// delivered. When ctx ends first the remaining events are dropped.
func (s *Subscription) Drain(ctx context.Context) {
	s.drainOnce.Do(func() {
		if s.id != 0 {
			s.bus.detach(s.id)
		}
		close(s.draining)
	})
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Close()
		<-s.done
	}
}

func (s *Subscription) enqueue(ev status.Event) {
	if s.filter != nil && !s.filter(ev) {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}
	s.mu.Lock()
	if len(s.queue) >= s.cap {
		s.overflow(ev)
	} else {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// overflow makes room for ev by coalescing the queue per server. When every
// queued server is distinct and ev's server is among them, ev absorbs its
// queued predecessor. The queue therefore never exceeds
// max(cap, number of distinct servers).
func (s *Subscription) overflow(ev status.Event) {
	var merged int
	s.queue, merged = coalesce(s.queue)
	if len(s.queue) >= s.cap {
		if i := slices.IndexFunc(s.queue, func(e status.Event) bool { return e.Unit == ev.Unit }); i >= 0 {
			prev := s.queue[i]
			ev.Old = prev.Old
			ev.Coalesced += prev.Coalesced + 1
			s.queue = slices.Delete(s.queue, i, i+1)
			merged++
		}
	}
	s.queue = append(s.queue, ev)
	if merged > 0 {
		s.coalesced.Add(uint64(merged))
		metrics.AddBusCoalesced(merged)
	}
}

// coalesce folds events of the same server into the latest one, which keeps
// its position, its new status and detail, and takes the oldest Old status.
// It works in place and returns the number of events removed.
func coalesce(q []status.Event) ([]status.Event, int) {
	type acc struct {
		first status.Status
		count int
		last  int
	}
	byUnit := make(map[string]*acc, len(q))
	for i, e := range q {
		a, ok := byUnit[e.Unit]
		if !ok {
			byUnit[e.Unit] = &acc{first: e.Old, count: e.Coalesced, last: i}
			continue
		}
		a.count += e.Coalesced + 1
		a.last = i
	}
	out := q[:0]
	for i, e := range q {
		a := byUnit[e.Unit]
		if a.last != i {
			continue
		}
		e.Old = a.first
		e.Coalesced = a.count
		out = append(out, e)
	}
	removed := len(q) - len(out)
	clear(q[len(out):])
	return out, removed
}

func (s *Subscription) next() (status.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return status.Event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
	return ev, true
}

func (s *Subscription) run() {
	defer close(s.done)
	if s.out != nil {
		defer close(s.out)
	}
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		ev, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.draining:
				return
			case <-s.closed:
				return
			}
		}
		if s.listener != nil {
			s.call(ev)
			continue
		}
		select {
		case s.out <- ev:
		case <-s.closed:
			return
		}
	}
}

func (s *Subscription) call(ev status.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.Error("status listener panicked", "server", ev.Unit, "seq", ev.Seq, "panic", r)
		}
	}()
	s.listener.OnStatusChange(ev)
}
