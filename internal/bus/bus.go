// Package bus broadcasts server status transitions to any number of
// observers. Publishing never blocks: every subscriber has its own bounded
// queue drained by its own goroutine, and a subscriber that falls behind has
// its queued events coalesced per server instead of stalling the publisher.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/devpanel/internal/metrics"
	"github.com/loykin/devpanel/internal/status"
)

const DefaultQueueSize = 64

type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

type Bus struct {
	log       *slog.Logger
	queueSize int

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

func New(opts ...Option) *Bus {
	b := &Bus{
		log:       slog.Default(),
		queueSize: DefaultQueueSize,
		subs:      make(map[uint64]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish stamps ev with the next sequence number (and the current time when
// unset) and hands it to every matching subscriber. It never blocks on
// subscribers. The stamped event is returned.
func (b *Bus) Publish(ev status.Event) status.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev
	}
	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	// enqueue is non-blocking, holding mu keeps per-subscriber order equal
	// to sequence order
	for _, s := range b.subs {
		s.enqueue(ev)
	}
	metrics.IncBusPublished()
	return ev
}

// Subscribe returns a channel-based subscription. Read events from C until it
// is closed.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	s := b.newSubscription(opts)
	s.out = make(chan status.Event)
	b.attach(s)
	return s
}

// SubscribeListener delivers events to l from a dedicated goroutine. A
// panicking listener is logged and keeps its subscription.
func (b *Bus) SubscribeListener(l Listener, opts ...SubscribeOption) *Subscription {
	s := b.newSubscription(opts)
	s.listener = l
	b.attach(s)
	return s
}

func (b *Bus) newSubscription(opts []SubscribeOption) *Subscription {
	s := &Subscription{
		bus:      b,
		cap:      b.queueSize,
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
		draining: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (b *Bus) attach(s *Subscription) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeOnce.Do(func() { close(s.closed) })
		go s.run()
		return
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetBusSubscribers(n)
	go s.run()
}

func (b *Bus) detach(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetBusSubscribers(n)
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscription; later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
