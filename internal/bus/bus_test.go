package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loykin/devpanel/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(unit string, from, to status.Kind) status.Event {
	return status.Event{Unit: unit, Old: status.Of(from), New: status.Of(to)}
}

func recv(t *testing.T, s *Subscription) status.Event {
	t.Helper()
	select {
	case e, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return status.Event{}
	}
}

func TestPublishOrderAndSeq(t *testing.T) {
	b := New()
	defer b.Close()
	s := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Publish(ev(fmt.Sprintf("u%d", i%3), status.Stopped, status.Starting))
	}
	var last uint64
	for i := 0; i < 10; i++ {
		e := recv(t, s)
		assert.Greater(t, e.Seq, last)
		assert.False(t, e.At.IsZero())
		last = e.Seq
	}
}

func TestFilterForUnits(t *testing.T) {
	b := New()
	defer b.Close()
	s := b.Subscribe(ForUnits("redis"))
	b.Publish(ev("nginx", status.Stopped, status.Starting))
	b.Publish(ev("redis", status.Stopped, status.Starting))
	assert.Equal(t, "redis", recv(t, s).Unit)
}

func TestSlowSubscriberDoesNotBlockPublisherOrOthers(t *testing.T) {
	b := New(WithQueueSize(4))
	defer b.Close()

	slow := b.Subscribe() // never read until the end
	fast := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(ev("db", status.Starting, status.Running))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked")
	}
	var got int
	timeout := time.After(2 * time.Second)
	for got < 1 {
		select {
		case <-fast.C():
			got++
		case <-timeout:
			t.Fatal("fast subscriber starved")
		}
	}
	assert.Greater(t, slow.Coalesced(), uint64(0))
}

func TestCoalescingKeepsLatestStatePerUnit(t *testing.T) {
	b := New(WithQueueSize(2))
	defer b.Close()
	s := b.Subscribe()

	// the first event may already sit in the delivery goroutine; what matters
	// is what the last event seen for each unit says
	b.Publish(ev("db", status.Stopped, status.Starting))
	b.Publish(ev("web", status.Stopped, status.Starting))
	b.Publish(ev("db", status.Starting, status.Running))
	b.Publish(ev("web", status.Starting, status.Failed))
	b.Publish(ev("db", status.Running, status.Stopping))
	b.Publish(ev("db", status.Stopping, status.Stopped))

	latest := map[string]status.Kind{}
	deadline := time.After(2 * time.Second)
	for latest["db"] != status.Stopped || latest["web"] != status.Failed {
		select {
		case e := <-s.C():
			latest[e.Unit] = e.New.Kind
		case <-deadline:
			t.Fatalf("final states not delivered: %v", latest)
		}
	}
}

func TestCoalesceFunction(t *testing.T) {
	q := []status.Event{
		{Seq: 1, Unit: "a", Old: status.Of(status.Stopped), New: status.Of(status.Starting)},
		{Seq: 2, Unit: "b", Old: status.Of(status.Stopped), New: status.Of(status.Starting)},
		{Seq: 3, Unit: "a", Old: status.Of(status.Starting), New: status.Of(status.Running), Detail: "port"},
	}
	out, removed := coalesce(q)
	require.Len(t, out, 2)
	assert.Equal(t, 1, removed)
	assert.Equal(t, "b", out[0].Unit)
	assert.Equal(t, "a", out[1].Unit)
	assert.Equal(t, status.Stopped, out[1].Old.Kind)
	assert.Equal(t, status.Running, out[1].New.Kind)
	assert.Equal(t, "port", out[1].Detail)
	assert.Equal(t, 1, out[1].Coalesced)
}

func TestOverflowWithDistinctUnitsStaysBounded(t *testing.T) {
	s := &Subscription{cap: 2}
	s.overflow(ev("x", status.Stopped, status.Starting)) // empty queue, plain append
	s.queue = []status.Event{ev("a", status.Stopped, status.Starting), ev("b", status.Stopped, status.Starting)}
	s.overflow(ev("a", status.Starting, status.Running))
	require.Len(t, s.queue, 2)
	assert.Equal(t, "b", s.queue[0].Unit)
	assert.Equal(t, status.Stopped, s.queue[1].Old.Kind)
	assert.Equal(t, status.Running, s.queue[1].New.Kind)

	// a new distinct unit may exceed cap
	s.overflow(ev("c", status.Stopped, status.Starting))
	assert.Len(t, s.queue, 3)
}

func TestCloseIsIdempotentAndClosesChannel(t *testing.T) {
	b := New()
	s := b.Subscribe()
	assert.Equal(t, 1, b.Subscribers())
	s.Close()
	s.Close()
	_, ok := <-s.C()
	assert.False(t, ok)
	<-s.Done()
	assert.Equal(t, 0, b.Subscribers())

	// publishing after a subscriber left is fine
	b.Publish(ev("db", status.Stopped, status.Starting))
	b.Close()
	b.Close()
	late := b.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestListenerAndPanicIsolation(t *testing.T) {
	b := New()
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	got := make(chan struct{}, 2)
	b.SubscribeListener(ListenerFunc(func(e status.Event) {
		if e.Unit == "boom" {
			panic("listener bug")
		}
		mu.Lock()
		seen = append(seen, e.Unit)
		mu.Unlock()
		got <- struct{}{}
	}))

	b.Publish(ev("boom", status.Stopped, status.Starting))
	b.Publish(ev("ok", status.Stopped, status.Starting))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called after panic")
	}
	mu.Lock()
	assert.Equal(t, []string{"ok"}, seen)
	mu.Unlock()
}

func TestDrainDeliversQueuedEvents(t *testing.T) {
	b := New()
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	sub := b.SubscribeListener(ListenerFunc(func(e status.Event) {
		<-release
		mu.Lock()
		seen = append(seen, e.Unit)
		mu.Unlock()
	}))
	for _, u := range []string{"a", "b", "c"} {
		b.Publish(ev(u, status.Stopped, status.Starting))
	}

	drained := make(chan struct{})
	go func() {
		sub.Drain(context.Background())
		close(drained)
	}()
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	// detached: later events are not delivered
	b.Publish(ev("late", status.Stopped, status.Starting))
	close(release)

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish")
	}
	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	mu.Unlock()
}

func TestDrainHonorsContext(t *testing.T) {
	b := New()
	defer b.Close()

	block := make(chan struct{})
	defer close(block)
	sub := b.SubscribeListener(ListenerFunc(func(status.Event) { <-block }))
	b.Publish(ev("a", status.Stopped, status.Starting))
	b.Publish(ev("b", status.Stopped, status.Starting))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		sub.Drain(ctx)
		close(done)
	}()
	// the listener is stuck in "a"; Drain returns once it is released
	time.Sleep(100 * time.Millisecond)
	block <- struct{}{}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain ignored its context")
	}
}
