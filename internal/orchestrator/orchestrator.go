// Package orchestrator supervises a fixed set of servers. A single control
// loop goroutine owns all server state; callers, process watchers and
// readiness probes talk to it through its inbox, and every state change is
// published on the status bus.
package orchestrator

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/devpanel/internal/bus"
	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/env"
	"github.com/loykin/devpanel/internal/logger"
	"github.com/loykin/devpanel/internal/process"
)

const inboxSize = 64

type Option func(*Orchestrator)

// WithBus publishes transitions on b instead of a private bus.
func WithBus(b *bus.Bus) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.bus = b
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithGlobalEnv sets the environment shared by every server.
func WithGlobalEnv(e *env.Env) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.environ = e
		}
	}
}

// WithMaxParallel bounds how many servers of one weight tier are started or
// stopped at once; 0 means unbounded.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) { o.maxParallel = n }
}

func WithTailLines(n int) Option {
	return func(o *Orchestrator) { o.tailLines = n }
}

func WithProbeInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.probeInterval = d }
}

// WithOutput sets the default output file configuration for all servers.
func WithOutput(c logger.Config) Option {
	return func(o *Orchestrator) { o.output = c }
}

type Orchestrator struct {
	log           *slog.Logger
	bus           *bus.Bus
	ownBus        bool
	environ       *env.Env
	output        logger.Config
	maxParallel   int
	tailLines     int
	probeInterval time.Duration

	inbox   chan message
	quit    chan struct{}
	stopped chan struct{}
	closeMu sync.Mutex
	closed  bool

	// aggMu serializes StartAll/StopAll.
	aggMu sync.Mutex

	snap atomic.Pointer[snapshot]

	// owned by the control loop
	units      []*unit
	byName     map[string]*unit
	aggregates int
	settling   []settleMsg
}

type snapshot struct {
	list    []UnitStatus
	handles map[string]*process.Handle
}

// New validates descs and starts the control loop. No server is started.
func New(descs []descriptor.Descriptor, opts ...Option) (*Orchestrator, error) {
	descs = withDefaults(descs)
	if err := descriptor.ValidateSet(descs); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		log:           slog.Default(),
		tailLines:     process.DefaultTailLines,
		probeInterval: process.DefaultProbeInterval,
		inbox:         make(chan message, inboxSize),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
		byName:        make(map[string]*unit, len(descs)),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = bus.New(bus.WithLogger(o.log))
		o.ownBus = true
	}
	if o.environ == nil {
		o.environ = env.New()
	}
	for _, d := range descs {
		u := newUnit(d)
		o.units = append(o.units, u)
		o.byName[d.Name] = u
	}
	o.publishSnapshot()
	go o.loop()
	return o, nil
}

func withDefaults(descs []descriptor.Descriptor) []descriptor.Descriptor {
	out := make([]descriptor.Descriptor, len(descs))
	for i, d := range descs {
		out[i] = d.WithDefaults()
	}
	return out
}

// Bus returns the bus transitions are published on.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

func (o *Orchestrator) loop() {
	defer close(o.stopped)
	for {
		select {
		case m := <-o.inbox:
			o.handle(m)
			o.settle()
		case <-o.quit:
			for _, u := range o.units {
				if u.readyCancel != nil {
					u.readyCancel()
				}
			}
			return
		}
	}
}

func (o *Orchestrator) handle(m message) {
	switch m := m.(type) {
	case opMsg:
		u, ok := o.byName[m.name]
		if !ok {
			m.reply <- reply{err: ErrUnknownServer}
			return
		}
		o.apply(u, m)
	case exitMsg:
		if u, ok := o.byName[m.name]; ok {
			o.onExit(u, m)
		}
	case readyMsg:
		if u, ok := o.byName[m.name]; ok {
			o.onReady(u, m)
		}
	case stopDoneMsg:
		if u, ok := o.byName[m.name]; ok {
			o.onStopDone(u, m)
		}
	case reloadMsg:
		m.reply <- o.reload(m.descs)
	case aggBeginMsg:
		o.aggregates++
		m.reply <- o.tiers(m.op)
	case aggEndMsg:
		o.aggregates--
	case settleMsg:
		o.settling = append(o.settling, m)
	}
}

// settle replays queued requests and answers barrier waiters whose servers
// are no longer transitional.
func (o *Orchestrator) settle() {
	for _, u := range o.units {
		o.runPending(u)
	}
	kept := o.settling[:0]
	for _, w := range o.settling {
		if o.quiet(w.names) {
			close(w.reply)
			continue
		}
		kept = append(kept, w)
	}
	clear(o.settling[len(kept):])
	o.settling = kept
}

func (o *Orchestrator) quiet(names []string) bool {
	for _, n := range names {
		if u, ok := o.byName[n]; ok && u.status.Kind.Transitional() {
			return false
		}
	}
	return true
}

func (o *Orchestrator) publishSnapshot() {
	s := &snapshot{
		list:    make([]UnitStatus, len(o.units)),
		handles: make(map[string]*process.Handle, len(o.units)),
	}
	for i, u := range o.units {
		us := UnitStatus{
			Name:   u.desc.Name,
			Status: u.status,
			Weight: u.desc.Weight,
			Ports:  u.desc.Ports,
		}
		if u.handle != nil {
			s.handles[u.desc.Name] = u.handle
			if u.alive() {
				us.PID = u.handle.PID()
				us.StartedAt = u.handle.StartedAt()
			}
		}
		s.list[i] = us
	}
	o.snap.Store(s)
}

// send delivers m to the control loop unless it has stopped.
func (o *Orchestrator) send(m message) bool {
	select {
	case o.inbox <- m:
		return true
	case <-o.stopped:
		return false
	}
}

func (o *Orchestrator) sendCtx(ctx context.Context, m message) error {
	select {
	case o.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrClosed
	}
}

// Start starts one server and waits until it is running or failed. The
// returned error is only set for unknown names, an ended ctx or a closed
// orchestrator; per-server problems are reported in Result.Err.
func (o *Orchestrator) Start(ctx context.Context, name string) (Result, error) {
	return o.do(ctx, opStart, name)
}

// Stop stops one server and waits until it is stopped (or failed to stop).
func (o *Orchestrator) Stop(ctx context.Context, name string) (Result, error) {
	return o.do(ctx, opStop, name)
}

func (o *Orchestrator) do(ctx context.Context, kind opKind, name string) (Result, error) {
	m := opMsg{kind: kind, name: name, reply: make(chan reply, 1)}
	if err := o.sendCtx(ctx, m); err != nil {
		return Result{Name: name}, err
	}
	select {
	case r := <-m.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{Name: name}, ctx.Err()
	case <-o.stopped:
		return Result{Name: name}, ErrClosed
	}
}

// Snapshot returns every server's status in registration order. It never
// waits for in-flight operations.
func (o *Orchestrator) Snapshot() []UnitStatus {
	return slices.Clone(o.snap.Load().list)
}

// Status returns the snapshot row of one server.
func (o *Orchestrator) Status(name string) (UnitStatus, bool) {
	for _, us := range o.snap.Load().list {
		if us.Name == name {
			return us, true
		}
	}
	return UnitStatus{}, false
}

// Tail returns up to n captured output lines of the server's current or most
// recent process.
func (o *Orchestrator) Tail(name string, n int) ([]process.Line, error) {
	s := o.snap.Load()
	if !slices.ContainsFunc(s.list, func(us UnitStatus) bool { return us.Name == name }) {
		return nil, ErrUnknownServer
	}
	h, ok := s.handles[name]
	if !ok {
		return []process.Line{}, nil
	}
	return h.Tail(n), nil
}

// Stats samples the resources of a running server.
func (o *Orchestrator) Stats(name string) (process.Stats, error) {
	s := o.snap.Load()
	h, ok := s.handles[name]
	if !ok {
		if _, known := o.Status(name); !known {
			return process.Stats{}, ErrUnknownServer
		}
		return process.Stats{}, ErrNotRunning
	}
	return h.Stats()
}

// PIDs maps running servers to their PIDs.
func (o *Orchestrator) PIDs() map[string]int {
	out := map[string]int{}
	for _, us := range o.snap.Load().list {
		if us.PID > 0 {
			out[us.Name] = us.PID
		}
	}
	return out
}

// Subscribe is a shortcut for Bus().Subscribe.
func (o *Orchestrator) Subscribe(opts ...bus.SubscribeOption) *bus.Subscription {
	return o.bus.Subscribe(opts...)
}

// SubscribeListener is a shortcut for Bus().SubscribeListener.
func (o *Orchestrator) SubscribeListener(l bus.Listener, opts ...bus.SubscribeOption) *bus.Subscription {
	return o.bus.SubscribeListener(l, opts...)
}

// Close stops every server and then the control loop. When ctx ends before
// every server stopped, the live ones are killed, ctx's error is returned and
// the orchestrator stays usable, so Close may be called again. After a
// successful Close further calls are no-ops.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeMu.Lock()
	defer o.closeMu.Unlock()
	if o.closed {
		return nil
	}
	res := o.StopAll(ctx)
	if res.Cause != nil {
		o.killAll()
		return res.Err()
	}
	o.closed = true
	err := res.Err()
	close(o.quit)
	select {
	case <-o.stopped:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if o.ownBus {
		o.bus.Close()
	}
	return err
}

// killAll sends SIGKILL to every live process and waits for them to exit.
func (o *Orchestrator) killAll() {
	var wg sync.WaitGroup
	for name, h := range o.snap.Load().handles {
		if !h.Alive() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.log.Warn("killing server left running by close", "server", name, "pid", h.PID())
			if err := h.Kill(); err != nil {
				o.log.Error("kill failed", "server", name, "error", err)
			}
		}()
	}
	wg.Wait()
}
