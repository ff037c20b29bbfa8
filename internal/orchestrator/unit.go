package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/metrics"
	"github.com/loykin/devpanel/internal/process"
	"github.com/loykin/devpanel/internal/status"
)

// failureTailLines is how much captured output goes into a failure event.
const failureTailLines = 10

// unit is a descriptor plus its live or last-known process. Only the control
// loop goroutine reads or writes it.
type unit struct {
	desc   descriptor.Descriptor
	status status.Status
	// handle is the current or most recent process; it is kept after exit so
	// its output tail stays readable.
	handle  *process.Handle
	spawnAt time.Time

	// op is the request that drives the current transition and waiters are
	// the callers to answer once it settles.
	op      opKind
	waiters []chan reply
	// pending holds requests that arrived while the unit was transitional.
	pending []opMsg

	readyCancel context.CancelFunc
}

func newUnit(d descriptor.Descriptor) *unit {
	return &unit{desc: d, status: status.Of(status.Stopped)}
}

func (u *unit) alive() bool { return u.handle != nil && u.handle.Alive() }

func (u *unit) result(err error) Result {
	r := Result{Name: u.desc.Name, Status: u.status, Err: err}
	if u.handle != nil {
		r.PID = u.handle.PID()
	}
	return r
}

// finish answers every waiter of the current transition.
func (u *unit) finish(r Result) {
	for _, w := range u.waiters {
		w <- reply{res: r}
	}
	u.waiters = nil
}

// apply handles a start or stop request in the control loop. Requests that
// arrive while the unit is transitional are queued, except a start during
// Starting which is answered with ErrAlreadyRunning.
func (o *Orchestrator) apply(u *unit, m opMsg) {
	switch m.kind {
	case opStart:
		o.startUnit(u, m)
	case opStop:
		o.stopUnit(u, m)
	}
}

func (o *Orchestrator) startUnit(u *unit, m opMsg) {
	switch u.status.Kind {
	case status.Running, status.Starting:
		m.reply <- reply{res: u.result(ErrAlreadyRunning)}
		return
	case status.Stopping:
		u.pending = append(u.pending, m)
		return
	case status.Failed:
		if u.alive() {
			m.reply <- reply{res: u.result(ErrAlreadyRunning)}
			return
		}
	}

	h := process.New(u.desc, o.environ.Map(u.desc.Env), process.Options{
		TailLines: o.tailLines,
		Output:    o.output,
		Logger:    o.log,
	})
	u.handle = h
	u.op = opStart
	u.waiters = append(u.waiters, m.reply)
	o.transition(u, status.Of(status.Starting), "", 0)

	if err := h.Spawn(); err != nil {
		o.transition(u, status.FailedWith(err.Error()), "", 0)
		metrics.IncFailure(u.desc.Name)
		u.finish(u.result(err))
		return
	}
	u.spawnAt = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	u.readyCancel = cancel
	name := u.desc.Name
	go func() {
		<-h.Done()
		o.send(exitMsg{name: name, h: h})
	}()
	go func() {
		r := h.WaitReady(ctx, o.probeInterval)
		if r.Canceled || r.Exited {
			// the exit watcher reports exits
			return
		}
		o.send(readyMsg{name: name, h: h, r: r})
	}()
}

func (o *Orchestrator) stopUnit(u *unit, m opMsg) {
	switch u.status.Kind {
	case status.Stopped:
		m.reply <- reply{res: u.result(ErrNotRunning)}
		return
	case status.Starting, status.Stopping:
		u.pending = append(u.pending, m)
		return
	case status.Failed:
		if !u.alive() {
			// nothing left to signal, just clear the failure
			o.transition(u, status.Of(status.Stopped), "failure cleared", 0)
			m.reply <- reply{res: u.result(nil)}
			return
		}
	}

	h := u.handle
	u.op = opStop
	u.waiters = append(u.waiters, m.reply)
	o.transition(u, status.Of(status.Stopping), "", h.PID())

	sig, grace, name := u.desc.Signal(), u.desc.GracePeriod, u.desc.Name
	go func() {
		forced, err := h.Terminate(sig, grace)
		o.send(stopDoneMsg{name: name, h: h, forced: forced, err: err})
	}()
}

func (o *Orchestrator) onExit(u *unit, m exitMsg) {
	if u.handle != m.h {
		return
	}
	switch u.status.Kind {
	case status.Starting, status.Running:
	default:
		// Stopping is settled by stopDoneMsg; Failed/Stopped already final
		return
	}
	if u.readyCancel != nil {
		u.readyCancel()
		u.readyCancel = nil
	}
	exit := m.h.UnexpectedExit(failureTailLines)
	wasStarting := u.status.Is(status.Starting)
	o.transition(u, status.FailedWith(exit.Error()), strings.Join(exit.Tail, "\n"), 0)
	metrics.IncFailure(u.desc.Name)
	if wasStarting {
		u.finish(u.result(exit))
	}
}

func (o *Orchestrator) onReady(u *unit, m readyMsg) {
	if u.handle != m.h || !u.status.Is(status.Starting) {
		return
	}
	u.readyCancel = nil
	var (
		detail string
		warn   error
	)
	switch {
	case m.r.Ready:
		detail = fmt.Sprintf("ready (%s)", m.r.By)
	case m.r.TimedOut:
		warn = fmt.Errorf("%w: no readiness signal within %s", ErrTimeout, u.desc.StartupTimeout)
		detail = warn.Error()
		o.log.Warn("readiness not confirmed", "server", u.desc.Name, "timeout", u.desc.StartupTimeout)
	default:
		return
	}
	pid := m.h.PID()
	o.transition(u, status.Of(status.Running), detail, pid)
	metrics.IncStart(u.desc.Name)
	metrics.ObserveStartDuration(u.desc.Name, time.Since(u.spawnAt).Seconds())
	r := u.result(nil)
	r.Warn = warn
	u.finish(r)
}

func (o *Orchestrator) onStopDone(u *unit, m stopDoneMsg) {
	if u.handle != m.h || !u.status.Is(status.Stopping) {
		return
	}
	if m.err != nil && m.h.Alive() {
		o.transition(u, status.FailedWith("stop: "+m.err.Error()), "", m.h.PID())
		metrics.IncFailure(u.desc.Name)
		u.finish(u.result(m.err))
		return
	}
	detail := "stopped gracefully"
	if m.forced {
		detail = fmt.Sprintf("killed after %s grace period", u.desc.GracePeriod)
		metrics.IncForcedKill(u.desc.Name)
	}
	o.transition(u, status.Of(status.Stopped), detail, 0)
	metrics.IncStop(u.desc.Name)
	r := u.result(nil)
	r.Forced = m.forced
	u.finish(r)
}

// runPending replays queued requests once the unit is no longer transitional.
func (o *Orchestrator) runPending(u *unit) {
	for len(u.pending) > 0 && !u.status.Kind.Transitional() {
		m := u.pending[0]
		u.pending = u.pending[1:]
		o.apply(u, m)
	}
	if len(u.pending) == 0 {
		u.pending = nil
	}
}

// transition is the single place unit state changes. It refreshes the
// snapshot before publishing so observers reacting to the event see it.
func (o *Orchestrator) transition(u *unit, to status.Status, detail string, pid int) {
	from := u.status
	u.status = to
	metrics.RecordStateTransition(u.desc.Name, from.Kind.String(), to.Kind.String())
	metrics.SetCurrentState(u.desc.Name, to.Kind.String())
	o.publishSnapshot()
	o.bus.Publish(status.Event{
		Unit:   u.desc.Name,
		Old:    from,
		New:    to,
		Detail: detail,
		PID:    pid,
	})
	attrs := []any{"server", u.desc.Name, "from", from.String(), "to", to.String()}
	if pid > 0 {
		attrs = append(attrs, "pid", pid)
	}
	if to.Is(status.Failed) {
		o.log.Error("state change", attrs...)
	} else {
		o.log.Info("state change", attrs...)
	}
}
