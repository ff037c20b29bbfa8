package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/devpanel/internal/descriptor"
	"github.com/loykin/devpanel/internal/metrics"
)

const reloadRetryInterval = 200 * time.Millisecond

// Reload replaces the registered descriptors. Servers whose name persists
// keep their state and process and use the new descriptor from their next
// start; new servers are appended; vanished servers are removed. It fails
// with ErrBusy while an aggregate operation is running, while any server is
// starting or stopping, or when a vanished server is still running.
func (o *Orchestrator) Reload(ctx context.Context, descs []descriptor.Descriptor) error {
	descs = withDefaults(descs)
	if err := descriptor.ValidateSet(descs); err != nil {
		return err
	}
	m := reloadMsg{descs: descs, reply: make(chan error, 1)}
	if err := o.sendCtx(ctx, m); err != nil {
		return err
	}
	select {
	case err := <-m.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrClosed
	}
}

// ReloadWhenIdle retries Reload until it is no longer busy or ctx ends.
func (o *Orchestrator) ReloadWhenIdle(ctx context.Context, descs []descriptor.Descriptor) error {
	t := time.NewTicker(reloadRetryInterval)
	defer t.Stop()
	for {
		err := o.Reload(ctx, descs)
		if !errors.Is(err, ErrBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (o *Orchestrator) reload(descs []descriptor.Descriptor) error {
	if o.aggregates > 0 {
		return fmt.Errorf("%w: aggregate operation running", ErrBusy)
	}
	for _, u := range o.units {
		if u.status.Kind.Transitional() {
			return fmt.Errorf("%w: %s is %s", ErrBusy, u.desc.Name, u.status)
		}
	}
	incoming := make(map[string]descriptor.Descriptor, len(descs))
	for _, d := range descs {
		incoming[d.Name] = d
	}
	var removed []string
	for _, u := range o.units {
		if _, keep := incoming[u.desc.Name]; !keep {
			if u.alive() {
				return fmt.Errorf("%w: %s must be stopped before it can be removed", ErrBusy, u.desc.Name)
			}
			removed = append(removed, u.desc.Name)
		}
	}

	units := make([]*unit, 0, len(descs))
	byName := make(map[string]*unit, len(descs))
	for _, u := range o.units {
		if d, keep := incoming[u.desc.Name]; keep {
			u.desc = d
			units = append(units, u)
			byName[d.Name] = u
		}
	}
	var added []string
	for _, d := range descs {
		if _, ok := byName[d.Name]; !ok {
			u := newUnit(d)
			units = append(units, u)
			byName[d.Name] = u
			added = append(added, d.Name)
		}
	}
	o.units = units
	o.byName = byName
	for _, name := range removed {
		metrics.ForgetUnit(name)
	}
	o.publishSnapshot()
	o.log.Info("servers reloaded", "total", len(units), "added", added, "removed", removed)
	return nil
}
