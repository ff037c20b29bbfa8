package orchestrator

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/devpanel/internal/metrics"
)

// StartAll starts every server, lowest weight first. Servers sharing a weight
// start concurrently and the next weight begins only once all of them are
// running or failed. Failures never prevent later starts.
func (o *Orchestrator) StartAll(ctx context.Context) AggregateResult {
	return o.aggregate(ctx, uuid.NewString(), OpStartAll)
}

// StopAll stops every server, highest weight first, with the same tiering as
// StartAll. Every live server is attempted even when an earlier stop fails.
func (o *Orchestrator) StopAll(ctx context.Context) AggregateResult {
	return o.aggregate(ctx, uuid.NewString(), OpStopAll)
}

// StartAllAsync runs StartAll in the background and returns its operation
// id at once. Progress is visible on the bus; the channel yields the final
// result. ctx must outlive the call site (e.g. not an HTTP request context).
func (o *Orchestrator) StartAllAsync(ctx context.Context) (string, <-chan AggregateResult) {
	return o.async(ctx, OpStartAll)
}

// StopAllAsync is the background form of StopAll.
func (o *Orchestrator) StopAllAsync(ctx context.Context) (string, <-chan AggregateResult) {
	return o.async(ctx, OpStopAll)
}

func (o *Orchestrator) async(ctx context.Context, op Op) (string, <-chan AggregateResult) {
	id := uuid.NewString()
	ch := make(chan AggregateResult, 1)
	go func() {
		ch <- o.aggregate(ctx, id, op)
		close(ch)
	}()
	return id, ch
}

func (o *Orchestrator) aggregate(ctx context.Context, id string, op Op) (res AggregateResult) {
	res = AggregateResult{ID: id, Op: op, StartedAt: time.Now()}
	defer func() {
		res.FinishedAt = time.Now()
		metrics.ObserveAggregate(string(op), res.Duration().Seconds())
	}()

	o.aggMu.Lock()
	defer o.aggMu.Unlock()

	begin := aggBeginMsg{op: op, reply: make(chan [][]string, 1)}
	if err := o.sendCtx(ctx, begin); err != nil {
		res.Cause = err
		return res
	}
	var plan [][]string
	select {
	case plan = <-begin.reply:
	case <-o.stopped:
		res.Cause = ErrClosed
		return res
	}
	defer o.send(aggEndMsg{})

	o.log.Info("aggregate begin", "op", op, "id", id, "tiers", len(plan))
	for _, tier := range plan {
		if err := ctx.Err(); err != nil {
			res.Cause = err
			break
		}
		res.Results = append(res.Results, o.runTier(ctx, op, tier)...)
		if err := o.waitSettled(ctx, tier); err != nil {
			res.Cause = err
			break
		}
	}
	o.log.Info("aggregate done", "op", op, "id", id,
		"succeeded", len(res.Succeeded()), "failed", len(res.Failed()), "skipped", len(res.Skipped()))
	return res
}

func (o *Orchestrator) runTier(ctx context.Context, op Op, names []string) []Result {
	results := make([]Result, len(names))
	var g errgroup.Group
	if o.maxParallel > 0 {
		g.SetLimit(o.maxParallel)
	}
	for i, name := range names {
		g.Go(func() error {
			var (
				r   Result
				err error
			)
			if op == OpStartAll {
				r, err = o.Start(ctx, name)
			} else {
				r, err = o.Stop(ctx, name)
			}
			if err != nil {
				r = Result{Name: name, Err: err}
			}
			results[i] = r
			// per-server failures never cancel the tier
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// waitSettled blocks until none of names is starting or stopping. A server
// may still be transitional after its own call returned when another caller
// drove the transition.
func (o *Orchestrator) waitSettled(ctx context.Context, names []string) error {
	m := settleMsg{names: names, reply: make(chan struct{})}
	if err := o.sendCtx(ctx, m); err != nil {
		return err
	}
	select {
	case <-m.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.stopped:
		return ErrClosed
	}
}

// tiers groups servers by weight: ascending for start, descending for stop,
// registration order within a tier.
func (o *Orchestrator) tiers(op Op) [][]string {
	units := slices.Clone(o.units)
	slices.SortStableFunc(units, func(a, b *unit) int {
		if op == OpStopAll {
			return cmp.Compare(b.desc.Weight, a.desc.Weight)
		}
		return cmp.Compare(a.desc.Weight, b.desc.Weight)
	})
	var out [][]string
	for i, u := range units {
		if i == 0 || u.desc.Weight != units[i-1].desc.Weight {
			out = append(out, nil)
		}
		out[len(out)-1] = append(out[len(out)-1], u.desc.Name)
	}
	return out
}
