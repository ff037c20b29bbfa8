package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devpanel"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	unitStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "starts_total",
			Help:      "Number of servers that reached running.",
		}, []string{"name"},
	)
	unitStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "stops_total",
			Help:      "Number of requested stops that completed (graceful or forced).",
		}, []string{"name"},
	)
	unitForcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "forced_kills_total",
			Help:      "Number of stops that needed a kill after the grace period.",
		}, []string{"name"},
	)
	unitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "failures_total",
			Help:      "Number of transitions into failed.",
		}, []string{"name"},
	)
	unitStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "start_duration_seconds",
			Help:      "Time from spawn until the server was considered ready.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between server states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "unit",
			Name:      "current_state",
			Help:      "Current state of servers (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	aggregateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_duration_seconds",
			Help:      "Duration of start-all and stop-all operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)

	busPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Number of status events published.",
		},
	)
	busCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_coalesced_total",
			Help:      "Number of queued events folded into later ones for slow subscribers.",
		},
	)
	busSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Number of open bus subscriptions.",
		},
	)
)

// States lists every state label used by current_state.
var States = []string{"stopped", "starting", "running", "stopping", "failed"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		unitStarts, unitStops, unitForcedKills, unitFailures, unitStartDuration,
		stateTransitions, currentStates, aggregateDuration,
		busPublished, busCoalesced, busSubscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Registered reports whether Register succeeded.
func Registered() bool { return regOK.Load() }

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		unitStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		unitStops.WithLabelValues(name).Inc()
	}
}

func IncForcedKill(name string) {
	if regOK.Load() {
		unitForcedKills.WithLabelValues(name).Inc()
	}
}

func IncFailure(name string) {
	if regOK.Load() {
		unitFailures.WithLabelValues(name).Inc()
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		unitStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

func ObserveAggregate(op string, seconds float64) {
	if regOK.Load() {
		aggregateDuration.WithLabelValues(op).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetCurrentState marks state as the active one for name and clears the others.
func SetCurrentState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		var v float64
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

// ForgetUnit drops every per-server series, used when a server is removed.
func ForgetUnit(name string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"name": name}
	unitStarts.DeletePartialMatch(l)
	unitStops.DeletePartialMatch(l)
	unitForcedKills.DeletePartialMatch(l)
	unitFailures.DeletePartialMatch(l)
	unitStartDuration.DeletePartialMatch(l)
	stateTransitions.DeletePartialMatch(l)
	currentStates.DeletePartialMatch(l)
}

func IncBusPublished() {
	if regOK.Load() {
		busPublished.Inc()
	}
}

func AddBusCoalesced(n int) {
	if regOK.Load() {
		busCoalesced.Add(float64(n))
	}
}

func SetBusSubscribers(n int) {
	if regOK.Load() {
		busSubscribers.Set(float64(n))
	}
}
