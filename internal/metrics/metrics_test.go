package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncStart("a")
	IncStop("a")
	IncForcedKill("a")
	IncFailure("a")
	ObserveStartDuration("a", 1.25)
	ObserveAggregate("start-all", 0.5)
	IncBusPublished()
	AddBusCoalesced(3)
	SetBusSubscribers(2)

	if got := testutil.ToFloat64(unitStarts.WithLabelValues("a")); got != 2 {
		t.Fatalf("starts = %v", got)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"devpanel_unit_starts_total":           false,
		"devpanel_unit_stops_total":            false,
		"devpanel_unit_forced_kills_total":     false,
		"devpanel_unit_failures_total":         false,
		"devpanel_unit_start_duration_seconds": false,
		"devpanel_aggregate_duration_seconds":  false,
		"devpanel_bus_events_published_total":  false,
		"devpanel_bus_events_coalesced_total":  false,
		"devpanel_bus_subscribers":             false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestCurrentStateIsExclusive(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	currentStates.Reset()
	SetCurrentState("redis", "starting")
	SetCurrentState("redis", "running")
	if v := testutil.ToFloat64(currentStates.WithLabelValues("redis", "running")); v != 1 {
		t.Fatalf("running = %v", v)
	}
	if v := testutil.ToFloat64(currentStates.WithLabelValues("redis", "starting")); v != 0 {
		t.Fatalf("starting = %v", v)
	}
	RecordStateTransition("redis", "starting", "running")
	ForgetUnit("redis")
	if n := testutil.CollectAndCount(currentStates); n != 0 {
		t.Fatalf("series left after ForgetUnit: %d", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration in this test regardless of previous tests.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "devpanel_unit_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncStop("c")
			SetCurrentState("c", "running")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncStart("test")
	IncStop("test")
	IncForcedKill("test")
	IncFailure("test")
	ObserveStartDuration("test", 1.0)
	ObserveAggregate("stop-all", 1.0)
	RecordStateTransition("test", "starting", "running")
	SetCurrentState("test", "running")
	ForgetUnit("test")
	IncBusPublished()
	AddBusCoalesced(1)
	SetBusSubscribers(1)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if Registered() {
		t.Fatal("Registered after failure")
	}
}

func TestResourceCollectorSamplesOwnProcess(t *testing.T) {
	c := NewResourceCollector(func() map[string]int {
		return map[string]int{"self": os.Getpid(), "gone": 0}
	}, nil)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "devpanel_unit_memory_rss_bytes" {
			found = true
			if len(mf.GetMetric()) != 1 || mf.GetMetric()[0].GetGauge().GetValue() <= 0 {
				t.Fatalf("unexpected rss samples: %v", mf.GetMetric())
			}
		}
	}
	if !found {
		t.Fatal("rss metric missing")
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
