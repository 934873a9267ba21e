package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"coverline/internal/engine"
	"coverline/internal/logging"
)

func tickResult() *engine.TickResult {
	return &engine.TickResult{
		Tick: 3,
		Table: &engine.AssignmentTable{Tick: 3, Coverage: []engine.Coverage{
			{Domain: "nav", Units: []string{"u1"}},
			{Domain: "comms", Units: []string{}},
			{Domain: "rest", Units: []string{"u2"}, Rest: true},
		}},
		Gaps:       map[string]int{"nav": 0, "comms": 11, "rest": 0},
		Violations: []engine.Violation{{Domain: "comms", Tick: 3, Gap: 11, MaxGap: 10}},
		Events: []engine.Event{
			{Tick: 3, Kind: engine.EventFaultApplied},
			{Tick: 3, Kind: engine.EventWake},
		},
	}
}

func TestObserveTick(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.ObserveTick(tickResult(), 2*time.Millisecond)

	if got := testutil.ToFloat64(c.Ticks); got != 1 {
		t.Fatalf("ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.UncoveredTicks.WithLabelValues("comms")); got != 1 {
		t.Fatalf("uncovered comms = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.UncoveredTicks.WithLabelValues("nav")); got != 0 {
		t.Fatalf("uncovered nav = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.Violations.WithLabelValues("comms")); got != 1 {
		t.Fatalf("violations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Faults.WithLabelValues(engine.EventFaultApplied)); got != 1 {
		t.Fatalf("faults = %v, want 1", got)
	}
	if n := histogramSampleCount(t, reg, "coverline_tick_duration_seconds"); n != 1 {
		t.Fatalf("tick duration samples = %d, want 1", n)
	}
}

func TestObserveSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	first := 2
	c.ObserveSweepLevel(engine.SweepLevel{N: 0, Passed: true})
	c.ObserveSweepLevel(engine.SweepLevel{N: 2, Cause: engine.CauseInfeasible})
	c.ObserveSweep(engine.SweepReport{Mission: "m1", FirstFailing: &first})
	c.ObserveSweep(engine.SweepReport{Mission: "m2"})

	if got := testutil.ToFloat64(c.SweepLevels.WithLabelValues("pass")); got != 1 {
		t.Fatalf("pass levels = %v", got)
	}
	if got := testutil.ToFloat64(c.SweepLevels.WithLabelValues(engine.CauseInfeasible)); got != 1 {
		t.Fatalf("infeasible levels = %v", got)
	}
	if got := testutil.ToFloat64(c.SweepFirstFail.WithLabelValues("m1")); got != 2 {
		t.Fatalf("m1 first failing = %v", got)
	}
	if got := testutil.ToFloat64(c.SweepFirstFail.WithLabelValues("m2")); got != -1 {
		t.Fatalf("m2 first failing = %v", got)
	}
}

func TestCollectorIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	a.ObserveRun(engine.RunPassed)
	if got := testutil.ToFloat64(b.Runs.WithLabelValues("PASS")); got != 1 {
		t.Fatalf("collectors do not share state: %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveTick(tickResult(), time.Millisecond)
	c.ObserveRun(engine.RunFailed)
	c.ObserveSweep(engine.SweepReport{})
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	c.ObserveTick(tickResult(), time.Millisecond)
	c.ActiveSessions.Set(2)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"coverline_ticks_total", "coverline_deadline_violations_total", "coverline_active_sessions 2"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %q in /metrics output", name)
		}
	}
}

func TestInitTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "stdout", Writer: &buf}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	_, span := Tracer().Start(context.Background(), "run")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, logging.Discard())
	if !strings.Contains(buf.String(), `"Name":"run"`) {
		t.Fatalf("expected exported span, got %s", buf.String())
	}
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected unsupported exporter error")
	}
}

func histogramSampleCount(t *testing.T, g prometheus.Gatherer, name string) uint64 {
	t.Helper()
	mfs, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		for _, m := range mf.Metric {
			if h := m.GetHistogram(); h != nil {
				return h.GetSampleCount()
			}
		}
	}
	return 0
}
