package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coverline/internal/engine"
)

// Collector bundles the scheduler's Prometheus metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Ticks          prometheus.Counter
	TickDuration   prometheus.Histogram
	UncoveredTicks *prometheus.CounterVec
	Violations     *prometheus.CounterVec
	Faults         *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	SweepLevels    *prometheus.CounterVec
	SweepFirstFail *prometheus.GaugeVec
	ActiveSessions prometheus.Gauge
}

// NewCollector registers metrics against reg, defaulting to the global
// registry when nil. Registering twice returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.Ticks, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coverline_ticks_total",
		Help: "Ticks stepped across all runs.",
	}), "coverline_ticks_total"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coverline_tick_duration_seconds",
		Help:    "Wall time spent computing one tick.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	}), "coverline_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.UncoveredTicks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coverline_uncovered_domain_ticks_total",
		Help: "Domain-ticks that ended below the required coverage, by domain.",
	}, []string{"domain"}), "coverline_uncovered_domain_ticks_total"); err != nil {
		return nil, err
	}
	if c.Violations, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coverline_deadline_violations_total",
		Help: "Deadline violations, by domain.",
	}, []string{"domain"}), "coverline_deadline_violations_total"); err != nil {
		return nil, err
	}
	if c.Faults, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coverline_fault_events_total",
		Help: "Fault events seen at tick boundaries, by event kind.",
	}, []string{"kind"}), "coverline_fault_events_total"); err != nil {
		return nil, err
	}
	if c.Runs, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coverline_runs_total",
		Help: "Completed runs, by status.",
	}, []string{"status"}), "coverline_runs_total"); err != nil {
		return nil, err
	}
	if c.SweepLevels, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coverline_sweep_levels_total",
		Help: "Evaluated sweep levels, by outcome.",
	}, []string{"outcome"}), "coverline_sweep_levels_total"); err != nil {
		return nil, err
	}
	if c.SweepFirstFail, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coverline_sweep_first_failing_n",
		Help: "First failing fault count of the latest sweep per mission; -1 when every level passed.",
	}, []string{"mission"}), "coverline_sweep_first_failing_n"); err != nil {
		return nil, err
	}
	if c.ActiveSessions, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coverline_active_sessions",
		Help: "Live stepping sessions held by the server.",
	}), "coverline_active_sessions"); err != nil {
		return nil, err
	}
	return c, nil
}

// ObserveTick records one stepped tick. A nil collector is a no-op.
func (c *Collector) ObserveTick(res *engine.TickResult, took time.Duration) {
	if c == nil || res == nil {
		return
	}
	c.Ticks.Inc()
	c.TickDuration.Observe(took.Seconds())
	for _, cov := range res.Table.Coverage {
		if cov.Rest {
			continue
		}
		if res.Gaps[cov.Domain] > 0 {
			c.UncoveredTicks.WithLabelValues(cov.Domain).Inc()
		}
	}
	for _, v := range res.Violations {
		c.Violations.WithLabelValues(v.Domain).Inc()
	}
	for _, ev := range res.Events {
		switch ev.Kind {
		case engine.EventFaultApplied, engine.EventFaultRecovered, engine.EventFaultRejected:
			c.Faults.WithLabelValues(ev.Kind).Inc()
		}
	}
}

// ObserveRun counts a finished run.
func (c *Collector) ObserveRun(status engine.RunStatus) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(string(status)).Inc()
}

// ObserveSweepLevel counts one evaluated level.
func (c *Collector) ObserveSweepLevel(lvl engine.SweepLevel) {
	if c == nil {
		return
	}
	outcome := "pass"
	if !lvl.Passed {
		outcome = lvl.Cause
	}
	c.SweepLevels.WithLabelValues(outcome).Inc()
}

// ObserveSweep publishes the sweep boundary for a mission.
func (c *Collector) ObserveSweep(rep engine.SweepReport) {
	if c == nil {
		return
	}
	n := -1.0
	if rep.FirstFailing != nil {
		n = float64(*rep.FirstFailing)
	}
	c.SweepFirstFail.WithLabelValues(rep.Mission).Set(n)
}

// SetActiveSessions publishes the number of open live sessions.
func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

// Gatherer returns the gatherer backing Handler.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, m prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(m); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return m, nil
}

func registerHistogram(reg prometheus.Registerer, m prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(m); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return m, nil
}

func registerGauge(reg prometheus.Registerer, m prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(m); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return m, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
