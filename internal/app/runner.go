package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"coverline/internal/config"
	"coverline/internal/domain"
	"coverline/internal/engine"
	"coverline/internal/events"
	"coverline/internal/observability"
	"coverline/internal/repo"
)

// StatusInfeasible marks a run rejected by the feasibility precheck.
const StatusInfeasible engine.RunStatus = "INFEASIBLE"

const defaultFlushEvery = 50

// Runner executes missions and sweeps and persists what they produce. A
// Runner with a nil Repo.DB runs without persistence.
type Runner struct {
	Repo    repo.Repo
	Events  events.Writer
	Metrics *observability.Collector
	Log     *slog.Logger
	Now     func() time.Time
	NewID   func() string
	// SampleEvery records unit battery levels every N ticks; 0 disables.
	SampleEvery int
	// FlushEvery batches timeline and event writes per transaction.
	FlushEvery int
}

// RunOptions tunes a single run.
type RunOptions struct {
	Ticks int
	// Faults are injected before tick 1, in addition to the mission's own.
	Faults  []engine.FaultEvent
	Observe func(*engine.TickResult) error
}

// RunOutcome is a finished run and its record.
type RunOutcome struct {
	Run         domain.Run               `json:"run"`
	Result      engine.RunResult         `json:"result"`
	Feasibility engine.FeasibilityResult `json:"feasibility"`
}

func (rn *Runner) now() time.Time {
	if rn.Now != nil {
		return rn.Now()
	}
	return time.Now()
}

func (rn *Runner) newID() string {
	if rn.NewID != nil {
		return rn.NewID()
	}
	return uuid.NewString()
}

func (rn *Runner) log() *slog.Logger {
	if rn.Log != nil {
		return rn.Log
	}
	return slog.Default()
}

func (rn *Runner) persist() bool { return rn.Repo.DB != nil }

func (rn *Runner) stamp() string { return rn.now().UTC().Format(time.RFC3339Nano) }

// RunMission prechecks feasibility, steps the mission over the horizon and
// records the change-only timeline, tick events and battery samples.
func (rn *Runner) RunMission(ctx context.Context, m *config.Mission, opts RunOptions) (RunOutcome, error) {
	sim, err := engine.New(m)
	if err != nil {
		return RunOutcome{}, err
	}
	live := sim.Mission()
	ticks := opts.Ticks
	if ticks <= 0 {
		ticks = live.HorizonTicks(config.DefaultTicks)
	}
	for _, f := range opts.Faults {
		if err := sim.Inject(f); err != nil {
			return RunOutcome{}, err
		}
	}
	out := RunOutcome{Feasibility: sim.Feasibility()}
	if n := permanentlyFaulted(live, opts.Faults); n > 0 {
		out.Feasibility = engine.CheckMission(live, n)
	}
	out.Run = domain.Run{
		ID:        rn.newID(),
		Mission:   live.Name,
		Scenario:  live.Scenario,
		Status:    "RUNNING",
		TickMS:    live.TickMS,
		Feasible:  out.Feasibility.Feasible,
		Reason:    out.Feasibility.Reason,
		StartedAt: rn.stamp(),
	}
	log := rn.log().With("run", out.Run.ID, "mission", live.Name)

	ctx, span := observability.Tracer().Start(ctx, "run", trace.WithAttributes(
		attribute.String("mission", live.Name),
		attribute.Int("ticks", ticks),
	))
	defer span.End()

	if rn.persist() {
		if err := rn.Repo.InsertRun(ctx, out.Run); err != nil {
			return out, fmt.Errorf("insert run: %w", err)
		}
		if err := rn.Events.Append(ctx, nil, events.Record{
			Type: events.TypeRunStarted, EntityKind: "run", EntityID: out.Run.ID,
			Payload: events.EventPayload{"mission": live.Name, "ticks": ticks},
		}); err != nil {
			return out, err
		}
	}

	if !out.Feasibility.Feasible {
		log.Warn("mission infeasible", "reason", out.Feasibility.Reason)
		span.SetStatus(codes.Error, out.Feasibility.Reason)
		out.Result = engine.RunResult{Status: StatusInfeasible}
		return out, rn.finish(ctx, &out)
	}

	rec := &recorder{rn: rn, runID: out.Run.ID, sampleEvery: rn.SampleEvery}
	last := time.Now()
	log.Info("run started", "ticks", ticks, "units", len(live.Units), "domains", len(live.Domains))
	res, runErr := sim.Run(ctx, ticks, func(tr *engine.TickResult) error {
		now := time.Now()
		rn.Metrics.ObserveTick(tr, now.Sub(last))
		last = now
		for _, v := range tr.Violations {
			span.AddEvent("deadline_violation", trace.WithAttributes(
				attribute.String("domain", v.Domain),
				attribute.Int("tick", v.Tick),
				attribute.Int("gap", v.Gap),
			))
		}
		if err := rec.add(ctx, tr, sim); err != nil {
			return err
		}
		if opts.Observe != nil {
			return opts.Observe(tr)
		}
		return nil
	})
	out.Result = res

	// the verdict is written even when the caller gave up
	wctx := context.WithoutCancel(ctx)
	if err := rec.flush(wctx); err != nil {
		return out, err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return out, runErr
	}
	if res.Violation != nil {
		span.SetStatus(codes.Error, res.Violation.String())
		log.Warn("deadline violation", "domain", res.Violation.Domain, "tick", res.Violation.Tick, "gap", res.Violation.Gap)
	}
	if err := rn.finish(wctx, &out); err != nil {
		return out, err
	}
	log.Info("run finished", "status", res.Status, "ticks", res.Ticks, "gap_ticks", res.Summary.TotalGapTicks)
	return out, runErr
}

// permanentlyFaulted counts distinct mission units taken out for the whole
// run by faults applied before tick 1. Domain-scoped faults leave the unit
// alive for other domains.
func permanentlyFaulted(m *config.Mission, faults []engine.FaultEvent) int {
	dead := map[string]bool{}
	for _, f := range faults {
		if f.Kind == engine.FaultPermanent && f.Domain == "" && slices.Contains(m.Units, f.Unit) {
			dead[f.Unit] = true
		}
	}
	return len(dead)
}

// finish stamps the verdict on the run record and emits run_finished.
func (rn *Runner) finish(ctx context.Context, out *RunOutcome) error {
	res := out.Result
	out.Run.Status = string(res.Status)
	out.Run.Ticks = res.Ticks
	finished := rn.stamp()
	out.Run.FinishedAt = &finished
	if v := res.Violation; v != nil {
		out.Run.ViolationDomain = &v.Domain
		out.Run.ViolationTick = &v.Tick
		out.Run.ViolationGap = &v.Gap
	}
	if res.Status != StatusInfeasible {
		data, err := json.Marshal(res.Summary)
		if err != nil {
			return err
		}
		out.Run.SummaryJSON = string(data)
	}
	rn.Metrics.ObserveRun(res.Status)
	if !rn.persist() {
		return nil
	}
	tx, err := rn.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := rn.Repo.FinishRun(ctx, tx, out.Run); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	payload := events.EventPayload{"status": out.Run.Status, "ticks": res.Ticks}
	if v := res.Violation; v != nil {
		payload["violation"] = v
	}
	if err := rn.Events.Append(ctx, tx, events.Record{
		Type: events.TypeRunFinished, EntityKind: "run", EntityID: out.Run.ID,
		Tick: res.Ticks, Payload: payload,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// recorder buffers per-tick output and writes it in batches.
type recorder struct {
	rn          *Runner
	runID       string
	sampleEvery int

	timeline []domain.TimelineRow
	events   []engine.Event
	samples  []domain.BatterySample
	pending  int
}

func (r *recorder) add(ctx context.Context, tr *engine.TickResult, sim *engine.Simulation) error {
	if !r.rn.persist() {
		return nil
	}
	for _, d := range tr.Changed {
		for _, c := range tr.Table.Coverage {
			if c.Domain == d {
				r.timeline = append(r.timeline, domain.TimelineRow{
					RunID: r.runID, Tick: tr.Tick, TimeMS: tr.TimeMS, Domain: d, Units: c.Key(),
				})
			}
		}
	}
	r.events = append(r.events, tr.Events...)
	if r.sampleEvery > 0 && (tr.Tick == 1 || tr.Tick%r.sampleEvery == 0) {
		for _, u := range sim.Units() {
			r.samples = append(r.samples, domain.BatterySample{
				RunID: r.runID, Tick: tr.Tick, TimeMS: tr.TimeMS, Unit: u.ID, Mode: u.Mode, Battery: u.Battery,
			})
		}
	}
	r.pending++
	every := r.rn.FlushEvery
	if every <= 0 {
		every = defaultFlushEvery
	}
	if r.pending >= every || len(tr.Violations) > 0 {
		return r.flush(context.WithoutCancel(ctx))
	}
	return nil
}

func (r *recorder) flush(ctx context.Context) error {
	if !r.rn.persist() || (len(r.timeline) == 0 && len(r.events) == 0 && len(r.samples) == 0) {
		r.pending = 0
		return nil
	}
	err := withTx(ctx, r.rn.Repo.DB, func(tx *sql.Tx) error {
		if err := r.rn.Repo.InsertTimelineTx(ctx, tx, r.timeline); err != nil {
			return err
		}
		if err := r.rn.Events.AppendTick(ctx, tx, "run", r.runID, r.events); err != nil {
			return err
		}
		return r.rn.Repo.InsertBatterySamplesTx(ctx, tx, r.samples)
	})
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.runID, err)
	}
	r.timeline, r.events, r.samples, r.pending = r.timeline[:0], r.events[:0], r.samples[:0], 0
	return nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Sweep runs a fault sweep and stores its report.
func (rn *Runner) Sweep(ctx context.Context, m *config.Mission, opts engine.SweepOptions) (domain.Sweep, engine.SweepReport, error) {
	ctx, span := observability.Tracer().Start(ctx, "sweep", trace.WithAttributes(
		attribute.String("mission", m.Name),
		attribute.Int("fmax", opts.Fmax),
		attribute.Bool("probe_all", opts.ProbeAll),
	))
	defer span.End()
	id := rn.newID()
	log := rn.log().With("mission", m.Name, "sweep", id)

	onLevel := opts.OnLevel
	opts.OnLevel = func(lvl engine.SweepLevel) {
		rn.Metrics.ObserveSweepLevel(lvl)
		span.AddEvent("level", trace.WithAttributes(
			attribute.Int("n", lvl.N),
			attribute.Bool("passed", lvl.Passed),
			attribute.String("cause", lvl.Cause),
		))
		log.Debug("sweep level", "n", lvl.N, "passed", lvl.Passed, "cause", lvl.Cause)
		if rn.persist() {
			if err := rn.Events.Append(ctx, nil, events.Record{
				Type: events.TypeSweepLevel, EntityKind: "sweep", EntityID: id,
				Detail:  lvl.Cause,
				Payload: events.EventPayload{"n": lvl.N, "passed": lvl.Passed, "faulted": lvl.Faulted},
			}); err != nil {
				log.Error("record sweep level", "err", err)
			}
		}
		if onLevel != nil {
			onLevel(lvl)
		}
	}
	rep, err := engine.Sweep(ctx, m, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Sweep{}, rep, err
	}
	rn.Metrics.ObserveSweep(rep)
	if first := rep.FirstFailure(); first != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("first failing n=%d (%s)", first.N, first.Cause))
		log.Warn("sweep failed", "first_failing_n", first.N, "cause", first.Cause)
	} else {
		log.Info("sweep passed", "fmax", rep.Fmax)
	}

	data, err := json.Marshal(rep)
	if err != nil {
		return domain.Sweep{}, rep, err
	}
	rec := domain.Sweep{
		ID:           id,
		Mission:      rep.Mission,
		Fmax:         rep.Fmax,
		Ticks:        rep.Ticks,
		ProbeAll:     opts.ProbeAll,
		Passed:       rep.Passed(),
		FirstFailing: rep.FirstFailing,
		ReportJSON:   string(data),
		CreatedAt:    rn.stamp(),
	}
	if !rn.persist() {
		return rec, rep, nil
	}
	err = withTx(ctx, rn.Repo.DB, func(tx *sql.Tx) error {
		if err := rn.Repo.InsertSweep(ctx, tx, rec); err != nil {
			return err
		}
		return rn.Events.Append(ctx, tx, events.Record{
			Type: events.TypeSweepFinished, EntityKind: "sweep", EntityID: rec.ID,
			Payload: events.EventPayload{"mission": rec.Mission, "passed": rec.Passed, "first_failing_n": rec.FirstFailing},
		})
	})
	if err != nil {
		return rec, rep, fmt.Errorf("store sweep: %w", err)
	}
	return rec, rep, nil
}
