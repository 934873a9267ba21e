package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"coverline/internal/config"
	"coverline/internal/db"
	"coverline/internal/engine"
	"coverline/internal/events"
	"coverline/internal/logging"
	"coverline/internal/migrate"
	"coverline/internal/observability"
	"coverline/internal/repo"
)

const fourByTwo = `
name: four-by-two
tick_ms: 1
constraints:
  max_gap_ms: 10
required_active_per_domain: 1
capacity_per_unit: 2
rotation:
  rotation_period_ms: 50
  min_dwell_ms: 5
domains: [nav, comms]
units: [u1, u2, u3, u4]
`

const rolesMission = `
name: roles
tick_ms: 1
constraints: {max_gap_ms: 2}
capacity_per_unit: 1
universal_roles: false
roles:
  units: {u1: [gps], u2: [radio], u3: [radio]}
  domains: {nav: [gps], comms: [radio]}
domains: [nav, comms]
units: [u1, u2, u3]
`

type testEnv struct {
	runner  *Runner
	metrics *observability.Collector
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	metrics, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	seq := 0
	rn := &Runner{
		Repo:    repo.Repo{DB: conn},
		Events:  events.Writer{DB: conn},
		Metrics: metrics,
		Log:     logging.Discard(),
		NewID: func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		},
		SampleEvery: 5,
		FlushEvery:  7,
	}
	return &testEnv{runner: rn, metrics: metrics}
}

func mustMission(t *testing.T, doc string) *config.Mission {
	t.Helper()
	m, err := config.FromYAML([]byte(doc))
	if err != nil {
		t.Fatalf("parse mission: %v", err)
	}
	return m
}

func TestRunMissionPersistsChangeOnlyTimeline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	out, err := env.runner.RunMission(ctx, mustMission(t, fourByTwo), RunOptions{Ticks: 40})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Run.Status != "PASS" || out.Result.Ticks != 40 {
		t.Fatalf("unexpected outcome %+v", out.Run)
	}
	stored, err := env.runner.Repo.GetRun(ctx, out.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Status != "PASS" || stored.FinishedAt == nil || stored.SummaryJSON == "" {
		t.Fatalf("run not finished in store: %+v", stored)
	}
	rows, err := env.runner.Repo.ListTimeline(ctx, repo.TimelineFilters{RunID: out.Run.ID})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) == 0 {
		t.Fatalf("expected timeline rows")
	}
	last := map[string]string{}
	for _, row := range rows {
		if prev, ok := last[row.Domain]; ok && prev == row.Units {
			t.Fatalf("tick %d repeats %s=%q", row.Tick, row.Domain, row.Units)
		}
		last[row.Domain] = row.Units
	}
	for _, d := range []string{"nav", "comms", "rest"} {
		if _, ok := last[d]; !ok {
			t.Fatalf("domain %s missing from timeline", d)
		}
	}
	samples, err := env.runner.Repo.ListBatterySamples(ctx, out.Run.ID, "u1")
	if err != nil {
		t.Fatalf("battery samples: %v", err)
	}
	// ticks 1,5,10,...,40
	if len(samples) != 9 {
		t.Fatalf("expected 9 samples for u1, got %d", len(samples))
	}
	if got := testutil.ToFloat64(env.metrics.Runs.WithLabelValues("PASS")); got != 1 {
		t.Fatalf("runs{PASS}=%v", got)
	}
	if got := testutil.ToFloat64(env.metrics.Ticks); got != 40 {
		t.Fatalf("ticks=%v", got)
	}
}

func TestRunMissionRecordsViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	out, err := env.runner.RunMission(ctx, mustMission(t, rolesMission), RunOptions{
		Ticks:  20,
		Faults: []engine.FaultEvent{{Unit: "u1", Kind: engine.FaultPermanent}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Run.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %s", out.Run.Status)
	}
	stored, err := env.runner.Repo.GetRun(ctx, out.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.ViolationDomain == nil || *stored.ViolationDomain != "nav" || *stored.ViolationTick != 3 {
		t.Fatalf("unexpected stored violation %+v", stored)
	}
	evs, err := env.runner.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "run", EntityID: out.Run.ID, Type: engine.EventViolation})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 || evs[0].Tick != 3 {
		t.Fatalf("expected one violation event at tick 3, got %+v", evs)
	}
	if got := testutil.ToFloat64(env.metrics.Violations.WithLabelValues("nav")); got != 1 {
		t.Fatalf("violations{nav}=%v", got)
	}
}

func TestRunMissionInfeasibleSkipsSimulation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := mustMission(t, `
name: thin
tick_ms: 1
constraints: {max_gap_ms: 5}
capacity_per_unit: 1
domains: [a, b, c]
units: [u1, u2]
`)
	out, err := env.runner.RunMission(ctx, m, RunOptions{Ticks: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Run.Status != string(StatusInfeasible) || out.Result.Ticks != 0 {
		t.Fatalf("expected INFEASIBLE without ticks, got %+v", out.Run)
	}
	rows, err := env.runner.Repo.ListTimeline(ctx, repo.TimelineFilters{RunID: out.Run.ID})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("infeasible run wrote %d timeline rows", len(rows))
	}
}

func TestRunMissionCountsTickZeroPermanentFaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var faults []engine.FaultEvent
	for _, u := range []string{"u1", "u2", "u3", "u4"} {
		faults = append(faults, engine.FaultEvent{Unit: u, Kind: engine.FaultPermanent})
	}
	out, err := env.runner.RunMission(ctx, mustMission(t, fourByTwo), RunOptions{Ticks: 40, Faults: faults})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Run.Status != string(StatusInfeasible) || out.Result.Ticks != 0 {
		t.Fatalf("expected INFEASIBLE without ticks, got status=%s ticks=%d", out.Run.Status, out.Result.Ticks)
	}
	if out.Feasibility.AliveUnits != 0 || out.Feasibility.Reason != "supply 0 < demand 2 (0 units x 2 capacity)" {
		t.Fatalf("unexpected feasibility %+v", out.Feasibility)
	}
	stored, err := env.runner.Repo.GetRun(ctx, out.Run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if stored.Feasible || stored.Status != string(StatusInfeasible) {
		t.Fatalf("stored run should be infeasible, got %+v", stored)
	}
}

func TestRunMissionIgnoresScopedAndTemporaryFaultsInPrecheck(t *testing.T) {
	env := newTestEnv(t)
	faults := []engine.FaultEvent{
		{Unit: "u1", Kind: engine.FaultPermanent},
		{Unit: "u1", Kind: engine.FaultPermanent},
		{Unit: "u2", Domain: "nav", Kind: engine.FaultPermanent},
		{Unit: "u3", Kind: engine.FaultTemporary, DurationTicks: 3},
	}
	out, err := env.runner.RunMission(context.Background(), mustMission(t, fourByTwo), RunOptions{Ticks: 20, Faults: faults})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Feasibility.Feasible || out.Feasibility.AliveUnits != 3 {
		t.Fatalf("only u1 is gone for the whole run, got %+v", out.Feasibility)
	}
	if out.Run.Status != string(engine.RunPassed) {
		t.Fatalf("expected PASS, got %s", out.Run.Status)
	}
}

func TestRunMissionCanceledStillFinishes(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	out, err := env.runner.RunMission(ctx, mustMission(t, fourByTwo), RunOptions{
		Ticks: 100,
		Observe: func(tr *engine.TickResult) error {
			if tr.Tick == 12 {
				cancel()
			}
			return nil
		},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	stored, gerr := env.runner.Repo.GetRun(context.Background(), out.Run.ID)
	if gerr != nil {
		t.Fatalf("get run: %v", gerr)
	}
	if stored.Status != "CANCELED" || stored.Ticks != 12 {
		t.Fatalf("expected CANCELED at 12, got %s at %d", stored.Status, stored.Ticks)
	}
}

func TestRunnerWithoutStore(t *testing.T) {
	rn := &Runner{Log: logging.Discard()}
	out, err := rn.RunMission(context.Background(), mustMission(t, fourByTwo), RunOptions{Ticks: 15})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Run.Status != "PASS" || out.Run.ID == "" {
		t.Fatalf("unexpected outcome %+v", out.Run)
	}
}

func TestSweepIsStored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var levels []int
	rec, rep, err := env.runner.Sweep(ctx, mustMission(t, rolesMission), engine.SweepOptions{
		Fmax: 2, Ticks: 20,
		OnLevel: func(l engine.SweepLevel) { levels = append(levels, l.N) },
	})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rec.Passed || rec.FirstFailing == nil || *rec.FirstFailing != 1 {
		t.Fatalf("unexpected sweep record %+v", rec)
	}
	if len(levels) != 2 || len(rep.Levels) != 2 {
		t.Fatalf("expected levels 0 and 1, got %v", levels)
	}
	stored, err := env.runner.Repo.GetSweep(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get sweep: %v", err)
	}
	var decoded engine.SweepReport
	if err := json.Unmarshal([]byte(stored.ReportJSON), &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.FirstFailure() == nil || decoded.FirstFailure().Cause != engine.CauseDeadline {
		t.Fatalf("stored report lost the failure: %+v", decoded)
	}
	evs, err := env.runner.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "sweep", EntityID: rec.ID})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// two levels plus sweep_finished
	if len(evs) != 3 || evs[0].Type != events.TypeSweepFinished {
		t.Fatalf("unexpected sweep events %+v", evs)
	}
}

func TestSessionsStepInjectAndStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ss := NewSessions(env.runner)
	st, err := ss.Open(ctx, mustMission(t, fourByTwo))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st.Tick != 0 || st.Table != nil {
		t.Fatalf("fresh session should be at tick 0: %+v", st)
	}
	if got := testutil.ToFloat64(env.metrics.ActiveSessions); got != 1 {
		t.Fatalf("active sessions=%v", got)
	}
	res, err := ss.Step(ctx, st.ID, 3)
	if err != nil || len(res) != 3 {
		t.Fatalf("step: %v (%d results)", err, len(res))
	}
	if err := ss.InjectFault(ctx, st.ID, engine.FaultEvent{Unit: "u1", Kind: engine.FaultPermanent}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	state, err := ss.State(st.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Units[0].Mode == "perm_faulted" {
		t.Fatalf("fault applied before the next boundary")
	}
	res, err = ss.Step(ctx, st.ID, 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res[0].Table.Contains("u1") {
		t.Fatalf("faulted unit still assigned at tick %d", res[0].Tick)
	}

	staged := mustMission(t, fourByTwo)
	staged.Name = "four-by-two-v2"
	staged.Constraints.MaxGapMS = 20
	if err := ss.StageMission(ctx, st.ID, staged); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := ss.Step(ctx, st.ID, 1); err != nil {
		t.Fatalf("step: %v", err)
	}
	state, _ = ss.State(st.ID)
	if state.Mission != "four-by-two-v2" || state.Tick != 5 {
		t.Fatalf("staged mission not live: %+v", state)
	}
	if len(ss.List()) != 1 {
		t.Fatalf("expected one open session")
	}
	if err := ss.Close(ctx, st.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := ss.State(st.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	evs, err := env.runner.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "session", EntityID: st.ID, Limit: 200})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range evs {
		types[ev.Type] = true
	}
	for _, want := range []string{events.TypeSessionOpened, events.TypeFaultStaged, events.TypeMissionStaged, events.TypeSessionClosed, engine.EventFaultApplied} {
		if !types[want] {
			t.Fatalf("missing %s event, got %v", want, types)
		}
	}
}

func TestSessionRejectsBadFault(t *testing.T) {
	env := newTestEnv(t)
	ss := NewSessions(env.runner)
	st, err := ss.Open(context.Background(), mustMission(t, fourByTwo))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ss.InjectFault(context.Background(), st.ID, engine.FaultEvent{Unit: "u1", Kind: engine.FaultTemporary}); err == nil {
		t.Fatalf("expected missing duration to be rejected")
	}
	if err := ss.InjectFault(context.Background(), "nope", engine.FaultEvent{Unit: "u1", Kind: engine.FaultPermanent}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestResolveMissionFromFileAndStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "patrol.yaml")
	if err := os.WriteFile(path, []byte(fourByTwo), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := ResolveMission(ctx, env.runner.Repo, path)
	if err != nil {
		t.Fatalf("resolve file: %v", err)
	}
	m.Name = "stored"
	if _, err := SaveMission(ctx, env.runner.Repo, env.runner.Events, m, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := ResolveMission(ctx, env.runner.Repo, "stored")
	if err != nil {
		t.Fatalf("resolve stored: %v", err)
	}
	if got.Name != "stored" || len(got.Units) != 4 {
		t.Fatalf("unexpected stored mission %+v", got)
	}
	if _, err := ResolveMission(ctx, env.runner.Repo, "missing"); err == nil {
		t.Fatalf("expected unknown mission error")
	}
}

func TestGateSweepsToFmax(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	write := func(name, doc string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("a_mission.yaml", fourByTwo)
	write("b_mission.yaml", rolesMission)
	write("c_mission.yaml", "tick_ms: 1\nconstraints: {max_gap_ms: 3}\ncapacity_per_unit: 1\ndomains: [a, b, c]\nunits: [u1]\n")
	paths, err := ExpandGlobs(filepath.Join(dir, "a_*.yaml") + "," + filepath.Join(dir, "*_mission.yaml"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 de-duplicated paths, got %v", paths)
	}
	rep, err := env.runner.Gate(context.Background(), paths, GateOptions{Ticks: 30, Sweep: true})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if rep.Passed() || len(rep.Failures) != 2 {
		t.Fatalf("expected two failures, got %+v", rep.Failures)
	}
	if rep.Failures[0].Stage != "fault_sweep_failure_faults=1" {
		t.Fatalf("unexpected first failure %+v", rep.Failures[0])
	}
	if rep.Failures[1].Stage != "infeasible" {
		t.Fatalf("unexpected second failure %+v", rep.Failures[1])
	}
	a := rep.Missions[paths[0]]
	// four units at capacity 2 against 2 slots tolerate 3 faults
	if a.Validator.Fmax != 3 || len(a.Sweep) != 4 {
		t.Fatalf("expected sweep 0..3 for %s, got fmax=%d levels=%d", paths[0], a.Validator.Fmax, len(a.Sweep))
	}
}
