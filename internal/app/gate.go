package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"coverline/internal/config"
	"coverline/internal/engine"
)

// GateOptions configures a CI gate over a set of mission files.
type GateOptions struct {
	Ticks int
	// Sweep evaluates 0..Fmax faults; otherwise only the fault-free run.
	Sweep bool
}

// GateFailure is one reason the gate fails.
type GateFailure struct {
	Mission string `json:"mission"`
	Stage   string `json:"stage"`
	Error   string `json:"error"`
}

// GateEntry is the per-mission part of the gate summary.
type GateEntry struct {
	Validator engine.FeasibilityResult `json:"validator"`
	Sweep     []engine.SweepLevel      `json:"sweep"`
}

// GateReport is written as the fault sweep summary artifact.
type GateReport struct {
	Missions map[string]GateEntry `json:"missions"`
	Failures []GateFailure        `json:"failures,omitempty"`
}

func (g GateReport) Passed() bool { return len(g.Failures) == 0 }

// ExpandGlobs expands comma-separated glob patterns into a sorted,
// de-duplicated file list.
func ExpandGlobs(csv string) ([]string, error) {
	seen := map[string]bool{}
	var files []string
	for _, pat := range strings.Split(csv, ",") {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		matches, err := filepath.Glob(pat)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", pat, err)
		}
		for _, f := range matches {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Gate validates each mission and sweeps faults up to its feasibility
// Fmax, stopping a mission at its first failing level.
func (rn *Runner) Gate(ctx context.Context, paths []string, opts GateOptions) (GateReport, error) {
	rep := GateReport{Missions: map[string]GateEntry{}}
	fail := func(path, stage string, err any) {
		rep.Failures = append(rep.Failures, GateFailure{Mission: path, Stage: stage, Error: fmt.Sprint(err)})
	}
	for _, path := range paths {
		m, err := config.Load(path)
		if err != nil {
			fail(path, "validator_failed", err)
			continue
		}
		feas := engine.CheckMission(m, 0)
		entry := GateEntry{Validator: feas, Sweep: []engine.SweepLevel{}}
		if !feas.Feasible {
			fail(path, "infeasible", feas.Reason)
			rep.Missions[path] = entry
			continue
		}
		fmax := 0
		if opts.Sweep {
			fmax = feas.Fmax
		}
		_, sweep, err := rn.Sweep(ctx, m, engine.SweepOptions{Fmax: fmax, Ticks: opts.Ticks})
		if err != nil {
			return rep, err
		}
		entry.Sweep = sweep.Levels
		if first := sweep.FirstFailure(); first != nil {
			msg := first.Cause
			if first.Violation != nil {
				msg = first.Violation.String()
			}
			fail(path, fmt.Sprintf("fault_sweep_failure_faults=%d", first.N), msg)
		}
		rep.Missions[path] = entry
	}
	return rep, nil
}
