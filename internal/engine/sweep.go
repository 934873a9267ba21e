package engine

import (
	"context"
	"slices"

	"coverline/internal/config"
)

// Failure causes reported by a sweep level.
const (
	CauseInfeasible = "infeasible"
	CauseDeadline   = "deadline_violation"
)

// SweepOptions configures a fault sweep. A negative Fmax sweeps up to the
// unit count; Ticks <= 0 uses the mission horizon.
type SweepOptions struct {
	Fmax     int
	ProbeAll bool
	Ticks    int
	OnLevel  func(SweepLevel)
}

// SweepLevel is the verdict for one fault count N.
type SweepLevel struct {
	N           int               `json:"n"`
	Faulted     []string          `json:"faulted"`
	Passed      bool              `json:"passed"`
	Cause       string            `json:"cause,omitempty"`
	Feasibility FeasibilityResult `json:"feasibility"`
	Violation   *Violation        `json:"violation,omitempty"`
	Ticks       int               `json:"ticks"`
	Summary     *Summary          `json:"summary,omitempty"`
}

// SweepReport is the ordered per-N result of a sweep.
type SweepReport struct {
	Mission      string       `json:"mission"`
	Fmax         int          `json:"fmax"`
	Ticks        int          `json:"ticks"`
	Levels       []SweepLevel `json:"levels"`
	FirstFailing *int         `json:"first_failing_n,omitempty"`
}

// Passed reports whether every evaluated level passed.
func (r SweepReport) Passed() bool { return r.FirstFailing == nil }

// FirstFailure returns the level at FirstFailing, if any.
func (r SweepReport) FirstFailure() *SweepLevel {
	if r.FirstFailing == nil {
		return nil
	}
	for i := range r.Levels {
		if r.Levels[i].N == *r.FirstFailing {
			return &r.Levels[i]
		}
	}
	return nil
}

// EvaluateLevel runs a fresh simulation with the lexically first n units
// permanently faulted before tick 1. Feasibility is checked first; an
// infeasible level is not simulated.
func EvaluateLevel(ctx context.Context, m *config.Mission, n, ticks int) (SweepLevel, error) {
	units := slices.Clone(m.Units)
	slices.Sort(units)
	n = min(max(n, 0), len(units))
	lvl := SweepLevel{
		N:           n,
		Faulted:     units[:n],
		Feasibility: CheckMission(m, n),
	}
	if !lvl.Feasibility.Feasible {
		lvl.Cause = CauseInfeasible
		return lvl, nil
	}
	sim, err := New(m)
	if err != nil {
		return lvl, err
	}
	for _, u := range lvl.Faulted {
		if err := sim.Inject(FaultEvent{Unit: u, Kind: FaultPermanent}); err != nil {
			return lvl, err
		}
	}
	res, err := sim.Run(ctx, ticks, nil)
	if err != nil {
		return lvl, err
	}
	lvl.Ticks = res.Ticks
	lvl.Summary = &res.Summary
	if res.Violation != nil {
		lvl.Cause = CauseDeadline
		lvl.Violation = res.Violation
		return lvl, nil
	}
	lvl.Passed = true
	return lvl, nil
}

// Sweep evaluates N = 0..Fmax and stops at the first failing N unless
// ProbeAll is set. Only cancellation or an invalid mission return an error;
// failing levels are part of the report.
func Sweep(ctx context.Context, m *config.Mission, opts SweepOptions) (SweepReport, error) {
	c := m.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return SweepReport{}, err
	}
	fmax := opts.Fmax
	if fmax < 0 || fmax > len(c.Units) {
		fmax = len(c.Units)
	}
	ticks := opts.Ticks
	if ticks <= 0 {
		ticks = c.HorizonTicks(config.DefaultTicks)
	}
	rep := SweepReport{Mission: c.Name, Fmax: fmax, Ticks: ticks}
	for n := 0; n <= fmax; n++ {
		lvl, err := EvaluateLevel(ctx, c, n, ticks)
		if err != nil {
			return rep, err
		}
		rep.Levels = append(rep.Levels, lvl)
		if opts.OnLevel != nil {
			opts.OnLevel(lvl)
		}
		if !lvl.Passed && rep.FirstFailing == nil {
			first := n
			rep.FirstFailing = &first
			if !opts.ProbeAll {
				break
			}
		}
	}
	return rep, nil
}
