package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"coverline/internal/config"
)

// ErrTerminated is returned when stepping a run that already hit a deadline
// violation.
var ErrTerminated = errors.New("simulation terminated by deadline violation")

// Violation is a domain whose gap exceeded its deadline.
type Violation struct {
	Domain string  `json:"domain"`
	Tick   int     `json:"tick"`
	TimeMS float64 `json:"time_ms"`
	Gap    int     `json:"gap"`
	MaxGap int     `json:"max_gap"`
}

func (v Violation) String() string {
	return fmt.Sprintf("domain=%s tick=%d gap=%d max=%d", v.Domain, v.Tick, v.Gap, v.MaxGap)
}

// TickResult is everything a caller may observe about one tick.
type TickResult struct {
	Tick       int              `json:"tick"`
	TimeMS     float64          `json:"time_ms"`
	Table      *AssignmentTable `json:"table"`
	Changed    []string         `json:"changed,omitempty"`
	Gaps       map[string]int   `json:"gaps"`
	Events     []Event          `json:"events,omitempty"`
	Violations []Violation      `json:"violations,omitempty"`
}

// Summary accumulates coverage counters over a run.
type Summary struct {
	Ticks            int            `json:"ticks"`
	TotalGapTicks    int            `json:"total_gap_ticks"`
	GapsByDomain     map[string]int `json:"gaps_by_domain"`
	MultiRoleTicks   int            `json:"multi_role_ticks"`
	DistinctOKTicks  int            `json:"distinct_ok_ticks"`
	TotalAssignments int            `json:"total_assignments"`
}

// UnitView is a read-only snapshot of one unit.
type UnitView struct {
	ID      string   `json:"id"`
	Mode    string   `json:"mode"`
	Dwell   int      `json:"dwell"`
	Battery float64  `json:"battery"`
	Fault   int      `json:"fault_remaining,omitempty"`
	Domains []string `json:"domains,omitempty"`
}

// DomainView is a read-only snapshot of one domain.
type DomainView struct {
	ID       string  `json:"id"`
	Rest     bool    `json:"rest,omitempty"`
	Required int     `json:"required"`
	MaxGap   int     `json:"max_gap"`
	Gap      int     `json:"gap"`
	Laxity   int     `json:"laxity"`
	Weight   float64 `json:"weight"`
}

// Simulation owns the mutable domain and unit state of one run. Only Stage
// and Inject are safe to call from other goroutines; everything else belongs
// to the single tick loop.
type Simulation struct {
	mission *config.Mission
	pending atomic.Pointer[config.Mission]

	mu     sync.Mutex
	queued []FaultEvent

	tick         int
	universal    bool
	params       rotationParams
	domains      []*domainState
	domainByID   map[string]*domainState
	units        []*unitState
	unitByID     map[string]*unitState
	domainFaults domainFaults
	injections   []scheduledFault
	nextInj      int

	prev       *AssignmentTable
	violations []Violation
	terminated bool
	summary    Summary
}

// New builds a simulation from a validated mission. The mission is copied;
// later edits by the caller have no effect until staged.
func New(m *config.Mission) (*Simulation, error) {
	c := m.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Simulation{
		domainFaults: domainFaults{},
		summary:      Summary{GapsByDomain: map[string]int{}},
	}
	s.load(c)
	return s, nil
}

func paramsFor(m *config.Mission) rotationParams {
	drain := 100 * m.TickMS / m.BatteryLifeMS()
	minDwell := m.MinDwellTicks()
	return rotationParams{
		period:    m.RotationPeriodTicks(),
		minDwell:  minDwell,
		restDwell: max(minDwell, m.RestDurationTicks()),
		floor:     m.BatteryFloorPct(),
		drain:     drain,
		recharge:  0.5 * drain * m.Weight(config.RestDomain),
	}
}

// load installs m, carrying gap, incumbency and unit state across for ids
// present in both the old and new mission.
func (s *Simulation) load(m *config.Mission) {
	oldDomains, oldUnits := s.domainByID, s.unitByID
	s.mission = m
	s.universal = m.Universal()
	s.params = paramsFor(m)
	unitTags, domainTags := m.RoleTags()

	s.units = make([]*unitState, 0, len(m.Units))
	s.unitByID = make(map[string]*unitState, len(m.Units))
	for _, id := range m.Units {
		u, ok := oldUnits[id]
		if !ok {
			u = newUnitState(id, s.params.minDwell)
		}
		u.tags = map[string]bool{}
		for _, t := range unitTags[id] {
			u.tags[t] = true
		}
		s.units = append(s.units, u)
		s.unitByID[id] = u
	}

	req := m.RequiredMap()
	s.domains = make([]*domainState, 0, len(m.Domains))
	s.domainByID = make(map[string]*domainState, len(m.Domains))
	for i, id := range m.Domains {
		tags := slices.Clone(domainTags[id])
		sort.Strings(tags)
		d := &domainState{
			id:       id,
			index:    i,
			rest:     config.IsRest(id),
			required: req[id],
			maxGap:   m.MaxGapTicks(id),
			weight:   m.Weight(id),
			tags:     slices.Compact(tags),
		}
		if old, ok := oldDomains[id]; ok {
			d.gap = old.gap
			for _, u := range old.prev {
				if _, ok := s.unitByID[u]; ok {
					d.prev = append(d.prev, u)
				}
			}
		}
		s.domains = append(s.domains, d)
		s.domainByID[id] = d
	}

	s.injections = s.injections[:0]
	for _, sf := range scheduleInjections(m) {
		if sf.tick >= s.tick {
			s.injections = append(s.injections, sf)
		}
	}
	s.nextInj = 0
}

func (s *Simulation) capable(u *unitState, d *domainState) bool {
	if s.universal || len(d.tags) == 0 {
		return true
	}
	for _, t := range d.tags {
		if u.tags[t] {
			return true
		}
	}
	return false
}

func (s *Simulation) timeMS() float64 {
	return float64(s.tick) * s.mission.TickMS
}

// Stage validates m and queues it to replace the live mission at the next
// tick boundary. An invalid mission is rejected without touching the queue.
func (s *Simulation) Stage(m *config.Mission) error {
	c := m.Clone()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	s.pending.Store(c)
	return nil
}

// Inject queues a fault for the next tick boundary.
func (s *Simulation) Inject(f FaultEvent) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.queued = append(s.queued, f)
	s.mu.Unlock()
	return nil
}

func (s *Simulation) boundary() []Event {
	var events []Event
	// injections due this tick fire once, whether scheduled by the outgoing
	// or the incoming mission
	applied := map[FaultEvent]bool{}
	due := func() {
		for s.nextInj < len(s.injections) && s.injections[s.nextInj].tick <= s.tick {
			f := s.injections[s.nextInj].event
			s.nextInj++
			if applied[f] {
				continue
			}
			applied[f] = true
			events = append(events, s.applyFault(f))
		}
	}
	due()
	if m := s.pending.Swap(nil); m != nil {
		s.load(m)
		events = append(events, Event{Tick: s.tick, TimeMS: s.timeMS(), Kind: EventMissionSwapped, Detail: m.Name})
		due()
	}
	s.mu.Lock()
	queued := s.queued
	s.queued = nil
	s.mu.Unlock()
	for _, f := range queued {
		events = append(events, s.applyFault(f))
	}
	return events
}

func (s *Simulation) applyFault(f FaultEvent) Event {
	ev := Event{Tick: s.tick, TimeMS: s.timeMS(), Kind: EventFaultApplied, Detail: f.String()}
	u, ok := s.unitByID[f.Unit]
	if !ok {
		ev.Kind = EventFaultRejected
		ev.Detail = fmt.Sprintf("unknown unit %q", f.Unit)
		return ev
	}
	if f.Domain != "" {
		if _, ok := s.domainByID[f.Domain]; !ok {
			ev.Kind = EventFaultRejected
			ev.Detail = fmt.Sprintf("unknown domain %q", f.Domain)
			return ev
		}
		s.domainFaults.apply(f)
		return ev
	}
	if !u.applyFault(f.Kind == FaultPermanent, f.DurationTicks) {
		ev.Kind = EventFaultRejected
		ev.Detail = fmt.Sprintf("%s already permanently faulted", u.id)
	}
	return ev
}

// Step advances one tick: staged changes, assignment, gap update, rotation
// and battery settlement, fault countdown, then the emitted table.
func (s *Simulation) Step() (*TickResult, error) {
	if s.terminated {
		return nil, ErrTerminated
	}
	s.tick++
	events := s.boundary()
	events = append(events, s.assign()...)
	now := s.timeMS()
	emit := func(kind, detail string) {
		events = append(events, Event{Tick: s.tick, TimeMS: now, Kind: kind, Detail: detail})
	}

	gaps := make(map[string]int, len(s.domains))
	for _, d := range s.domains {
		d.updateGap()
		gaps[d.id] = d.gap
		if !d.rest && d.required > 0 && d.covered < d.required {
			s.summary.TotalGapTicks++
			s.summary.GapsByDomain[d.id]++
		}
	}
	s.account()

	for _, u := range s.units {
		weight := 0.0
		for _, id := range u.serving {
			weight += s.domainByID[id].weight
		}
		before := u.battery
		toRest, depleted := s.params.settle(u, weight)
		switch {
		case toRest:
			emit(EventRest, u.id)
		case depleted:
			emit(EventBatteryDepleted, u.id)
		case u.load > 0 && before >= s.params.floor && u.battery < s.params.floor:
			emit(EventBatteryLow, fmt.Sprintf("%s below %.1f%% (%.1f%%)", u.id, s.params.floor, u.battery))
		}
	}
	for _, u := range s.units {
		if u.countdown() {
			emit(EventFaultRecovered, u.id)
		}
	}
	for _, k := range s.domainFaults.countdown() {
		emit(EventFaultRecovered, k.unit+"@"+k.domain)
	}

	var violations []Violation
	for _, d := range s.domains {
		if d.violated() {
			v := Violation{Domain: d.id, Tick: s.tick, TimeMS: now, Gap: d.gap, MaxGap: d.maxGap}
			violations = append(violations, v)
			emit(EventViolation, v.String())
		}
	}
	if len(violations) > 0 {
		s.violations = append(s.violations, violations...)
		s.terminated = true
	}

	table := s.table()
	res := &TickResult{
		Tick:       s.tick,
		TimeMS:     now,
		Table:      table,
		Changed:    table.Changed(s.prev),
		Gaps:       gaps,
		Events:     events,
		Violations: violations,
	}
	s.prev = table.clone()
	return res, nil
}

func (s *Simulation) account() {
	s.summary.Ticks++
	distinct, assignable, multi := 0, 0, false
	for _, u := range s.units {
		s.summary.TotalAssignments += u.load
		if u.load > 0 {
			distinct++
		}
		if u.load > 1 {
			multi = true
		}
		if u.status.Alive() && u.battery > 0 {
			assignable++
		}
	}
	if multi {
		s.summary.MultiRoleTicks++
	}
	desired := min(s.mission.TotalRequired(), assignable)
	if desired == 0 || distinct >= desired {
		s.summary.DistinctOKTicks++
	}
}

// table renders the tick's coverage in mission domain order. The rest lane
// lists alive units that served nothing this tick.
func (s *Simulation) table() *AssignmentTable {
	t := &AssignmentTable{Tick: s.tick, TimeMS: s.timeMS(), Coverage: make([]Coverage, 0, len(s.domains))}
	var idle []string
	for _, u := range s.units {
		if u.status.Alive() && u.load == 0 {
			idle = append(idle, u.id)
		}
	}
	sort.Strings(idle)
	for _, d := range s.domains {
		c := Coverage{Domain: d.id, Units: []string{}}
		switch {
		case d.rest:
			c.Rest = true
			c.Units = append(c.Units, idle...)
		default:
			c.Units = append(c.Units, d.prev...)
		}
		t.Coverage = append(t.Coverage, c)
	}
	return t
}

// RunStatus is the verdict of a completed run.
type RunStatus string

const (
	RunPassed   RunStatus = "PASS"
	RunFailed   RunStatus = "FAIL"
	RunCanceled RunStatus = "CANCELED"
)

// RunResult summarises a run over a tick horizon.
type RunResult struct {
	Status     RunStatus   `json:"status"`
	Ticks      int         `json:"ticks"`
	Violation  *Violation  `json:"violation,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Summary    Summary     `json:"summary"`
}

// Run steps until ticks have elapsed, a violation terminates the run, or ctx
// is done. observe sees every tick; an error from it aborts the run.
func (s *Simulation) Run(ctx context.Context, ticks int, observe func(*TickResult) error) (RunResult, error) {
	for s.tick < ticks && !s.terminated {
		if err := ctx.Err(); err != nil {
			return s.result(RunCanceled), err
		}
		res, err := s.Step()
		if err != nil {
			return s.result(RunFailed), err
		}
		if observe != nil {
			if err := observe(res); err != nil {
				return s.result(RunFailed), err
			}
		}
	}
	if s.terminated {
		return s.result(RunFailed), nil
	}
	return s.result(RunPassed), nil
}

func (s *Simulation) result(status RunStatus) RunResult {
	res := RunResult{Status: status, Ticks: s.tick, Summary: s.Summary()}
	if len(s.violations) > 0 {
		res.Violations = slices.Clone(s.violations)
		v := s.violations[0]
		res.Violation = &v
	}
	return res
}

// Tick returns the number of completed ticks.
func (s *Simulation) Tick() int { return s.tick }

// Terminated reports whether a deadline violation ended the run.
func (s *Simulation) Terminated() bool { return s.terminated }

// Mission returns the live mission snapshot. Callers must not modify it.
func (s *Simulation) Mission() *config.Mission { return s.mission }

// Table returns a copy of the last emitted table, or nil before the first tick.
func (s *Simulation) Table() *AssignmentTable {
	if s.prev == nil {
		return nil
	}
	return s.prev.clone()
}

// Summary returns a copy of the accumulated coverage counters.
func (s *Simulation) Summary() Summary {
	out := s.summary
	out.GapsByDomain = make(map[string]int, len(s.domains))
	for _, d := range s.domains {
		if !d.rest {
			out.GapsByDomain[d.id] = s.summary.GapsByDomain[d.id]
		}
	}
	return out
}

// Feasibility checks the current alive supply against the live mission.
// Temporarily faulted units count as alive.
func (s *Simulation) Feasibility() FeasibilityResult {
	alive := 0
	for _, u := range s.units {
		if u.status.Mode != ModePermFaulted {
			alive++
		}
	}
	return CheckDemand(alive, s.mission.CapacityPerUnit, s.mission.TotalRequired())
}

// Units returns unit snapshots in mission order.
func (s *Simulation) Units() []UnitView {
	out := make([]UnitView, 0, len(s.units))
	for _, u := range s.units {
		v := UnitView{ID: u.id, Mode: u.status.Mode.String(), Dwell: u.dwell, Battery: u.battery}
		if u.status.Mode == ModeTempFaulted {
			v.Fault = u.status.Remaining
		}
		if len(u.serving) > 0 {
			v.Domains = slices.Clone(u.serving)
		}
		out = append(out, v)
	}
	return out
}

// Domains returns domain snapshots in mission order.
func (s *Simulation) Domains() []DomainView {
	out := make([]DomainView, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, DomainView{
			ID: d.id, Rest: d.rest, Required: d.required,
			MaxGap: d.maxGap, Gap: d.gap, Laxity: d.laxity(), Weight: d.weight,
		})
	}
	return out
}
