// Package engine implements the deadline-aware coverage scheduler: gap
// tracking, least-laxity assignment under capacity and rotation
// constraints, the unit fault model, feasibility and fault sweeps.
package engine

import (
	"fmt"
	"slices"
	"sort"
)

// Event kinds emitted while stepping.
const (
	EventRotation        = "rotation"
	EventWake            = "wake"
	EventDwellOverride   = "dwell_override"
	EventUnmet           = "unmet_requirements"
	EventRest            = "rest"
	EventBatteryLow      = "battery_low"
	EventBatteryDepleted = "battery_depleted"
	EventFaultApplied    = "fault_applied"
	EventFaultRecovered  = "fault_recovered"
	EventFaultRejected   = "fault_rejected"
	EventMissionSwapped  = "mission_swapped"
	EventViolation       = "deadline_violation"
)

// Event is a notable state change within a tick.
type Event struct {
	Tick   int     `json:"tick"`
	TimeMS float64 `json:"time_ms"`
	Kind   string  `json:"kind"`
	Detail string  `json:"detail"`
}

// assigner runs the per-tick assignment pass over simulation state.
type assigner struct {
	s           *Simulation
	rotationDue bool
	rotating    map[string]bool
	order       []*unitState
	events      []Event
}

func (s *Simulation) assign() []Event {
	a := &assigner{s: s, rotating: map[string]bool{}}
	a.rotationDue = s.params.period > 0 && s.tick%s.params.period == 0
	if a.rotationDue {
		a.emit(EventRotation, "rotation boundary")
		for _, d := range s.domains {
			for _, id := range d.prev {
				if u, ok := s.unitByID[id]; ok && u.status.Mode == ModeActive && u.dwell >= s.params.minDwell {
					a.rotating[id] = true
				}
			}
		}
	}
	for _, u := range s.units {
		u.load = 0
		u.serving = u.serving[:0]
	}
	a.order = slices.Clone(s.units)
	sort.SliceStable(a.order, func(i, j int) bool {
		if a.order[i].battery != a.order[j].battery {
			return a.order[i].battery > a.order[j].battery
		}
		return a.order[i].id < a.order[j].id
	})
	for _, d := range s.domains {
		d.covered = 0
		if d.rest || d.required <= 0 {
			d.prev = nil
		}
	}
	for _, d := range rankDomains(s.domains) {
		a.fill(d)
	}
	return a.events
}

func (a *assigner) emit(kind, detail string) {
	a.events = append(a.events, Event{Tick: a.s.tick, TimeMS: a.s.timeMS(), Kind: kind, Detail: detail})
}

// eligible reports whether u may serve d this tick. Incumbents keep serving
// while any charge remains; new assignments need the battery floor.
func (a *assigner) eligible(u *unitState, d *domainState, incumbent bool) bool {
	s := a.s
	if u.status.Mode != ModeActive {
		return false
	}
	if u.load >= s.mission.CapacityPerUnit || slices.Contains(u.serving, d.id) {
		return false
	}
	if u.battery <= 0 || (!incumbent && u.battery < s.params.floor) {
		return false
	}
	if s.domainFaults.active(u.id, d.id) {
		return false
	}
	return s.capable(u, d)
}

func (a *assigner) wakeCandidate(u *unitState, d *domainState, override bool) bool {
	s := a.s
	if u.status.Mode != ModeResting {
		return false
	}
	if override {
		if u.battery <= 0 {
			return false
		}
	} else if !s.params.wakeable(u) {
		return false
	}
	return !s.domainFaults.active(u.id, d.id) && s.capable(u, d)
}

func (a *assigner) take(u *unitState, d *domainState, chosen *[]string) {
	u.load++
	u.serving = append(u.serving, d.id)
	*chosen = append(*chosen, u.id)
	d.covered++
}

func (a *assigner) wake(u *unitState, override bool) {
	u.status.Mode = ModeActive
	u.dwell = 0
	if override {
		a.emit(EventDwellOverride, fmt.Sprintf("%s woken early to protect a deadline", u.id))
		return
	}
	a.emit(EventWake, u.id)
}

// fill assigns up to d.required units, in preference order: incumbents,
// unused active units, rested units, multi-role active units, deferred
// incumbents, units rotating out elsewhere, and finally a dwell override
// when the deadline is at stake.
func (a *assigner) fill(d *domainState) {
	s := a.s
	need := d.required
	var chosen []string
	deferred := map[string]bool{}
	held := func(u *unitState) bool { return deferred[u.id] || a.rotating[u.id] }

	incumbents := make([]*unitState, 0, len(d.prev))
	for _, id := range d.prev {
		if u, ok := s.unitByID[id]; ok && a.eligible(u, d, true) {
			incumbents = append(incumbents, u)
		}
	}
	alternative := a.hasAlternative(d)
	for _, u := range incumbents {
		if need == 0 {
			break
		}
		lowBattery := u.battery < s.params.floor
		if (a.rotating[u.id] || lowBattery) && alternative {
			deferred[u.id] = true
			continue
		}
		a.take(u, d, &chosen)
		need--
	}

	for _, u := range a.order {
		if need == 0 {
			break
		}
		if u.load == 0 && !held(u) && a.eligible(u, d, false) {
			a.take(u, d, &chosen)
			need--
		}
	}
	for _, u := range a.order {
		if need == 0 {
			break
		}
		if a.wakeCandidate(u, d, false) {
			a.wake(u, false)
			a.take(u, d, &chosen)
			need--
		}
	}
	for _, u := range a.order {
		if need == 0 {
			break
		}
		if u.load > 0 && !held(u) && a.eligible(u, d, false) {
			a.take(u, d, &chosen)
			need--
		}
	}
	for _, u := range incumbents {
		if need == 0 {
			break
		}
		if deferred[u.id] && a.eligible(u, d, true) {
			a.take(u, d, &chosen)
			need--
		}
	}
	for _, u := range a.order {
		if need == 0 {
			break
		}
		if a.rotating[u.id] && !deferred[u.id] && a.eligible(u, d, false) {
			a.take(u, d, &chosen)
			need--
		}
	}
	if need > 0 && d.critical() {
		for _, u := range a.order {
			if need == 0 {
				break
			}
			if a.wakeCandidate(u, d, true) {
				a.wake(u, true)
				a.take(u, d, &chosen)
				need--
			}
		}
	}
	if need > 0 {
		a.emit(EventUnmet, fmt.Sprintf("%s: need=%d got=%d", d.id, d.required, d.required-need))
	}
	sort.Strings(chosen)
	d.prev = chosen
}

// hasAlternative reports whether a non-incumbent could take over d.
func (a *assigner) hasAlternative(d *domainState) bool {
	for _, u := range a.order {
		if a.rotating[u.id] || slices.Contains(d.prev, u.id) {
			continue
		}
		if a.eligible(u, d, false) || a.wakeCandidate(u, d, false) {
			return true
		}
	}
	return false
}
