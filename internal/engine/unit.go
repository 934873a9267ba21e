package engine

import "fmt"

// Mode tags a unit's status variant.
type Mode int

const (
	ModeActive Mode = iota
	ModeResting
	ModeTempFaulted
	ModePermFaulted
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModeResting:
		return "resting"
	case ModeTempFaulted:
		return "temp_faulted"
	case ModePermFaulted:
		return "perm_faulted"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Status is the unit's tagged state. Remaining and Resume are only
// meaningful for ModeTempFaulted.
type Status struct {
	Mode      Mode
	Remaining int
	Resume    Mode
}

func (s Status) Alive() bool {
	return s.Mode == ModeActive || s.Mode == ModeResting
}

type unitState struct {
	id      string
	status  Status
	dwell   int
	battery float64
	tags    map[string]bool

	// per-tick scratch, reset by the assignment pass
	load    int
	serving []string
}

func newUnitState(id string, dwell int) *unitState {
	return &unitState{
		id:      id,
		status:  Status{Mode: ModeActive},
		dwell:   dwell,
		battery: 100,
	}
}

// applyFault moves the unit into a fault variant. A permanent fault
// always wins; a temporary one extends but never shortens.
func (u *unitState) applyFault(permanent bool, ticks int) bool {
	switch u.status.Mode {
	case ModePermFaulted:
		return false
	case ModeTempFaulted:
		if permanent {
			u.status = Status{Mode: ModePermFaulted}
			return true
		}
		if ticks > u.status.Remaining {
			u.status.Remaining = ticks
		}
		return true
	}
	if permanent {
		u.status = Status{Mode: ModePermFaulted}
		return true
	}
	u.status = Status{Mode: ModeTempFaulted, Remaining: ticks, Resume: u.status.Mode}
	return true
}

// countdown advances a temporary fault and reports recovery.
func (u *unitState) countdown() bool {
	if u.status.Mode != ModeTempFaulted {
		return false
	}
	u.status.Remaining--
	if u.status.Remaining > 0 {
		return false
	}
	u.status = Status{Mode: u.status.Resume}
	return true
}

// rotationParams are the mission-derived knobs of the rest/rotation tracker.
type rotationParams struct {
	period    int
	minDwell  int
	restDwell int
	floor     float64
	drain     float64
	recharge  float64
}

func (p rotationParams) wakeable(u *unitState) bool {
	return u.status.Mode == ModeResting && u.dwell >= p.restDwell && u.battery >= p.floor && u.battery > 0
}

// settle applies end-of-tick rotation and battery effects. drainWeight is the
// sum of weights of the domains the unit served this tick.
func (p rotationParams) settle(u *unitState, drainWeight float64) (toRest, depleted bool) {
	if !u.status.Alive() {
		return false, false
	}
	switch {
	case u.load > 0:
		u.status.Mode = ModeActive
		u.dwell++
		before := u.battery
		u.battery -= p.drain * drainWeight
		if u.battery <= 0 {
			u.battery = 0
			depleted = before > 0
		}
	case u.status.Mode == ModeActive:
		if u.dwell >= p.minDwell {
			u.status.Mode = ModeResting
			u.dwell = 0
			return true, false
		}
		u.dwell++
	default:
		u.dwell++
		u.battery += p.recharge
		if u.battery > 100 {
			u.battery = 100
		}
	}
	return false, depleted
}
