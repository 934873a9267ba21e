package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"coverline/internal/config"
)

// FaultKind distinguishes recoverable from terminal unit failures.
type FaultKind string

const (
	FaultTemporary FaultKind = "temporary"
	FaultPermanent FaultKind = "permanent"
)

// FaultEvent is an externally injected failure, applied at the next tick
// boundary. A non-empty Domain scopes the fault to that domain only.
type FaultEvent struct {
	Unit          string    `json:"unit"`
	Domain        string    `json:"domain,omitempty"`
	Kind          FaultKind `json:"kind"`
	DurationTicks int       `json:"duration_ticks,omitempty"`
}

func (f FaultEvent) Validate() error {
	if f.Unit == "" {
		return errors.New("fault unit is required")
	}
	switch f.Kind {
	case FaultPermanent:
	case FaultTemporary:
		if f.DurationTicks <= 0 {
			return fmt.Errorf("temporary fault on %s needs duration_ticks > 0", f.Unit)
		}
	default:
		return fmt.Errorf("unknown fault kind %q", f.Kind)
	}
	return nil
}

func (f FaultEvent) String() string {
	target := f.Unit
	if f.Domain != "" {
		target = f.Unit + "@" + f.Domain
	}
	if f.Kind == FaultPermanent {
		return target + " permanent"
	}
	return fmt.Sprintf("%s temporary %d ticks", target, f.DurationTicks)
}

type domainFaultKey struct {
	unit   string
	domain string
}

// domainFaults tracks unit-for-domain exclusions; -1 marks permanent.
type domainFaults map[domainFaultKey]int

func (df domainFaults) active(unit, domain string) bool {
	_, ok := df[domainFaultKey{unit, domain}]
	return ok
}

func (df domainFaults) apply(f FaultEvent) {
	key := domainFaultKey{f.Unit, f.Domain}
	if f.Kind == FaultPermanent {
		df[key] = -1
		return
	}
	if cur, ok := df[key]; ok && (cur < 0 || cur >= f.DurationTicks) {
		return
	}
	df[key] = f.DurationTicks
}

// countdown returns the keys that recovered this tick.
func (df domainFaults) countdown() []domainFaultKey {
	var recovered []domainFaultKey
	for k, v := range df {
		if v < 0 {
			continue
		}
		v--
		if v <= 0 {
			delete(df, k)
			recovered = append(recovered, k)
			continue
		}
		df[k] = v
	}
	sort.Slice(recovered, func(i, j int) bool {
		if recovered[i].unit != recovered[j].unit {
			return recovered[i].unit < recovered[j].unit
		}
		return recovered[i].domain < recovered[j].domain
	})
	return recovered
}

type scheduledFault struct {
	tick  int
	event FaultEvent
}

// scheduleInjections converts mission failure_injections into tick-stamped
// fault events. Injections at or before time zero land on the first tick.
func scheduleInjections(m *config.Mission) []scheduledFault {
	out := make([]scheduledFault, 0, len(m.FailureInjections))
	for _, inj := range m.FailureInjections {
		at := int(math.Round(inj.AtMS / m.TickMS))
		if at < 1 {
			at = 1
		}
		ev := FaultEvent{Unit: inj.Unit, Domain: inj.Domain, Kind: FaultPermanent}
		if !inj.Permanent {
			ev.Kind = FaultTemporary
			ev.DurationTicks = max(1, int(math.Round(inj.DurationMS/m.TickMS)))
		}
		out = append(out, scheduledFault{tick: at, event: ev})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].tick < out[j].tick })
	return out
}
