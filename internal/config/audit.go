package config

import (
	"fmt"
	"math"
	"strings"
)

// Scenario intents recognised by Audit.
const (
	IntentGapFailure    = "gap_failure"
	IntentGapRecovery   = "gap_recovery"
	IntentBatteryStress = "battery_stress"
	IntentOther         = "other"
)

// InjectionSummary is a failure injection converted to ticks.
type InjectionSummary struct {
	Injection
	AtTick        int `json:"at_tick"`
	DurationTicks int `json:"duration_ticks"`
}

// AuditReport relates a mission's failure injections to its scenario.
type AuditReport struct {
	Path             string             `json:"path,omitempty"`
	Mission          string             `json:"mission"`
	Scenario         string             `json:"scenario"`
	Intent           string             `json:"intent"`
	TickMS           float64            `json:"tick_ms"`
	MaxGapMS         float64            `json:"max_gap_ms"`
	MissionWindowMS  float64            `json:"mission_window_ms,omitempty"`
	Units            int                `json:"units"`
	Domains          int                `json:"domains"`
	RequiredTotal    int                `json:"required_total"`
	CapacityTotal    int                `json:"capacity_total"`
	CapacityPressure float64            `json:"capacity_pressure"`
	MaxDomainWeight  float64            `json:"max_domain_weight"`
	Injections       []InjectionSummary `json:"failure_injections"`
	Warnings         []string           `json:"warnings"`
}

// ClassifyIntent derives the intent from a free-form scenario label.
func ClassifyIntent(scenario string) string {
	s := strings.ToLower(scenario)
	switch {
	case strings.Contains(s, "gap") && strings.Contains(s, "recovery"):
		return IntentGapRecovery
	case strings.Contains(s, "gap") && strings.Contains(s, "fail"):
		return IntentGapFailure
	case strings.Contains(s, "battery") && (strings.Contains(s, "stress") || strings.Contains(s, "drain")):
		return IntentBatteryStress
	default:
		return IntentOther
	}
}

// Audit inspects a mission as written (before defaults are applied) and
// flags injections that do not fit the scenario's intent.
func Audit(m *Mission) AuditReport {
	tick := m.TickMS
	if tick <= 0 {
		tick = 1
	}
	capacity := m.CapacityPerUnit
	if capacity <= 0 {
		capacity = DefaultCapacityPerUnit
	}
	rep := AuditReport{
		Mission:         m.Name,
		Scenario:        m.Scenario,
		Intent:          ClassifyIntent(m.Scenario),
		TickMS:          tick,
		MaxGapMS:        m.Constraints.MaxGapMS,
		MissionWindowMS: m.MissionWindowMS,
		Units:           len(m.Units),
		Domains:         len(m.Domains),
		RequiredTotal:   m.TotalRequired(),
		CapacityTotal:   len(m.Units) * capacity,
		MaxDomainWeight: 1,
		Warnings:        []string{},
	}
	rep.CapacityPressure = 1
	if rep.CapacityTotal > 0 {
		rep.CapacityPressure = float64(rep.RequiredTotal) / float64(rep.CapacityTotal)
	}
	for _, w := range m.DomainWeights {
		rep.MaxDomainWeight = math.Max(rep.MaxDomainWeight, w)
	}
	for _, inj := range m.FailureInjections {
		rep.Injections = append(rep.Injections, InjectionSummary{
			Injection:     inj,
			AtTick:        int(math.Round(inj.AtMS / tick)),
			DurationTicks: int(math.Round(inj.DurationMS / tick)),
		})
	}

	warn := func(format string, args ...any) {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf(format, args...))
	}
	hasRest := false
	for _, d := range m.Domains {
		if IsRest(d) {
			hasRest = true
		}
	}
	if !hasRest {
		warn("MISSING_REST_DOMAIN")
	}
	units := map[string]bool{}
	for _, u := range m.Units {
		units[u] = true
	}
	for _, inj := range m.FailureInjections {
		if inj.Unit != "" && !units[inj.Unit] {
			warn("INJ_UNKNOWN_UNIT:%s", inj.Unit)
		}
	}

	exceedsGap := func(inj Injection) bool {
		return inj.Permanent || (rep.MaxGapMS > 0 && inj.DurationMS >= rep.MaxGapMS)
	}
	switch rep.Intent {
	case IntentGapFailure:
		if len(m.FailureInjections) == 0 {
			warn("GAP_FAILURE_WITHOUT_INJECTIONS")
			break
		}
		ok := false
		for _, inj := range m.FailureInjections {
			if isCrash(inj) && exceedsGap(inj) {
				ok = true
			}
		}
		if !ok {
			warn("GAP_FAILURE_INJECTIONS_DO_NOT_EXCEED_MAX_GAP")
		}
	case IntentGapRecovery:
		if len(m.FailureInjections) == 0 {
			warn("GAP_RECOVERY_WITHOUT_INJECTIONS")
			break
		}
		for _, inj := range m.FailureInjections {
			if isCrash(inj) && exceedsGap(inj) {
				warn("GAP_RECOVERY_HAS_PERMANENT_OR_TOO_LONG_INJECTION")
				break
			}
		}
	case IntentBatteryStress:
		if rep.CapacityPressure < 0.75 && rep.MaxDomainWeight <= 1.2 {
			warn("BATTERY_STRESS_WEAK_PRESSURE:ratio=%.2f,max_weight=%.2f", rep.CapacityPressure, rep.MaxDomainWeight)
		}
	}
	return rep
}

// isCrash treats an untyped injection as a unit crash.
func isCrash(inj Injection) bool {
	return inj.Type == "" || inj.Type == "unit_crash"
}
