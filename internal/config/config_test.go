package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const patrol = `
name: patrol
scenario: gap failure drill
tick_ms: 10
constraints:
  max_gap_ms: 100
required_active_per_domain: {nav: 2}
domains: [nav, comms]
units: [u1, u2, u3]
failure_injections:
  - {type: unit_crash, unit: u1, at_ms: 50, duration_ms: 30}
`

func TestFromYAMLAppliesDefaults(t *testing.T) {
	m, err := FromYAML([]byte(patrol))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.CapacityPerUnit != DefaultCapacityPerUnit {
		t.Fatalf("capacity default not applied: %d", m.CapacityPerUnit)
	}
	if m.Domains[len(m.Domains)-1] != RestDomain {
		t.Fatalf("rest lane not appended: %v", m.Domains)
	}
	req := m.RequiredMap()
	if req["nav"] != 2 || req["comms"] != 1 || req[RestDomain] != 0 {
		t.Fatalf("unexpected requirements %v", req)
	}
	if m.TotalRequired() != 3 || m.ScheduledDomainCount() != 2 {
		t.Fatalf("total=%d scheduled=%d", m.TotalRequired(), m.ScheduledDomainCount())
	}
	if got := m.MaxGapTicks("nav"); got != 10 {
		t.Fatalf("max gap ticks=%d", got)
	}
	if m.MinDwellTicks() != DefaultMinDwellTicks {
		t.Fatalf("min dwell default=%d", m.MinDwellTicks())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"tick_ms":                    "tick_ms: 0\nconstraints: {max_gap_ms: 1}\ndomains: [a]\nunits: [u]\n",
		"constraints.max_gap_ms":     "tick_ms: 1\ndomains: [a]\nunits: [u]\n",
		"units":                      "tick_ms: 1\nconstraints: {max_gap_ms: 1}\ndomains: [a]\nunits: [u, u]\n",
		"domain_weights":             "tick_ms: 1\nconstraints: {max_gap_ms: 1}\ndomains: [a]\nunits: [u]\ndomain_weights: {b: 1}\n",
		"failure_injections[0]":      "tick_ms: 1\nconstraints: {max_gap_ms: 1}\ndomains: [a]\nunits: [u]\nfailure_injections: [{unit: x, at_ms: 1, permanent: true}]\n",
		"battery.floor_pct":          "tick_ms: 1\nconstraints: {max_gap_ms: 1}\ndomains: [a]\nunits: [u]\nbattery: {floor_pct: 100}\n",
		"required_active_per_domain": "tick_ms: 1\nconstraints: {max_gap_ms: 1}\ndomains: [a]\nunits: [u]\nrequired_active_per_domain: {z: 1}\n",
	}
	for field, doc := range cases {
		_, err := FromYAML([]byte(doc))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", field, err)
		}
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("%s: error %q does not name the field", field, err)
		}
	}
}

func TestLoadNamesMissionAfterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harbor_mission.json")
	doc := `{"tick_ms": 1, "constraints": {"max_gap_ms": 5}, "domains": ["a"], "units": ["u1"]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Name != "harbor_mission" {
		t.Fatalf("name=%q", m.Name)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestUpdateTimingKeepsFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.json")
	doc := `{"name": "m", "tick_ms": 1, "constraints": {"max_gap_ms": 5}, "domains": ["a"], "units": ["u1"]}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := UpdateTiming(path, 20, 400); err != nil {
		t.Fatalf("update: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(data), "{") {
		t.Fatalf("json file rewritten as yaml:\n%s", data)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if m.TickMS != 20 || m.Constraints.MaxGapMS != 400 || m.MaxGapTicks("a") != 20 {
		t.Fatalf("timing not updated: tick=%v gap=%v", m.TickMS, m.Constraints.MaxGapMS)
	}
	// rest lane is a runtime default and is not written back
	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if len(raw.Domains) != 1 {
		t.Fatalf("raw domains=%v", raw.Domains)
	}
	if _, err := UpdateTiming(path, 0, 10); err == nil {
		t.Fatalf("expected tick_ms validation error")
	}
}

func TestDefaultMissionIsValid(t *testing.T) {
	m := Default("demo")
	if m.Name != "demo" || len(m.Units) != 4 {
		t.Fatalf("unexpected default mission %+v", m)
	}
	if m.RotationPeriodTicks() != 50 || m.MinDwellTicks() != 5 {
		t.Fatalf("rotation=%d dwell=%d", m.RotationPeriodTicks(), m.MinDwellTicks())
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := map[string]string{
		"Gap recovery after crash": IntentGapRecovery,
		"gap_failure":              IntentGapFailure,
		"battery drain":            IntentBatteryStress,
		"Battery stress test":      IntentBatteryStress,
		"baseline":                 IntentOther,
		"":                         IntentOther,
	}
	for in, want := range cases {
		if got := ClassifyIntent(in); got != want {
			t.Fatalf("%q: got %s want %s", in, got, want)
		}
	}
}

func hasWarning(rep AuditReport, prefix string) bool {
	for _, w := range rep.Warnings {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}

func TestAuditGapFailureNeedsLongFault(t *testing.T) {
	m, err := Decode([]byte(patrol))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rep := Audit(m)
	if rep.Intent != IntentGapFailure {
		t.Fatalf("intent=%s", rep.Intent)
	}
	if !hasWarning(rep, "MISSING_REST_DOMAIN") || !hasWarning(rep, "GAP_FAILURE_INJECTIONS_DO_NOT_EXCEED_MAX_GAP") {
		t.Fatalf("warnings=%v", rep.Warnings)
	}
	if rep.Injections[0].AtTick != 5 || rep.Injections[0].DurationTicks != 3 {
		t.Fatalf("injection ticks %+v", rep.Injections[0])
	}

	m.FailureInjections[0].DurationMS = 100
	m.Domains = append(m.Domains, "rest")
	rep = Audit(m)
	if len(rep.Warnings) != 0 {
		t.Fatalf("expected clean audit, got %v", rep.Warnings)
	}
}

func TestAuditGapRecoveryRejectsPermanent(t *testing.T) {
	m, err := Decode([]byte(patrol))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m.Scenario = "gap recovery"
	m.FailureInjections = append(m.FailureInjections, Injection{Type: "unit_crash", Unit: "ghost", Permanent: true})
	rep := Audit(m)
	if !hasWarning(rep, "GAP_RECOVERY_HAS_PERMANENT_OR_TOO_LONG_INJECTION") || !hasWarning(rep, "INJ_UNKNOWN_UNIT:ghost") {
		t.Fatalf("warnings=%v", rep.Warnings)
	}
	m.FailureInjections = nil
	if rep := Audit(m); !hasWarning(rep, "GAP_RECOVERY_WITHOUT_INJECTIONS") {
		t.Fatalf("warnings=%v", rep.Warnings)
	}
}

func TestAuditBatteryStressPressure(t *testing.T) {
	m, err := Decode([]byte("scenario: battery stress\ntick_ms: 1\nconstraints: {max_gap_ms: 5}\ndomains: [a, rest]\nunits: [u1, u2]\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rep := Audit(m)
	// one required slot against 2x2 capacity
	if rep.CapacityPressure != 0.25 {
		t.Fatalf("pressure=%v", rep.CapacityPressure)
	}
	if !hasWarning(rep, "BATTERY_STRESS_WEAK_PRESSURE:ratio=0.25,max_weight=1.00") {
		t.Fatalf("warnings=%v", rep.Warnings)
	}
	m.DomainWeights = map[string]float64{"a": 2}
	if rep := Audit(m); len(rep.Warnings) != 0 {
		t.Fatalf("heavy weight should satisfy the audit, got %v", rep.Warnings)
	}
}
