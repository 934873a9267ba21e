package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// RestDomain is the reporting-only lane listing resting units.
	RestDomain = "rest"

	DefaultCapacityPerUnit  = 2
	DefaultBatteryLifeMS    = 7 * 60 * 1000
	DefaultBatteryFloorPct  = 15.0
	DefaultRotationPeriodMS = 120000
	DefaultMinDwellTicks    = 30
	DefaultTicks            = 200
)

// Mission models a mission definition file (YAML or JSON).
type Mission struct {
	Name            string  `yaml:"name" json:"name,omitempty"`
	Scenario        string  `yaml:"scenario" json:"scenario,omitempty"`
	TickMS          float64 `yaml:"tick_ms" json:"tick_ms"`
	MissionWindowMS float64 `yaml:"mission_window_ms" json:"mission_window_ms,omitempty"`
	Constraints     struct {
		MaxGapMS          float64            `yaml:"max_gap_ms" json:"max_gap_ms"`
		MaxGapMSPerDomain map[string]float64 `yaml:"max_gap_ms_per_domain" json:"max_gap_ms_per_domain,omitempty"`
	} `yaml:"constraints" json:"constraints"`
	RequiredActive  Requirement        `yaml:"required_active_per_domain" json:"required_active_per_domain"`
	CapacityPerUnit int                `yaml:"capacity_per_unit" json:"capacity_per_unit,omitempty"`
	Rotation        Rotation           `yaml:"rotation" json:"rotation"`
	Battery         Battery            `yaml:"battery" json:"battery"`
	DomainWeights   map[string]float64 `yaml:"domain_weights" json:"domain_weights,omitempty"`
	Domains         []string           `yaml:"domains" json:"domains"`
	Units           []string           `yaml:"units" json:"units"`
	UniversalRoles  *bool              `yaml:"universal_roles" json:"universal_roles,omitempty"`
	Roles           struct {
		Units   map[string][]string `yaml:"units" json:"units,omitempty"`
		Domains map[string][]string `yaml:"domains" json:"domains,omitempty"`
	} `yaml:"roles" json:"roles"`
	DomainPools       map[string][]string `yaml:"domain_pools" json:"domain_pools,omitempty"`
	FailureInjections []Injection         `yaml:"failure_injections" json:"failure_injections,omitempty"`
}

// Rotation holds rest rotation parameters.
type Rotation struct {
	PeriodMS       *float64 `yaml:"rotation_period_ms" json:"rotation_period_ms,omitempty"`
	RestDurationMS float64  `yaml:"rest_duration_ms" json:"rest_duration_ms,omitempty"`
	MinDwellMS     *float64 `yaml:"min_dwell_ms" json:"min_dwell_ms,omitempty"`
	MinDwellTicks  *int     `yaml:"min_dwell_ticks" json:"min_dwell_ticks,omitempty"`
}

// Battery holds drain/recharge parameters.
type Battery struct {
	LifeMS   float64  `yaml:"life_ms" json:"life_ms,omitempty"`
	FloorPct *float64 `yaml:"floor_pct" json:"floor_pct,omitempty"`
}

// Injection is a scheduled fault replayed by the run loop.
type Injection struct {
	Type       string  `yaml:"type" json:"type"`
	Unit       string  `yaml:"unit" json:"unit"`
	Domain     string  `yaml:"domain" json:"domain,omitempty"`
	AtMS       float64 `yaml:"at_ms" json:"at_ms"`
	DurationMS float64 `yaml:"duration_ms" json:"duration_ms,omitempty"`
	Permanent  bool    `yaml:"permanent" json:"permanent,omitempty"`
}

// Requirement is either a scalar applied to every domain or a per-domain map.
type Requirement struct {
	Default   *int
	PerDomain map[string]int
}

func (r *Requirement) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v int
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("required_active_per_domain: %w", err)
		}
		r.Default = &v
		return nil
	case yaml.MappingNode:
		m := map[string]int{}
		if err := node.Decode(&m); err != nil {
			return fmt.Errorf("required_active_per_domain: %w", err)
		}
		r.PerDomain = m
		return nil
	default:
		return fmt.Errorf("required_active_per_domain must be an integer or a mapping")
	}
}

func (r Requirement) MarshalYAML() (any, error) {
	if r.PerDomain != nil {
		return r.PerDomain, nil
	}
	if r.Default != nil {
		return *r.Default, nil
	}
	return nil, nil
}

func (r Requirement) MarshalJSON() ([]byte, error) {
	if r.PerDomain != nil {
		return json.Marshal(r.PerDomain)
	}
	if r.Default != nil {
		return json.Marshal(*r.Default)
	}
	return []byte("null"), nil
}

// ValidationError reports a malformed or inconsistent mission parameter.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid mission: " + e.Msg
	}
	return fmt.Sprintf("invalid mission: %s %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// IsRest reports whether d names the reporting-only rest lane.
func IsRest(d string) bool {
	return strings.EqualFold(d, RestDomain)
}

// Validate ensures the mission is structurally sound.
func (m *Mission) Validate() error {
	if m.TickMS <= 0 {
		return invalid("tick_ms", "must be > 0")
	}
	if m.Constraints.MaxGapMS <= 0 {
		return invalid("constraints.max_gap_ms", "must be > 0")
	}
	if len(m.Domains) == 0 {
		return invalid("domains", "must be a non-empty list")
	}
	if len(m.Units) == 0 {
		return invalid("units", "must be a non-empty list")
	}
	domains := map[string]bool{}
	for _, d := range m.Domains {
		if strings.TrimSpace(d) == "" {
			return invalid("domains", "contains an empty id")
		}
		if domains[d] {
			return invalid("domains", "contains duplicate %q", d)
		}
		domains[d] = true
	}
	units := map[string]bool{}
	for _, u := range m.Units {
		if strings.TrimSpace(u) == "" {
			return invalid("units", "contains an empty id")
		}
		if units[u] {
			return invalid("units", "contains duplicate %q", u)
		}
		units[u] = true
	}
	for d, v := range m.Constraints.MaxGapMSPerDomain {
		if !domains[d] {
			return invalid("constraints.max_gap_ms_per_domain", "references unknown domain %q", d)
		}
		if v <= 0 {
			return invalid("constraints.max_gap_ms_per_domain", "for %q must be > 0", d)
		}
	}
	if m.RequiredActive.Default != nil && *m.RequiredActive.Default < 0 {
		return invalid("required_active_per_domain", "must be >= 0")
	}
	for d, v := range m.RequiredActive.PerDomain {
		if !domains[d] {
			return invalid("required_active_per_domain", "references unknown domain %q", d)
		}
		if v < 0 {
			return invalid("required_active_per_domain", "for %q must be >= 0", d)
		}
	}
	if m.CapacityPerUnit < 0 {
		return invalid("capacity_per_unit", "must be > 0")
	}
	if p := m.Rotation.PeriodMS; p != nil && *p < 0 {
		return invalid("rotation.rotation_period_ms", "must be >= 0")
	}
	if m.Rotation.RestDurationMS < 0 {
		return invalid("rotation.rest_duration_ms", "must be > 0")
	}
	if d := m.Rotation.MinDwellMS; d != nil && *d < 0 {
		return invalid("rotation.min_dwell_ms", "must be >= 0")
	}
	if d := m.Rotation.MinDwellTicks; d != nil && *d < 0 {
		return invalid("rotation.min_dwell_ticks", "must be >= 0")
	}
	if m.Battery.LifeMS < 0 {
		return invalid("battery.life_ms", "must be > 0")
	}
	if f := m.Battery.FloorPct; f != nil && (*f < 0 || *f >= 100) {
		return invalid("battery.floor_pct", "must be in [0,100)")
	}
	for k, v := range m.DomainWeights {
		if !domains[k] && !IsRest(k) {
			return invalid("domain_weights", "references unknown domain %q", k)
		}
		if v <= 0 {
			return invalid("domain_weights", "for %q must be > 0", k)
		}
	}
	for u, tags := range m.Roles.Units {
		if !units[u] {
			return invalid("roles.units", "references unknown unit %q", u)
		}
		for _, tag := range tags {
			if tag == "" {
				return invalid("roles.units", "unit %q has an empty role", u)
			}
		}
	}
	for d := range m.Roles.Domains {
		if !domains[d] {
			return invalid("roles.domains", "references unknown domain %q", d)
		}
	}
	for k, pool := range m.DomainPools {
		if k != "spares" && !domains[k] {
			return invalid("domain_pools", "references unknown domain %q", k)
		}
		for _, u := range pool {
			if !units[u] {
				return invalid("domain_pools", "%q contains unknown unit %q", k, u)
			}
		}
	}
	if !m.Universal() && len(m.DomainPools) > 0 {
		req := m.RequiredMap()
		for _, d := range m.Domains {
			if IsRest(d) || req[d] == 0 {
				continue
			}
			if len(m.DomainPools[d]) == 0 && len(m.DomainPools["spares"]) == 0 {
				return invalid("domain_pools", "%q needs a non-empty pool (or set universal_roles=true)", d)
			}
		}
	}
	for i, inj := range m.FailureInjections {
		field := fmt.Sprintf("failure_injections[%d]", i)
		if inj.Unit == "" || !units[inj.Unit] {
			return invalid(field, "references unknown unit %q", inj.Unit)
		}
		if inj.Domain != "" && !domains[inj.Domain] {
			return invalid(field, "references unknown domain %q", inj.Domain)
		}
		if inj.AtMS < 0 || inj.DurationMS < 0 {
			return invalid(field, "times must be >= 0")
		}
		if !inj.Permanent && inj.DurationMS == 0 {
			return invalid(field, "needs duration_ms or permanent=true")
		}
	}
	return nil
}

// Normalize fills defaults and appends the rest lane when missing.
func (m *Mission) Normalize() {
	if m.CapacityPerUnit == 0 {
		m.CapacityPerUnit = DefaultCapacityPerUnit
	}
	hasRest := false
	for _, d := range m.Domains {
		if IsRest(d) {
			hasRest = true
			break
		}
	}
	if !hasRest {
		m.Domains = append(m.Domains, RestDomain)
	}
}

// Universal reports whether role constraints are ignored.
func (m *Mission) Universal() bool {
	if m.UniversalRoles == nil {
		return len(m.DomainPools) == 0 && len(m.Roles.Domains) == 0
	}
	return *m.UniversalRoles
}

// RequiredMap normalises required_active_per_domain. A scalar applies to
// every domain; a map defaults missing domains to 1. Rest is always 0.
func (m *Mission) RequiredMap() map[string]int {
	out := make(map[string]int, len(m.Domains))
	for _, d := range m.Domains {
		switch {
		case IsRest(d):
			out[d] = 0
		case m.RequiredActive.PerDomain != nil:
			if v, ok := m.RequiredActive.PerDomain[d]; ok {
				out[d] = v
			} else {
				out[d] = 1
			}
		case m.RequiredActive.Default != nil:
			out[d] = *m.RequiredActive.Default
		default:
			out[d] = 1
		}
	}
	return out
}

// TotalRequired sums requirements over schedulable domains.
func (m *Mission) TotalRequired() int {
	total := 0
	for _, v := range m.RequiredMap() {
		total += v
	}
	return total
}

// ScheduledDomainCount counts domains other than the rest lane.
func (m *Mission) ScheduledDomainCount() int {
	n := 0
	for _, d := range m.Domains {
		if !IsRest(d) {
			n++
		}
	}
	return n
}

// MSToTicks converts a duration to whole ticks (floor, minimum 1 when ms > 0).
func (m *Mission) MSToTicks(ms float64) int {
	if ms <= 0 {
		return 0
	}
	t := int(math.Floor(ms/m.TickMS + 1e-9))
	if t < 1 {
		t = 1
	}
	return t
}

// MaxGapTicks returns the deadline for a domain in ticks.
func (m *Mission) MaxGapTicks(domain string) int {
	ms := m.Constraints.MaxGapMS
	if v, ok := m.Constraints.MaxGapMSPerDomain[domain]; ok {
		ms = v
	}
	return m.MSToTicks(ms)
}

// Weight returns the domain weight, defaulting to 1.
func (m *Mission) Weight(domain string) float64 {
	if v, ok := m.DomainWeights[domain]; ok {
		return v
	}
	for k, v := range m.DomainWeights {
		if IsRest(k) && IsRest(domain) {
			return v
		}
	}
	return 1.0
}

// RotationPeriodTicks returns 0 when rotation is disabled.
func (m *Mission) RotationPeriodTicks() int {
	ms := float64(DefaultRotationPeriodMS)
	if m.Rotation.PeriodMS != nil {
		ms = *m.Rotation.PeriodMS
	}
	return m.MSToTicks(ms)
}

// MinDwellTicks prefers the explicit tick count over the ms form.
func (m *Mission) MinDwellTicks() int {
	if m.Rotation.MinDwellTicks != nil {
		return *m.Rotation.MinDwellTicks
	}
	if m.Rotation.MinDwellMS != nil {
		if *m.Rotation.MinDwellMS == 0 {
			return 0
		}
		return m.MSToTicks(*m.Rotation.MinDwellMS)
	}
	return DefaultMinDwellTicks
}

// RestDurationTicks is the minimum rest once a unit rotates out.
func (m *Mission) RestDurationTicks() int {
	return m.MSToTicks(m.Rotation.RestDurationMS)
}

func (m *Mission) BatteryLifeMS() float64 {
	if m.Battery.LifeMS > 0 {
		return m.Battery.LifeMS
	}
	return DefaultBatteryLifeMS
}

func (m *Mission) BatteryFloorPct() float64 {
	if m.Battery.FloorPct != nil {
		return *m.Battery.FloorPct
	}
	return DefaultBatteryFloorPct
}

// HorizonTicks is the number of ticks to run the mission to completion.
func (m *Mission) HorizonTicks(fallback int) int {
	if m.MissionWindowMS > 0 {
		return int(math.Ceil(m.MissionWindowMS/m.TickMS - 1e-9))
	}
	if fallback <= 0 {
		return DefaultTicks
	}
	return fallback
}

// RoleTags returns per-unit and per-domain capability tags, with
// domain_pools folded in as pool:<domain> tags.
func (m *Mission) RoleTags() (units map[string][]string, domains map[string][]string) {
	units = map[string][]string{}
	domains = map[string][]string{}
	for u, tags := range m.Roles.Units {
		units[u] = append(units[u], tags...)
	}
	for d, tags := range m.Roles.Domains {
		domains[d] = append(domains[d], tags...)
	}
	var poolTags []string
	for d, pool := range m.DomainPools {
		if d == "spares" {
			continue
		}
		tag := "pool:" + d
		poolTags = append(poolTags, tag)
		domains[d] = append(domains[d], tag)
		for _, u := range pool {
			units[u] = append(units[u], tag)
		}
	}
	sort.Strings(poolTags)
	for _, u := range m.DomainPools["spares"] {
		units[u] = append(units[u], poolTags...)
	}
	return units, domains
}

// Clone returns a deep copy so staged edits never alias a live snapshot.
func (m *Mission) Clone() *Mission {
	data, err := yaml.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("clone mission: %v", err))
	}
	var out Mission
	if err := yaml.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone mission: %v", err))
	}
	return &out
}

// Load reads, normalises and validates a mission file.
func Load(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("mission %s not found", path)
		}
		return nil, err
	}
	m, err := FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return m, nil
}

// FromYAML parses and validates a mission from YAML or JSON bytes.
func FromYAML(data []byte) (*Mission, error) {
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode parses a mission without defaults or validation. JSON is a subset
// of YAML, so both formats go through the same decoder.
func Decode(data []byte) (*Mission, error) {
	var m Mission
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid mission yaml: %w", err)
	}
	return &m, nil
}

// LoadRaw reads a mission file as written, for tooling that inspects or
// rewrites it.
func LoadRaw(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return m, nil
}

// Save writes the mission to disk, as JSON for .json paths and YAML otherwise.
func Save(path string, m *Mission) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(m, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(m)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UpdateTiming rewrites tick_ms and constraints.max_gap_ms in place. Other
// fields are written back as decoded.
func UpdateTiming(path string, tickMS, maxGapMS float64) (*Mission, error) {
	if tickMS <= 0 {
		return nil, invalid("tick_ms", "must be > 0")
	}
	if maxGapMS <= 0 {
		return nil, invalid("constraints.max_gap_ms", "must be > 0")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.TickMS = tickMS
	m.Constraints.MaxGapMS = maxGapMS
	if err := Save(path, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Default returns the demo mission.
func Default(name string) *Mission {
	m, err := FromYAML([]byte(GenerateDefault(name)))
	if err != nil {
		panic(fmt.Sprintf("default mission: %v", err))
	}
	return m
}

// GenerateDefault returns the demo mission YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

const defaultTemplate = `name: %s
scenario: baseline
tick_ms: 1
mission_window_ms: 200
constraints:
  max_gap_ms: 10
required_active_per_domain: 1
capacity_per_unit: 2
rotation:
  rotation_period_ms: 50
  min_dwell_ms: 5
battery:
  life_ms: 420000
  floor_pct: 15
domain_weights:
  rest: 1.0
domains: [nav, comms, rest]
units: [u1, u2, u3, u4]
`
