package engine

import (
	"slices"
	"strings"
)

// Coverage is one row of an AssignmentTable.
type Coverage struct {
	Domain string   `json:"domain"`
	Units  []string `json:"units"`
	Rest   bool     `json:"rest,omitempty"`
}

// AssignmentTable is the single externally observable result of a tick.
// It is never mutated after Step returns it.
type AssignmentTable struct {
	Tick     int        `json:"tick"`
	TimeMS   float64    `json:"time_ms"`
	Coverage []Coverage `json:"coverage"`
}

// Units returns a copy of the units covering domain.
func (t *AssignmentTable) Units(domain string) []string {
	c, _ := t.row(domain)
	return slices.Clone(c.Units)
}

func (t *AssignmentTable) row(domain string) (Coverage, bool) {
	if t == nil {
		return Coverage{}, false
	}
	for _, c := range t.Coverage {
		if c.Domain == domain {
			return c, true
		}
	}
	return Coverage{}, false
}

// Contains reports whether unit covers any schedulable domain.
func (t *AssignmentTable) Contains(unit string) bool {
	if t == nil {
		return false
	}
	for _, c := range t.Coverage {
		if c.Rest {
			continue
		}
		if slices.Contains(c.Units, unit) {
			return true
		}
	}
	return false
}

// Changed lists domains whose coverage set differs from prev, in table
// order. A nil prev reports every domain, and a domain absent from prev
// counts as changed even when uncovered.
func (t *AssignmentTable) Changed(prev *AssignmentTable) []string {
	var out []string
	for _, c := range t.Coverage {
		if p, ok := prev.row(c.Domain); !ok || !slices.Equal(p.Units, c.Units) {
			out = append(out, c.Domain)
		}
	}
	return out
}

// Key renders a domain's units as a ';'-joined row value.
func (c Coverage) Key() string {
	return strings.Join(c.Units, ";")
}

func (t *AssignmentTable) clone() *AssignmentTable {
	out := &AssignmentTable{Tick: t.Tick, TimeMS: t.TimeMS, Coverage: make([]Coverage, len(t.Coverage))}
	for i, c := range t.Coverage {
		out.Coverage[i] = Coverage{Domain: c.Domain, Units: slices.Clone(c.Units), Rest: c.Rest}
	}
	return out
}
