package engine

import "sort"

type domainState struct {
	id       string
	index    int
	rest     bool
	required int
	maxGap   int
	weight   float64
	tags     []string
	gap      int
	prev     []string
	covered  int
}

func (d *domainState) laxity() int {
	return d.maxGap - d.gap
}

// critical reports whether leaving the domain uncovered this tick would
// breach its deadline.
func (d *domainState) critical() bool {
	return d.gap+1 > d.maxGap
}

// updateGap resets the gap when the domain was fully covered this tick and
// increments it otherwise. The rest lane never accrues a gap.
func (d *domainState) updateGap() {
	if d.rest {
		d.gap = 0
		return
	}
	if d.covered >= d.required {
		d.gap = 0
		return
	}
	d.gap++
}

func (d *domainState) violated() bool {
	return !d.rest && d.gap > d.maxGap
}

// rankDomains orders schedulable domains least-laxity first; ties go to the
// larger requirement, then the lexically lower id.
func rankDomains(domains []*domainState) []*domainState {
	out := make([]*domainState, 0, len(domains))
	for _, d := range domains {
		if d.rest || d.required <= 0 {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.laxity() != b.laxity() {
			return a.laxity() < b.laxity()
		}
		if a.required != b.required {
			return a.required > b.required
		}
		return a.id < b.id
	})
	return out
}
