package engine

import (
	"fmt"

	"coverline/internal/config"
)

// FeasibilityResult is the aggregate supply-versus-demand verdict.
// Feasible is necessary, not sufficient: only a run proves a schedule exists.
type FeasibilityResult struct {
	Feasible        bool   `json:"feasible"`
	AliveUnits      int    `json:"alive_units"`
	CapacityPerUnit int    `json:"capacity_per_unit"`
	Supply          int    `json:"supply"`
	Demand          int    `json:"demand"`
	NeededUnits     int    `json:"needed_units"`
	Fmax            int    `json:"fmax"`
	ContingencyAt   int    `json:"contingency_starts_at_faults"`
	Reason          string `json:"reason"`
}

// CheckFeasibility applies the uniform-requirement formula
// alive*capacity >= domains*required.
func CheckFeasibility(aliveUnits, capacityPerUnit, domainCount, requiredPerDomain int) FeasibilityResult {
	return CheckDemand(aliveUnits, capacityPerUnit, domainCount*requiredPerDomain)
}

// CheckDemand compares aggregate supply against a summed demand.
func CheckDemand(aliveUnits, capacityPerUnit, demand int) FeasibilityResult {
	if aliveUnits < 0 {
		aliveUnits = 0
	}
	res := FeasibilityResult{
		AliveUnits:      aliveUnits,
		CapacityPerUnit: capacityPerUnit,
		Demand:          demand,
		ContingencyAt:   max(0, aliveUnits-demand+1),
	}
	if capacityPerUnit <= 0 {
		res.NeededUnits = -1
		res.Reason = fmt.Sprintf("capacity_per_unit=%d must be > 0", capacityPerUnit)
		return res
	}
	res.Supply = aliveUnits * capacityPerUnit
	res.NeededUnits = (demand + capacityPerUnit - 1) / capacityPerUnit
	res.Fmax = max(0, aliveUnits-res.NeededUnits)
	res.Feasible = res.Supply >= demand
	op := ">="
	if !res.Feasible {
		op = "<"
	}
	res.Reason = fmt.Sprintf("supply %d %s demand %d (%d units x %d capacity)",
		res.Supply, op, demand, aliveUnits, capacityPerUnit)
	return res
}

// CheckMission evaluates a mission with faultedUnits units removed,
// summing per-domain requirements and excluding the rest lane.
func CheckMission(m *config.Mission, faultedUnits int) FeasibilityResult {
	return CheckDemand(len(m.Units)-faultedUnits, m.CapacityPerUnit, m.TotalRequired())
}
