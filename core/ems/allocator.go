// Package ems implements the site-wide power allocation engine. The
// allocator itself is a pure function; the Engine in engine.go serializes and
// coalesces recompute requests around it.
package ems

import (
	"fmt"
	"math"
	"sort"

	"github.com/voltgrid/csms/core/model"
)

// Electrical constants for limit computation.
const (
	// ACVoltage converts between kW and amps for single-phase AC connectors.
	ACVoltage = 220.0
	// MinACAmps is the lowest current an AC connector may ever be told to
	// deliver; below 6A most vehicles refuse to charge.
	MinACAmps = 6.0
	// MaxACAmps caps connectors with a nameplate at or above
	// LargeNameplateKw, protecting conductors sized for that class.
	MaxACAmps        = 48.0
	LargeNameplateKw = 11.0
	// MinDCWatts keeps DC connectors operable: never a non-positive wattage.
	MinDCWatts = 1000.0
)

// Unit of a connector limit.
const (
	UnitAmps  = "A"
	UnitWatts = "W"
)

// Allocation is the computed limit for one connector.
type Allocation struct {
	CPID        string            `json:"cpid"`
	CPSN        string            `json:"cpsn"`
	ConnectorID int               `json:"connector_id"`
	Current     model.CurrentType `json:"acdc"`
	Unit        string            `json:"unit"`
	// Limit is the value dispatched to the device, in Unit.
	Limit float64 `json:"limit"`
	// AllocatedKw is the connector's claim on the site budget. Floor
	// allocations keep a connector operable without consuming budget, so
	// their claim is zero even though Limit is not.
	AllocatedKw float64 `json:"allocated_kw"`
	Charging    bool    `json:"charging"`
}

// Summary aggregates one allocation round.
type Summary struct {
	Mode             model.EMSMode `json:"mode"`
	MaxPowerKw       float64       `json:"max_power_kw"`
	ACAllocatedKw    float64       `json:"ac_allocated_kw"`
	DCAllocatedKw    float64       `json:"dc_allocated_kw"`
	TotalAllocatedKw float64       `json:"total_allocated_kw"`
	ACCount          int           `json:"ac_count"`
	DCCount          int           `json:"dc_count"`
	ChargingCount    int           `json:"charging_count"`
	StaticFallback   bool          `json:"static_fallback"`
}

// Result is a complete allocation round. It is always recomputed wholesale,
// never patched, so the budget invariant can be checked against the sum.
type Result struct {
	Allocations []Allocation `json:"allocations"`
	Summary     Summary      `json:"summary"`
	// Logs is the audit trail: every clamp and fallback explains itself
	// here. Operators rely on it to answer why a connector got its limit.
	Logs []string `json:"logs"`
}

// Allocate computes per-connector limits for the site. It is side-effect
// free: the same inputs always produce the same result.
//
// Static mode partitions MaxPowerKw between AC and DC nameplate demand and
// ignores live activity. Dynamic mode restricts the AC partitioning to the
// connectors currently charging on an online charge point; idle AC connectors
// get the 6A operability floor without consuming budget. DC connectors always
// share the budget left after AC, floored at 1kW each. Dynamic mode with
// nothing charging falls back to static: there is nothing to optimize for, so
// nameplate-proportional allocation is the documented default.
func Allocate(site model.SiteSetting, connectors []model.Connector, online []string) Result {
	res := Result{Summary: Summary{Mode: site.EMSMode, MaxPowerKw: site.MaxPowerKw}}
	if len(connectors) == 0 {
		res.Logs = append(res.Logs, "no connectors in inventory, nothing to allocate")
		return res
	}

	sorted := make([]model.Connector, len(connectors))
	copy(sorted, connectors)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CPSN != sorted[j].CPSN {
			return sorted[i].CPSN < sorted[j].CPSN
		}
		return sorted[i].ConnectorID < sorted[j].ConnectorID
	})

	onlineSet := make(map[string]struct{}, len(online))
	for _, id := range online {
		onlineSet[id] = struct{}{}
	}
	charging := func(c model.Connector) bool {
		if !c.Status.IsCharging() {
			return false
		}
		_, ok := onlineSet[c.CPSN]
		return ok
	}
	for _, c := range sorted {
		if c.Current == model.CurrentAC {
			res.Summary.ACCount++
		} else {
			res.Summary.DCCount++
		}
		if charging(c) {
			res.Summary.ChargingCount++
		}
	}

	mode := site.EMSMode
	if mode == model.EMSDynamic && res.Summary.ChargingCount == 0 {
		res.Logs = append(res.Logs, "dynamic mode with no charging connectors, falling back to static allocation")
		res.Summary.StaticFallback = true
		mode = model.EMSStatic
	}

	// AC share selection: static counts every AC connector's nameplate,
	// dynamic only the charging subset.
	acShare := func(c model.Connector) bool {
		if c.Current != model.CurrentAC {
			return false
		}
		if mode == model.EMSStatic {
			return true
		}
		return charging(c)
	}

	var acDemand float64
	for _, c := range sorted {
		if acShare(c) {
			acDemand += c.MaxKw
		}
	}
	scale := 1.0
	if acDemand > site.MaxPowerKw && acDemand > 0 {
		scale = site.MaxPowerKw / acDemand
		res.Logs = append(res.Logs, fmt.Sprintf(
			"AC demand %.2fkW exceeds site cap %.2fkW, scaling every AC connector by %.4f", acDemand, site.MaxPowerKw, scale))
	}

	var acAllocated float64
	for _, c := range sorted {
		if c.Current != model.CurrentAC {
			continue
		}
		a := Allocation{
			CPID: c.CPID, CPSN: c.CPSN, ConnectorID: c.ConnectorID,
			Current: model.CurrentAC, Unit: UnitAmps, Charging: charging(c),
		}
		if acShare(c) {
			a.AllocatedKw = c.MaxKw * scale
			a.Limit = math.Round(a.AllocatedKw * 1000 / ACVoltage)
			acAllocated += a.AllocatedKw
		} else {
			a.Limit = MinACAmps
			res.Logs = append(res.Logs, fmt.Sprintf(
				"%s idle in dynamic mode, floor allocation %.0fA outside the budget", c.Key(), MinACAmps))
		}
		a.Limit = clampAC(c, a.Limit, &res.Logs)
		res.Allocations = append(res.Allocations, a)
	}

	remaining := site.MaxPowerKw - acAllocated
	if remaining < 0 {
		remaining = 0
	}
	dcCount := res.Summary.DCCount
	var dcAllocated float64
	for _, c := range sorted {
		if c.Current != model.CurrentDC {
			continue
		}
		a := Allocation{
			CPID: c.CPID, CPSN: c.CPSN, ConnectorID: c.ConnectorID,
			Current: model.CurrentDC, Unit: UnitWatts, Charging: charging(c),
		}
		watts := math.Floor(remaining * 1000 / float64(dcCount))
		a.AllocatedKw = watts / 1000
		a.Limit = watts
		if a.Limit < MinDCWatts {
			res.Logs = append(res.Logs, fmt.Sprintf(
				"%s DC allocation %.0fW below %.0fW floor, clamped to keep the connector operable", c.Key(), a.Limit, MinDCWatts))
			a.Limit = MinDCWatts
			a.AllocatedKw = 0
		}
		dcAllocated += a.AllocatedKw
		res.Allocations = append(res.Allocations, a)
	}

	res.Summary.ACAllocatedKw = acAllocated
	res.Summary.DCAllocatedKw = dcAllocated
	res.Summary.TotalAllocatedKw = acAllocated + dcAllocated
	res.Logs = append(res.Logs, fmt.Sprintf(
		"mode=%s allocated %.2fkW of %.2fkW (AC %.2fkW across %d, DC %.2fkW across %d, %d charging)",
		site.EMSMode, res.Summary.TotalAllocatedKw, site.MaxPowerKw,
		acAllocated, res.Summary.ACCount, dcAllocated, res.Summary.DCCount, res.Summary.ChargingCount))
	return res
}

// CheckBudget verifies the invariant that allocations sum within the site
// cap. A violation means an allocator bug; production code never expects it
// and tests treat it as fatal.
func (r Result) CheckBudget(epsilon float64) error {
	var sum float64
	for _, a := range r.Allocations {
		sum += a.AllocatedKw
	}
	if sum > r.Summary.MaxPowerKw+epsilon {
		return fmt.Errorf("allocation constraint violation: %.3fkW allocated with cap %.3fkW", sum, r.Summary.MaxPowerKw)
	}
	return nil
}

// clampAC applies the post-processing limits every AC value gets regardless
// of mode: the 6A floor and the 48A ceiling for large nameplates.
func clampAC(c model.Connector, amps float64, logs *[]string) float64 {
	if amps < MinACAmps {
		*logs = append(*logs, fmt.Sprintf(
			"%s AC limit %.0fA below %.0fA minimum, clamped so the vehicle keeps charging", c.Key(), amps, MinACAmps))
		amps = MinACAmps
	}
	if c.MaxKw >= LargeNameplateKw && amps > MaxACAmps {
		*logs = append(*logs, fmt.Sprintf(
			"%s AC limit %.0fA exceeds %.0fA ceiling for nameplates >= %.0fkW, clamped", c.Key(), amps, MaxACAmps, LargeNameplateKw))
		amps = MaxACAmps
	}
	return amps
}
