// Package profile turns allocation results into outbound SetChargingProfile
// commands. Delivery is best-effort, at-most-once per recompute round: a
// charge point that dropped offline is skipped and logged, never retried.
package profile

import (
	"context"
	"errors"
	"sync"

	"github.com/voltgrid/csms/core/ems"
	"github.com/voltgrid/csms/core/logger"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/ocpp"
	"github.com/voltgrid/csms/core/session"
)

// Caller issues an outbound OCPP call to a charge point. Implemented by the
// csms controller's pending-call table.
type Caller interface {
	Call(ctx context.Context, cpsn, action string, payload any) (ocpp.Frame, error)
}

// Dispatcher sends one SetChargingProfile per allocation entry. It
// de-duplicates against the last limit sent per connector to reduce command
// traffic; correctness does not depend on this, the protocol has no diff
// concept and re-sending an identical limit is a device-side no-op.
type Dispatcher struct {
	caller Caller
	log    logger.Logger

	mu       sync.Mutex
	lastSent map[string]float64
}

// New creates a Dispatcher.
func New(caller Caller, log logger.Logger) *Dispatcher {
	return &Dispatcher{caller: caller, log: log, lastSent: make(map[string]float64)}
}

// HandleAllocation implements ems.ResultSink. Per-connector deliveries run
// concurrently; a failure on one connector never blocks the others.
func (d *Dispatcher) HandleAllocation(ctx context.Context, res ems.Result) {
	var wg sync.WaitGroup
	for _, a := range res.Allocations {
		key := allocationKey(a)
		d.mu.Lock()
		last, seen := d.lastSent[key]
		d.mu.Unlock()
		if seen && last == a.Limit {
			d.log.Debugf("%s limit %.0f%s unchanged, skipping", key, a.Limit, a.Unit)
			continue
		}
		wg.Add(1)
		go func(a ems.Allocation, key string) {
			defer wg.Done()
			d.send(ctx, a, key)
		}(a, key)
	}
	wg.Wait()
}

// Reset clears the de-duplication cache, forcing the next round to re-send
// every limit. Called when a charge point reconnects with unknown state.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.lastSent = make(map[string]float64)
	d.mu.Unlock()
}

func (d *Dispatcher) send(ctx context.Context, a ems.Allocation, key string) {
	unit := "A"
	if a.Current == model.CurrentDC {
		unit = "W"
	}
	req := ocpp.SetChargingProfileReq{
		ConnectorID: a.ConnectorID,
		CsChargingProfiles: ocpp.ChargingProfile{
			ChargingProfileID:      a.ConnectorID,
			StackLevel:             0,
			ChargingProfilePurpose: "TxDefaultProfile",
			ChargingProfileKind:    "Absolute",
			ChargingSchedule: ocpp.ChargingSchedule{
				ChargingRateUnit: unit,
				ChargingSchedulePeriod: []ocpp.ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: a.Limit},
				},
			},
		},
	}
	_, err := d.caller.Call(ctx, a.CPSN, ocpp.ActionSetChargingProfile, req)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			d.log.Warnf("%s offline, profile %.0f%s not delivered", key, a.Limit, a.Unit)
		} else {
			d.log.Errorf("set charging profile on %s: %v", key, err)
		}
		return
	}
	d.mu.Lock()
	d.lastSent[key] = a.Limit
	d.mu.Unlock()
	d.log.Infof("profile %.0f%s delivered to %s", a.Limit, a.Unit, key)
}

func allocationKey(a ems.Allocation) string {
	return model.Connector{CPSN: a.CPSN, ConnectorID: a.ConnectorID}.Key()
}
