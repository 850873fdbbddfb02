package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/voltgrid/csms/core/ems"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/ocpp"
	"github.com/voltgrid/csms/core/session"
	"github.com/voltgrid/csms/infra/logger"
)

type callRecorder struct {
	mu      sync.Mutex
	calls   []ocpp.SetChargingProfileReq
	offline map[string]bool
}

func (c *callRecorder) Call(_ context.Context, cpsn, action string, payload any) (ocpp.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline[cpsn] {
		return ocpp.Frame{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, cpsn)
	}
	req, ok := payload.(ocpp.SetChargingProfileReq)
	if !ok {
		return ocpp.Frame{}, fmt.Errorf("unexpected payload %T", payload)
	}
	c.calls = append(c.calls, req)
	conf, _ := json.Marshal(ocpp.SetChargingProfileConf{Status: "Accepted"})
	return ocpp.Frame{Type: ocpp.MessageCallResult, Payload: conf}, nil
}

func (c *callRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func result(allocs ...ems.Allocation) ems.Result {
	return ems.Result{Allocations: allocs}
}

func acAlloc(cpsn string, id int, limit float64) ems.Allocation {
	return ems.Allocation{CPSN: cpsn, ConnectorID: id, Current: model.CurrentAC, Unit: ems.UnitAmps, Limit: limit}
}

func TestDispatcher_SendsProfiles(t *testing.T) {
	rec := &callRecorder{}
	d := New(rec, logger.NopLogger{})

	d.HandleAllocation(context.Background(), result(
		acAlloc("cp-a", 1, 32),
		ems.Allocation{CPSN: "cp-b", ConnectorID: 1, Current: model.CurrentDC, Unit: ems.UnitWatts, Limit: 7000},
	))

	if rec.count() != 2 {
		t.Fatalf("sent %d profiles, want 2", rec.count())
	}
	for _, req := range rec.calls {
		p := req.CsChargingProfiles
		if p.ChargingProfilePurpose != "TxDefaultProfile" || p.ChargingProfileKind != "Absolute" {
			t.Errorf("unexpected profile shape: %+v", p)
		}
		periods := p.ChargingSchedule.ChargingSchedulePeriod
		if len(periods) != 1 || periods[0].StartPeriod != 0 {
			t.Errorf("unexpected schedule: %+v", periods)
		}
	}
}

func TestDispatcher_SkipsUnchangedLimits(t *testing.T) {
	rec := &callRecorder{}
	d := New(rec, logger.NopLogger{})

	round := result(acAlloc("cp-a", 1, 32))
	d.HandleAllocation(context.Background(), round)
	d.HandleAllocation(context.Background(), round)
	if rec.count() != 1 {
		t.Fatalf("unchanged limit re-sent: %d calls", rec.count())
	}

	d.HandleAllocation(context.Background(), result(acAlloc("cp-a", 1, 16)))
	if rec.count() != 2 {
		t.Fatalf("changed limit not sent: %d calls", rec.count())
	}

	d.Reset()
	d.HandleAllocation(context.Background(), result(acAlloc("cp-a", 1, 16)))
	if rec.count() != 3 {
		t.Fatalf("reset should force a re-send: %d calls", rec.count())
	}
}

func TestDispatcher_OfflineChargePointDoesNotPoisonCache(t *testing.T) {
	rec := &callRecorder{offline: map[string]bool{"cp-gone": true}}
	d := New(rec, logger.NopLogger{})

	round := result(acAlloc("cp-gone", 1, 32), acAlloc("cp-here", 1, 16))
	d.HandleAllocation(context.Background(), round)
	if rec.count() != 1 {
		t.Fatalf("online connector should still get its profile, got %d calls", rec.count())
	}

	// Once the charge point is back the undelivered limit must go out.
	rec.mu.Lock()
	rec.offline["cp-gone"] = false
	rec.mu.Unlock()
	d.HandleAllocation(context.Background(), round)
	if rec.count() != 2 {
		t.Fatalf("failed delivery cached as sent: %d calls", rec.count())
	}
}
