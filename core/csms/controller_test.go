package csms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voltgrid/csms/core/events"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/ocpp"
	"github.com/voltgrid/csms/core/repository"
	"github.com/voltgrid/csms/core/session"
	"github.com/voltgrid/csms/infra/logger"
	"github.com/voltgrid/csms/internal/eventbus"
)

type memRepo struct {
	mu           sync.Mutex
	connectors   []model.Connector
	created      []model.Transaction
	transactions map[int]*model.Transaction
	txPatches    map[int][]repository.TransactionPatch
}

func newMemRepo() *memRepo {
	return &memRepo{
		transactions: make(map[int]*model.Transaction),
		txPatches:    make(map[int][]repository.TransactionPatch),
	}
}

func (r *memRepo) GetConnectors(_ context.Context, f repository.ConnectorFilter) ([]model.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Connector
	for _, c := range r.connectors {
		if f.CPSN == "" || c.CPSN == f.CPSN {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateConnector(context.Context, string, int, repository.ConnectorPatch) error {
	return nil
}

func (r *memRepo) CreateTransaction(_ context.Context, tx model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, tx)
	r.transactions[tx.ID] = &tx
	return nil
}

func (r *memRepo) UpdateTransaction(_ context.Context, id int, p repository.TransactionPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txPatches[id] = append(r.txPatches[id], p)
	return nil
}

func (r *memRepo) GetTransaction(_ context.Context, id int) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transactions[id], nil
}

func (r *memRepo) GetSiteSetting(context.Context) (model.SiteSetting, error) {
	return model.SiteSetting{EMSMode: model.EMSStatic, MaxPowerKw: 100}, nil
}

type memSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *memSender) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

type triggerSpy struct {
	mu      sync.Mutex
	reasons []string
}

func (t *triggerSpy) Trigger(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reasons = append(t.reasons, reason)
}

func (t *triggerSpy) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reasons)
}

type eventSpy struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (e *eventSpy) collect(bus eventbus.EventBus) {
	sub := bus.Subscribe()
	go func() {
		for ev := range sub {
			e.mu.Lock()
			e.events = append(e.events, ev)
			e.mu.Unlock()
		}
	}()
}

func (e *eventSpy) chargingStopped() []events.ChargingStoppedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.ChargingStoppedEvent
	for _, ev := range e.events {
		if s, ok := ev.(events.ChargingStoppedEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	controller *Controller
	session    *session.Session
	sender     *memSender
	repo       *memRepo
	trigger    *triggerSpy
	spy        *eventSpy
	bus        *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	repo := newMemRepo()
	trigger := &triggerSpy{}
	sessions := session.NewManager(bus, logger.NopLogger{})
	ctrl := NewController(sessions, repo, bus, trigger, logger.NopLogger{})
	sender := &memSender{}
	sess := sessions.Register("cp-1", "10.0.0.1:5555", sender)
	spy := &eventSpy{}
	spy.collect(bus)
	return &fixture{controller: ctrl, session: sess, sender: sender, repo: repo, trigger: trigger, spy: spy, bus: bus}
}

func call(t *testing.T, f *fixture, action string, payload any) ocpp.Frame {
	t.Helper()
	raw, err := ocpp.Call("req-"+action, action, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", action, err)
	}
	reply := f.controller.HandleFrame(context.Background(), f.session, raw)
	if reply == nil {
		t.Fatalf("%s got no reply", action)
	}
	frame, err := ocpp.DecodeFrame(reply)
	if err != nil {
		t.Fatalf("decode %s reply: %v", action, err)
	}
	return frame
}

func reportStatus(t *testing.T, f *fixture, connectorID int, status string) {
	t.Helper()
	frame := call(t, f, ocpp.ActionStatusNotification, ocpp.StatusNotificationReq{
		ConnectorID: connectorID, Status: status, ErrorCode: "NoError",
	})
	if frame.Type != ocpp.MessageCallResult {
		t.Fatalf("StatusNotification rejected: %+v", frame)
	}
}

func startTransaction(t *testing.T, f *fixture, connectorID int) int {
	t.Helper()
	frame := call(t, f, ocpp.ActionStartTransaction, ocpp.StartTransactionReq{
		ConnectorID: connectorID, IdTag: "tag-1", MeterStart: 1000,
	})
	if frame.Type != ocpp.MessageCallResult {
		t.Fatalf("StartTransaction rejected: %+v", frame)
	}
	var conf ocpp.StartTransactionConf
	if err := json.Unmarshal(frame.Payload, &conf); err != nil {
		t.Fatalf("decode conf: %v", err)
	}
	if conf.TransactionID == 0 || conf.IdTagInfo.Status != ocpp.AuthAccepted {
		t.Fatalf("unexpected conf: %+v", conf)
	}
	return conf.TransactionID
}

func connectorState(f *fixture, id int) model.Connector {
	var out model.Connector
	f.session.WithLock(func(cp *model.ChargePoint) {
		if c, ok := cp.Connectors[id]; ok {
			out = *c
		}
	})
	return out
}

func TestStartTransaction(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Preparing")
	txID := startTransaction(t, f, 1)

	conn := connectorState(f, 1)
	if conn.Status != model.StatusCharging || conn.CurrentTransactionID != txID {
		t.Errorf("connector not flipped to charging: %+v", conn)
	}
	tx, ok := f.controller.ActiveTransaction(txID)
	if !ok || tx.StartMeterWh != 1000 {
		t.Errorf("transaction not tracked: %+v ok=%v", tx, ok)
	}
	if len(f.repo.created) != 1 {
		t.Errorf("transaction not persisted, created=%d", len(f.repo.created))
	}
	if f.trigger.count() == 0 {
		t.Error("starting a transaction should trigger a reallocation")
	}
}

func TestStartTransaction_UnknownConnector(t *testing.T) {
	f := newFixture(t)
	frame := call(t, f, ocpp.ActionStartTransaction, ocpp.StartTransactionReq{ConnectorID: 9, IdTag: "tag"})
	if frame.Type != ocpp.MessageCallError {
		t.Fatalf("expected a CallError, got %+v", frame)
	}
	if frame.ErrorCode != ocpp.ErrCodePropertyConstraint {
		t.Errorf("error code = %q, want %q", frame.ErrorCode, ocpp.ErrCodePropertyConstraint)
	}
	if len(f.repo.created) != 0 {
		t.Error("rejected start must not persist anything")
	}
}

func TestStopTransaction(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Preparing")
	txID := startTransaction(t, f, 1)

	frame := call(t, f, ocpp.ActionStopTransaction, ocpp.StopTransactionReq{
		TransactionID: txID, MeterStop: 8400, Reason: "EVDisconnected",
	})
	if frame.Type != ocpp.MessageCallResult {
		t.Fatalf("StopTransaction rejected: %+v", frame)
	}

	if _, ok := f.controller.ActiveTransaction(txID); ok {
		t.Error("stopped transaction still tracked")
	}
	conn := connectorState(f, 1)
	if conn.Status != model.StatusFinishing || conn.CurrentTransactionID != 0 {
		t.Errorf("connector not released: %+v", conn)
	}

	deadline := time.Now().Add(time.Second)
	for len(f.spy.chargingStopped()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no ChargingStoppedEvent published")
		}
		time.Sleep(time.Millisecond)
	}
	stopped := f.spy.chargingStopped()[0]
	if stopped.TransactionID != txID || stopped.EnergyKwh != 7.4 {
		t.Errorf("event = %+v, want tx %d with 7.4 kWh", stopped, txID)
	}
}

func TestStopTransaction_Unknown(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Preparing")
	txID := startTransaction(t, f, 1)

	frame := call(t, f, ocpp.ActionStopTransaction, ocpp.StopTransactionReq{TransactionID: 424242, MeterStop: 5})
	if frame.Type != ocpp.MessageCallError || frame.ErrorCode != ocpp.ErrCodePropertyConstraint {
		t.Fatalf("expected PropertyConstraintViolation, got %+v", frame)
	}
	// The active transaction and its connector must be untouched.
	if _, ok := f.controller.ActiveTransaction(txID); !ok {
		t.Error("active transaction dropped by a rejected stop")
	}
	if conn := connectorState(f, 1); conn.Status != model.StatusCharging {
		t.Errorf("connector disturbed by a rejected stop: %+v", conn)
	}
}

func TestFaultedConnectorSynthesizesImplicitStop(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Preparing")
	txID := startTransaction(t, f, 1)

	reportStatus(t, f, 1, "Faulted")

	if _, ok := f.controller.ActiveTransaction(txID); ok {
		t.Error("faulted transaction still tracked")
	}
	conn := connectorState(f, 1)
	if conn.Status != model.StatusFaulted || conn.CurrentTransactionID != 0 {
		t.Errorf("connector not released after fault: %+v", conn)
	}
	patches := f.repo.txPatches[txID]
	if len(patches) != 1 || patches[0].Status == nil || *patches[0].Status != model.TxError {
		t.Errorf("implicit stop should persist status ERROR, got %+v", patches)
	}
	// Billing stays pending: the device never sent a real StopTransaction.
	time.Sleep(20 * time.Millisecond)
	if stopped := f.spy.chargingStopped(); len(stopped) != 0 {
		t.Errorf("implicit stop must not publish a billing event, got %+v", stopped)
	}
}

func TestSuspendedEVKeepsTransaction(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Preparing")
	txID := startTransaction(t, f, 1)

	// The vehicle pausing is not the end of the session.
	reportStatus(t, f, 1, "SuspendedEV")
	if _, ok := f.controller.ActiveTransaction(txID); !ok {
		t.Error("transaction dropped while the vehicle was merely paused")
	}
}

func TestFinishingDoesNotSynthesizeStop(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Preparing")
	txID := startTransaction(t, f, 1)

	reportStatus(t, f, 1, "Finishing")

	// Finishing precedes the StopTransaction; the transaction must survive it.
	if _, ok := f.controller.ActiveTransaction(txID); !ok {
		t.Error("transaction dropped on Finishing before StopTransaction arrived")
	}
}

func TestMeterValuesUpdateDemand(t *testing.T) {
	f := newFixture(t)
	reportStatus(t, f, 1, "Charging")

	frame := call(t, f, ocpp.ActionMeterValues, ocpp.MeterValuesReq{
		ConnectorID: 1,
		MeterValue: []ocpp.MeterValue{{
			Timestamp: time.Now().Format(time.RFC3339),
			SampledValue: []ocpp.SampledValue{
				{Value: "12.5", Measurand: "Energy.Active.Import.Register", Unit: "kWh"},
				{Value: "6800", Measurand: "Power.Active.Import", Unit: "W"},
			},
		}},
	})
	if frame.Type != ocpp.MessageCallResult {
		t.Fatalf("MeterValues rejected: %+v", frame)
	}
	conn := connectorState(f, 1)
	if conn.LastMeterWh != 12500 {
		t.Errorf("energy register = %v Wh, want 12500", conn.LastMeterWh)
	}
	if conn.DemandKw != 6.8 {
		t.Errorf("demand = %v kW, want 6.8", conn.DemandKw)
	}

	before := f.trigger.count()
	call(t, f, ocpp.ActionMeterValues, ocpp.MeterValuesReq{
		ConnectorID: 1,
		MeterValue:  []ocpp.MeterValue{{SampledValue: []ocpp.SampledValue{{Value: "13000"}}}},
	})
	if f.trigger.count() != before {
		t.Error("meter samples must not trigger reallocations")
	}
}

func TestMeterValues_UnknownConnector(t *testing.T) {
	f := newFixture(t)
	frame := call(t, f, ocpp.ActionMeterValues, ocpp.MeterValuesReq{ConnectorID: 3})
	if frame.Type != ocpp.MessageCallError || frame.ErrorCode != ocpp.ErrCodePropertyConstraint {
		t.Fatalf("expected PropertyConstraintViolation, got %+v", frame)
	}
}

func TestBootNotificationAndHeartbeat(t *testing.T) {
	f := newFixture(t)
	frame := call(t, f, ocpp.ActionBootNotification, ocpp.BootNotificationReq{
		ChargePointVendor: "VendorX", ChargePointModel: "ModelY",
	})
	var boot ocpp.BootNotificationConf
	if err := json.Unmarshal(frame.Payload, &boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.Status != "Accepted" || boot.Interval != DefaultHeartbeatInterval {
		t.Errorf("boot conf = %+v", boot)
	}

	hb := call(t, f, ocpp.ActionHeartbeat, struct{}{})
	var conf ocpp.HeartbeatConf
	if err := json.Unmarshal(hb.Payload, &conf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conf.CurrentTime.IsZero() {
		t.Error("heartbeat must carry the current time")
	}
}

func TestMalformedFrameGetsCallError(t *testing.T) {
	f := newFixture(t)
	reply := f.controller.HandleFrame(context.Background(), f.session, []byte(`{"not":"a frame"}`))
	frame, err := ocpp.DecodeFrame(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if frame.Type != ocpp.MessageCallError || frame.ErrorCode != ocpp.ErrCodeProtocolError {
		t.Fatalf("expected ProtocolError, got %+v", frame)
	}
}

func TestUnsupportedActionGetsNotImplemented(t *testing.T) {
	f := newFixture(t)
	frame := call(t, f, "DataTransfer", map[string]string{"vendorId": "x"})
	if frame.Type != ocpp.MessageCallError || frame.ErrorCode != ocpp.ErrCodeNotImplemented {
		t.Fatalf("expected NotImplemented, got %+v", frame)
	}
}

// replySender answers every outbound CALL like a cooperative charge point.
type replySender struct {
	f      *fixture
	status string
}

func (r *replySender) Send(p []byte) error {
	frame, err := ocpp.DecodeFrame(p)
	if err != nil || frame.Type != ocpp.MessageCall {
		return err
	}
	go func() {
		reply, _ := ocpp.CallResult(frame.UniqueID, ocpp.RemoteConf{Status: r.status})
		r.f.controller.HandleFrame(context.Background(), r.f.session, reply)
	}()
	return nil
}

func TestRemoteStartRoundTrip(t *testing.T) {
	f := newFixture(t)
	rs := &replySender{f: f, status: "Accepted"}
	f.session = f.controller.sessions.Register("cp-1", "10.0.0.1:5555", rs)

	if err := f.controller.RemoteStart(context.Background(), "cp-1", 1, "tag-9"); err != nil {
		t.Fatalf("remote start: %v", err)
	}

	rs.status = "Rejected"
	if err := f.controller.RemoteStart(context.Background(), "cp-1", 1, "tag-9"); err == nil {
		t.Fatal("a Rejected RemoteStart must surface as an error")
	}
}

func TestCallTimeout(t *testing.T) {
	f := newFixture(t)
	ctrl := NewController(f.controller.sessions, f.repo, f.bus, f.trigger, logger.NopLogger{},
		WithCallTimeout(20*time.Millisecond))

	err := ctrl.RemoteStart(context.Background(), "cp-1", 1, "tag")
	if err == nil {
		t.Fatal("expected a timeout")
	}
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("error = %v, want ErrCallTimeout", err)
	}
}
