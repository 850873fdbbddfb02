package csms

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/voltgrid/csms/core/events"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/ocpp"
	"github.com/voltgrid/csms/core/repository"
	"github.com/voltgrid/csms/core/session"
)

func (c *Controller) handleBootNotification(s *session.Session, f ocpp.Frame) (any, error) {
	var req ocpp.BootNotificationReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode BootNotification: %w", err)
	}
	s.WithLock(func(cp *model.ChargePoint) {
		cp.Vendor = req.ChargePointVendor
		cp.Model = req.ChargePointModel
		cp.Firmware = req.FirmwareVersion
		cp.BootTime = time.Now()
	})
	c.log.Infof("%s booted (%s %s)", s.CPSN, req.ChargePointVendor, req.ChargePointModel)
	return ocpp.BootNotificationConf{
		Status:      "Accepted",
		CurrentTime: time.Now().UTC(),
		Interval:    DefaultHeartbeatInterval,
	}, nil
}

func (c *Controller) handleAuthorize(f ocpp.Frame) (any, error) {
	var req ocpp.AuthorizeReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode Authorize: %w", err)
	}
	// No local auth list: every presented tag is accepted and billing sorts
	// out the credential downstream.
	return ocpp.AuthorizeConf{IdTagInfo: ocpp.IdTagInfo{Status: ocpp.AuthAccepted}}, nil
}

// handleStatusNotification applies the device-reported status
// unconditionally: the device is authoritative for this field. When the new
// status means charging ended without a StopTransaction (a fault, typically),
// an implicit stop is synthesized for internal bookkeeping only — no billing
// finalize event is published until a real StopTransaction or an operator
// reconciliation arrives.
func (c *Controller) handleStatusNotification(ctx context.Context, s *session.Session, f ocpp.Frame) (any, error) {
	var req ocpp.StatusNotificationReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode StatusNotification: %w", err)
	}
	if req.ConnectorID < 0 {
		return nil, fmt.Errorf("%w: connector %d", ErrInvalidConnector, req.ConnectorID)
	}
	if req.ConnectorID == 0 {
		// Connector 0 is the charge point itself; nothing to track per-gun.
		return ocpp.StatusNotificationConf{}, nil
	}
	status, perr := model.ParseConnectorStatus(req.Status)
	if perr != nil {
		c.log.Warnf("%s connector %d: %v, treating as Unavailable", s.CPSN, req.ConnectorID, perr)
	}

	var (
		from         model.ConnectorStatus
		created      bool
		cpid         string
		chargingFlip bool
	)
	s.WithLock(func(cp *model.ChargePoint) {
		conn, ok := cp.Connectors[req.ConnectorID]
		if !ok {
			conn = &model.Connector{
				CPSN:        s.CPSN,
				CPID:        s.CPSN + "-" + strconv.Itoa(req.ConnectorID),
				ConnectorID: req.ConnectorID,
			}
			cp.Connectors[req.ConnectorID] = conn
			created = true
		}
		from = conn.Status
		conn.Status = status
		conn.StatusTime = time.Now()
		conn.ErrorCode = req.ErrorCode
		cpid = conn.CPID
		chargingFlip = from.IsCharging() != status.IsCharging()
	})
	if created {
		c.log.Infof("%s reported unknown connector %d, tracking it", s.CPSN, req.ConnectorID)
	}

	// Suspended and Finishing keep the transaction alive: a pause waits for
	// charging to resume and Finishing waits for the StopTransaction. Only a
	// dead connector ends the session without one.
	if from.IsCharging() && (status == model.StatusFaulted || status == model.StatusUnavailable) {
		if tx, ok := c.ActiveTransactionOn(s.CPSN, req.ConnectorID); ok {
			c.implicitStop(ctx, s, tx, status)
		}
	}

	c.bus.Publish(events.StatusChangedEvent{
		CPSN:        s.CPSN,
		CPID:        cpid,
		ConnectorID: req.ConnectorID,
		From:        from.String(),
		To:          status.String(),
		ErrorCode:   req.ErrorCode,
		Time:        time.Now(),
	})
	if chargingFlip && c.realloc != nil {
		c.realloc.Trigger(fmt.Sprintf("%s connector %d now %s", s.CPSN, req.ConnectorID, status))
	}
	return ocpp.StatusNotificationConf{}, nil
}

// implicitStop closes the books on a transaction whose connector stopped
// charging without a StopTransaction. The transaction is marked ERROR and the
// connector released, but billing stays pending: no ChargingStoppedEvent is
// published for a session the device never properly closed.
func (c *Controller) implicitStop(ctx context.Context, s *session.Session, tx *model.Transaction, status model.ConnectorStatus) {
	c.log.Warnf("%s connector %d went %s with transaction %d active, synthesizing implicit stop (billing left pending)",
		s.CPSN, tx.ConnectorID, status, tx.ID)
	tx.Status = model.TxError
	c.untrackTransaction(tx)
	s.WithLock(func(cp *model.ChargePoint) {
		if conn, ok := cp.Connectors[tx.ConnectorID]; ok {
			conn.CurrentTransactionID = 0
		}
	})
	st := model.TxError
	if err := c.repo.UpdateTransaction(ctx, tx.ID, repository.TransactionPatch{Status: &st}); err != nil {
		c.log.Errorf("persist implicit stop of %d: %v", tx.ID, err)
	}
}

func (c *Controller) handleStartTransaction(ctx context.Context, s *session.Session, f ocpp.Frame) (any, error) {
	var req ocpp.StartTransactionReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode StartTransaction: %w", err)
	}

	var (
		ok   bool
		cpid string
	)
	s.WithLock(func(cp *model.ChargePoint) {
		var conn *model.Connector
		conn, ok = cp.Connectors[req.ConnectorID]
		if ok {
			cpid = conn.CPID
		}
	})
	if !ok {
		return nil, fmt.Errorf("%w: connector %d on %s", ErrInvalidConnector, req.ConnectorID, s.CPSN)
	}

	tx := &model.Transaction{
		ID:           c.nextTransactionID(),
		CPSN:         s.CPSN,
		CPID:         cpid,
		ConnectorID:  req.ConnectorID,
		IDTag:        req.IdTag,
		StartMeterWh: float64(req.MeterStart),
		StartTime:    time.Now(),
		Status:       model.TxActive,
	}
	c.trackTransaction(tx)
	s.WithLock(func(cp *model.ChargePoint) {
		conn := cp.Connectors[req.ConnectorID]
		conn.Status = model.StatusCharging
		conn.StatusTime = time.Now()
		conn.CurrentTransactionID = tx.ID
		conn.LastMeterWh = tx.StartMeterWh
	})
	if err := c.repo.CreateTransaction(ctx, *tx); err != nil {
		// In-memory state stays authoritative until finalize; persistence
		// catches up on the snapshot cycle.
		c.log.Errorf("persist transaction %d: %v", tx.ID, err)
	}
	c.log.Infof("%s connector %d started transaction %d for tag %s", s.CPSN, req.ConnectorID, tx.ID, req.IdTag)

	c.bus.Publish(events.ChargingStartedEvent{
		CPSN:          s.CPSN,
		ConnectorID:   req.ConnectorID,
		TransactionID: tx.ID,
		IDTag:         req.IdTag,
		Time:          time.Now(),
	})
	if c.realloc != nil {
		c.realloc.Trigger(fmt.Sprintf("transaction %d started on %s", tx.ID, s.CPSN))
	}
	return ocpp.StartTransactionConf{
		TransactionID: tx.ID,
		IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthAccepted},
	}, nil
}

// handleMeterValues refreshes the cached demand figures the allocator reads
// lazily. Meter samples are high frequency, so they never trigger a
// reallocation themselves.
func (c *Controller) handleMeterValues(s *session.Session, f ocpp.Frame) (any, error) {
	var req ocpp.MeterValuesReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode MeterValues: %w", err)
	}
	energyWh, powerKw := extractReadings(req.MeterValue)

	known := false
	s.WithLock(func(cp *model.ChargePoint) {
		conn, ok := cp.Connectors[req.ConnectorID]
		if !ok {
			return
		}
		known = true
		if energyWh > 0 {
			conn.LastMeterWh = energyWh
		}
		conn.DemandKw = powerKw
	})
	if !known {
		return nil, fmt.Errorf("%w: connector %d on %s", ErrInvalidConnector, req.ConnectorID, s.CPSN)
	}

	txID := 0
	if req.TransactionID != nil {
		txID = *req.TransactionID
	}
	c.bus.Publish(events.MeterValuesEvent{
		CPSN:          s.CPSN,
		ConnectorID:   req.ConnectorID,
		TransactionID: txID,
		EnergyWh:      energyWh,
		PowerKw:       powerKw,
		Time:          time.Now(),
	})
	return ocpp.MeterValuesConf{}, nil
}

func (c *Controller) handleStopTransaction(ctx context.Context, s *session.Session, f ocpp.Frame) (any, error) {
	var req ocpp.StopTransactionReq
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode StopTransaction: %w", err)
	}
	tx, ok := c.ActiveTransaction(req.TransactionID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTransaction, req.TransactionID)
	}

	now := time.Now()
	tx.Finalize(float64(req.MeterStop), req.Reason, now)
	c.untrackTransaction(tx)
	s.WithLock(func(cp *model.ChargePoint) {
		conn, ok := cp.Connectors[tx.ConnectorID]
		if !ok {
			return
		}
		conn.Status = model.StatusFinishing
		conn.StatusTime = now
		conn.CurrentTransactionID = 0
		conn.LastMeterWh = float64(req.MeterStop)
		conn.DemandKw = 0
	})

	stopWh := float64(req.MeterStop)
	st := model.TxCompleted
	reason := req.Reason
	if err := c.repo.UpdateTransaction(ctx, tx.ID, repository.TransactionPatch{
		StopMeterWh: &stopWh,
		StopReason:  &reason,
		Status:      &st,
	}); err != nil {
		c.log.Errorf("persist stop of transaction %d: %v", tx.ID, err)
	}

	energy := tx.EnergyConsumedKwh(0)
	c.log.Infof("%s connector %d stopped transaction %d, %.3f kWh (%s)", s.CPSN, tx.ConnectorID, tx.ID, energy, req.Reason)
	c.bus.Publish(events.ChargingStoppedEvent{
		CPSN:          s.CPSN,
		ConnectorID:   tx.ConnectorID,
		TransactionID: tx.ID,
		IDTag:         tx.IDTag,
		EnergyKwh:     energy,
		Reason:        req.Reason,
		Time:          now,
	})
	if c.realloc != nil {
		c.realloc.Trigger(fmt.Sprintf("transaction %d stopped on %s", tx.ID, s.CPSN))
	}
	return ocpp.StopTransactionConf{IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthAccepted}}, nil
}

// extractReadings pulls the energy register and instantaneous power out of a
// MeterValues payload. A sampled value without a measurand is the energy
// register per OCPP 1.6 defaults.
func extractReadings(values []ocpp.MeterValue) (energyWh, powerKw float64) {
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			v, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			switch sv.Measurand {
			case "", "Energy.Active.Import.Register":
				if sv.Unit == "kWh" {
					v *= 1000
				}
				energyWh = v
			case "Power.Active.Import":
				if sv.Unit == "W" {
					v /= 1000
				}
				powerKw = v
			}
		}
	}
	return energyWh, powerKw
}

// RemoteStart asks the charge point to begin a transaction on a connector.
func (c *Controller) RemoteStart(ctx context.Context, cpsn string, connectorID int, idTag string) error {
	req := ocpp.RemoteStartTransactionReq{IdTag: idTag}
	if connectorID > 0 {
		req.ConnectorID = &connectorID
	}
	return c.remoteCall(ctx, cpsn, ocpp.ActionRemoteStartTransaction, req)
}

// RemoteStop asks the charge point to end a transaction.
func (c *Controller) RemoteStop(ctx context.Context, cpsn string, transactionID int) error {
	if _, ok := c.ActiveTransaction(transactionID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTransaction, transactionID)
	}
	return c.remoteCall(ctx, cpsn, ocpp.ActionRemoteStopTransaction, ocpp.RemoteStopTransactionReq{TransactionID: transactionID})
}

func (c *Controller) remoteCall(ctx context.Context, cpsn, action string, payload any) error {
	f, err := c.Call(ctx, cpsn, action, payload)
	if err != nil {
		return err
	}
	var conf ocpp.RemoteConf
	if err := json.Unmarshal(f.Payload, &conf); err != nil {
		return fmt.Errorf("decode %s reply: %w", action, err)
	}
	if conf.Status != "Accepted" {
		return fmt.Errorf("%s rejected %s: %s", cpsn, action, conf.Status)
	}
	return nil
}
