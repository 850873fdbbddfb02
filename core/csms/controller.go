// Package csms implements the central-system side of OCPP 1.6-J: the
// per-message state machine for inbound frames and the pending-call table for
// outbound requests. All connector and transaction mutation happens here;
// frames for one charge point are handled sequentially on its socket
// goroutine, so per-connector state is naturally serialized.
package csms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voltgrid/csms/core/logger"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/ocpp"
	"github.com/voltgrid/csms/core/repository"
	"github.com/voltgrid/csms/core/session"
	"github.com/voltgrid/csms/internal/eventbus"
)

// Handler-boundary errors. Requests referencing state that does not exist are
// rejected without partial mutation.
var (
	ErrInvalidConnector   = errors.New("connector does not belong to this charge point")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrCallTimeout        = errors.New("charge point did not respond in time")
)

// DefaultCallTimeout bounds outbound request/response round trips. A charge
// point that stays silent past it is treated as non-responsive; the session
// itself survives.
const DefaultCallTimeout = 30 * time.Second

// DefaultHeartbeatInterval is advertised in BootNotification replies.
const DefaultHeartbeatInterval = 300

// Reallocator triggers an allocation recompute. Implemented by ems.Engine.
type Reallocator interface {
	Trigger(reason string)
}

// Controller is the OCPP message state machine.
type Controller struct {
	sessions    *session.Manager
	repo        repository.Repository
	bus         eventbus.EventBus
	realloc     Reallocator
	log         logger.Logger
	callTimeout time.Duration

	frames FrameObserver

	pending sync.Map // call uniqueID -> chan ocpp.Frame

	txSeq atomic.Int64

	txMu        sync.RWMutex
	active      map[int]*model.Transaction
	byConnector map[string]int
}

// FrameObserver counts handled frames per action and outcome. Nil disables
// observation.
type FrameObserver interface {
	ObserveFrame(action, outcome string)
}

// Option configures a Controller.
type Option func(*Controller)

// WithCallTimeout overrides the outbound round-trip timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithFrameObserver wires frame metrics.
func WithFrameObserver(o FrameObserver) Option {
	return func(c *Controller) { c.frames = o }
}

// NewController creates the state machine. The transaction sequence is seeded
// from the clock so ids stay unique across restarts without a round trip to
// the repository.
func NewController(sessions *session.Manager, repo repository.Repository, bus eventbus.EventBus, realloc Reallocator, log logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		sessions:    sessions,
		repo:        repo,
		bus:         bus,
		realloc:     realloc,
		log:         log,
		callTimeout: DefaultCallTimeout,
		active:      make(map[int]*model.Transaction),
		byConnector: make(map[string]int),
	}
	c.txSeq.Store(time.Now().Unix())
	for _, o := range opts {
		o(c)
	}
	return c
}

// OnConnect hydrates a freshly registered session with the persisted
// connector inventory for its charge point, so StartTransaction can validate
// connector ownership before the device sent a single StatusNotification.
func (c *Controller) OnConnect(ctx context.Context, s *session.Session) {
	inventory, err := c.repo.GetConnectors(ctx, repository.ConnectorFilter{CPSN: s.CPSN})
	if err != nil {
		c.log.Errorf("hydrate %s: %v", s.CPSN, err)
		return
	}
	s.WithLock(func(cp *model.ChargePoint) {
		for i := range inventory {
			conn := inventory[i]
			if _, ok := cp.Connectors[conn.ConnectorID]; !ok {
				cp.Connectors[conn.ConnectorID] = &conn
			}
		}
		cp.LastSeen = time.Now()
	})
}

// OnDisconnect releases resources tied to the live socket. Active
// transactions stay pending: billing finalization waits for a real
// StopTransaction or operator reconciliation, and the connector record
// itself is not deleted.
func (c *Controller) OnDisconnect(s *session.Session) {
	if c.realloc != nil {
		c.realloc.Trigger("charge point " + s.CPSN + " disconnected")
	}
}

// HandleFrame processes one inbound frame and returns the reply to write, or
// nil when no reply is due (CALLRESULT/CALLERROR routing). Malformed input is
// answered with a CALLERROR; it never takes the session down.
func (c *Controller) HandleFrame(ctx context.Context, s *session.Session, raw []byte) []byte {
	frame, err := ocpp.DecodeFrame(raw)
	if err != nil {
		c.log.Warnf("%s sent a malformed frame: %v", s.CPSN, err)
		c.observe("unknown", "malformed")
		reply, _ := ocpp.CallError("-1", ocpp.ErrCodeProtocolError, err.Error(), nil)
		return reply
	}
	switch frame.Type {
	case ocpp.MessageCall:
		return c.handleCall(ctx, s, frame)
	case ocpp.MessageCallResult, ocpp.MessageCallError:
		c.resolveCall(frame)
		return nil
	}
	return nil
}

func (c *Controller) handleCall(ctx context.Context, s *session.Session, f ocpp.Frame) []byte {
	s.WithLock(func(cp *model.ChargePoint) { cp.LastSeen = time.Now() })

	var (
		conf any
		err  error
	)
	switch f.Action {
	case ocpp.ActionBootNotification:
		conf, err = c.handleBootNotification(s, f)
	case ocpp.ActionHeartbeat:
		conf = ocpp.HeartbeatConf{CurrentTime: time.Now().UTC()}
	case ocpp.ActionAuthorize:
		conf, err = c.handleAuthorize(f)
	case ocpp.ActionStatusNotification:
		conf, err = c.handleStatusNotification(ctx, s, f)
	case ocpp.ActionStartTransaction:
		conf, err = c.handleStartTransaction(ctx, s, f)
	case ocpp.ActionMeterValues:
		conf, err = c.handleMeterValues(s, f)
	case ocpp.ActionStopTransaction:
		conf, err = c.handleStopTransaction(ctx, s, f)
	default:
		c.log.Warnf("%s sent unsupported action %s", s.CPSN, f.Action)
		c.observe(f.Action, "not_implemented")
		reply, _ := ocpp.CallError(f.UniqueID, ocpp.ErrCodeNotImplemented, "action not supported", nil)
		return reply
	}
	if err != nil {
		c.log.Warnf("%s %s rejected: %v", s.CPSN, f.Action, err)
		c.observe(f.Action, "rejected")
		reply, _ := ocpp.CallError(f.UniqueID, errorCode(err), err.Error(), nil)
		return reply
	}
	c.observe(f.Action, "ok")
	reply, encErr := ocpp.CallResult(f.UniqueID, conf)
	if encErr != nil {
		c.log.Errorf("encode %s reply for %s: %v", f.Action, s.CPSN, encErr)
		reply, _ = ocpp.CallError(f.UniqueID, ocpp.ErrCodeInternalError, "reply encoding failed", nil)
	}
	return reply
}

// errorCode maps handler-boundary errors to OCPP CallError codes. Payload
// decode failures surface as FormationViolation, domain rejections as
// PropertyConstraintViolation.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidConnector), errors.Is(err, ErrUnknownTransaction):
		return ocpp.ErrCodePropertyConstraint
	default:
		return ocpp.ErrCodeFormationViolation
	}
}

func (c *Controller) observe(action, outcome string) {
	if c.frames != nil {
		c.frames.ObserveFrame(action, outcome)
	}
}

// nextTransactionID allocates a protocol-visible transaction id.
func (c *Controller) nextTransactionID() int {
	return int(c.txSeq.Add(1))
}

// ActiveTransaction returns the in-memory transaction for id, which stays
// authoritative until finalization.
func (c *Controller) ActiveTransaction(id int) (*model.Transaction, bool) {
	c.txMu.RLock()
	defer c.txMu.RUnlock()
	tx, ok := c.active[id]
	return tx, ok
}

// ActiveTransactionOn returns the transaction currently bound to a connector.
func (c *Controller) ActiveTransactionOn(cpsn string, connectorID int) (*model.Transaction, bool) {
	key := model.Connector{CPSN: cpsn, ConnectorID: connectorID}.Key()
	c.txMu.RLock()
	defer c.txMu.RUnlock()
	id, ok := c.byConnector[key]
	if !ok {
		return nil, false
	}
	tx, ok := c.active[id]
	return tx, ok
}

func (c *Controller) trackTransaction(tx *model.Transaction) {
	key := model.Connector{CPSN: tx.CPSN, ConnectorID: tx.ConnectorID}.Key()
	c.txMu.Lock()
	c.active[tx.ID] = tx
	c.byConnector[key] = tx.ID
	c.txMu.Unlock()
}

func (c *Controller) untrackTransaction(tx *model.Transaction) {
	key := model.Connector{CPSN: tx.CPSN, ConnectorID: tx.ConnectorID}.Key()
	c.txMu.Lock()
	delete(c.active, tx.ID)
	if c.byConnector[key] == tx.ID {
		delete(c.byConnector, key)
	}
	c.txMu.Unlock()
}

// Call sends an outbound CALL to the charge point and waits for the matching
// CALLRESULT. The wait is bounded by the configured call timeout (or the
// caller's context, whichever ends first).
func (c *Controller) Call(ctx context.Context, cpsn, action string, payload any) (ocpp.Frame, error) {
	id := uuid.NewString()
	raw, err := ocpp.Call(id, action, payload)
	if err != nil {
		return ocpp.Frame{}, fmt.Errorf("encode %s: %w", action, err)
	}
	ch := c.registerCall(id)
	defer c.unregisterCall(id)
	if err := c.sessions.Send(cpsn, raw); err != nil {
		return ocpp.Frame{}, err
	}
	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.Type == ocpp.MessageCallError {
			return f, fmt.Errorf("%s rejected %s: %s (%s)", cpsn, action, f.ErrorCode, f.ErrorDesc)
		}
		return f, nil
	case <-timer.C:
		return ocpp.Frame{}, fmt.Errorf("%w: %s to %s", ErrCallTimeout, action, cpsn)
	case <-ctx.Done():
		return ocpp.Frame{}, ctx.Err()
	}
}

func (c *Controller) registerCall(id string) chan ocpp.Frame {
	ch := make(chan ocpp.Frame, 1)
	c.pending.Store(id, ch)
	return ch
}

func (c *Controller) unregisterCall(id string) {
	c.pending.Delete(id)
}

func (c *Controller) resolveCall(f ocpp.Frame) {
	v, ok := c.pending.Load(f.UniqueID)
	if !ok {
		c.log.Debugf("reply for unknown call %s dropped", f.UniqueID)
		return
	}
	ch := v.(chan ocpp.Frame)
	select {
	case ch <- f:
	default:
	}
}
