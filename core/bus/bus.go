package bus

import (
	"context"
	"errors"
)

// ErrBusUnavailable is returned by Publish while the broker connection is
// down. Callers must treat bus delivery as best-effort telemetry; nothing is
// queued on their behalf.
var ErrBusUnavailable = errors.New("event bus unavailable")

// Topic exchanges declared by the client. With an MQTT broker an exchange is
// a topic root; routing keys are appended as sub-topics
// (e.g. "ocpp/events/charging/stopped").
const (
	ExchangeOCPP         = "ocpp/events"
	ExchangeEMS          = "ems/events"
	ExchangeNotification = "notification/events"
)

// Routing keys on ExchangeOCPP.
const (
	KeyChargingStarted = "charging/started"
	KeyChargingStopped = "charging/stopped"
	KeyStatusChanged   = "status/changed"
	KeyMeterValues     = "meter/values"
	KeyConnectionState = "connection/state"
)

// Routing keys on ExchangeEMS.
const (
	KeyAllocationRequest  = "allocation/request"
	KeyAllocationResult   = "allocation/result"
	KeyProfileUpdate      = "profile/update"
	KeyGlobalReallocation = "global/reallocation"
)

// Handler consumes one message. Returning an error logs the failure; the
// message is not redelivered.
type Handler func(ctx context.Context, routingKey string, payload []byte)

// ConsumeOptions bounds a consumer's concurrency.
type ConsumeOptions struct {
	// Prefetch is the number of in-flight handler invocations allowed.
	// Zero means 1.
	Prefetch int
}

// Client is the broker-facing surface of the core. Publish fails fast with
// ErrBusUnavailable while disconnected; consumers simply stop being invoked
// until the client reconnects.
type Client interface {
	Publish(exchange, routingKey string, payload any) error
	Consume(exchange, routingKey string, handler Handler, opts ConsumeOptions) error
	Close()
}
