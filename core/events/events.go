// Package events defines the domain events exchanged on the in-process bus.
// A bridge forwards them to the broker so in-process consumers keep working
// while the broker is down.
package events

import "time"

// ConnectionEvent signals a charge point socket accept or drop.
type ConnectionEvent struct {
	CPSN       string    `json:"cpsn"`
	RemoteAddr string    `json:"remote_addr"`
	Connected  bool      `json:"connected"`
	Time       time.Time `json:"time"`
}

// StatusChangedEvent signals a connector status transition.
type StatusChangedEvent struct {
	CPSN        string    `json:"cpsn"`
	CPID        string    `json:"cpid"`
	ConnectorID int       `json:"connector_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Time        time.Time `json:"time"`
}

// ChargingStartedEvent signals a new transaction.
type ChargingStartedEvent struct {
	CPSN          string    `json:"cpsn"`
	ConnectorID   int       `json:"connector_id"`
	TransactionID int       `json:"transaction_id"`
	IDTag         string    `json:"id_tag"`
	Time          time.Time `json:"time"`
}

// ChargingStoppedEvent carries everything billing needs to finalize a session.
type ChargingStoppedEvent struct {
	CPSN          string    `json:"cpsn"`
	ConnectorID   int       `json:"connector_id"`
	TransactionID int       `json:"transaction_id"`
	IDTag         string    `json:"id_tag"`
	EnergyKwh     float64   `json:"energy_kwh"`
	Reason        string    `json:"reason,omitempty"`
	Time          time.Time `json:"time"`
}

// MeterValuesEvent is the high-frequency telemetry sample.
type MeterValuesEvent struct {
	CPSN          string    `json:"cpsn"`
	ConnectorID   int       `json:"connector_id"`
	TransactionID int       `json:"transaction_id"`
	EnergyWh      float64   `json:"energy_wh"`
	PowerKw       float64   `json:"power_kw"`
	Time          time.Time `json:"time"`
}

// ReallocationEvent requests an allocator recompute.
type ReallocationEvent struct {
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}
