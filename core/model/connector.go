package model

import (
	"fmt"
	"strings"
	"time"
)

// CurrentType distinguishes AC from DC charging hardware.
type CurrentType int

const (
	CurrentAC CurrentType = iota
	CurrentDC
)

// String returns the wire representation of the current type.
func (t CurrentType) String() string {
	if t == CurrentDC {
		return "DC"
	}
	return "AC"
}

// ParseCurrentType maps a stored current-type string to its enum value.
func ParseCurrentType(s string) (CurrentType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AC":
		return CurrentAC, nil
	case "DC":
		return CurrentDC, nil
	default:
		return CurrentAC, fmt.Errorf("unknown current type %q", s)
	}
}

// ConnectorStatus is the closed set of connector states. Device-reported
// status strings are mapped to this enumeration at the protocol boundary so
// downstream consumers never classify raw strings.
type ConnectorStatus int

const (
	StatusAvailable ConnectorStatus = iota
	StatusPreparing
	StatusCharging
	StatusSuspendedEV
	StatusSuspendedEVSE
	StatusFinishing
	StatusReserved
	StatusUnavailable
	StatusFaulted
)

// String returns the OCPP 1.6 status string.
func (s ConnectorStatus) String() string {
	switch s {
	case StatusAvailable:
		return "Available"
	case StatusPreparing:
		return "Preparing"
	case StatusCharging:
		return "Charging"
	case StatusSuspendedEV:
		return "SuspendedEV"
	case StatusSuspendedEVSE:
		return "SuspendedEVSE"
	case StatusFinishing:
		return "Finishing"
	case StatusReserved:
		return "Reserved"
	case StatusUnavailable:
		return "Unavailable"
	case StatusFaulted:
		return "Faulted"
	default:
		return "Unavailable"
	}
}

// ParseConnectorStatus maps a device-reported status string to the enum. The
// mapping is total: unrecognized strings map to Unavailable with an error so
// callers can log the original value.
func ParseConnectorStatus(s string) (ConnectorStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return StatusAvailable, nil
	case "preparing", "occupied":
		return StatusPreparing, nil
	case "charging", "inuse":
		return StatusCharging, nil
	case "suspendedev":
		return StatusSuspendedEV, nil
	case "suspendedevse":
		return StatusSuspendedEVSE, nil
	case "finishing":
		return StatusFinishing, nil
	case "reserved":
		return StatusReserved, nil
	case "unavailable":
		return StatusUnavailable, nil
	case "faulted":
		return StatusFaulted, nil
	default:
		return StatusUnavailable, fmt.Errorf("unknown connector status %q", s)
	}
}

// IsCharging reports whether the connector holds an allocation claim on the
// site budget. Suspended states keep their transaction but draw no power.
func (s ConnectorStatus) IsCharging() bool {
	return s == StatusCharging
}

// IsOperative reports whether the connector can accept a new transaction.
func (s ConnectorStatus) IsOperative() bool {
	return s == StatusAvailable || s == StatusPreparing
}

// Connector is one pluggable outlet ("gun") on a physical charge point. It is
// owned by the charge point's session and mutated only by the OCPP message
// state machine.
type Connector struct {
	CPID                 string          `json:"cpid"`
	CPSN                 string          `json:"cpsn"`
	ConnectorID          int             `json:"connector_id"`
	Current              CurrentType     `json:"acdc"`
	MaxKw                float64         `json:"max_kw"`
	Status               ConnectorStatus `json:"status"`
	StatusTime           time.Time       `json:"status_time"`
	ErrorCode            string          `json:"error_code,omitempty"`
	CurrentTransactionID int             `json:"current_transaction_id"`
	// LastMeterWh is the most recent Energy.Active.Import.Register sample.
	LastMeterWh float64 `json:"last_meter_wh"`
	// DemandKw is the cached instantaneous power draw reported via MeterValues.
	// The allocator reads it lazily; meter samples never trigger a recompute.
	DemandKw float64 `json:"demand_kw"`
}

// Key identifies a connector uniquely across the site.
func (c Connector) Key() string {
	return fmt.Sprintf("%s:%d", c.CPSN, c.ConnectorID)
}

// ChargePoint is the in-memory view of one physical unit. Created on the
// first WebSocket handshake, evicted when the socket closes; only periodic
// snapshots are persisted.
type ChargePoint struct {
	CPSN       string             `json:"cpsn"`
	Vendor     string             `json:"vendor,omitempty"`
	Model      string             `json:"model,omitempty"`
	Firmware   string             `json:"firmware,omitempty"`
	BootTime   time.Time          `json:"boot_time"`
	LastSeen   time.Time          `json:"last_seen"`
	Connectors map[int]*Connector `json:"connectors"`
}
