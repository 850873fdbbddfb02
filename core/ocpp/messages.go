package ocpp

import "time"

// Inbound CALL actions supported by the state machine.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionAuthorize          = "Authorize"
	ActionStatusNotification = "StatusNotification"
	ActionStartTransaction   = "StartTransaction"
	ActionMeterValues        = "MeterValues"
	ActionStopTransaction    = "StopTransaction"
)

// Outbound CALL actions issued by the central system.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionSetChargingProfile     = "SetChargingProfile"
)

// Authorization statuses returned in IdTagInfo.
const (
	AuthAccepted = "Accepted"
	AuthBlocked  = "Blocked"
	AuthInvalid  = "Invalid"
)

type BootNotificationReq struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

type BootNotificationConf struct {
	Status      string    `json:"status"`
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
}

type HeartbeatConf struct {
	CurrentTime time.Time `json:"currentTime"`
}

type IdTagInfo struct {
	Status string `json:"status"`
}

type AuthorizeReq struct {
	IdTag string `json:"idTag"`
}

type AuthorizeConf struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StatusNotificationReq struct {
	ConnectorID int    `json:"connectorId"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
	Info        string `json:"info,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type StatusNotificationConf struct{}

type StartTransactionReq struct {
	ConnectorID int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
	Timestamp   string `json:"timestamp"`
}

type StartTransactionConf struct {
	TransactionID int       `json:"transactionId"`
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
}

// SampledValue carries one measurement inside a MeterValues entry. Only the
// measurands the core consumes are modeled; unknown ones pass through ignored.
type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Phase     string `json:"phase,omitempty"`
}

type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesReq struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type MeterValuesConf struct{}

type StopTransactionReq struct {
	TransactionID int    `json:"transactionId"`
	IdTag         string `json:"idTag,omitempty"`
	MeterStop     int    `json:"meterStop"`
	Timestamp     string `json:"timestamp"`
	Reason        string `json:"reason,omitempty"`
}

type StopTransactionConf struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type RemoteStartTransactionReq struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IdTag       string `json:"idTag"`
}

type RemoteStopTransactionReq struct {
	TransactionID int `json:"transactionId"`
}

type RemoteConf struct {
	Status string `json:"status"`
}

// ChargingSchedulePeriod carries the limit applied from StartPeriod onwards.
type ChargingSchedulePeriod struct {
	StartPeriod int     `json:"startPeriod"`
	Limit       float64 `json:"limit"`
}

type ChargingSchedule struct {
	ChargingRateUnit       string                   `json:"chargingRateUnit"`
	ChargingSchedulePeriod []ChargingSchedulePeriod `json:"chargingSchedulePeriod"`
}

type ChargingProfile struct {
	ChargingProfileID      int              `json:"chargingProfileId"`
	StackLevel             int              `json:"stackLevel"`
	ChargingProfilePurpose string           `json:"chargingProfilePurpose"`
	ChargingProfileKind    string           `json:"chargingProfileKind"`
	ChargingSchedule       ChargingSchedule `json:"chargingSchedule"`
}

type SetChargingProfileReq struct {
	ConnectorID        int             `json:"connectorId"`
	CsChargingProfiles ChargingProfile `json:"csChargingProfiles"`
}

type SetChargingProfileConf struct {
	Status string `json:"status"`
}
