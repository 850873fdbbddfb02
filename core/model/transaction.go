package model

import "time"

// TransactionStatus is the lifecycle state of a charging transaction.
type TransactionStatus int

const (
	TxActive TransactionStatus = iota
	TxCompleted
	TxStopped
	TxError
	TxCancelled
)

// String returns the persisted representation of the status.
func (s TransactionStatus) String() string {
	switch s {
	case TxActive:
		return "ACTIVE"
	case TxCompleted:
		return "COMPLETED"
	case TxStopped:
		return "STOPPED"
	case TxError:
		return "ERROR"
	case TxCancelled:
		return "CANCELLED"
	default:
		return "ERROR"
	}
}

// Transaction represents one charging session on a connector. The in-memory
// copy is authoritative until finalization, after which the repository is.
type Transaction struct {
	ID           int               `json:"transaction_id"`
	CPSN         string            `json:"cpsn"`
	CPID         string            `json:"cpid"`
	ConnectorID  int               `json:"connector_id"`
	IDTag        string            `json:"id_tag"`
	StartMeterWh float64           `json:"meter_start"`
	StopMeterWh  *float64          `json:"meter_stop,omitempty"`
	StartTime    time.Time         `json:"time_start"`
	StopTime     *time.Time        `json:"time_stop,omitempty"`
	StopReason   string            `json:"stop_reason,omitempty"`
	Status       TransactionStatus `json:"status"`
}

// EnergyConsumedKwh derives the delivered energy from the meter readings. It
// falls back to the last live sample while the transaction is still active.
func (t Transaction) EnergyConsumedKwh(lastMeterWh float64) float64 {
	stop := lastMeterWh
	if t.StopMeterWh != nil {
		stop = *t.StopMeterWh
	}
	if stop < t.StartMeterWh {
		return 0
	}
	return (stop - t.StartMeterWh) / 1000
}

// Finalize records the stop meter reading and flips the status.
func (t *Transaction) Finalize(meterStopWh float64, reason string, at time.Time) {
	t.StopMeterWh = &meterStopWh
	t.StopTime = &at
	t.StopReason = reason
	t.Status = TxCompleted
}
