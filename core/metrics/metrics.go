package metrics

import (
	"time"

	"github.com/voltgrid/csms/core/ems"
)

// AllocationEvent captures one completed allocation round.
type AllocationEvent struct {
	Summary  ems.Summary
	Duration time.Duration
	Time     time.Time
}

// MetricsSink records allocation rounds for observability purposes.
type MetricsSink interface {
	RecordAllocation(ev AllocationEvent) error
}

// FleetSizeRecorder records the number of connected charge points.
type FleetSizeRecorder interface {
	RecordFleetSize(n int) error
}

// FrameRecorder counts handled OCPP frames by action and outcome.
type FrameRecorder interface {
	RecordFrame(action, outcome string) error
}

// MeterSampleRecorder records meter telemetry throughput.
type MeterSampleRecorder interface {
	RecordMeterSample(cpsn string, powerKw float64) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordAllocation(AllocationEvent) error { return nil }

// Config defines settings for metrics sinks.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}
