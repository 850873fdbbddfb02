package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/voltgrid/csms/core/metrics"
)

// PromSink records allocation and protocol activity in Prometheus metrics.
type PromSink struct {
	allocations *prometheus.CounterVec
	allocatedKw *prometheus.GaugeVec
	duration    prometheus.Histogram
	fleet       prometheus.Gauge
	frames      *prometheus.CounterVec
	meterPower  *prometheus.GaugeVec
}

// NewPromSink registers metrics on the default Prometheus registerer.
// The Prometheus server should be started separately using cfg.PrometheusPort.
func NewPromSink(cfg coremetrics.Config) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(_ coremetrics.Config, reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ems_allocation_rounds_total",
			Help: "Total number of allocation rounds",
		}, []string{"mode", "fallback"}),
		allocatedKw: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ems_allocated_kw",
			Help: "Power allocated in the last round",
		}, []string{"current"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ems_allocation_duration_seconds",
			Help:    "Time spent computing one allocation round",
			Buckets: prometheus.DefBuckets,
		}),
		fleet: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocpp_connected_charge_points",
			Help: "Number of charge points with a live socket",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ocpp_frames_total",
			Help: "Inbound OCPP frames by action and outcome",
		}, []string{"action", "outcome"}),
		meterPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ocpp_meter_power_kw",
			Help: "Last reported instantaneous power per charge point",
		}, []string{"cpsn"}),
	}
	for _, c := range []prometheus.Collector{s.allocations, s.allocatedKw, s.duration, s.fleet, s.frames, s.meterPower} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return s, nil
}

// RecordAllocation implements the MetricsSink interface.
func (s *PromSink) RecordAllocation(ev coremetrics.AllocationEvent) error {
	fallback := "false"
	if ev.Summary.StaticFallback {
		fallback = "true"
	}
	s.allocations.WithLabelValues(ev.Summary.Mode.String(), fallback).Inc()
	s.allocatedKw.WithLabelValues("AC").Set(ev.Summary.ACAllocatedKw)
	s.allocatedKw.WithLabelValues("DC").Set(ev.Summary.DCAllocatedKw)
	s.duration.Observe(ev.Duration.Seconds())
	return nil
}

// RecordFleetSize sets the connected charge point gauge.
func (s *PromSink) RecordFleetSize(n int) error {
	s.fleet.Set(float64(n))
	return nil
}

// RecordFrame counts one handled frame.
func (s *PromSink) RecordFrame(action, outcome string) error {
	s.frames.WithLabelValues(action, outcome).Inc()
	return nil
}

// RecordMeterSample tracks the last reported power per charge point.
func (s *PromSink) RecordMeterSample(cpsn string, powerKw float64) error {
	s.meterPower.WithLabelValues(cpsn).Set(powerKw)
	return nil
}
