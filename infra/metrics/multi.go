package metrics

import coremetrics "github.com/voltgrid/csms/core/metrics"

// MultiSink fans allocation records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordAllocation forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordAllocation(ev coremetrics.AllocationEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordAllocation(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordFleetSize forwards to sinks that track fleet size.
func (m *MultiSink) RecordFleetSize(n int) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.FleetSizeRecorder); ok {
			if err := rec.RecordFleetSize(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordFrame forwards to sinks that count frames.
func (m *MultiSink) RecordFrame(action, outcome string) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.FrameRecorder); ok {
			if err := rec.RecordFrame(action, outcome); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordMeterSample forwards to sinks that track meter telemetry.
func (m *MultiSink) RecordMeterSample(cpsn string, powerKw float64) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(coremetrics.MeterSampleRecorder); ok {
			if err := rec.RecordMeterSample(cpsn, powerKw); err != nil {
				return err
			}
		}
	}
	return nil
}
