package metrics

import (
	"context"
	"time"

	"github.com/voltgrid/csms/core/ems"
	"github.com/voltgrid/csms/core/events"
	coremetrics "github.com/voltgrid/csms/core/metrics"
	"github.com/voltgrid/csms/internal/eventbus"
)

// FleetCounter reports the number of live charge point sessions.
type FleetCounter interface {
	Count() int
}

// StartEventCollector subscribes to the in-process event bus and records
// metrics for domain events. It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink, fleet FleetCounter) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.ConnectionEvent:
					if r, ok := sink.(coremetrics.FleetSizeRecorder); ok && fleet != nil {
						_ = r.RecordFleetSize(fleet.Count())
					}
				case events.MeterValuesEvent:
					if r, ok := sink.(coremetrics.MeterSampleRecorder); ok {
						_ = r.RecordMeterSample(e.CPSN, e.PowerKw)
					}
				}
			}
		}
	}()
}

// AllocationRecorder adapts a MetricsSink to the engine's ResultSink.
type AllocationRecorder struct {
	Sink coremetrics.MetricsSink
}

// HandleAllocation implements ems.ResultSink.
func (r AllocationRecorder) HandleAllocation(_ context.Context, res ems.Result) {
	if r.Sink == nil {
		return
	}
	_ = r.Sink.RecordAllocation(coremetrics.AllocationEvent{
		Summary: res.Summary,
		Time:    time.Now(),
	})
}
