package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voltgrid/csms/core/ems"
	coremetrics "github.com/voltgrid/csms/core/metrics"
	"github.com/voltgrid/csms/core/model"
)

func TestPromSinkRecordAllocation(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}

	err = sink.RecordAllocation(coremetrics.AllocationEvent{
		Summary: ems.Summary{
			Mode:           model.EMSDynamic,
			ACAllocatedKw:  18,
			DCAllocatedKw:  462,
			StaticFallback: true,
		},
		Duration: 5 * time.Millisecond,
		Time:     time.Now(),
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	rounds := testutil.ToFloat64(sink.allocations.WithLabelValues(model.EMSDynamic.String(), "true"))
	if rounds != 1 {
		t.Errorf("rounds = %v, want 1", rounds)
	}
	if kw := testutil.ToFloat64(sink.allocatedKw.WithLabelValues("DC")); kw != 462 {
		t.Errorf("DC kw = %v, want 462", kw)
	}
}

func TestPromSinkFleetAndFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}

	_ = sink.RecordFleetSize(7)
	if got := testutil.ToFloat64(sink.fleet); got != 7 {
		t.Errorf("fleet = %v, want 7", got)
	}

	_ = sink.RecordFrame("StartTransaction", "ok")
	_ = sink.RecordFrame("StartTransaction", "ok")
	_ = sink.RecordFrame("StartTransaction", "rejected")
	if got := testutil.ToFloat64(sink.frames.WithLabelValues("StartTransaction", "ok")); got != 2 {
		t.Errorf("frames = %v, want 2", got)
	}

	_ = sink.RecordMeterSample("cp-1", 6.8)
	if got := testutil.ToFloat64(sink.meterPower.WithLabelValues("cp-1")); got != 6.8 {
		t.Errorf("meter power = %v, want 6.8", got)
	}
}

func TestPromSinkDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	// A second sink on the same registry tolerates the existing collectors.
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("second: %v", err)
	}
}
