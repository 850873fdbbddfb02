package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/voltgrid/csms/core/metrics"
	"github.com/voltgrid/csms/infra/logger"
)

// InfluxSink writes allocation summaries to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and
// returns a NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordAllocation writes the round summary as one point.
func (s *InfluxSink) RecordAllocation(ev coremetrics.AllocationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fallback := "false"
	if ev.Summary.StaticFallback {
		fallback = "true"
	}
	p := write.NewPointWithMeasurement("ems_allocation").
		AddTag("mode", ev.Summary.Mode.String()).
		AddTag("fallback", fallback).
		AddField("total_kw", ev.Summary.TotalAllocatedKw).
		AddField("ac_kw", ev.Summary.ACAllocatedKw).
		AddField("dc_kw", ev.Summary.DCAllocatedKw).
		AddField("cap_kw", ev.Summary.MaxPowerKw).
		AddField("charging", ev.Summary.ChargingCount).
		AddField("duration_ms", ev.Duration.Milliseconds()).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }
