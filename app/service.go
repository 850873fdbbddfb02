// Package app wires the service together: repository, event bus, session
// manager, OCPP controller, EMS engine and the HTTP surfaces. Collaborators
// are passed in as interfaces at construction time; nothing is looked up
// lazily mid-request.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voltgrid/csms/config"
	"github.com/voltgrid/csms/core/billing"
	corebus "github.com/voltgrid/csms/core/bus"
	"github.com/voltgrid/csms/core/csms"
	"github.com/voltgrid/csms/core/ems"
	"github.com/voltgrid/csms/core/ems/profile"
	"github.com/voltgrid/csms/core/events"
	coremetrics "github.com/voltgrid/csms/core/metrics"
	"github.com/voltgrid/csms/core/repository"
	"github.com/voltgrid/csms/core/session"
	"github.com/voltgrid/csms/infra/api"
	"github.com/voltgrid/csms/infra/logger"
	"github.com/voltgrid/csms/infra/metrics"
	"github.com/voltgrid/csms/infra/mqtt"
	"github.com/voltgrid/csms/infra/postgres"
	"github.com/voltgrid/csms/infra/ws"
	"github.com/voltgrid/csms/internal/eventbus"
)

// Service orchestrates the CSMS components.
type Service struct {
	cfg        *config.Config
	repo       *postgres.Repo
	inproc     eventbus.EventBus
	busClient  corebus.Client
	sessions   *session.Manager
	controller *csms.Controller
	engine     *ems.Engine
	dispatcher *profile.Dispatcher
	wsServer   *ws.Server
	apiServer  *api.Server
	sink       coremetrics.MetricsSink
	log        logger.Logger
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	repo, err := postgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}

	busClient, err := mqtt.New(cfg.MQTT)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("event bus: %w", err)
	}

	var sinks []coremetrics.MetricsSink
	var promSink *metrics.PromSink
	if cfg.Metrics.PrometheusEnabled {
		promSink, err = metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			repo.Close()
			busClient.Close()
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.MetricsSink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	inproc := eventbus.New()
	sessions := session.NewManager(inproc, logger.New("sessions"))

	engine := ems.NewEngine(repo, sessions, logger.New("ems"))

	ctrlOpts := []csms.Option{
		csms.WithCallTimeout(time.Duration(cfg.OCPP.CallTimeoutSeconds) * time.Second),
	}
	if promSink != nil {
		ctrlOpts = append(ctrlOpts, csms.WithFrameObserver(frameObserver{promSink}))
	}
	controller := csms.NewController(sessions, repo, inproc, engine, logger.New("ocpp"), ctrlOpts...)

	dispatcher := profile.New(controller, logger.New("profile-dispatch"))
	engine.AddSink(dispatcher)
	engine.AddSink(metrics.AllocationRecorder{Sink: sink})
	engine.AddSink(resultPublisher{bus: busClient, log: logg})

	svc := &Service{
		cfg:        cfg,
		repo:       repo,
		inproc:     inproc,
		busClient:  busClient,
		sessions:   sessions,
		controller: controller,
		engine:     engine,
		dispatcher: dispatcher,
		wsServer:   ws.NewServer(cfg.WS, sessions, controller, logger.New("ws")),
		apiServer:  api.NewServer(cfg.API, sessions, controller, engine, logger.New("api")),
		sink:       sink,
		log:        logg,
	}
	if err := svc.startConsumers(); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.engine.Run(ctx)
	go s.bridgeEvents(ctx)
	go s.snapshotLoop(ctx)
	metrics.StartEventCollector(ctx, s.inproc, s.sink, s.sessions)

	go func() {
		if err := s.wsServer.Run(ctx); err != nil {
			s.log.Errorf("ocpp endpoint: %v", err)
		}
	}()
	go func() {
		if err := s.apiServer.Run(ctx); err != nil {
			s.log.Errorf("control api: %v", err)
		}
	}()
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	s.engine.Trigger("startup")
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.busClient.Close()
	s.inproc.Close()
	s.repo.Close()
	return nil
}

// startConsumers binds the broker queues. Prefetch 1 for the heavy handlers,
// higher for high-frequency low-cost telemetry.
func (s *Service) startConsumers() error {
	if err := s.busClient.Consume(corebus.ExchangeEMS, corebus.KeyAllocationRequest, func(_ context.Context, _ string, payload []byte) {
		var ev events.ReallocationEvent
		_ = json.Unmarshal(payload, &ev)
		s.engine.Trigger("allocation request: " + ev.Reason)
	}, corebus.ConsumeOptions{Prefetch: 1}); err != nil {
		return fmt.Errorf("consume allocation requests: %w", err)
	}
	if err := s.busClient.Consume(corebus.ExchangeEMS, corebus.KeyGlobalReallocation, func(_ context.Context, _ string, _ []byte) {
		// A global reallocation re-sends every limit, so the dedupe cache
		// must go first.
		s.dispatcher.Reset()
		s.engine.Trigger("global reallocation")
	}, corebus.ConsumeOptions{Prefetch: 1}); err != nil {
		return fmt.Errorf("consume global reallocation: %w", err)
	}
	if err := s.busClient.Consume(corebus.ExchangeOCPP, corebus.KeyChargingStopped, s.finalizeBilling,
		corebus.ConsumeOptions{Prefetch: 1}); err != nil {
		return fmt.Errorf("consume charging stopped: %w", err)
	}
	if err := s.busClient.Consume(corebus.ExchangeOCPP, corebus.KeyMeterValues, func(_ context.Context, _ string, payload []byte) {
		var ev events.MeterValuesEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return
		}
		s.log.Debugw("meter sample", map[string]any{
			"cpsn": ev.CPSN, "connector": ev.ConnectorID, "power_kw": ev.PowerKw, "energy_wh": ev.EnergyWh,
		})
	}, corebus.ConsumeOptions{Prefetch: 8}); err != nil {
		return fmt.Errorf("consume meter values: %w", err)
	}
	return nil
}

// finalizeBilling computes the fee for a properly closed transaction. The
// calculator is a pure collaborator; only the resulting fee is persisted.
func (s *Service) finalizeBilling(ctx context.Context, _ string, payload []byte) {
	var ev events.ChargingStoppedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.log.Errorf("decode charging stopped event: %v", err)
		return
	}
	tx, err := s.repo.GetTransaction(ctx, ev.TransactionID)
	if err != nil || tx == nil {
		s.log.Errorf("load transaction %d for billing: %v", ev.TransactionID, err)
		return
	}
	tariff := billing.Tariff{PricePerKwh: 0, Currency: "EUR"}
	if price, discount, currency, err := s.repo.GetTariff(ctx); err == nil {
		tariff = billing.Tariff{PricePerKwh: price, DiscountPct: discount, Currency: currency}
	} else {
		s.log.Warnf("no active tariff, billing %d at zero: %v", ev.TransactionID, err)
	}
	fee := billing.FlatRate{}.ComputeFee(*tx, tariff)
	if err := s.repo.UpdateTransaction(ctx, tx.ID, repository.TransactionPatch{EnergyFee: &fee.EnergyFee}); err != nil {
		s.log.Errorf("persist fee for %d: %v", tx.ID, err)
		return
	}
	s.log.Infof("transaction %d billed %.2f %s (%.3f kWh)", tx.ID, fee.EnergyFee, tariff.Currency, ev.EnergyKwh)
}

// bridgeEvents forwards in-process domain events to the broker. Bus delivery
// is best-effort telemetry: while the broker is away the events are dropped
// with a debug log, and in-process consumers keep working.
func (s *Service) bridgeEvents(ctx context.Context) {
	sub := s.inproc.Subscribe()
	defer s.inproc.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			exchange, key := routeEvent(ev)
			if key == "" {
				continue
			}
			if err := s.busClient.Publish(exchange, key, ev); err != nil {
				s.log.Debugf("bus publish %s/%s skipped: %v", exchange, key, err)
			}
		}
	}
}

// routeEvent maps a domain event to its exchange and routing key.
func routeEvent(ev eventbus.Event) (string, string) {
	switch ev.(type) {
	case events.ConnectionEvent:
		return corebus.ExchangeOCPP, corebus.KeyConnectionState
	case events.StatusChangedEvent:
		return corebus.ExchangeOCPP, corebus.KeyStatusChanged
	case events.ChargingStartedEvent:
		return corebus.ExchangeOCPP, corebus.KeyChargingStarted
	case events.ChargingStoppedEvent:
		return corebus.ExchangeOCPP, corebus.KeyChargingStopped
	case events.MeterValuesEvent:
		return corebus.ExchangeOCPP, corebus.KeyMeterValues
	case events.ReallocationEvent:
		return corebus.ExchangeEMS, corebus.KeyAllocationRequest
	default:
		return "", ""
	}
}

// snapshotLoop periodically persists live connector state so the inventory
// survives a restart. The live session stays authoritative between writes.
func (s *Service) snapshotLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.OCPP.SnapshotIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshotConnectors(ctx)
		}
	}
}

func (s *Service) snapshotConnectors(ctx context.Context) {
	for _, c := range s.sessions.SnapshotConnectors() {
		status := c.Status
		txID := c.CurrentTransactionID
		meter := c.LastMeterWh
		demand := c.DemandKw
		errCode := c.ErrorCode
		patch := repository.ConnectorPatch{
			Status:        &status,
			ErrorCode:     &errCode,
			TransactionID: &txID,
			LastMeterWh:   &meter,
			DemandKw:      &demand,
		}
		if err := s.repo.UpdateConnector(ctx, c.CPSN, c.ConnectorID, patch); err != nil {
			s.log.Errorf("snapshot %s: %v", c.Key(), err)
		}
	}
}

// resultPublisher forwards each allocation round to the broker.
type resultPublisher struct {
	bus corebus.Client
	log logger.Logger
}

// HandleAllocation implements ems.ResultSink.
func (p resultPublisher) HandleAllocation(_ context.Context, res ems.Result) {
	if err := p.bus.Publish(corebus.ExchangeEMS, corebus.KeyAllocationResult, res); err != nil {
		p.log.Debugf("allocation result not published: %v", err)
	}
}

// frameObserver adapts the prom sink to the controller's observer interface.
type frameObserver struct {
	sink *metrics.PromSink
}

func (o frameObserver) ObserveFrame(action, outcome string) {
	_ = o.sink.RecordFrame(action, outcome)
}
