package ems

import (
	"context"
	"sync"
	"time"

	"github.com/voltgrid/csms/core/logger"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/core/repository"
)

// Fleet supplies the live view of the site: connector states across connected
// charge points and the set of online cpsns. Implemented by session.Manager.
type Fleet interface {
	SnapshotConnectors() []model.Connector
	ConnectedIDs() []string
}

// ResultSink receives each completed allocation round. Implemented by the
// profile dispatcher and the metrics recorder.
type ResultSink interface {
	HandleAllocation(ctx context.Context, res Result)
}

// Engine serializes allocation recomputes. Triggers arriving while a round is
// in flight are coalesced into a single follow-up round, so two stale reads
// can never produce conflicting dispatch commands.
type Engine struct {
	repo  repository.Repository
	fleet Fleet
	sinks []ResultSink
	log   logger.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	pending bool

	lastMu sync.RWMutex
	last   *Result
}

// NewEngine creates the engine. Sinks are invoked in order after each round.
func NewEngine(repo repository.Repository, fleet Fleet, log logger.Logger, sinks ...ResultSink) *Engine {
	return &Engine{
		repo:  repo,
		fleet: fleet,
		sinks: sinks,
		log:   log,
		wake:  make(chan struct{}, 1),
	}
}

// AddSink registers an additional result sink. Not safe to call once Run has
// started; wiring happens before the engine does.
func (e *Engine) AddSink(s ResultSink) {
	e.sinks = append(e.sinks, s)
}

// Trigger requests a recompute. It never blocks: if a round is already in
// flight the request is folded into the follow-up round.
func (e *Engine) Trigger(reason string) {
	e.mu.Lock()
	if e.running {
		e.pending = true
		e.mu.Unlock()
		e.log.Debugf("recompute already in flight, coalescing trigger (%s)", reason)
		return
	}
	e.mu.Unlock()
	e.log.Debugf("recompute triggered (%s)", reason)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run processes recompute requests until the context is canceled. In-flight
// rounds are not canceled with it; their result is simply dispatched to
// whichever charge points are still connected.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			e.running = true
			e.pending = false
			e.mu.Unlock()

			e.recompute(ctx)

			e.mu.Lock()
			e.running = false
			again := e.pending
			e.pending = false
			e.mu.Unlock()
			if !again {
				break
			}
			e.log.Debugf("running coalesced follow-up recompute")
		}
	}
}

// Last returns the most recent allocation result, or nil before the first
// round.
func (e *Engine) Last() *Result {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	return e.last
}

func (e *Engine) recompute(ctx context.Context) {
	start := time.Now()
	roundCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	site, err := e.repo.GetSiteSetting(roundCtx)
	if err != nil {
		e.log.Errorf("load site setting: %v", err)
		return
	}
	inventory, err := e.repo.GetConnectors(roundCtx, repository.ConnectorFilter{})
	if err != nil {
		e.log.Errorf("load connector inventory: %v", err)
		return
	}
	connectors := mergeLiveState(inventory, e.fleet.SnapshotConnectors())
	online := e.fleet.ConnectedIDs()

	res := Allocate(site, connectors, online)
	for _, line := range res.Logs {
		e.log.Infof("allocation: %s", line)
	}
	e.log.Debugw("allocation round complete", map[string]any{
		"mode":         res.Summary.Mode.String(),
		"allocated_kw": res.Summary.TotalAllocatedKw,
		"cap_kw":       res.Summary.MaxPowerKw,
		"duration_ms":  time.Since(start).Milliseconds(),
	})

	e.lastMu.Lock()
	e.last = &res
	e.lastMu.Unlock()

	for _, s := range e.sinks {
		s.HandleAllocation(ctx, res)
	}
}

// mergeLiveState overlays live session state onto the persisted connector
// inventory. Connectors the repository does not know yet (first contact
// before a snapshot write) are appended as-is.
func mergeLiveState(inventory, live []model.Connector) []model.Connector {
	byKey := make(map[string]int, len(inventory))
	out := make([]model.Connector, len(inventory))
	copy(out, inventory)
	for i, c := range out {
		byKey[c.Key()] = i
	}
	for _, lc := range live {
		if i, ok := byKey[lc.Key()]; ok {
			out[i].Status = lc.Status
			out[i].ErrorCode = lc.ErrorCode
			out[i].CurrentTransactionID = lc.CurrentTransactionID
			out[i].LastMeterWh = lc.LastMeterWh
			out[i].DemandKw = lc.DemandKw
			if lc.MaxKw > 0 {
				out[i].MaxKw = lc.MaxKw
			}
		} else {
			out = append(out, lc)
		}
	}
	return out
}
