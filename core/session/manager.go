// Package session maps one physical charge point connection to one logical
// session keyed by the charge point serial (cpsn). The session table is the
// only holder of live socket handles; everything else goes through Send and
// Broadcast.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voltgrid/csms/core/events"
	"github.com/voltgrid/csms/core/logger"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/internal/eventbus"
)

// ErrSessionNotFound is returned when sending to a charge point with no live
// socket.
var ErrSessionNotFound = errors.New("session not found")

// Sender writes one frame to the underlying socket. Implementations must be
// safe for concurrent use; gorilla/websocket connections are wrapped with a
// write mutex in infra/ws.
type Sender interface {
	Send(payload []byte) error
}

// Session is the live state of one connected charge point. Connector state is
// mutated only by the OCPP state machine, always through WithLock.
type Session struct {
	CPSN       string
	RemoteAddr string
	Connected  time.Time

	sender Sender

	mu sync.Mutex
	cp *model.ChargePoint
}

// WithLock runs fn with exclusive access to the charge point state.
func (s *Session) WithLock(fn func(cp *model.ChargePoint)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.cp)
}

// SnapshotConnectors copies the session's connector states.
func (s *Session) SnapshotConnectors() []model.Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Connector, 0, len(s.cp.Connectors))
	for _, c := range s.cp.Connectors {
		out = append(out, *c)
	}
	return out
}

// Manager owns the session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bus      eventbus.EventBus
	log      logger.Logger
}

// NewManager creates an empty session table. The bus receives a
// ConnectionEvent for every accept and drop; it may be nil in tests.
func NewManager(bus eventbus.EventBus, log logger.Logger) *Manager {
	return &Manager{sessions: make(map[string]*Session), bus: bus, log: log}
}

// Register creates the session for a freshly accepted socket. A lingering
// session for the same cpsn (a half-open previous socket) is replaced; the
// device is authoritative about which connection is current.
func (m *Manager) Register(cpsn, remoteAddr string, sender Sender) *Session {
	s := &Session{
		CPSN:       cpsn,
		RemoteAddr: remoteAddr,
		Connected:  time.Now(),
		sender:     sender,
		cp:         &model.ChargePoint{CPSN: cpsn, Connectors: make(map[int]*model.Connector)},
	}
	m.mu.Lock()
	if old, ok := m.sessions[cpsn]; ok {
		m.log.Warnf("replacing stale session for %s (old remote %s)", cpsn, old.RemoteAddr)
	}
	m.sessions[cpsn] = s
	m.mu.Unlock()
	m.log.Infof("charge point %s connected from %s", cpsn, remoteAddr)
	m.publishConnection(cpsn, remoteAddr, true)
	return s
}

// Unregister drops the session on socket close. Only the live handle and the
// cached view are released; persisted connector records are untouched. The
// call is idempotent and ignores an already-replaced session.
func (m *Manager) Unregister(cpsn string, s *Session) {
	m.mu.Lock()
	cur, ok := m.sessions[cpsn]
	if ok && cur == s {
		delete(m.sessions, cpsn)
	} else {
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Infof("charge point %s disconnected", cpsn)
	m.publishConnection(cpsn, s.RemoteAddr, false)
}

// Get returns the live session for cpsn.
func (m *Manager) Get(cpsn string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[cpsn]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, cpsn)
	}
	return s, nil
}

// Send delivers one frame to the charge point, failing with
// ErrSessionNotFound if no live socket exists.
func (m *Manager) Send(cpsn string, payload []byte) error {
	s, err := m.Get(cpsn)
	if err != nil {
		return err
	}
	return s.sender.Send(payload)
}

// Broadcast sends the payload to every session matching the predicate. A nil
// predicate matches all. Per-session failures are logged and do not stop the
// remaining deliveries; the count of successful sends is returned.
func (m *Manager) Broadcast(predicate func(*Session) bool, payload []byte) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if predicate == nil || predicate(s) {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()
	sent := 0
	for _, s := range targets {
		if err := s.sender.Send(payload); err != nil {
			m.log.Warnf("broadcast to %s failed: %v", s.CPSN, err)
			continue
		}
		sent++
	}
	return sent
}

// ConnectedIDs returns the cpsns with a live socket.
func (m *Manager) ConnectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SnapshotConnectors copies connector state across every live session.
func (m *Manager) SnapshotConnectors() []model.Connector {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	var out []model.Connector
	for _, s := range sessions {
		out = append(out, s.SnapshotConnectors()...)
	}
	return out
}

func (m *Manager) publishConnection(cpsn, addr string, connected bool) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.ConnectionEvent{
		CPSN:       cpsn,
		RemoteAddr: addr,
		Connected:  connected,
		Time:       time.Now(),
	})
}
