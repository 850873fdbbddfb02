package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voltgrid/csms/core/events"
	"github.com/voltgrid/csms/core/model"
	"github.com/voltgrid/csms/infra/logger"
	"github.com/voltgrid/csms/internal/eventbus"
)

type recordSender struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (s *recordSender) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("socket closed")
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *recordSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestManager_SendRoutesToSession(t *testing.T) {
	m := NewManager(nil, logger.NopLogger{})
	sender := &recordSender{}
	m.Register("cp-1", "addr", sender)

	if err := m.Send("cp-1", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.count() != 1 {
		t.Errorf("sender got %d frames, want 1", sender.count())
	}
	if err := m.Send("cp-missing", []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_RegisterReplacesStaleSession(t *testing.T) {
	m := NewManager(nil, logger.NopLogger{})
	oldSender := &recordSender{}
	old := m.Register("cp-1", "addr-old", oldSender)
	fresh := &recordSender{}
	m.Register("cp-1", "addr-new", fresh)

	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1", m.Count())
	}
	if err := m.Send("cp-1", []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if oldSender.count() != 0 || fresh.count() != 1 {
		t.Errorf("frame routed to the wrong socket: old=%d new=%d", oldSender.count(), fresh.count())
	}

	// Unregistering the replaced session must not drop the new one.
	m.Unregister("cp-1", old)
	if m.Count() != 1 {
		t.Error("stale unregister removed the live session")
	}
}

func TestManager_UnregisterIsIdempotent(t *testing.T) {
	m := NewManager(nil, logger.NopLogger{})
	s := m.Register("cp-1", "addr", &recordSender{})
	m.Unregister("cp-1", s)
	m.Unregister("cp-1", s)
	if m.Count() != 0 {
		t.Errorf("count = %d, want 0", m.Count())
	}
}

func TestManager_BroadcastPredicate(t *testing.T) {
	m := NewManager(nil, logger.NopLogger{})
	a := &recordSender{}
	b := &recordSender{}
	broken := &recordSender{fail: true}
	m.Register("cp-a", "addr", a)
	m.Register("cp-b", "addr", b)
	m.Register("cp-c", "addr", broken)

	sent := m.Broadcast(nil, []byte("all"))
	if sent != 2 {
		t.Errorf("broadcast sent %d, want 2 (one socket is broken)", sent)
	}

	sent = m.Broadcast(func(s *Session) bool { return s.CPSN == "cp-a" }, []byte("one"))
	if sent != 1 || a.count() != 2 || b.count() != 1 {
		t.Errorf("predicate broadcast: sent=%d a=%d b=%d", sent, a.count(), b.count())
	}
}

func TestManager_PublishesConnectionEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	sub := bus.Subscribe()

	m := NewManager(bus, logger.NopLogger{})
	s := m.Register("cp-1", "addr", &recordSender{})
	m.Unregister("cp-1", s)

	var got []events.ConnectionEvent
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			if ce, ok := ev.(events.ConnectionEvent); ok {
				got = append(got, ce)
			}
		case <-timeout:
			t.Fatalf("got %d connection events, want 2", len(got))
		}
	}
	if !got[0].Connected || got[1].Connected {
		t.Errorf("events out of order: %+v", got)
	}
}

func TestManager_SnapshotConnectors(t *testing.T) {
	m := NewManager(nil, logger.NopLogger{})
	s := m.Register("cp-1", "addr", &recordSender{})
	s.WithLock(func(cp *model.ChargePoint) {
		cp.Connectors[1] = &model.Connector{CPSN: "cp-1", ConnectorID: 1, Status: model.StatusCharging}
		cp.Connectors[2] = &model.Connector{CPSN: "cp-1", ConnectorID: 2, Status: model.StatusAvailable}
	})

	snap := m.SnapshotConnectors()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d connectors, want 2", len(snap))
	}
	// The snapshot must be a copy, not a view into live state.
	snap[0].Status = model.StatusFaulted
	for _, c := range m.SnapshotConnectors() {
		if c.Status == model.StatusFaulted {
			t.Fatal("mutating the snapshot leaked into live state")
		}
	}
}
