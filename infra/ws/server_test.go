package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voltgrid/csms/core/session"
	"github.com/voltgrid/csms/infra/logger"
)

// echoHandler replies to every frame with a fixed payload and records the
// lifecycle callbacks.
type echoHandler struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	frames       [][]byte
	reply        []byte
}

func (h *echoHandler) OnConnect(_ context.Context, s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, s.CPSN)
}

func (h *echoHandler) OnDisconnect(s *session.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, s.CPSN)
}

func (h *echoHandler) HandleFrame(_ context.Context, _ *session.Session, raw []byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, append([]byte(nil), raw...))
	return h.reply
}

func (h *echoHandler) snapshot() (conn, disc int, frames [][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connected), len(h.disconnected), h.frames
}

func newTestEndpoint(t *testing.T) (*httptest.Server, *session.Manager, *echoHandler) {
	t.Helper()
	sessions := session.NewManager(nil, logger.NopLogger{})
	handler := &echoHandler{reply: []byte(`[3,"1",{}]`)}
	srv := NewServer(Config{IdleTimeoutSeconds: 5}, sessions, handler, logger.NopLogger{})
	r := chi.NewRouter()
	r.Get("/ocpp/{cpsn}", srv.accept)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, sessions, handler
}

func dial(t *testing.T, ts *httptest.Server, cpsn string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ocpp/" + cpsn
	dialer := websocket.Dialer{Subprotocols: []string{"ocpp1.6"}}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func TestEndpointFrameRoundTrip(t *testing.T) {
	ts, sessions, handler := newTestEndpoint(t)
	conn := dial(t, ts, "cp-1")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`[2,"1","Heartbeat",{}]`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(reply) != `[3,"1",{}]` {
		t.Errorf("reply = %s", reply)
	}

	connCount, _, frames := handler.snapshot()
	if connCount != 1 || len(frames) != 1 {
		t.Errorf("handler saw %d connects, %d frames", connCount, len(frames))
	}
	if sessions.Count() != 1 {
		t.Errorf("session table has %d entries, want 1", sessions.Count())
	}
}

func TestEndpointUnregistersOnClose(t *testing.T) {
	ts, sessions, handler := newTestEndpoint(t)
	conn := dial(t, ts, "cp-2")
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, disc, _ := handler.snapshot()
		if disc == 1 && sessions.Count() == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not cleaned up: count=%d disconnects=%d", sessions.Count(), disc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndpointNegotiatesOCPPSubprotocol(t *testing.T) {
	ts, _, _ := newTestEndpoint(t)
	conn := dial(t, ts, "cp-3")
	defer conn.Close()
	if got := conn.Subprotocol(); got != "ocpp1.6" {
		t.Errorf("subprotocol = %q, want ocpp1.6", got)
	}
}

func TestEndpointOutboundSend(t *testing.T) {
	ts, sessions, _ := newTestEndpoint(t)
	conn := dial(t, ts, "cp-4")
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sessions.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := sessions.Send("cp-4", []byte(`[2,"srv-1","RemoteStartTransaction",{"idTag":"t"}]`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "RemoteStartTransaction") {
		t.Errorf("unexpected outbound frame: %s", msg)
	}
}
