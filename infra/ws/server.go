// Package ws exposes the OCPP 1.6-J WebSocket endpoint. Each accepted socket
// gets one goroutine that reads frames sequentially, which serializes all
// state mutation for that charge point.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voltgrid/csms/core/logger"
	"github.com/voltgrid/csms/core/session"
)

// Config tunes the WebSocket endpoint.
type Config struct {
	Addr string `json:"addr"`
	// IdleTimeoutSeconds drops a socket with no inbound traffic; OCPP
	// heartbeats keep healthy devices well inside it.
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`
}

// SetDefaults fills missing values.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9000"
	}
	if c.IdleTimeoutSeconds <= 0 {
		c.IdleTimeoutSeconds = 900
	}
}

// FrameHandler is the message state machine entry point. Implemented by
// csms.Controller.
type FrameHandler interface {
	OnConnect(ctx context.Context, s *session.Session)
	OnDisconnect(s *session.Session)
	HandleFrame(ctx context.Context, s *session.Session, raw []byte) []byte
}

// Server accepts charge point connections on /ocpp/{cpsn}.
type Server struct {
	cfg      Config
	sessions *session.Manager
	handler  FrameHandler
	log      logger.Logger

	upgrader websocket.Upgrader
}

// NewServer creates the WebSocket server.
func NewServer(cfg Config, sessions *session.Manager, handler FrameHandler, log logger.Logger) *Server {
	cfg.SetDefaults()
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		handler:  handler,
		log:      log,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{"ocpp1.6"},
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Run serves the endpoint until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get("/ocpp/{cpsn}", s.accept)
	srv := &http.Server{Addr: s.cfg.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("OCPP endpoint listening on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	cpsn := chi.URLParam(r, "cpsn")
	if cpsn == "" {
		http.Error(w, "missing charge point serial", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("upgrade %s: %v", cpsn, err)
		return
	}
	// The handler goroutine is the per-socket task; it blocks here for the
	// connection lifetime.
	s.serve(r.Context(), cpsn, r.RemoteAddr, conn)
}

// wsSender satisfies session.Sender. gorilla/websocket allows one concurrent
// writer, so writes are serialized here.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

// serve is the per-charge-point goroutine: read, handle, reply, until the
// socket dies. Any exit path unregisters the session exactly once.
func (s *Server) serve(ctx context.Context, cpsn, remoteAddr string, conn *websocket.Conn) {
	sender := &wsSender{conn: conn}
	sess := s.sessions.Register(cpsn, remoteAddr, sender)
	s.handler.OnConnect(ctx, sess)
	idle := time.Duration(s.cfg.IdleTimeoutSeconds) * time.Second

	defer func() {
		_ = conn.Close()
		s.sessions.Unregister(cpsn, sess)
		s.handler.OnDisconnect(sess)
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnf("%s socket error: %v", cpsn, err)
			}
			return
		}
		if reply := s.handler.HandleFrame(ctx, sess, raw); reply != nil {
			if err := sender.Send(reply); err != nil {
				s.log.Warnf("%s reply write failed: %v", cpsn, err)
				return
			}
		}
	}
}
