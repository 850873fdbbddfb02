// Package api exposes the REST control endpoints consumed by the admin
// surface. Only the control operations live here; fleet CRUD stays with the
// external admin service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voltgrid/csms/core/csms"
	"github.com/voltgrid/csms/core/ems"
	"github.com/voltgrid/csms/core/logger"
	"github.com/voltgrid/csms/core/session"
)

// Config tunes the control API listener.
type Config struct {
	Addr string `json:"addr"`
}

// SetDefaults fills missing values.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// RemoteControl is the subset of the controller the API drives.
type RemoteControl interface {
	RemoteStart(ctx context.Context, cpsn string, connectorID int, idTag string) error
	RemoteStop(ctx context.Context, cpsn string, transactionID int) error
}

// Allocator triggers recomputes and exposes the last result.
type Allocator interface {
	Trigger(reason string)
	Last() *ems.Result
}

// Server wires the endpoints.
type Server struct {
	cfg       Config
	sessions  *session.Manager
	control   RemoteControl
	allocator Allocator
	log       logger.Logger
}

// NewServer creates the control API server.
func NewServer(cfg Config, sessions *session.Manager, control RemoteControl, allocator Allocator, log logger.Logger) *Server {
	cfg.SetDefaults()
	return &Server{cfg: cfg, sessions: sessions, control: control, allocator: allocator, log: log}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/ocpp/api", func(r chi.Router) {
		r.Post("/remote-start", s.remoteStart)
		r.Post("/remote-stop", s.remoteStop)
		r.Get("/see_connections", s.seeConnections)
		r.Post("/trigger_meter_reallocation", s.triggerReallocation)
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// Run serves the API until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("control API listening on %s", s.cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type remoteStartReq struct {
	CPSN        string `json:"cpsn"`
	ConnectorID int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
}

func (s *Server) remoteStart(w http.ResponseWriter, r *http.Request) {
	var req remoteStartReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.CPSN == "" || req.IdTag == "" {
		writeError(w, http.StatusBadRequest, "cpsn and idTag are required")
		return
	}
	if err := s.control.RemoteStart(r.Context(), req.CPSN, req.ConnectorID, req.IdTag); err != nil {
		s.writeControlError(w, req.CPSN, "remote start", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type remoteStopReq struct {
	CPSN          string `json:"cpsn"`
	TransactionID int    `json:"transactionId"`
}

func (s *Server) remoteStop(w http.ResponseWriter, r *http.Request) {
	var req remoteStopReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.CPSN == "" || req.TransactionID == 0 {
		writeError(w, http.StatusBadRequest, "cpsn and transactionId are required")
		return
	}
	if err := s.control.RemoteStop(r.Context(), req.CPSN, req.TransactionID); err != nil {
		s.writeControlError(w, req.CPSN, "remote stop", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type connectionInfo struct {
	CPSN       string    `json:"cpsn"`
	RemoteAddr string    `json:"remote_addr"`
	Connected  time.Time `json:"connected_at"`
	Connectors int       `json:"connectors"`
}

func (s *Server) seeConnections(w http.ResponseWriter, _ *http.Request) {
	ids := s.sessions.ConnectedIDs()
	out := make([]connectionInfo, 0, len(ids))
	for _, id := range ids {
		sess, err := s.sessions.Get(id)
		if err != nil {
			continue
		}
		out = append(out, connectionInfo{
			CPSN:       sess.CPSN,
			RemoteAddr: sess.RemoteAddr,
			Connected:  sess.Connected,
			Connectors: len(sess.SnapshotConnectors()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) triggerReallocation(w http.ResponseWriter, _ *http.Request) {
	s.allocator.Trigger("operator requested reallocation")
	resp := map[string]any{"status": "triggered"}
	if last := s.allocator.Last(); last != nil {
		resp["last_summary"] = last.Summary
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) writeControlError(w http.ResponseWriter, cpsn, op string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "charge point not connected")
	case errors.Is(err, csms.ErrUnknownTransaction):
		writeError(w, http.StatusNotFound, "unknown transaction")
	case errors.Is(err, csms.ErrCallTimeout):
		writeError(w, http.StatusGatewayTimeout, "charge point did not respond")
	default:
		s.log.Errorf("%s on %s: %v", op, cpsn, err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
