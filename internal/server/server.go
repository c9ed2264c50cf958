// Package server exposes the ingestion API: signal intake from the
// model collaborator, the broker webhook fallback, and health checks.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/engine"
	"signal_trader/internal/reconcile"
	apperrors "signal_trader/pkg/errors"
)

// Server is the ingestion HTTP server
type Server struct {
	addr     string
	pipeline *engine.Pipeline
	listener *reconcile.Listener
	broker   core.IBroker
	store    core.IStore
	logger   core.ILogger
	srv      *http.Server
}

func New(
	addr string,
	pipeline *engine.Pipeline,
	listener *reconcile.Listener,
	broker core.IBroker,
	store core.IStore,
	logger core.ILogger,
) *Server {
	return &Server{
		addr:     addr,
		pipeline: pipeline,
		listener: listener,
		broker:   broker,
		store:    store,
		logger:   logger.WithField("component", "api_server"),
	}
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /signals", s.handleSignal)
	mux.HandleFunc("POST /webhooks/broker", s.handleBrokerWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Starting API server", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Stop gracefully drains in-flight requests
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var env core.SignalEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed signal payload")
		return
	}

	sig, err := s.pipeline.HandleEnvelope(r.Context(), &env)
	switch {
	case errors.Is(err, apperrors.ErrInvalidSignal):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, apperrors.ErrDuplicateOrder):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate signal"})
		return
	case err != nil:
		// The signal was accepted even if downstream processing failed;
		// the sweeper picks the order up later.
		s.logger.Error("Signal processing failed", "error", err)
	}

	status := http.StatusAccepted
	body := map[string]string{"status": "accepted"}
	if sig != nil {
		body["signal_id"] = sig.ID
		body["state"] = string(sig.State)
	}
	writeJSON(w, status, body)
}

// handleBrokerWebhook is the delivery fallback for brokers that push
// execution reports over HTTP instead of (or in addition to) the
// websocket stream. Dedup makes double delivery harmless.
func (s *Server) handleBrokerWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var ev core.BrokerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed broker event")
		return
	}
	if ev.EventID == "" {
		writeError(w, http.StatusBadRequest, "missing event_id")
		return
	}
	ev.Raw = raw

	res, err := s.listener.HandleEvent(r.Context(), &ev)
	if err != nil {
		// Tell the broker to redeliver; dedup absorbs the repeat.
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(res)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	if err := s.broker.CheckHealth(r.Context()); err != nil {
		health["status"] = "degraded"
		health["broker"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, health)
		return
	}

	if ps, err := s.store.GetPortfolioState(r.Context()); err == nil {
		health["portfolio_value"] = ps.PortfolioValue.StringFixed(2)
		health["cash"] = ps.Cash.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, health)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
