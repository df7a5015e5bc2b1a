package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-conversations/internal/logger"
	"github.com/PaulBabatuyi/realtime-conversations/internal/subscription"
)

const readyTimeout = 2 * time.Second

// connectionStatus is implemented by *push.Publisher.
type connectionStatus interface {
	Connected() bool
}

// opsHandler serves liveness, readiness and metrics for the orchestrator.
type opsHandler struct {
	store subscription.Pinger
	hub   *subscription.Hub
	push  connectionStatus // nil when push is disabled
	log   *logger.Logger
}

func newOpsRouter(store subscription.Pinger, hub *subscription.Hub, push connectionStatus, log *logger.Logger) http.Handler {
	h := &opsHandler{store: store, hub: hub, push: push, log: log.Component("ops")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// health handles GET /health
func (h *opsHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ready handles GET /ready: the store answers and the hub is streaming. The
// push connection is reported but never makes the server unready.
func (h *opsHandler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log.Warn("readiness: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "store unreachable",
		})
		return
	}
	if st := h.hub.State(); st != subscription.Streaming {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "subscription hub " + st.String(),
		})
		return
	}
	body := map[string]string{"status": "ready"}
	if h.push != nil {
		body["push"] = "disconnected"
		if h.push.Connected() {
			body["push"] = "connected"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
