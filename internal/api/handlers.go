/**
 * @description
 * Operational HTTP surface for the CDC pipeline: liveness, readiness, the
 * consumer lag snapshot, and Prometheus metrics. This service exposes no
 * user-facing API; everything here is for the host process and operators on
 * the internal network.
 */

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corebank/ledger-cdc-service/internal/cdc"
	"github.com/corebank/ledger-cdc-service/internal/store"
)

// Handlers serves the operational endpoints.
type Handlers struct {
	manager *cdc.Manager
	repo    store.Repository
}

// NewHandlers creates the operational handlers.
func NewHandlers(manager *cdc.Manager, repo store.Repository) *Handlers {
	return &Handlers{manager: manager, repo: repo}
}

// Routes builds the operational router.
func Routes(h *Handlers, gatherer prometheus.Gatherer) chi.Router {
	router := chi.NewRouter()
	router.Get("/healthz", h.Health)
	router.Get("/readyz", h.Ready)
	router.Get("/cdc/lag", h.Lag)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return router
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready verifies the projection store is reachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		log.Printf("level=warn component=api msg=\"readiness check failed\" err=%v", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Lag reports the pipeline health snapshot: oldest unacknowledged event age,
// in-flight count, and awaiting-pending backlog.
func (h *Handlers) Lag(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snapshot, err := h.manager.Health(ctx)
	if err != nil {
		log.Printf("level=warn component=api msg=\"lag snapshot failed\" err=%v", err)
		http.Error(w, "health snapshot unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.Printf("level=warn component=api msg=\"lag snapshot encode failed\" err=%v", err)
	}
}
