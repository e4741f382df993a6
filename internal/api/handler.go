// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the workflow run management endpoints and the webhook
// trigger surface.
package api

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jasonrsadler/dsentr/internal/config"
	"github.com/jasonrsadler/dsentr/internal/events"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// webhookRateLimit bounds per-workflow webhook request bursts before any
// store work happens. Runaway protection is the durable mechanism; this
// throttle just keeps a misbehaving sender off the database.
const (
	webhookRateLimit = rate.Limit(50)
	webhookRateBurst = 100
)

// Handler serves the API routes.
type Handler struct {
	store   store.Store
	journal *events.Journal
	logger  *slog.Logger

	webhookSecret      string
	webhookSecretValid bool
	tokenSecret        string
	publicBaseURL      string

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// New creates the API handler.
func New(s store.Store, journal *events.Journal, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:              s,
		journal:            journal,
		logger:             log.WithComponent(logger, "api"),
		webhookSecret:      cfg.WebhookSecret,
		webhookSecretValid: cfg.WebhookSecretValid(),
		tokenSecret:        cfg.APITokenSecret,
		publicBaseURL:      cfg.PublicBaseURL,
		limiters:           make(map[uuid.UUID]*rate.Limiter),
	}
}

// RegisterRoutes registers every API route on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Webhook ingestion (token-authenticated by URL).
	mux.HandleFunc("POST /api/workflows/{id}/trigger/{token}", h.handleWebhookTrigger)
	mux.HandleFunc("POST /api/workflows/{id}/trigger/{token}/{label}", h.handleWebhookTrigger)

	// Run management (session-authenticated).
	mux.HandleFunc("POST /api/workflows/{id}/runs", h.withSession(h.handleStartRun))
	mux.HandleFunc("GET /api/workflows/{id}/runs", h.withSession(h.handleListRuns))
	mux.HandleFunc("GET /api/runs/active", h.withSession(h.handleListActiveRuns))
	mux.HandleFunc("GET /api/workflows/{id}/runs/{run_id}", h.withSession(h.handleRunStatus))
	mux.HandleFunc("GET /api/workflows/{id}/runs/{run_id}/download", h.withSession(h.handleDownloadRun))
	mux.HandleFunc("POST /api/workflows/{id}/runs/{run_id}/cancel", h.withSession(h.handleCancelRun))
	mux.HandleFunc("POST /api/workflows/{id}/runs/cancel-all", h.withSession(h.handleCancelAllRuns))
	mux.HandleFunc("POST /api/workflows/{id}/runs/{run_id}/rerun", h.withSession(h.handleRerun))
	mux.HandleFunc("POST /api/workflows/{id}/runs/{run_id}/rerun-from-failed", h.withSession(h.handleRerunFromFailed))

	// Dead letters and egress block events.
	mux.HandleFunc("GET /api/workflows/{id}/dead-letters", h.withSession(h.handleListDeadLetters))
	mux.HandleFunc("POST /api/workflows/{id}/dead-letters/{dead_id}/requeue", h.withSession(h.handleRequeueDeadLetter))
	mux.HandleFunc("DELETE /api/workflows/{id}/dead-letters", h.withSession(h.handleClearDeadLetters))
	mux.HandleFunc("GET /api/workflows/{id}/egress-blocks", h.withSession(h.handleListEgressBlocks))
	mux.HandleFunc("DELETE /api/workflows/{id}/egress-blocks", h.withSession(h.handleClearEgressBlocks))

	// Webhook configuration.
	mux.HandleFunc("GET /api/workflows/{id}/webhook", h.withSession(h.handleGetWebhookConfig))
	mux.HandleFunc("PUT /api/workflows/{id}/webhook", h.withSession(h.handleSetWebhookConfig))
	mux.HandleFunc("POST /api/workflows/{id}/webhook/rotate", h.withSession(h.handleRotateWebhookSalt))
}

// limiter returns the per-workflow webhook throttle.
func (h *Handler) limiter(workflowID uuid.UUID) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[workflowID]
	if !ok {
		l = rate.NewLimiter(webhookRateLimit, webhookRateBurst)
		h.limiters[workflowID] = l
	}
	return l
}

// pathUUID parses a path value as a UUID, returning uuid.Nil on failure.
func pathUUID(r *http.Request, name string) uuid.UUID {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil
	}
	return id
}
