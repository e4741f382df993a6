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

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/events"
	"github.com/jasonrsadler/dsentr/internal/httputil"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/metrics"
	"github.com/jasonrsadler/dsentr/internal/store"
	"github.com/jasonrsadler/dsentr/internal/webhook"
)

// WorkspaceRunLimitError is the 429 error code for exhausted run quotas.
const WorkspaceRunLimitError = "workspace_run_limit"

// soloPlan is the workspace plan that cannot use webhook signing.
const soloPlan = "solo"

// maxWebhookBodyBytes caps the webhook request body.
const maxWebhookBodyBytes = 1 << 20

// handleWebhookTrigger is POST /api/workflows/{id}/trigger/{token}[/{label}].
//
// Every authentication failure answers 401 and every resolution failure 404,
// with no distinction between a missing workflow and a missing trigger, so
// the endpoint leaks nothing to probes.
func (h *Handler) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	if !h.webhookSecretValid {
		h.logger.Error("Webhook secret is not configured with sufficient entropy")
		httputil.WriteError(w, http.StatusInternalServerError, "Webhook secret is not configured; contact an administrator.")
		return
	}

	workflowID := pathUUID(r, "id")
	if workflowID == uuid.Nil {
		metrics.RecordWebhookRequest("not_found")
		httputil.WriteError(w, http.StatusNotFound, "Workflow not found")
		return
	}

	if !h.limiter(workflowID).Allow() {
		metrics.RecordWebhookRequest("throttled")
		httputil.WriteError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), workflowID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordWebhookRequest("not_found")
		httputil.WriteError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load workflow for webhook", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue")
		return
	}

	triggers := webhook.CollectTriggers(wf.Graph)
	selected := webhook.SelectTrigger(triggers, r.PathValue("label"))
	if len(triggers) == 0 || selected == nil {
		metrics.RecordWebhookRequest("not_found")
		httputil.WriteError(w, http.StatusNotFound, "Workflow not found")
		return
	}

	expected := webhook.ComputeToken(h.webhookSecret, wf.OwnerID, wf.ID, wf.WebhookSalt)
	if subtle.ConstantTimeCompare([]byte(r.PathValue("token")), []byte(expected)) != 1 {
		metrics.RecordWebhookRequest("bad_token")
		httputil.WriteError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var body map[string]any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "Request body must be JSON")
			return
		}
	}

	var workspace *store.Workspace
	var settings *store.WorkspaceSettings
	if wf.WorkspaceID != nil {
		workspace, err = h.store.GetWorkspace(r.Context(), *wf.WorkspaceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("Failed to load workspace for webhook", log.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue")
			return
		}
		if set, err := h.store.GetWorkspaceSettings(r.Context(), *wf.WorkspaceID); err == nil {
			settings = set
		}
	}

	// Runtime plan gating: signing on a solo workspace is forbidden even if
	// the flag was somehow set.
	if wf.RequireHMAC && (workspace == nil || workspace.Plan == soloPlan) {
		metrics.RecordWebhookRequest("forbidden")
		httputil.WriteError(w, http.StatusForbidden, "Webhook signing requires the Workspace plan.")
		return
	}

	if wf.RequireHMAC {
		if !h.verifyWebhookHMAC(w, r, wf, rawBody, body) {
			return
		}
	}

	if wf.WorkspaceID != nil {
		err := webhook.EnforceRunawayProtection(r.Context(), h.store, settings, *wf.WorkspaceID)
		if errors.Is(err, webhook.ErrRunawayTriggered) {
			metrics.RecordWebhookRequest("runaway")
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": webhook.RunawayProtectionError})
			return
		}
		if err != nil {
			h.logger.Error("Failed to enforce runaway protection",
				slog.String(log.WorkspaceIDKey, wf.WorkspaceID.String()), log.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue")
			return
		}
	}

	snapshot := buildSnapshot(wf, body)
	snapshot["_start_from_node"] = selected.ID
	snapshot["_start_trigger_label"] = selected.Label

	var ticket *store.QuotaTicket
	if wf.WorkspaceID != nil {
		ticket, err = h.store.ConsumeWorkspaceRunQuota(r.Context(), *wf.WorkspaceID)
		if errors.Is(err, store.ErrQuotaExhausted) {
			metrics.RecordWebhookRequest("quota")
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": WorkspaceRunLimitError})
			return
		}
		if err != nil {
			h.logger.Error("Failed to consume run quota", log.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue")
			return
		}
	}

	result, err := h.store.CreateRun(r.Context(), wf.OwnerID, wf.ID, wf.WorkspaceID, snapshot, nil, 0)
	if err != nil {
		if releaseErr := h.store.ReleaseWorkspaceRunQuota(r.Context(), ticket); releaseErr != nil {
			h.logger.Warn("Failed to release run quota", log.Error(releaseErr))
		}
		h.logger.Error("Failed to create webhook run", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue run")
		return
	}
	if !result.Created {
		// Idempotent hit: give the ticket back.
		if releaseErr := h.store.ReleaseWorkspaceRunQuota(r.Context(), ticket); releaseErr != nil {
			h.logger.Warn("Failed to release run quota", log.Error(releaseErr))
		}
	}

	metrics.RecordWebhookRequest("accepted")
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"run":     RedactRun(result.Run),
	})
}

// verifyWebhookHMAC runs the full signature check including replay defense.
// It writes the response itself on failure and reports whether to proceed.
func (h *Handler) verifyWebhookHMAC(w http.ResponseWriter, r *http.Request, wf *store.Workflow, rawBody []byte, body map[string]any) bool {
	in, err := webhook.ExtractSignature(r.Header.Get, rawBody, body)
	if err != nil {
		metrics.RecordWebhookRequest("bad_signature")
		httputil.WriteError(w, http.StatusUnauthorized, err.Error())
		return false
	}

	signingKey := webhook.ComputeSigningKey(h.webhookSecret, wf.OwnerID, wf.ID, wf.WebhookSalt)
	window := store.ClampReplayWindow(wf.HMACReplayWindowSec)
	signature, err := webhook.Verify(in, signingKey, window, time.Now())
	if err != nil {
		metrics.RecordWebhookRequest("bad_signature")
		httputil.WriteError(w, http.StatusUnauthorized, err.Error())
		return false
	}

	fresh, err := h.store.TryRecordWebhookSignature(r.Context(), wf.ID, signature)
	if err != nil {
		h.logger.Error("Failed to record webhook signature", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue")
		return false
	}
	if !fresh {
		metrics.RecordWebhookRequest("replay")
		httputil.WriteError(w, http.StatusUnauthorized, "Replay detected")
		return false
	}
	return true
}

// buildSnapshot assembles the run snapshot: the workflow graph plus the
// reserved decorators.
func buildSnapshot(wf *store.Workflow, triggerContext map[string]any) map[string]any {
	snapshot := make(map[string]any, len(wf.Graph)+4)
	for k, v := range wf.Graph {
		snapshot[k] = v
	}
	if triggerContext != nil {
		snapshot["_trigger_context"] = triggerContext
	}
	allow := make([]any, 0, len(wf.EgressAllowlist))
	for _, host := range wf.EgressAllowlist {
		allow = append(allow, host)
	}
	snapshot["_egress_allowlist"] = allow
	if refs := events.CollectGraphConnections(wf.Graph); len(refs) > 0 {
		snapshot["_connection_metadata"] = refs
	}
	return snapshot
}

// --- Webhook configuration endpoints ---

type webhookConfigRequest struct {
	RequireHMAC     bool `json:"require_hmac"`
	ReplayWindowSec int  `json:"replay_window_sec"`
}

// handleGetWebhookConfig is GET /api/workflows/{id}/webhook.
func (h *Handler) handleGetWebhookConfig(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	if !h.webhookSecretValid {
		httputil.WriteError(w, http.StatusInternalServerError, "Webhook secret is not configured; contact an administrator.")
		return
	}
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.webhookConfigPayload(wf))
}

// handleSetWebhookConfig is PUT /api/workflows/{id}/webhook. The solo-plan
// gate applies here as well as at trigger time; both are authoritative.
func (h *Handler) handleSetWebhookConfig(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	if !h.webhookSecretValid {
		httputil.WriteError(w, http.StatusInternalServerError, "Webhook secret is not configured; contact an administrator.")
		return
	}
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}

	var req webhookConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.RequireHMAC && !h.workspaceAllowsSigning(r, wf) {
		httputil.WriteError(w, http.StatusForbidden, "Webhook signing requires the Workspace plan.")
		return
	}

	updated, err := h.store.SetWebhookConfig(r.Context(), ownerID, wf.ID, req.RequireHMAC, req.ReplayWindowSec)
	if err != nil {
		h.logger.Error("Failed to set webhook config", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to update webhook config")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.webhookConfigPayload(updated))
}

// handleRotateWebhookSalt is POST /api/workflows/{id}/webhook/rotate.
func (h *Handler) handleRotateWebhookSalt(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	if !h.webhookSecretValid {
		httputil.WriteError(w, http.StatusInternalServerError, "Webhook secret is not configured; contact an administrator.")
		return
	}
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	if _, err := h.store.RotateWebhookSalt(r.Context(), ownerID, wf.ID); err != nil {
		h.logger.Error("Failed to rotate webhook salt", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to rotate webhook salt")
		return
	}
	updated, err := h.store.GetWorkflowForOwner(r.Context(), ownerID, wf.ID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to rotate webhook salt")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.webhookConfigPayload(updated))
}

func (h *Handler) workspaceAllowsSigning(r *http.Request, wf *store.Workflow) bool {
	if wf.WorkspaceID == nil {
		return false
	}
	workspace, err := h.store.GetWorkspace(r.Context(), *wf.WorkspaceID)
	if err != nil {
		return false
	}
	return workspace.Plan != soloPlan
}

// webhookConfigPayload builds the config response: the base trigger URL,
// one labeled URL per webhook trigger, and the signing key when HMAC is on.
func (h *Handler) webhookConfigPayload(wf *store.Workflow) map[string]any {
	token := webhook.ComputeToken(h.webhookSecret, wf.OwnerID, wf.ID, wf.WebhookSalt)
	base := h.publicBaseURL + "/api/workflows/" + wf.ID.String() + "/trigger/" + token

	triggers := webhook.CollectTriggers(wf.Graph)
	triggerURLs := make([]map[string]any, 0, len(triggers))
	for _, t := range triggers {
		triggerURLs = append(triggerURLs, map[string]any{
			"label": t.Label,
			"url":   base + "/" + url.PathEscape(t.Label),
		})
	}

	payload := map[string]any{
		"url":                    base,
		"triggers":               triggerURLs,
		"require_hmac":           wf.RequireHMAC,
		"hmac_replay_window_sec": store.ClampReplayWindow(wf.HMACReplayWindowSec),
	}
	if wf.RequireHMAC {
		payload["signing_key"] = webhook.ComputeSigningKey(h.webhookSecret, wf.OwnerID, wf.ID, wf.WebhookSalt)
	}
	return payload
}
