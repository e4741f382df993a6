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
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/httputil"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// handleListDeadLetters is GET /api/workflows/{id}/dead-letters.
func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	letters, err := h.store.ListDeadLetters(r.Context(), ownerID, wf.ID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("Failed to list dead letters", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	views := make([]map[string]any, 0, len(letters))
	for _, dl := range letters {
		snapshot := deepCopyObject(dl.Snapshot)
		RedactSecrets(snapshot)
		views = append(views, map[string]any{
			"id":          dl.ID,
			"workflow_id": dl.WorkflowID,
			"run_id":      dl.RunID,
			"error":       dl.Error,
			"snapshot":    snapshot,
			"created_at":  dl.CreatedAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": views})
}

// handleRequeueDeadLetter is POST /api/workflows/{id}/dead-letters/{dead_id}/requeue.
func (h *Handler) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	workflowID := pathUUID(r, "id")
	deadID := pathUUID(r, "dead_id")
	if workflowID == uuid.Nil || deadID == uuid.Nil {
		httputil.WriteError(w, http.StatusNotFound, "Dead letter not found")
		return
	}
	run, err := h.store.RequeueDeadLetter(r.Context(), ownerID, workflowID, deadID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Dead letter not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to requeue dead letter", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to requeue dead letter")
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"run":     RedactRun(run),
	})
}

// handleClearDeadLetters is DELETE /api/workflows/{id}/dead-letters.
func (h *Handler) handleClearDeadLetters(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	count, err := h.store.ClearDeadLetters(r.Context(), ownerID, wf.ID)
	if err != nil {
		h.logger.Error("Failed to clear dead letters", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to clear dead letters")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cleared": count})
}

// handleListEgressBlocks is GET /api/workflows/{id}/egress-blocks.
func (h *Handler) handleListEgressBlocks(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	eventsList, err := h.store.ListEgressBlockEvents(r.Context(), ownerID, wf.ID, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		h.logger.Error("Failed to list egress block events", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list egress block events")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": eventsList})
}

// handleClearEgressBlocks is DELETE /api/workflows/{id}/egress-blocks.
func (h *Handler) handleClearEgressBlocks(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	count, err := h.store.ClearEgressBlockEvents(r.Context(), ownerID, wf.ID)
	if err != nil {
		h.logger.Error("Failed to clear egress block events", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to clear egress block events")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"cleared": count})
}
