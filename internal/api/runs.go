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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/httputil"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/store"
)

type startRunRequest struct {
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Priority       int            `json:"priority,omitempty"`
}

// loadWorkflow resolves the path workflow for the session owner, writing the
// 404 itself when it is missing.
func (h *Handler) loadWorkflow(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) (*store.Workflow, bool) {
	workflowID := pathUUID(r, "id")
	if workflowID == uuid.Nil {
		httputil.WriteError(w, http.StatusNotFound, "Workflow not found")
		return nil, false
	}
	wf, err := h.store.GetWorkflowForOwner(r.Context(), ownerID, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Workflow not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to load workflow", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to load workflow")
		return nil, false
	}
	return wf, true
}

// handleStartRun is POST /api/workflows/{id}/runs.
func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}

	var req startRunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	snapshot := buildSnapshot(wf, req.Context)

	var ticket *store.QuotaTicket
	var err error
	if wf.WorkspaceID != nil {
		ticket, err = h.store.ConsumeWorkspaceRunQuota(r.Context(), *wf.WorkspaceID)
		if errors.Is(err, store.ErrQuotaExhausted) {
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": WorkspaceRunLimitError})
			return
		}
		if err != nil {
			h.logger.Error("Failed to consume run quota", log.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "Failed to start run")
			return
		}
	}

	result, err := h.store.CreateRun(r.Context(), ownerID, wf.ID, wf.WorkspaceID, snapshot, req.IdempotencyKey, req.Priority)
	if err != nil {
		if releaseErr := h.store.ReleaseWorkspaceRunQuota(r.Context(), ticket); releaseErr != nil {
			h.logger.Warn("Failed to release run quota", log.Error(releaseErr))
		}
		h.logger.Error("Failed to create run", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}
	if !result.Created {
		if releaseErr := h.store.ReleaseWorkspaceRunQuota(r.Context(), ticket); releaseErr != nil {
			h.logger.Warn("Failed to release run quota", log.Error(releaseErr))
		}
	}

	status := http.StatusAccepted
	if !result.Created {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, map[string]any{
		"run":     RedactRun(result.Run),
		"created": result.Created,
	})
}

// handleRunStatus is GET /api/workflows/{id}/runs/{run_id}.
func (h *Handler) handleRunStatus(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	run, ok := h.loadRun(w, r, ownerID)
	if !ok {
		return
	}
	nodeRuns, err := h.store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("Failed to list node runs", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run":       RedactRun(run),
		"node_runs": nodeRuns,
	})
}

// handleDownloadRun is GET /api/workflows/{id}/runs/{run_id}/download.
func (h *Handler) handleDownloadRun(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	run, ok := h.loadRun(w, r, ownerID)
	if !ok {
		return
	}
	nodeRuns, err := h.store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("Failed to list node runs", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to load run")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="run-`+run.ID.String()+`.json"`)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"run":       RedactRun(run),
		"node_runs": nodeRuns,
	})
}

// handleCancelRun is POST /api/workflows/{id}/runs/{run_id}/cancel.
func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	workflowID := pathUUID(r, "id")
	runID := pathUUID(r, "run_id")
	if workflowID == uuid.Nil || runID == uuid.Nil {
		httputil.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	canceled, err := h.store.CancelRun(r.Context(), ownerID, workflowID, runID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to cancel run", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to cancel run")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"canceled": canceled})
}

// handleListActiveRuns is GET /api/runs/active.
func (h *Handler) handleListActiveRuns(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	runs, err := h.store.ListActiveRuns(r.Context(), ownerID)
	if err != nil {
		h.logger.Error("Failed to list active runs", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"runs": RedactRuns(runs)})
}

// handleListRuns is GET /api/workflows/{id}/runs with limit/offset paging.
func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	page, err := h.store.ListRuns(r.Context(), ownerID, wf.ID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list runs", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"runs":  RedactRuns(page.Runs),
		"total": page.Total,
	})
}

// handleCancelAllRuns is POST /api/workflows/{id}/runs/cancel-all.
func (h *Handler) handleCancelAllRuns(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	wf, ok := h.loadWorkflow(w, r, ownerID)
	if !ok {
		return
	}
	count, err := h.store.CancelAllRunsForWorkflow(r.Context(), ownerID, wf.ID)
	if err != nil {
		h.logger.Error("Failed to cancel runs", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to cancel runs")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"canceled": count})
}

// handleRerun is POST /api/workflows/{id}/runs/{run_id}/rerun. The new run
// reuses the old snapshot with the workflow's current egress allowlist and
// no idempotency key.
func (h *Handler) handleRerun(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	h.rerun(w, r, ownerID, "")
}

// handleRerunFromFailed is POST .../rerun-from-failed: the rerun starts at
// the first failed node of the source run.
func (h *Handler) handleRerunFromFailed(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) {
	run, ok := h.loadRun(w, r, ownerID)
	if !ok {
		return
	}
	nodeRuns, err := h.store.ListNodeRuns(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("Failed to list node runs", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to rerun")
		return
	}
	var failedNode string
	for _, nr := range nodeRuns {
		if nr.Status == store.NodeRunStatusFailed {
			failedNode = nr.NodeID
			break
		}
	}
	if failedNode == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Run has no failed node")
		return
	}
	h.rerun(w, r, ownerID, failedNode)
}

func (h *Handler) rerun(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID, startFromNode string) {
	run, ok := h.loadRun(w, r, ownerID)
	if !ok {
		return
	}
	wf, err := h.store.GetWorkflowForOwner(r.Context(), ownerID, run.WorkflowID)
	if err != nil {
		httputil.WriteError(w, http.StatusNotFound, "Workflow not found")
		return
	}

	snapshot := make(map[string]any, len(run.Snapshot)+1)
	for k, v := range run.Snapshot {
		snapshot[k] = v
	}
	allow := make([]any, 0, len(wf.EgressAllowlist))
	for _, host := range wf.EgressAllowlist {
		allow = append(allow, host)
	}
	snapshot["_egress_allowlist"] = allow
	if startFromNode != "" {
		snapshot["_start_from_node"] = startFromNode
	}

	result, err := h.store.CreateRun(r.Context(), ownerID, run.WorkflowID, run.WorkspaceID, snapshot, nil, run.QueuePriority)
	if err != nil {
		h.logger.Error("Failed to enqueue rerun", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to enqueue rerun")
		return
	}

	if h.journal != nil {
		ev := &store.RunEvent{
			WorkflowRunID: result.Run.ID,
			WorkflowID:    result.Run.WorkflowID,
			WorkspaceID:   result.Run.WorkspaceID,
			TriggeredBy:   "user:" + ownerID.String(),
		}
		if _, err := h.journal.Record(r.Context(), ev); err != nil {
			h.logger.Warn("Failed to record rerun event", log.Error(err))
		}
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"run":     RedactRun(result.Run),
	})
}

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request, ownerID uuid.UUID) (*store.WorkflowRun, bool) {
	workflowID := pathUUID(r, "id")
	runID := pathUUID(r, "run_id")
	if workflowID == uuid.Nil || runID == uuid.Nil {
		httputil.WriteError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	run, err := h.store.GetRun(r.Context(), ownerID, workflowID, runID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "Run not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to load run", log.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to load run")
		return nil, false
	}
	return run, true
}

func queryInt(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
