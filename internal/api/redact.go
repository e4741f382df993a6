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
	"strings"
	"time"

	"github.com/jasonrsadler/dsentr/internal/store"
)

// redactedPlaceholder replaces sensitive values in API responses.
const redactedPlaceholder = "********"

// sensitiveKeyFragments flags object keys whose values get redacted.
var sensitiveKeyFragments = []string{"secret", "token", "apikey", "api_key", "authorization"}

// RedactSecrets recursively masks values under sensitive keys. The input is
// mutated in place.
func RedactSecrets(value any) {
	switch t := value.(type) {
	case map[string]any:
		for k, v := range t {
			key := strings.ToLower(k)
			sensitive := false
			for _, frag := range sensitiveKeyFragments {
				if strings.Contains(key, frag) {
					sensitive = true
					break
				}
			}
			if sensitive {
				t[k] = redactedPlaceholder
			} else {
				RedactSecrets(v)
			}
		}
	case []any:
		for _, v := range t {
			RedactSecrets(v)
		}
	}
}

// RunView is the API shape of a workflow run. The snapshot is redacted.
type RunView struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	WorkflowID     string         `json:"workflow_id"`
	WorkspaceID    *string        `json:"workspace_id,omitempty"`
	Snapshot       map[string]any `json:"snapshot"`
	Status         string         `json:"status"`
	Error          *string        `json:"error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	QueuePriority  int            `json:"queue_priority"`
	Attempt        int            `json:"attempt"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// RedactRun converts a run for API responses, masking snapshot secrets.
func RedactRun(run *store.WorkflowRun) *RunView {
	view := &RunView{
		ID:             run.ID.String(),
		OwnerID:        run.OwnerID.String(),
		WorkflowID:     run.WorkflowID.String(),
		Status:         run.Status,
		Error:          run.Error,
		IdempotencyKey: run.IdempotencyKey,
		QueuePriority:  run.QueuePriority,
		Attempt:        run.Attempt,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
		CreatedAt:      run.CreatedAt,
		UpdatedAt:      run.UpdatedAt,
	}
	if run.WorkspaceID != nil {
		ws := run.WorkspaceID.String()
		view.WorkspaceID = &ws
	}
	if run.Snapshot != nil {
		view.Snapshot = deepCopyObject(run.Snapshot)
		RedactSecrets(view.Snapshot)
	}
	return view
}

// RedactRuns converts a slice of runs.
func RedactRuns(runs []*store.WorkflowRun) []*RunView {
	out := make([]*RunView, 0, len(runs))
	for _, run := range runs {
		out = append(out, RedactRun(run))
	}
	return out
}

func deepCopyObject(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyObject(t)
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = deepCopyValue(inner)
		}
		return out
	default:
		return v
	}
}
