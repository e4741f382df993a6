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

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/engine/actions"
	"github.com/jasonrsadler/dsentr/internal/events"
	"github.com/jasonrsadler/dsentr/internal/secrets"
	"github.com/jasonrsadler/dsentr/internal/store"
	"github.com/jasonrsadler/dsentr/internal/store/memory"
)

const testWorkerID = "worker-test-1"

func newTestExecutor(t *testing.T, s *memory.Store) *Executor {
	t.Helper()
	return New(s, events.New(s, nil), &actions.State{Events: s}, Config{
		WorkerID:             testWorkerID,
		LeaseSeconds:         60,
		StatusPollInterval:   time.Millisecond,
		StatusPollTimeout:    100 * time.Millisecond,
		LeaseRenewalInterval: time.Minute,
	}, nil)
}

// enqueueAndClaim creates a queued run for the snapshot and claims it under
// the test worker, mirroring the pool's handoff to the executor.
func enqueueAndClaim(t *testing.T, s *memory.Store, wf *store.Workflow, snapshot map[string]any) *store.WorkflowRun {
	t.Helper()
	_, err := s.CreateRun(context.Background(), wf.OwnerID, wf.ID, wf.WorkspaceID, snapshot, nil, 0)
	require.NoError(t, err)
	run, err := s.ClaimNextEligibleRun(context.Background(), testWorkerID, 60)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func seedWorkflow(t *testing.T, s *memory.Store) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:               uuid.New(),
		OwnerID:          uuid.New(),
		Name:             "wf",
		Graph:            map[string]any{},
		ConcurrencyLimit: 1,
		WebhookSalt:      uuid.New(),
	}
	s.PutWorkflow(wf)
	return wf
}

func triggerNode(id, label string) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "trigger",
		"data": map[string]any{"triggerType": "webhook", "label": label},
	}
}

func httpActionNode(id, rawURL string) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "action",
		"data": map[string]any{
			"label":      id,
			"actionType": "http",
			"retries":    float64(0),
			"params":     map[string]any{"url": rawURL, "method": "GET"},
		},
	}
}

func edge(source, target string) map[string]any {
	return map[string]any{"source": source, "target": target}
}

func nodeRunsByID(t *testing.T, s *memory.Store, runID uuid.UUID) map[string]*store.NodeRun {
	t.Helper()
	list, err := s.ListNodeRuns(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]*store.NodeRun, len(list))
	for _, nr := range list {
		out[nr.NodeID] = nr
	}
	return out
}

func TestExecuteRunHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pong":true}`))
	}))
	defer server.Close()
	serverHost := mustHost(t, server.URL)
	t.Setenv(egress.EnvAllowedDomains, serverHost)
	t.Setenv(egress.EnvDisallowedDomains, "")
	t.Setenv(egress.EnvDefaultDeny, "")
	t.Setenv(egress.EnvEnvironment, "")

	s := memory.New()
	wf := seedWorkflow(t, s)
	snapshot := map[string]any{
		"nodes": []any{
			triggerNode("t1", "T"),
			httpActionNode("a1", server.URL+"/ping"),
		},
		"edges":             []any{edge("t1", "a1")},
		"_trigger_context":  map[string]any{"x": float64(1)},
		"_egress_allowlist": []any{serverHost},
	}

	run := enqueueAndClaim(t, s, wf, snapshot)
	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	status, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, status)

	nodeRuns := nodeRunsByID(t, s, run.ID)
	require.Contains(t, nodeRuns, "t1")
	require.Contains(t, nodeRuns, "a1")
	assert.Equal(t, store.NodeRunStatusSucceeded, nodeRuns["t1"].Status)
	assert.Equal(t, store.NodeRunStatusSucceeded, nodeRuns["a1"].Status)

	outputs, ok := nodeRuns["a1"].Outputs.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 200, asInt(outputs["status"]))
}

func TestExecuteRunEgressBlocked(t *testing.T) {
	t.Setenv(egress.EnvAllowedDomains, "")
	t.Setenv(egress.EnvDisallowedDomains, "evil.example.com")
	t.Setenv(egress.EnvDefaultDeny, "")
	t.Setenv(egress.EnvEnvironment, "")

	s := memory.New()
	wf := seedWorkflow(t, s)
	snapshot := map[string]any{
		"nodes": []any{
			triggerNode("t1", "T"),
			httpActionNode("a1", "https://evil.example.com/x"),
		},
		"edges": []any{edge("t1", "a1")},
	}

	run := enqueueAndClaim(t, s, wf, snapshot)
	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	status, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, status)

	nodeRuns := nodeRunsByID(t, s, run.ID)
	require.NotNil(t, nodeRuns["a1"].Error)
	assert.Contains(t, *nodeRuns["a1"].Error, `"error":"egress_blocked"`)
	assert.Contains(t, *nodeRuns["a1"].Error, `"rule":"denylist"`)

	blocks, err := s.ListEgressBlockEvents(context.Background(), wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, egress.RuleDenylist, blocks[0].Rule)
	assert.Equal(t, "evil.example.com", blocks[0].Host)

	letters, err := s.ListDeadLetters(context.Background(), wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestExecuteRunConditionBranching(t *testing.T) {
	s := memory.New()
	wf := seedWorkflow(t, s)
	snapshot := map[string]any{
		"nodes": []any{
			map[string]any{
				"id":   "c1",
				"type": "condition",
				"data": map[string]any{"label": "Check", "field": "mode", "operator": "equals", "value": "on"},
			},
			map[string]any{"id": "yes", "type": "noop", "data": map[string]any{"label": "Yes"}},
			map[string]any{"id": "no", "type": "noop", "data": map[string]any{"label": "No"}},
		},
		"edges": []any{
			map[string]any{"source": "c1", "target": "yes", "sourceHandle": "cond-true"},
			map[string]any{"source": "c1", "target": "no", "sourceHandle": "cond-false"},
		},
		"_start_from_node": "c1",
	}

	run := enqueueAndClaim(t, s, wf, snapshot)
	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	nodeRuns := nodeRunsByID(t, s, run.ID)
	require.Contains(t, nodeRuns, "c1")
	assert.Contains(t, nodeRuns, "no", "false branch follows cond-false")
	assert.NotContains(t, nodeRuns, "yes")

	outputs, ok := nodeRuns["c1"].Outputs.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, outputs["result"])
}

func TestExecuteRunStopOnErrorFalseContinues(t *testing.T) {
	t.Setenv(egress.EnvAllowedDomains, "")
	t.Setenv(egress.EnvDisallowedDomains, "")
	t.Setenv(egress.EnvDefaultDeny, "")
	t.Setenv(egress.EnvEnvironment, "")

	s := memory.New()
	wf := seedWorkflow(t, s)
	snapshot := map[string]any{
		"nodes": []any{
			triggerNode("t1", "T"),
			map[string]any{
				"id":   "a1",
				"type": "action",
				"data": map[string]any{
					"label":       "Broken",
					"actionType":  "http",
					"stopOnError": false,
					"params":      map[string]any{}, // missing url fails the node
				},
			},
			map[string]any{"id": "after", "type": "noop", "data": map[string]any{"label": "After"}},
		},
		"edges": []any{edge("t1", "a1"), edge("a1", "after")},
	}

	run := enqueueAndClaim(t, s, wf, snapshot)
	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	status, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, status, "stopOnError=false keeps the run alive")

	nodeRuns := nodeRunsByID(t, s, run.ID)
	assert.Equal(t, store.NodeRunStatusFailed, nodeRuns["a1"].Status)
	assert.Equal(t, store.NodeRunStatusSucceeded, nodeRuns["after"].Status)

	letters, err := s.ListDeadLetters(context.Background(), wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, letters, "no dead letter when the failure is tolerated")
}

func TestExecuteRunCancellationStopsTraversal(t *testing.T) {
	s := memory.New()
	wf := seedWorkflow(t, s)

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte("done"))
	}))
	defer server.Close()
	t.Setenv(egress.EnvAllowedDomains, "")
	t.Setenv(egress.EnvDisallowedDomains, "")
	t.Setenv(egress.EnvDefaultDeny, "")
	t.Setenv(egress.EnvEnvironment, "")

	snapshot := map[string]any{
		"nodes": []any{
			triggerNode("t1", "T"),
			httpActionNode("slow", server.URL+"/slow"),
			map[string]any{"id": "after", "type": "noop", "data": map[string]any{"label": "After"}},
		},
		"edges": []any{edge("t1", "slow"), edge("slow", "after")},
	}

	run := enqueueAndClaim(t, s, wf, snapshot)

	// Cancel while the slow node is in flight, then let it finish.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.CancelRun(context.Background(), wf.OwnerID, wf.ID, run.ID)
		close(release)
	}()

	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	status, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCanceled, status)

	nodeRuns := nodeRunsByID(t, s, run.ID)
	assert.Equal(t, store.NodeRunStatusSucceeded, nodeRuns["slow"].Status, "in-flight node completes and is recorded")
	assert.NotContains(t, nodeRuns, "after", "no further nodes execute after cancellation")
}

func TestExecuteRunContextAliasing(t *testing.T) {
	t.Setenv(egress.EnvAllowedDomains, "")
	t.Setenv(egress.EnvDisallowedDomains, "")
	t.Setenv(egress.EnvDefaultDeny, "")
	t.Setenv(egress.EnvEnvironment, "")

	var seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	// The action references the trigger's outputs by lowercased alias.
	trigger := triggerNode("t1", "Webhook In")
	trigger["data"].(map[string]any)["inputs"] = []any{
		map[string]any{"key": "x", "value": "42"},
	}
	snapshot := map[string]any{
		"nodes": []any{
			trigger,
			map[string]any{
				"id":   "a2",
				"type": "action",
				"data": map[string]any{
					"label":      "Call",
					"actionType": "http",
					"params": map[string]any{
						"url":    server.URL + "/seen/{{webhook in.x}}",
						"method": "GET",
					},
				},
			},
		},
		"edges": []any{edge("t1", "a2")},
	}

	s := memory.New()
	wf := seedWorkflow(t, s)
	run := enqueueAndClaim(t, s, wf, snapshot)
	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	status, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, status)
	assert.Equal(t, "/seen/42", seenPath, "mixed-case labels get a lowercase alias")
}

func TestExecuteRunFailsOnUndecryptableSecrets(t *testing.T) {
	s := memory.New()
	wf := seedWorkflow(t, s)

	sealed, err := secrets.Seal(secrets.Store{"k": "v"}, "other-key")
	require.NoError(t, err)
	s.PutUserSettings(&store.UserSettings{OwnerID: wf.OwnerID, SecretStoreSealed: sealed})

	snapshot := map[string]any{
		"nodes": []any{triggerNode("t1", "T")},
	}
	run := enqueueAndClaim(t, s, wf, snapshot)

	exec := New(s, events.New(s, nil), &actions.State{Events: s}, Config{
		WorkerID:             testWorkerID,
		LeaseSeconds:         60,
		SecretsEncryptionKey: "daemon-key",
	}, nil)
	require.NoError(t, exec.ExecuteRun(context.Background(), run))

	got, err := s.GetRun(context.Background(), wf.OwnerID, wf.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Failed to decrypt workflow secrets", *got.Error)
}

func TestExecuteRunVisitedSetBreaksCycles(t *testing.T) {
	s := memory.New()
	wf := seedWorkflow(t, s)
	snapshot := map[string]any{
		"nodes": []any{
			map[string]any{"id": "n1", "type": "noop", "data": map[string]any{"label": "N1"}},
			map[string]any{"id": "n2", "type": "noop", "data": map[string]any{"label": "N2"}},
		},
		"edges": []any{edge("n1", "n2"), edge("n2", "n1")},
	}

	run := enqueueAndClaim(t, s, wf, snapshot)
	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	status, err := s.GetRunStatus(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, status)

	nodeRuns := nodeRunsByID(t, s, run.ID)
	assert.Len(t, nodeRuns, 2, "each node executes exactly once")
}

func TestExecuteRunInvalidSnapshot(t *testing.T) {
	s := memory.New()
	wf := seedWorkflow(t, s)
	run := enqueueAndClaim(t, s, wf, map[string]any{"not_nodes": true})

	require.NoError(t, newTestExecutor(t, s).ExecuteRun(context.Background(), run))

	got, err := s.GetRun(context.Background(), wf.OwnerID, wf.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "Invalid snapshot", *got.Error)
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return strings.ToLower(u.Hostname())
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return -1
	}
}
