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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *Store, concurrency int) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:                  uuid.New(),
		OwnerID:             uuid.New(),
		Name:                "wf",
		Graph:               map[string]any{"nodes": []any{}},
		ConcurrencyLimit:    concurrency,
		HMACReplayWindowSec: 300,
		WebhookSalt:         uuid.New(),
	}
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, owner_id, name, description, graph, concurrency_limit,
			egress_allowlist, require_hmac, hmac_replay_window_sec, webhook_salt, created_at, updated_at)
		VALUES (?, ?, ?, '', '{}', ?, '["api.example.com"]', 0, 300, ?, ?, ?)`,
		wf.ID.String(), wf.OwnerID.String(), wf.Name, wf.ConcurrencyLimit,
		wf.WebhookSalt.String(), now, now)
	require.NoError(t, err)
	return wf
}

func TestSQLiteClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)

	created, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{"k": "v"}, nil, 0)
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, store.RunStatusQueued, created.Run.Status)
	assert.Equal(t, "v", created.Run.Snapshot["k"])

	run, err := s.ClaimNextEligibleRun(ctx, "w1", 60)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, created.Run.ID, run.ID)
	assert.Equal(t, store.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.LeaseExpiresAt)

	// concurrency_limit=1: nothing else is eligible.
	none, err := s.ClaimNextEligibleRun(ctx, "w2", 60)
	require.NoError(t, err)
	assert.Nil(t, none)

	assert.ErrorIs(t, s.RenewRunLease(ctx, run.ID, "intruder", 60), store.ErrNotLeaseholder)
	assert.NoError(t, s.RenewRunLease(ctx, run.ID, "w1", 60))

	require.NoError(t, s.CompleteRun(ctx, run.ID, store.RunStatusSucceeded, nil))
	status, err := s.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, status)

	got, err := s.GetRun(ctx, wf.OwnerID, wf.ID, run.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.FinishedAt)
}

func TestSQLiteIdempotentCreate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)
	key := "K"

	first, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, &key, 0)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, &key, 0)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Run.ID, second.Run.ID)
}

func TestSQLiteExpiredLeaseRequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)

	_, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)
	run, err := s.ClaimNextEligibleRun(ctx, "w1", 60)
	require.NoError(t, err)
	require.NotNil(t, run)

	// Force the lease into the past.
	_, err = s.db.Exec(`UPDATE workflow_runs SET lease_expires_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-time.Second)), run.ID.String())
	require.NoError(t, err)

	count, err := s.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	status, err := s.GetRunStatus(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusQueued, status)
}

func TestSQLiteWebhookReplaySingleUse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	workflowID := uuid.New()

	fresh, err := s.TryRecordWebhookSignature(ctx, workflowID, "sig")
	require.NoError(t, err)
	assert.True(t, fresh)

	replay, err := s.TryRecordWebhookSignature(ctx, workflowID, "sig")
	require.NoError(t, err)
	assert.False(t, replay)
}

func TestSQLiteNodeRunUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	runID := uuid.New()
	name := "Fetch"

	first, err := s.UpsertNodeRun(ctx, runID, "n1", &name, nil, map[string]any{"in": 1}, nil, store.NodeRunStatusRunning, nil)
	require.NoError(t, err)
	assert.Nil(t, first.FinishedAt)

	second, err := s.UpsertNodeRun(ctx, runID, "n1", nil, nil, nil, map[string]any{"out": 2}, store.NodeRunStatusSucceeded, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.NotNil(t, second.Name)
	assert.Equal(t, "Fetch", *second.Name)
	assert.NotNil(t, second.FinishedAt)

	list, err := s.ListNodeRuns(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteDeadLetterRequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	wf := seedWorkflow(t, s, 1)

	require.NoError(t, s.InsertDeadLetter(ctx, wf.OwnerID, wf.ID, uuid.New(), "boom",
		map[string]any{"_egress_allowlist": []any{"stale.example.com"}}))
	letters, err := s.ListDeadLetters(ctx, wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	run, err := s.RequeueDeadLetter(ctx, wf.OwnerID, wf.ID, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusQueued, run.Status)
	assert.Equal(t, []any{"api.example.com"}, run.Snapshot["_egress_allowlist"],
		"allowlist refreshes from the workflow row")

	remaining, err := s.ListDeadLetters(ctx, wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
