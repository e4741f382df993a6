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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/store"
)

func seedWorkflow(s *Store, concurrency int) *store.Workflow {
	wf := &store.Workflow{
		ID:               uuid.New(),
		OwnerID:          uuid.New(),
		Name:             "test",
		Graph:            map[string]any{"nodes": []any{}},
		ConcurrencyLimit: concurrency,
		WebhookSalt:      uuid.New(),
	}
	s.PutWorkflow(wf)
	return wf
}

func TestClaimRespectsConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)

	for i := 0; i < 5; i++ {
		_, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
		require.NoError(t, err)
	}

	// Five workers race; exactly one claim may win while a run is running.
	var mu sync.Mutex
	var claimed []*store.WorkflowRun
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			run, err := s.ClaimNextEligibleRun(ctx, "worker", 60)
			require.NoError(t, err)
			if run != nil {
				mu.Lock()
				claimed = append(claimed, run)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, 1, "concurrency_limit=1 admits exactly one running run")

	// Finishing the run frees the slot.
	require.NoError(t, s.CompleteRun(ctx, claimed[0].ID, store.RunStatusSucceeded, nil))
	next, err := s.ClaimNextEligibleRun(ctx, "worker", 60)
	require.NoError(t, err)
	assert.NotNil(t, next)
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 10)

	now := time.Now()
	clock := now
	s.SetClock(func() time.Time { return clock })

	clock = now.Add(1 * time.Millisecond)
	first, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)
	clock = now.Add(2 * time.Millisecond)
	second, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)
	clock = now.Add(3 * time.Millisecond)
	urgent, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 5)
	require.NoError(t, err)

	got1, _ := s.ClaimNextEligibleRun(ctx, "w", 60)
	got2, _ := s.ClaimNextEligibleRun(ctx, "w", 60)
	got3, _ := s.ClaimNextEligibleRun(ctx, "w", 60)

	assert.Equal(t, urgent.Run.ID, got1.ID, "higher priority first")
	assert.Equal(t, first.Run.ID, got2.ID, "then FIFO by created_at")
	assert.Equal(t, second.Run.ID, got3.ID)
}

func TestCreateRunIdempotency(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)
	key := "K"

	first, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, &key, 0)
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, &key, 0)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Run.ID, second.Run.ID, "same key returns the same run")

	// A different scope (workspace) gets its own run.
	wsID := uuid.New()
	third, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, &wsID, map[string]any{}, &key, 0)
	require.NoError(t, err)
	assert.True(t, third.Created)
}

func TestLeaseProtocol(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)

	_, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)

	run, err := s.ClaimNextEligibleRun(ctx, "owner-worker", 60)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, run.Attempt)
	require.NotNil(t, run.LeaseExpiresAt)
	require.NotNil(t, run.HeartbeatAt)
	assert.True(t, run.LeaseExpiresAt.After(*run.HeartbeatAt))

	// Only the leaseholder renews.
	assert.NoError(t, s.RenewRunLease(ctx, run.ID, "owner-worker", 60))
	assert.ErrorIs(t, s.RenewRunLease(ctx, run.ID, "intruder", 60), store.ErrNotLeaseholder)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)

	now := time.Now()
	clock := now
	s.SetClock(func() time.Time { return clock })

	_, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)
	run, err := s.ClaimNextEligibleRun(ctx, "w1", 10)
	require.NoError(t, err)
	require.NotNil(t, run)

	// Not yet expired.
	count, err := s.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	clock = now.Add(11 * time.Second)
	count, err = s.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// A different worker can reclaim; the attempt counter advances.
	reclaimed, err := s.ClaimNextEligibleRun(ctx, "w2", 10)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, 2, reclaimed.Attempt)
	assert.Equal(t, "w2", *reclaimed.LeasedBy)
}

func TestCancelRunOnlyWhileInFlight(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)

	result, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)

	canceled, err := s.CancelRun(ctx, wf.OwnerID, wf.ID, result.Run.ID)
	require.NoError(t, err)
	assert.True(t, canceled)

	again, err := s.CancelRun(ctx, wf.OwnerID, wf.ID, result.Run.ID)
	require.NoError(t, err)
	assert.False(t, again, "terminal runs cannot be canceled twice")

	run, err := s.GetRun(ctx, wf.OwnerID, wf.ID, result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCanceled, run.Status)
	assert.NotNil(t, run.FinishedAt)
}

func TestUpsertNodeRunMergesAndStampsFinish(t *testing.T) {
	ctx := context.Background()
	s := New()
	runID := uuid.New()
	name := "Fetch"
	nodeType := "action"

	first, err := s.UpsertNodeRun(ctx, runID, "n1", &name, &nodeType, map[string]any{"in": 1}, nil, store.NodeRunStatusRunning, nil)
	require.NoError(t, err)
	assert.Nil(t, first.FinishedAt)

	second, err := s.UpsertNodeRun(ctx, runID, "n1", nil, nil, nil, map[string]any{"out": 2}, store.NodeRunStatusSucceeded, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "upsert keys on (run, node)")
	assert.Equal(t, &name, second.Name, "nil fields preserve existing values")
	assert.NotNil(t, second.Inputs)
	assert.NotNil(t, second.Outputs)
	assert.NotNil(t, second.FinishedAt, "terminal status stamps finished_at")

	all, err := s.ListNodeRuns(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeadLetterRequeueRefreshesAllowlist(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)
	wf.EgressAllowlist = []string{"old.example.com"}
	s.PutWorkflow(wf)

	snapshot := map[string]any{
		"nodes":             []any{},
		"_egress_allowlist": []any{"old.example.com"},
	}
	require.NoError(t, s.InsertDeadLetter(ctx, wf.OwnerID, wf.ID, uuid.New(), "boom", snapshot))

	letters, err := s.ListDeadLetters(ctx, wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)

	// The workflow's allowlist changed since the failure.
	wf.EgressAllowlist = []string{"new.example.com"}
	s.PutWorkflow(wf)

	run, err := s.RequeueDeadLetter(ctx, wf.OwnerID, wf.ID, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusQueued, run.Status)
	assert.Nil(t, run.IdempotencyKey, "idempotency key is not carried forward")
	assert.Equal(t, []any{"new.example.com"}, run.Snapshot["_egress_allowlist"])

	remaining, err := s.ListDeadLetters(ctx, wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = s.RequeueDeadLetter(ctx, wf.OwnerID, wf.ID, letters[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWebhookSignatureSingleUse(t *testing.T) {
	ctx := context.Background()
	s := New()
	workflowID := uuid.New()

	fresh, err := s.TryRecordWebhookSignature(ctx, workflowID, "sig-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	replay, err := s.TryRecordWebhookSignature(ctx, workflowID, "sig-1")
	require.NoError(t, err)
	assert.False(t, replay)

	other, err := s.TryRecordWebhookSignature(ctx, uuid.New(), "sig-1")
	require.NoError(t, err)
	assert.True(t, other, "scope is per workflow")
}

func TestScheduleMarkRunCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	next := time.Now().Add(-time.Minute).Truncate(time.Second)

	sched, err := s.UpsertSchedule(ctx, uuid.New(), uuid.New(), map[string]any{"cron": "* * * * *"}, &next, true)
	require.NoError(t, err)

	due, err := s.ListDueSchedules(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	later := next.Add(time.Minute)
	won, err := s.MarkScheduleRun(ctx, sched.ID, next, time.Now(), &later)
	require.NoError(t, err)
	assert.True(t, won)

	// A second instance with the stale expected next loses the CAS.
	lost, err := s.MarkScheduleRun(ctx, sched.ID, next, time.Now(), &later)
	require.NoError(t, err)
	assert.False(t, lost)
}

func TestScheduleDisabledWhenNextNil(t *testing.T) {
	ctx := context.Background()
	s := New()
	next := time.Now().Add(-time.Minute)

	sched, err := s.UpsertSchedule(ctx, uuid.New(), uuid.New(), map[string]any{}, &next, true)
	require.NoError(t, err)

	won, err := s.MarkScheduleRun(ctx, sched.ID, next, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, won)

	due, err := s.ListDueSchedules(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due, "nil next disables the schedule")
}

func TestQuotaConsumeAndRelease(t *testing.T) {
	ctx := context.Background()
	s := New()
	wsID := uuid.New()
	s.PutWorkspaceSettings(&store.WorkspaceSettings{WorkspaceID: wsID, MonthlyRunLimit: 2})

	t1, err := s.ConsumeWorkspaceRunQuota(ctx, wsID)
	require.NoError(t, err)
	require.NotNil(t, t1)

	t2, err := s.ConsumeWorkspaceRunQuota(ctx, wsID)
	require.NoError(t, err)
	require.NotNil(t, t2)

	_, err = s.ConsumeWorkspaceRunQuota(ctx, wsID)
	assert.ErrorIs(t, err, store.ErrQuotaExhausted)

	require.NoError(t, s.ReleaseWorkspaceRunQuota(ctx, t2))
	t3, err := s.ConsumeWorkspaceRunQuota(ctx, wsID)
	require.NoError(t, err)
	assert.NotNil(t, t3)

	// Unmetered workspace yields a nil ticket.
	unmetered, err := s.ConsumeWorkspaceRunQuota(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, unmetered)
}

func TestCountWorkspaceRunsSince(t *testing.T) {
	ctx := context.Background()
	s := New()
	wf := seedWorkflow(s, 1)
	wsID := uuid.New()

	now := time.Now()
	clock := now.Add(-10 * time.Minute)
	s.SetClock(func() time.Time { return clock })
	_, err := s.CreateRun(ctx, wf.OwnerID, wf.ID, &wsID, map[string]any{}, nil, 0)
	require.NoError(t, err)

	clock = now
	_, err = s.CreateRun(ctx, wf.OwnerID, wf.ID, &wsID, map[string]any{}, nil, 0)
	require.NoError(t, err)

	count, err := s.CountWorkspaceRunsSince(ctx, wsID, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
