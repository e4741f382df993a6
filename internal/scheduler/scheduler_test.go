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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/store"
	"github.com/jasonrsadler/dsentr/internal/store/memory"
)

func TestNextRun(t *testing.T) {
	s := New(memory.New(), Config{}, nil)
	now := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)

	t.Run("five field cron", func(t *testing.T) {
		next := s.NextRun(map[string]any{"cron": "0 12 * * *"}, now)
		require.NotNil(t, next)
		assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("timezone applies", func(t *testing.T) {
		next := s.NextRun(map[string]any{"cron": "0 12 * * *", "timezone": "America/New_York"}, now)
		require.NotNil(t, next)
		assert.Equal(t, time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC), next.UTC(), "12:00 EST is 17:00 UTC")
	})

	t.Run("missing cron yields nil", func(t *testing.T) {
		assert.Nil(t, s.NextRun(map[string]any{}, now))
	})

	t.Run("invalid cron yields nil", func(t *testing.T) {
		assert.Nil(t, s.NextRun(map[string]any{"cron": "not a cron"}, now))
	})
}

func TestTickDispatchesDueSchedule(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()

	wf := &store.Workflow{
		ID:      uuid.New(),
		OwnerID: uuid.New(),
		Name:    "scheduled",
		Graph: map[string]any{
			"nodes": []any{
				map[string]any{"id": "t1", "type": "trigger", "data": map[string]any{"label": "Nightly"}},
			},
		},
		ConcurrencyLimit: 1,
		EgressAllowlist:  []string{"api.example.com"},
		WebhookSalt:      uuid.New(),
	}
	mem.PutWorkflow(wf)

	due := time.Now().Add(-time.Minute).Truncate(time.Second)
	_, err := mem.UpsertSchedule(ctx, wf.ID, wf.OwnerID, map[string]any{"cron": "*/5 * * * *"}, &due, true)
	require.NoError(t, err)

	s := New(mem, Config{}, nil)
	s.tick(ctx, time.Now())

	runs, err := mem.ListRuns(ctx, wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs.Runs, 1, "one run per firing")
	assert.Equal(t, store.RunStatusQueued, runs.Runs[0].Status)
	assert.Equal(t, []any{"api.example.com"}, runs.Runs[0].Snapshot["_egress_allowlist"])

	// The same firing does not dispatch twice.
	s.tick(ctx, time.Now())
	runs, err = mem.ListRuns(ctx, wf.OwnerID, wf.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs.Runs, 1)
}

func TestTickSweepsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()

	now := time.Now()
	clock := now
	mem.SetClock(func() time.Time { return clock })

	wf := &store.Workflow{
		ID:               uuid.New(),
		OwnerID:          uuid.New(),
		Name:             "wf",
		Graph:            map[string]any{},
		ConcurrencyLimit: 1,
		WebhookSalt:      uuid.New(),
	}
	mem.PutWorkflow(wf)

	_, err := mem.CreateRun(ctx, wf.OwnerID, wf.ID, nil, map[string]any{}, nil, 0)
	require.NoError(t, err)
	claimed, err := mem.ClaimNextEligibleRun(ctx, "dead-worker", 10)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock = now.Add(time.Minute)

	s := New(mem, Config{}, nil)
	s.tick(ctx, clock)

	status, err := mem.GetRunStatus(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusQueued, status, "expired lease returns the run to the queue")
}
