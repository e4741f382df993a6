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

package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/store"
	"github.com/jasonrsadler/dsentr/internal/store/memory"
)

func TestRecordWithLiveConnection(t *testing.T) {
	mem := memory.New()
	connID := uuid.New()
	mem.PutConnection(connID)

	connType := "slack"
	j := New(mem, nil)
	ev, err := j.Record(context.Background(), &store.RunEvent{
		WorkflowRunID:  uuid.New(),
		WorkflowID:     uuid.New(),
		TriggeredBy:    "worker:w1",
		ConnectionType: &connType,
		ConnectionID:   &connID,
	})
	require.NoError(t, err)
	assert.Equal(t, &connID, ev.ConnectionID)
	assert.Equal(t, "slack", *ev.ConnectionType)
}

func TestRecordFallsBackWhenConnectionDeleted(t *testing.T) {
	mem := memory.New()
	connID := uuid.New()
	// Never registered: the pre-check sees it missing.

	connType := "slack"
	j := New(mem, nil)
	ev, err := j.Record(context.Background(), &store.RunEvent{
		WorkflowRunID:  uuid.New(),
		WorkflowID:     uuid.New(),
		TriggeredBy:    "worker:w1",
		ConnectionType: &connType,
		ConnectionID:   &connID,
	})
	require.NoError(t, err)
	assert.Nil(t, ev.ConnectionID)
	assert.Equal(t, ConnectionMissingType, *ev.ConnectionType)
}

func TestCollectConnectionMetadata(t *testing.T) {
	connID := uuid.New()
	snapshot := map[string]any{
		"_connection_metadata": []any{
			map[string]any{"connection_type": "slack", "connection_id": connID.String(), "node_id": "a1"},
			map[string]any{"connection_type": "google", "node_id": "a2"},
			map[string]any{"node_id": "ignored"},
			"garbage",
		},
	}

	refs := CollectConnectionMetadata(snapshot)
	require.Len(t, refs, 2)
	assert.Equal(t, "slack", refs[0].ConnectionType)
	require.NotNil(t, refs[0].ConnectionID)
	assert.Equal(t, connID, *refs[0].ConnectionID)
	assert.Nil(t, refs[1].ConnectionID)
}

func TestCollectGraphConnections(t *testing.T) {
	g := map[string]any{
		"nodes": []any{
			map[string]any{"id": "a1", "type": "action", "data": map[string]any{
				"connectionId": uuid.New().String(), "connectionType": "notion",
			}},
			map[string]any{"id": "a2", "type": "action", "data": map[string]any{}},
		},
	}
	refs := CollectGraphConnections(g)
	require.Len(t, refs, 1)
	entry := refs[0].(map[string]any)
	assert.Equal(t, "a1", entry["node_id"])
	assert.Equal(t, "notion", entry["connection_type"])
}

func TestBuildRunEvents(t *testing.T) {
	run := &store.WorkflowRun{ID: uuid.New(), WorkflowID: uuid.New()}
	refs := []ConnectionRef{{ConnectionType: "slack", NodeID: "a1"}}

	evs := BuildRunEvents(run, "worker:w1", refs)
	require.Len(t, evs, 1)
	assert.Equal(t, run.ID, evs[0].WorkflowRunID)
	assert.Equal(t, "worker:w1", evs[0].TriggeredBy)
	assert.Equal(t, "slack", *evs[0].ConnectionType)
}
