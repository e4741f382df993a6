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

// Package events is the append-only run events journal.
//
// Events are emitted speculatively at run start and may reference workspace
// connections that were deleted while the run sat in the queue. The journal
// therefore degrades referential failures into a sentinel event instead of
// losing the row: a pre-check catches the common case, and the store's
// foreign-key error mapping catches the race the pre-check can't.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// ConnectionMissingType marks fallback events whose connection was deleted.
const ConnectionMissingType = "connection_missing"

// Journal records run lifecycle events.
type Journal struct {
	store  store.RunEventStore
	logger *slog.Logger
}

// New creates a journal over the given store.
func New(s store.RunEventStore, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: s, logger: log.WithComponent(logger, "events")}
}

// Record appends an event, falling back to a connection_missing sentinel when
// the referenced connection row no longer exists.
func (j *Journal) Record(ctx context.Context, ev *store.RunEvent) (*store.RunEvent, error) {
	if ev.ConnectionID != nil {
		exists, err := j.store.ConnectionExists(ctx, *ev.ConnectionID)
		if err == nil && !exists {
			j.logger.Warn("Foreign key reference to deleted connection, recording fallback event",
				slog.String(log.RunIDKey, ev.WorkflowRunID.String()),
				slog.String("connection_id", ev.ConnectionID.String()))
			return j.store.RecordRunEvent(ctx, fallbackEvent(ev))
		}
		// A failed pre-check is transient: attempt the insert and rely on
		// the store's FK error mapping below.
	}

	out, err := j.store.RecordRunEvent(ctx, ev)
	if errors.Is(err, store.ErrForeignKey) {
		j.logger.Warn("Run event insert hit foreign key violation, recording fallback event",
			slog.String(log.RunIDKey, ev.WorkflowRunID.String()))
		return j.store.RecordRunEvent(ctx, fallbackEvent(ev))
	}
	return out, err
}

func fallbackEvent(ev *store.RunEvent) *store.RunEvent {
	fallback := *ev
	fallback.ConnectionID = nil
	connType := ConnectionMissingType
	fallback.ConnectionType = &connType
	return &fallback
}

// ConnectionRef is one entry of the snapshot's _connection_metadata
// decorator.
type ConnectionRef struct {
	ConnectionType string
	ConnectionID   *uuid.UUID
	NodeID         string
}

// CollectConnectionMetadata parses the _connection_metadata decorator.
func CollectConnectionMetadata(snapshot map[string]any) []ConnectionRef {
	raw, ok := snapshot["_connection_metadata"].([]any)
	if !ok {
		return nil
	}
	var out []ConnectionRef
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := ConnectionRef{}
		ref.ConnectionType, _ = obj["connection_type"].(string)
		ref.NodeID, _ = obj["node_id"].(string)
		if idStr, ok := obj["connection_id"].(string); ok {
			if id, err := uuid.Parse(idStr); err == nil {
				ref.ConnectionID = &id
			}
		}
		if ref.ConnectionType == "" && ref.ConnectionID == nil {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// CollectGraphConnections scans graph nodes for provider connection
// references and returns the _connection_metadata decorator value: one
// {connection_type, connection_id, node_id} object per referencing node.
func CollectGraphConnections(g map[string]any) []any {
	rawNodes, ok := g["nodes"].([]any)
	if !ok {
		return nil
	}
	var out []any
	for _, raw := range rawNodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		data, _ := node["data"].(map[string]any)
		if data == nil {
			continue
		}
		connID, _ := data["connectionId"].(string)
		connType, _ := data["connectionType"].(string)
		if connID == "" && connType == "" {
			continue
		}
		nodeID, _ := node["id"].(string)
		entry := map[string]any{"node_id": nodeID}
		if connType != "" {
			entry["connection_type"] = connType
		}
		if connID != "" {
			entry["connection_id"] = connID
		}
		out = append(out, entry)
	}
	return out
}

// BuildRunEvents turns the run's connection metadata into journal events.
func BuildRunEvents(run *store.WorkflowRun, triggeredBy string, refs []ConnectionRef) []*store.RunEvent {
	out := make([]*store.RunEvent, 0, len(refs))
	for _, ref := range refs {
		connType := ref.ConnectionType
		ev := &store.RunEvent{
			WorkflowRunID: run.ID,
			WorkflowID:    run.WorkflowID,
			WorkspaceID:   run.WorkspaceID,
			TriggeredBy:   triggeredBy,
			ConnectionID:  ref.ConnectionID,
		}
		if connType != "" {
			ev.ConnectionType = &connType
		}
		out = append(out, ev)
	}
	return out
}
