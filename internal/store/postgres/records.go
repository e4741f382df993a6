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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/store"
)

// --- Node runs ---

// UpsertNodeRun inserts or updates the per-node record by (run_id, node_id).
// Non-null incoming fields win; existing values survive a null via COALESCE.
// finished_at is stamped on the first terminal status.
func (s *Store) UpsertNodeRun(ctx context.Context, runID uuid.UUID, nodeID string, name, nodeType *string, inputs, outputs any, status string, errMsg *string) (*store.NodeRun, error) {
	inputsJSON, err := marshalJSON(inputs)
	if err != nil {
		return nil, err
	}
	outputsJSON, err := marshalJSON(outputs)
	if err != nil {
		return nil, err
	}
	terminal := store.IsTerminalNodeRunStatus(status)

	query := `
		INSERT INTO workflow_node_runs (run_id, node_id, name, node_type, inputs, outputs, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), CASE WHEN $9 THEN NOW() ELSE NULL END)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, workflow_node_runs.name),
			node_type = COALESCE(EXCLUDED.node_type, workflow_node_runs.node_type),
			inputs = COALESCE(EXCLUDED.inputs, workflow_node_runs.inputs),
			outputs = COALESCE(EXCLUDED.outputs, workflow_node_runs.outputs),
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			finished_at = CASE WHEN $9 THEN COALESCE(workflow_node_runs.finished_at, NOW()) ELSE workflow_node_runs.finished_at END
		RETURNING id, run_id, node_id, name, node_type, inputs, outputs, status, error, started_at, finished_at`

	var (
		nr          store.NodeRun
		nameCol     sql.NullString
		nodeTypeCol sql.NullString
		inputsCol   []byte
		outputsCol  []byte
		errCol      sql.NullString
		finishedAt  sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query,
		runID, nodeID, nullString(name), nullString(nodeType), inputsJSON, outputsJSON,
		status, nullString(errMsg), terminal).
		Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nameCol, &nodeTypeCol, &inputsCol, &outputsCol,
			&nr.Status, &errCol, &nr.StartedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node run: %w", err)
	}
	nr.Name = strPtr(nameCol)
	nr.NodeType = strPtr(nodeTypeCol)
	if len(inputsCol) > 0 {
		var v any
		if json.Unmarshal(inputsCol, &v) == nil {
			nr.Inputs = v
		}
	}
	if len(outputsCol) > 0 {
		var v any
		if json.Unmarshal(outputsCol, &v) == nil {
			nr.Outputs = v
		}
	}
	nr.Error = strPtr(errCol)
	nr.FinishedAt = timePtr(finishedAt)
	return &nr, nil
}

// ListNodeRuns returns the node runs of one run in start order.
func (s *Store) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*store.NodeRun, error) {
	query := `
		SELECT id, run_id, node_id, name, node_type, inputs, outputs, status, error, started_at, finished_at
		FROM workflow_node_runs
		WHERE run_id = $1
		ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}
	defer rows.Close()

	var out []*store.NodeRun
	for rows.Next() {
		var (
			nr          store.NodeRun
			nameCol     sql.NullString
			nodeTypeCol sql.NullString
			inputsCol   []byte
			outputsCol  []byte
			errCol      sql.NullString
			finishedAt  sql.NullTime
		)
		if err := rows.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nameCol, &nodeTypeCol,
			&inputsCol, &outputsCol, &nr.Status, &errCol, &nr.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}
		nr.Name = strPtr(nameCol)
		nr.NodeType = strPtr(nodeTypeCol)
		if len(inputsCol) > 0 {
			var v any
			if json.Unmarshal(inputsCol, &v) == nil {
				nr.Inputs = v
			}
		}
		if len(outputsCol) > 0 {
			var v any
			if json.Unmarshal(outputsCol, &v) == nil {
				nr.Outputs = v
			}
		}
		nr.Error = strPtr(errCol)
		nr.FinishedAt = timePtr(finishedAt)
		out = append(out, &nr)
	}
	return out, rows.Err()
}

// --- Dead letters ---

// InsertDeadLetter captures a failed run for later requeue.
func (s *Store) InsertDeadLetter(ctx context.Context, ownerID, workflowID, runID uuid.UUID, errMsg string, snapshot map[string]any) error {
	snapshotJSON, err := marshalJSON(snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_dead_letters (owner_id, workflow_id, run_id, error, snapshot, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		ownerID, workflowID, runID, errMsg, snapshotJSON)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns a page of a workflow's dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*store.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, owner_id, workflow_id, run_id, error, snapshot, created_at
		FROM workflow_dead_letters
		WHERE owner_id = $1 AND workflow_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`
	rows, err := s.db.QueryContext(ctx, query, ownerID, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*store.DeadLetter
	for rows.Next() {
		var (
			dl           store.DeadLetter
			snapshotJSON []byte
		)
		if err := rows.Scan(&dl.ID, &dl.OwnerID, &dl.WorkflowID, &dl.RunID, &dl.Error, &snapshotJSON, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.Snapshot = unmarshalObject(snapshotJSON)
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// RequeueDeadLetter re-enqueues a captured snapshot with the workflow's
// current egress allowlist, then deletes the dead letter. All inside one
// transaction so a crash never leaves both the run and the dead letter.
func (s *Store) RequeueDeadLetter(ctx context.Context, ownerID, workflowID, deadLetterID uuid.UUID) (*store.WorkflowRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snapshotJSON []byte
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot FROM workflow_dead_letters
		 WHERE id = $1 AND owner_id = $2 AND workflow_id = $3
		 FOR UPDATE`,
		deadLetterID, ownerID, workflowID).Scan(&snapshotJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter: %w", err)
	}

	var (
		workspaceID   uuid.NullUUID
		allowlistJSON []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT workspace_id, egress_allowlist FROM workflows WHERE id = $1`,
		workflowID).Scan(&workspaceID, &allowlistJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow for requeue: %w", err)
	}

	snapshot := unmarshalObject(snapshotJSON)
	if snapshot == nil {
		snapshot = map[string]any{}
	}
	allow := unmarshalStrings(allowlistJSON)
	refreshed := make([]any, 0, len(allow))
	for _, h := range allow {
		refreshed = append(refreshed, h)
	}
	snapshot["_egress_allowlist"] = refreshed
	newSnapshotJSON, err := marshalJSON(snapshot)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO workflow_runs (owner_id, workflow_id, workspace_id, snapshot, status, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', NOW(), NOW(), NOW())
		RETURNING ` + runColumns
	run, err := scanRun(tx.QueryRowContext(ctx, query, ownerID, workflowID, workspaceID, newSnapshotJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to requeue dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_dead_letters WHERE id = $1`, deadLetterID); err != nil {
		return nil, fmt.Errorf("failed to delete dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

// ClearDeadLetters deletes every dead letter of a workflow.
func (s *Store) ClearDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_dead_letters WHERE owner_id = $1 AND workflow_id = $2`,
		ownerID, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear dead letters: %w", err)
	}
	return res.RowsAffected()
}

// --- Webhook replays ---

// TryRecordWebhookSignature records the pair and reports true iff it was new.
func (s *Store) TryRecordWebhookSignature(ctx context.Context, workflowID uuid.UUID, signature string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_replays (workflow_id, signature, created_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (workflow_id, signature) DO NOTHING`,
		workflowID, signature)
	if err != nil {
		return false, fmt.Errorf("failed to record webhook signature: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// PurgeOldWebhookReplays evicts replay fingerprints past the window.
func (s *Store) PurgeOldWebhookReplays(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_replays WHERE created_at < $1`,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook replays: %w", err)
	}
	return res.RowsAffected()
}

// --- Egress block events ---

// InsertEgressBlockEvent records one blocked outbound HTTP attempt.
func (s *Store) InsertEgressBlockEvent(ctx context.Context, ev *store.EgressBlockEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO egress_block_events (owner_id, workflow_id, run_id, node_id, url, host, rule, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
		ev.OwnerID, ev.WorkflowID, ev.RunID, ev.NodeID, ev.URL, ev.Host, ev.Rule, ev.Message)
	if err != nil {
		return fmt.Errorf("failed to insert egress block event: %w", err)
	}
	return nil
}

// ListEgressBlockEvents returns a page of blocked attempts, newest first.
func (s *Store) ListEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*store.EgressBlockEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, owner_id, workflow_id, run_id, node_id, url, host, rule, message, created_at
		FROM egress_block_events
		WHERE owner_id = $1 AND workflow_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`
	rows, err := s.db.QueryContext(ctx, query, ownerID, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list egress block events: %w", err)
	}
	defer rows.Close()

	var out []*store.EgressBlockEvent
	for rows.Next() {
		var ev store.EgressBlockEvent
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &ev.WorkflowID, &ev.RunID, &ev.NodeID,
			&ev.URL, &ev.Host, &ev.Rule, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan egress block event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ClearEgressBlockEvents deletes a workflow's egress block events.
func (s *Store) ClearEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM egress_block_events WHERE owner_id = $1 AND workflow_id = $2`,
		ownerID, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear egress block events: %w", err)
	}
	return res.RowsAffected()
}

// --- Run events ---

// RecordRunEvent appends to the journal. A referential-integrity failure on
// connection_id surfaces as store.ErrForeignKey for the journal's fallback.
func (s *Store) RecordRunEvent(ctx context.Context, ev *store.RunEvent) (*store.RunEvent, error) {
	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO workflow_run_events (workflow_run_id, workflow_id, workspace_id, triggered_by, connection_type, connection_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, workflow_run_id, workflow_id, workspace_id, triggered_by, connection_type, connection_id, recorded_at`

	var (
		out            store.RunEvent
		workspaceID    uuid.NullUUID
		connectionType sql.NullString
		connectionID   uuid.NullUUID
	)
	err := s.db.QueryRowContext(ctx, query,
		ev.WorkflowRunID, ev.WorkflowID, nullUUID(ev.WorkspaceID), ev.TriggeredBy,
		nullString(ev.ConnectionType), nullUUID(ev.ConnectionID), recordedAt).
		Scan(&out.ID, &out.WorkflowRunID, &out.WorkflowID, &workspaceID, &out.TriggeredBy,
			&connectionType, &connectionID, &out.RecordedAt)
	if err != nil {
		if pgErrCode(err) == codeForeignKeyViolation {
			return nil, fmt.Errorf("%w: %w", store.ErrForeignKey, err)
		}
		return nil, fmt.Errorf("failed to record run event: %w", err)
	}
	out.WorkspaceID = uuidPtr(workspaceID)
	out.ConnectionType = strPtr(connectionType)
	out.ConnectionID = uuidPtr(connectionID)
	return &out, nil
}

// ConnectionExists is the pre-check half of the journal's FK fallback.
func (s *Store) ConnectionExists(ctx context.Context, connectionID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workspace_connections WHERE id = $1)`,
		connectionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check connection: %w", err)
	}
	return exists, nil
}

// --- Schedules ---

// UpsertSchedule inserts or replaces a workflow's schedule.
func (s *Store) UpsertSchedule(ctx context.Context, workflowID, ownerID uuid.UUID, config map[string]any, nextRunAt *time.Time, enabled bool) (*store.Schedule, error) {
	configJSON, err := marshalJSON(config)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO workflow_schedules (workflow_id, owner_id, config, next_run_at, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (workflow_id) DO UPDATE SET
			config = EXCLUDED.config,
			next_run_at = EXCLUDED.next_run_at,
			enabled = EXCLUDED.enabled
		RETURNING id, workflow_id, owner_id, config, next_run_at, last_run_at, enabled`
	return scanSchedule(s.db.QueryRowContext(ctx, query,
		workflowID, ownerID, configJSON, nullTime(nextRunAt), enabled))
}

func scanSchedule(row rowScanner) (*store.Schedule, error) {
	var (
		sched      store.Schedule
		configJSON []byte
		nextRunAt  sql.NullTime
		lastRunAt  sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.WorkflowID, &sched.OwnerID, &configJSON, &nextRunAt, &lastRunAt, &sched.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}
	sched.Config = unmarshalObject(configJSON)
	sched.NextRunAt = timePtr(nextRunAt)
	sched.LastRunAt = timePtr(lastRunAt)
	return &sched, nil
}

// ListDueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) ListDueSchedules(ctx context.Context, limit int) ([]*store.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, workflow_id, owner_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= NOW()
		ORDER BY next_run_at ASC
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// MarkScheduleRun advances a schedule using compare-and-set on next_run_at so
// concurrent scheduler instances dispatch each firing exactly once. A nil
// next disables the schedule.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID uuid.UUID, expectedNext time.Time, lastRunAt time.Time, next *time.Time) (bool, error) {
	query := `
		UPDATE workflow_schedules
		SET last_run_at = $3, next_run_at = $4,
		    enabled = enabled AND $4 IS NOT NULL
		WHERE id = $1 AND next_run_at = $2`
	res, err := s.db.ExecContext(ctx, query, scheduleID, expectedNext, lastRunAt, nullTime(next))
	if err != nil {
		return false, fmt.Errorf("failed to mark schedule run: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// --- Quotas ---

// ConsumeWorkspaceRunQuota takes one run ticket for the current billing
// period. The guarded increment keeps concurrent consumers under the limit.
func (s *Store) ConsumeWorkspaceRunQuota(ctx context.Context, workspaceID uuid.UUID) (*store.QuotaTicket, error) {
	set, err := s.GetWorkspaceSettings(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if set.MonthlyRunLimit <= 0 {
		return nil, nil
	}

	periodStart := quotaPeriodStart(time.Now())
	query := `
		INSERT INTO workspace_run_usage (workspace_id, period_start, run_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (workspace_id, period_start) DO UPDATE SET
			run_count = workspace_run_usage.run_count + 1
		WHERE workspace_run_usage.run_count < $3
		RETURNING run_count`
	var runCount int64
	err = s.db.QueryRowContext(ctx, query, workspaceID, periodStart, set.MonthlyRunLimit).Scan(&runCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrQuotaExhausted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume run quota: %w", err)
	}
	return &store.QuotaTicket{
		WorkspaceID: workspaceID,
		PeriodStart: periodStart,
		RunCount:    runCount,
		Limit:       set.MonthlyRunLimit,
	}, nil
}

// ReleaseWorkspaceRunQuota returns one run ticket.
func (s *Store) ReleaseWorkspaceRunQuota(ctx context.Context, ticket *store.QuotaTicket) error {
	if ticket == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workspace_run_usage
		 SET run_count = GREATEST(run_count - 1, 0)
		 WHERE workspace_id = $1 AND period_start = $2`,
		ticket.WorkspaceID, ticket.PeriodStart)
	if err != nil {
		return fmt.Errorf("failed to release run quota: %w", err)
	}
	return nil
}

func quotaPeriodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
