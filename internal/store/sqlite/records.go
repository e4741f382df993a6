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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/store"
)

// --- Node runs ---

// UpsertNodeRun inserts or updates the per-node record by (run_id, node_id).
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
	now := formatTime(time.Now())

	var finished any
	if terminal {
		finished = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_node_runs (id, run_id, node_id, name, node_type, inputs, outputs, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			name = COALESCE(excluded.name, workflow_node_runs.name),
			node_type = COALESCE(excluded.node_type, workflow_node_runs.node_type),
			inputs = COALESCE(excluded.inputs, workflow_node_runs.inputs),
			outputs = COALESCE(excluded.outputs, workflow_node_runs.outputs),
			status = excluded.status,
			error = excluded.error,
			finished_at = CASE WHEN excluded.finished_at IS NOT NULL
				THEN COALESCE(workflow_node_runs.finished_at, excluded.finished_at)
				ELSE workflow_node_runs.finished_at END`,
		uuid.New().String(), runID.String(), nodeID, nullStr(name), nullStr(nodeType),
		inputsJSON, outputsJSON, status, nullStr(errMsg), now, finished)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node run: %w", err)
	}

	return s.getNodeRun(ctx, runID, nodeID)
}

func (s *Store) getNodeRun(ctx context.Context, runID uuid.UUID, nodeID string) (*store.NodeRun, error) {
	nr, err := scanNodeRun(s.db.QueryRowContext(ctx, `
		SELECT id, run_id, node_id, name, node_type, inputs, outputs, status, error, started_at, finished_at
		FROM workflow_node_runs WHERE run_id = ? AND node_id = ?`,
		runID.String(), nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node run: %w", err)
	}
	return nr, nil
}

func scanNodeRun(row rowScanner) (*store.NodeRun, error) {
	var (
		nr          store.NodeRun
		id          string
		runID       string
		nameCol     sql.NullString
		nodeTypeCol sql.NullString
		inputsCol   sql.NullString
		outputsCol  sql.NullString
		errCol      sql.NullString
		startedAt   string
		finishedAt  sql.NullString
	)
	err := row.Scan(&id, &runID, &nr.NodeID, &nameCol, &nodeTypeCol, &inputsCol, &outputsCol,
		&nr.Status, &errCol, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	nr.ID, _ = uuid.Parse(id)
	nr.RunID, _ = uuid.Parse(runID)
	nr.Name = strPtr(nameCol)
	nr.NodeType = strPtr(nodeTypeCol)
	nr.Inputs = unmarshalAny(inputsCol)
	nr.Outputs = unmarshalAny(outputsCol)
	nr.Error = strPtr(errCol)
	nr.StartedAt = parseTime(startedAt)
	nr.FinishedAt = parseTimePtr(finishedAt)
	return &nr, nil
}

// ListNodeRuns returns the node runs of one run in start order.
func (s *Store) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*store.NodeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, name, node_type, inputs, outputs, status, error, started_at, finished_at
		FROM workflow_node_runs WHERE run_id = ? ORDER BY started_at ASC`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}
	defer rows.Close()

	var out []*store.NodeRun
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

// --- Dead letters ---

func (s *Store) InsertDeadLetter(ctx context.Context, ownerID, workflowID, runID uuid.UUID, errMsg string, snapshot map[string]any) error {
	snapshotJSON, err := marshalJSON(snapshot)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_dead_letters (id, owner_id, workflow_id, run_id, error, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ownerID.String(), workflowID.String(), runID.String(),
		errMsg, snapshotJSON, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*store.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, workflow_id, run_id, error, snapshot, created_at
		FROM workflow_dead_letters
		WHERE owner_id = ? AND workflow_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID.String(), workflowID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*store.DeadLetter
	for rows.Next() {
		var (
			dl           store.DeadLetter
			id, owner    string
			workflow     string
			run          string
			snapshotJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&id, &owner, &workflow, &run, &dl.Error, &snapshotJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.ID, _ = uuid.Parse(id)
		dl.OwnerID, _ = uuid.Parse(owner)
		dl.WorkflowID, _ = uuid.Parse(workflow)
		dl.RunID, _ = uuid.Parse(run)
		dl.Snapshot = unmarshalObject(snapshotJSON)
		dl.CreatedAt = parseTime(createdAt)
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// RequeueDeadLetter re-enqueues a captured snapshot with the workflow's
// current egress allowlist and deletes the dead letter, transactionally.
func (s *Store) RequeueDeadLetter(ctx context.Context, ownerID, workflowID, deadLetterID uuid.UUID) (*store.WorkflowRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snapshotJSON sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT snapshot FROM workflow_dead_letters
		WHERE id = ? AND owner_id = ? AND workflow_id = ?`,
		deadLetterID.String(), ownerID.String(), workflowID.String()).Scan(&snapshotJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter: %w", err)
	}

	var (
		workspaceID   sql.NullString
		allowlistJSON sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT workspace_id, egress_allowlist FROM workflows WHERE id = ?`,
		workflowID.String()).Scan(&workspaceID, &allowlistJSON)
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

	now := formatTime(time.Now())
	newID := uuid.New()
	var wsArg any
	if workspaceID.Valid {
		wsArg = workspaceID.String
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, owner_id, workflow_id, workspace_id, snapshot, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
		newID.String(), ownerID.String(), workflowID.String(), wsArg, newSnapshotJSON, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue dead letter: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM workflow_dead_letters WHERE id = ?`, deadLetterID.String()); err != nil {
		return nil, fmt.Errorf("failed to delete dead letter: %w", err)
	}

	run, err := s.getRunByID(ctx, tx, newID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

func (s *Store) ClearDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_dead_letters WHERE owner_id = ? AND workflow_id = ?`,
		ownerID.String(), workflowID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to clear dead letters: %w", err)
	}
	return res.RowsAffected()
}

// --- Webhook replays ---

func (s *Store) TryRecordWebhookSignature(ctx context.Context, workflowID uuid.UUID, signature string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_replays (workflow_id, signature, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (workflow_id, signature) DO NOTHING`,
		workflowID.String(), signature, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to record webhook signature: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *Store) PurgeOldWebhookReplays(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_replays WHERE created_at < ?`,
		formatTime(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook replays: %w", err)
	}
	return res.RowsAffected()
}

// --- Egress block events ---

func (s *Store) InsertEgressBlockEvent(ctx context.Context, ev *store.EgressBlockEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO egress_block_events (id, owner_id, workflow_id, run_id, node_id, url, host, rule, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.OwnerID.String(), ev.WorkflowID.String(), ev.RunID.String(),
		ev.NodeID, ev.URL, ev.Host, ev.Rule, ev.Message, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert egress block event: %w", err)
	}
	return nil
}

func (s *Store) ListEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*store.EgressBlockEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, workflow_id, run_id, node_id, url, host, rule, message, created_at
		FROM egress_block_events
		WHERE owner_id = ? AND workflow_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		ownerID.String(), workflowID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list egress block events: %w", err)
	}
	defer rows.Close()

	var out []*store.EgressBlockEvent
	for rows.Next() {
		var (
			ev                      store.EgressBlockEvent
			id, owner, wf, run, at  string
		)
		if err := rows.Scan(&id, &owner, &wf, &run, &ev.NodeID, &ev.URL, &ev.Host, &ev.Rule, &ev.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan egress block event: %w", err)
		}
		ev.ID, _ = uuid.Parse(id)
		ev.OwnerID, _ = uuid.Parse(owner)
		ev.WorkflowID, _ = uuid.Parse(wf)
		ev.RunID, _ = uuid.Parse(run)
		ev.CreatedAt = parseTime(at)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) ClearEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM egress_block_events WHERE owner_id = ? AND workflow_id = ?`,
		ownerID.String(), workflowID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to clear egress block events: %w", err)
	}
	return res.RowsAffected()
}

// --- Run events ---

func (s *Store) RecordRunEvent(ctx context.Context, ev *store.RunEvent) (*store.RunEvent, error) {
	recordedAt := ev.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	out := *ev
	out.ID = uuid.New()
	out.RecordedAt = recordedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_run_events (id, workflow_run_id, workflow_id, workspace_id, triggered_by, connection_type, connection_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID.String(), ev.WorkflowRunID.String(), ev.WorkflowID.String(),
		nullUUIDStr(ev.WorkspaceID), ev.TriggeredBy, nullStr(ev.ConnectionType),
		nullUUIDStr(ev.ConnectionID), formatTime(recordedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %w", store.ErrForeignKey, err)
		}
		return nil, fmt.Errorf("failed to record run event: %w", err)
	}
	return &out, nil
}

func (s *Store) ConnectionExists(ctx context.Context, connectionID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workspace_connections WHERE id = ?)`,
		connectionID.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check connection: %w", err)
	}
	return exists, nil
}

// --- Schedules ---

func (s *Store) UpsertSchedule(ctx context.Context, workflowID, ownerID uuid.UUID, config map[string]any, nextRunAt *time.Time, enabled bool) (*store.Schedule, error) {
	configJSON, err := marshalJSON(config)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_schedules (id, workflow_id, owner_id, config, next_run_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			config = excluded.config,
			next_run_at = excluded.next_run_at,
			enabled = excluded.enabled`,
		uuid.New().String(), workflowID.String(), ownerID.String(), configJSON,
		formatTimePtr(nextRunAt), enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return s.getScheduleByWorkflow(ctx, workflowID)
}

func (s *Store) getScheduleByWorkflow(ctx context.Context, workflowID uuid.UUID) (*store.Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, owner_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules WHERE workflow_id = ?`, workflowID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sched, nil
}

func scanSchedule(row rowScanner) (*store.Schedule, error) {
	var (
		sched          store.Schedule
		id, wf, owner  string
		configJSON     sql.NullString
		nextRunAt      sql.NullString
		lastRunAt      sql.NullString
	)
	err := row.Scan(&id, &wf, &owner, &configJSON, &nextRunAt, &lastRunAt, &sched.Enabled)
	if err != nil {
		return nil, err
	}
	sched.ID, _ = uuid.Parse(id)
	sched.WorkflowID, _ = uuid.Parse(wf)
	sched.OwnerID, _ = uuid.Parse(owner)
	sched.Config = unmarshalObject(configJSON)
	sched.NextRunAt = parseTimePtr(nextRunAt)
	sched.LastRunAt = parseTimePtr(lastRunAt)
	return &sched, nil
}

func (s *Store) ListDueSchedules(ctx context.Context, limit int) ([]*store.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, owner_id, config, next_run_at, last_run_at, enabled
		FROM workflow_schedules
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?`,
		formatTime(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID uuid.UUID, expectedNext time.Time, lastRunAt time.Time, next *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_schedules
		SET last_run_at = ?, next_run_at = ?,
		    enabled = enabled AND ? IS NOT NULL
		WHERE id = ? AND next_run_at = ?`,
		formatTime(lastRunAt), formatTimePtr(next), formatTimePtr(next),
		scheduleID.String(), formatTime(expectedNext))
	if err != nil {
		return false, fmt.Errorf("failed to mark schedule run: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// --- Quotas ---

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

	now := time.Now().UTC()
	periodStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := periodStart.Format("2006-01-02")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var runCount int64
	err = tx.QueryRowContext(ctx,
		`SELECT run_count FROM workspace_run_usage WHERE workspace_id = ? AND period_start = ?`,
		workspaceID.String(), period).Scan(&runCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read run usage: %w", err)
	}
	if runCount >= set.MonthlyRunLimit {
		return nil, store.ErrQuotaExhausted
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workspace_run_usage (workspace_id, period_start, run_count)
		VALUES (?, ?, 1)
		ON CONFLICT (workspace_id, period_start) DO UPDATE SET run_count = run_count + 1`,
		workspaceID.String(), period)
	if err != nil {
		return nil, fmt.Errorf("failed to consume run quota: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &store.QuotaTicket{
		WorkspaceID: workspaceID,
		PeriodStart: periodStart,
		RunCount:    runCount + 1,
		Limit:       set.MonthlyRunLimit,
	}, nil
}

func (s *Store) ReleaseWorkspaceRunQuota(ctx context.Context, ticket *store.QuotaTicket) error {
	if ticket == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspace_run_usage
		SET run_count = MAX(run_count - 1, 0)
		WHERE workspace_id = ? AND period_start = ?`,
		ticket.WorkspaceID.String(), ticket.PeriodStart.Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("failed to release run quota: %w", err)
	}
	return nil
}
