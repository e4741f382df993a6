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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/store"
)

const runColumns = `id, owner_id, workflow_id, workspace_id, snapshot, status, error,
	idempotency_key, queue_priority, attempt, leased_by, heartbeat_at, lease_expires_at,
	started_at, finished_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.WorkflowRun, error) {
	var (
		run            store.WorkflowRun
		workspaceID    uuid.NullUUID
		snapshotJSON   []byte
		errMsg         sql.NullString
		idempotencyKey sql.NullString
		leasedBy       sql.NullString
		heartbeatAt    sql.NullTime
		leaseExpiresAt sql.NullTime
		finishedAt     sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.OwnerID, &run.WorkflowID, &workspaceID, &snapshotJSON, &run.Status, &errMsg,
		&idempotencyKey, &run.QueuePriority, &run.Attempt, &leasedBy, &heartbeatAt, &leaseExpiresAt,
		&run.StartedAt, &finishedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.WorkspaceID = uuidPtr(workspaceID)
	run.Snapshot = unmarshalObject(snapshotJSON)
	run.Error = strPtr(errMsg)
	run.IdempotencyKey = strPtr(idempotencyKey)
	run.LeasedBy = strPtr(leasedBy)
	run.HeartbeatAt = timePtr(heartbeatAt)
	run.LeaseExpiresAt = timePtr(leaseExpiresAt)
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}

// CreateRun inserts a queued run, recovering the existing run on an
// idempotency-key unique violation.
func (s *Store) CreateRun(ctx context.Context, ownerID, workflowID uuid.UUID, workspaceID *uuid.UUID, snapshot map[string]any, idempotencyKey *string, priority int) (*store.CreateRunResult, error) {
	snapshotJSON, err := marshalJSON(snapshot)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO workflow_runs (owner_id, workflow_id, workspace_id, snapshot, status, idempotency_key, queue_priority, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, NOW(), NOW(), NOW())
		RETURNING ` + runColumns

	run, err := scanRun(s.db.QueryRowContext(ctx, query,
		ownerID, workflowID, nullUUID(workspaceID), snapshotJSON, nullString(idempotencyKey), priority))
	if err == nil {
		return &store.CreateRunResult{Run: run, Created: true}, nil
	}
	if pgErrCode(err) != codeUniqueViolation || idempotencyKey == nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	// Idempotent hit: hand back the run that won the race.
	existing := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE workflow_id = $1
		  AND COALESCE(workspace_id, owner_id) = COALESCE($3::uuid, $2)
		  AND idempotency_key = $4
		ORDER BY created_at DESC
		LIMIT 1`
	run, err = scanRun(s.db.QueryRowContext(ctx, existing,
		workflowID, ownerID, nullUUID(workspaceID), *idempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run for idempotency key: %w", err)
	}
	return &store.CreateRunResult{Run: run, Created: false}, nil
}

// GetRun retrieves a run scoped to its owner and workflow.
func (s *Store) GetRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (*store.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE id = $1 AND owner_id = $2 AND workflow_id = $3`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID, ownerID, workflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunStatus returns just the status column; the cancellation poll calls
// this on every interval so it stays narrow.
func (s *Store) GetRunStatus(ctx context.Context, runID uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get run status: %w", err)
	}
	return status, nil
}

// ClaimNextEligibleRun claims one queued run under the per-workflow
// concurrency limit. The CTE locks the candidate row with SKIP LOCKED so
// concurrent workers never select the same run.
func (s *Store) ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*store.WorkflowRun, error) {
	query := `
		WITH sel AS (
		  SELECT wr.id
		  FROM workflow_runs wr
		  JOIN workflows wf ON wf.id = wr.workflow_id
		  WHERE wr.status = 'queued'
		    AND (
		      SELECT COUNT(*) FROM workflow_runs r2
		      WHERE r2.workflow_id = wr.workflow_id AND r2.status = 'running'
		    ) < COALESCE(wf.concurrency_limit, 1)
		  ORDER BY COALESCE(wr.queue_priority, 0) DESC, wr.created_at ASC
		  LIMIT 1
		  FOR UPDATE SKIP LOCKED
		)
		UPDATE workflow_runs wr
		SET status = 'running',
		    leased_by = $1,
		    heartbeat_at = NOW(),
		    lease_expires_at = NOW() + ($2::int * INTERVAL '1 second'),
		    attempt = COALESCE(wr.attempt, 0) + 1,
		    updated_at = NOW()
		FROM sel
		WHERE wr.id = sel.id
		RETURNING ` + qualifyRunColumns("wr")

	run, err := scanRun(s.db.QueryRowContext(ctx, query, workerID, leaseSeconds))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return run, nil
}

func qualifyRunColumns(alias string) string {
	return alias + `.id, ` + alias + `.owner_id, ` + alias + `.workflow_id, ` + alias + `.workspace_id, ` +
		alias + `.snapshot, ` + alias + `.status, ` + alias + `.error, ` + alias + `.idempotency_key, ` +
		alias + `.queue_priority, ` + alias + `.attempt, ` + alias + `.leased_by, ` + alias + `.heartbeat_at, ` +
		alias + `.lease_expires_at, ` + alias + `.started_at, ` + alias + `.finished_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

// RenewRunLease extends the lease held by workerID.
func (s *Store) RenewRunLease(ctx context.Context, runID uuid.UUID, workerID string, leaseSeconds int) error {
	query := `
		UPDATE workflow_runs
		SET heartbeat_at = NOW(),
		    lease_expires_at = NOW() + ($3::int * INTERVAL '1 second'),
		    updated_at = NOW()
		WHERE id = $1 AND leased_by = $2`
	res, err := s.db.ExecContext(ctx, query, runID, workerID, leaseSeconds)
	if err != nil {
		return fmt.Errorf("failed to renew run lease: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotLeaseholder
	}
	return nil
}

// RequeueExpiredLeases recovers orphaned running runs.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	query := `
		UPDATE workflow_runs
		SET status = 'queued', leased_by = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < NOW()`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	return res.RowsAffected()
}

// CancelRun marks a queued or running run canceled.
func (s *Store) CancelRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (bool, error) {
	query := `
		UPDATE workflow_runs
		SET status = 'canceled', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND workflow_id = $3
		  AND status IN ('queued', 'running')`
	res, err := s.db.ExecContext(ctx, query, runID, ownerID, workflowID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CompleteRun applies the terminal transition.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error {
	query := `
		UPDATE workflow_runs
		SET status = $2, error = $3,
		    finished_at = COALESCE(finished_at, NOW()),
		    updated_at = NOW()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, runID, status, nullString(errMsg))
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListActiveRuns lists an owner's queued and running runs.
func (s *Store) ListActiveRuns(ctx context.Context, ownerID uuid.UUID) ([]*store.WorkflowRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE owner_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// ListRuns returns one page of a workflow's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) (*store.RunPage, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_runs WHERE owner_id = $1 AND workflow_id = $2`,
		ownerID, workflowID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE owner_id = $1 AND workflow_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`
	rows, err := s.db.QueryContext(ctx, query, ownerID, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	return &store.RunPage{Runs: runs, Total: total}, nil
}

func collectRuns(rows *sql.Rows) ([]*store.WorkflowRun, error) {
	var runs []*store.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CancelAllRunsForWorkflow cancels every queued or running run of a workflow.
func (s *Store) CancelAllRunsForWorkflow(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	query := `
		UPDATE workflow_runs
		SET status = 'canceled', finished_at = NOW(), updated_at = NOW()
		WHERE owner_id = $1 AND workflow_id = $2 AND status IN ('queued', 'running')`
	res, err := s.db.ExecContext(ctx, query, ownerID, workflowID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel runs: %w", err)
	}
	return res.RowsAffected()
}

// SetRunPriority adjusts a queued run's priority.
func (s *Store) SetRunPriority(ctx context.Context, ownerID, workflowID, runID uuid.UUID, priority int) error {
	query := `
		UPDATE workflow_runs
		SET queue_priority = $4, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2 AND workflow_id = $3`
	res, err := s.db.ExecContext(ctx, query, runID, ownerID, workflowID, priority)
	if err != nil {
		return fmt.Errorf("failed to set run priority: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PurgeOldRuns deletes terminal runs older than the retention window.
func (s *Store) PurgeOldRuns(ctx context.Context, retentionDays int) (int64, error) {
	query := `
		DELETE FROM workflow_runs
		WHERE status IN ('succeeded','failed','canceled')
		  AND created_at < NOW() - ($1::int * INTERVAL '1 day')`
	res, err := s.db.ExecContext(ctx, query, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old runs: %w", err)
	}
	return res.RowsAffected()
}

// CountWorkspaceRunsSince counts a workspace's runs created in the window,
// regardless of status. Used by runaway protection.
func (s *Store) CountWorkspaceRunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_runs WHERE workspace_id = $1 AND created_at >= $2`,
		workspaceID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workspace runs: %w", err)
	}
	return count, nil
}
