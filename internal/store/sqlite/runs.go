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

// CreateRun inserts a queued run, recovering the existing run on an
// idempotency-key unique violation.
func (s *Store) CreateRun(ctx context.Context, ownerID, workflowID uuid.UUID, workspaceID *uuid.UUID, snapshot map[string]any, idempotencyKey *string, priority int) (*store.CreateRunResult, error) {
	snapshotJSON, err := marshalJSON(snapshot)
	if err != nil {
		return nil, err
	}
	now := formatTime(time.Now())
	id := uuid.New()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, owner_id, workflow_id, workspace_id, snapshot, status, idempotency_key, queue_priority, started_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?)`,
		id.String(), ownerID.String(), workflowID.String(), nullUUIDStr(workspaceID),
		snapshotJSON, nullStr(idempotencyKey), priority, now, now, now)
	if err == nil {
		run, err := s.getRunByID(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		return &store.CreateRunResult{Run: run, Created: true}, nil
	}
	if !isUniqueViolation(err) || idempotencyKey == nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	existing := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE workflow_id = ?
		  AND COALESCE(workspace_id, owner_id) = COALESCE(?, ?)
		  AND idempotency_key = ?
		ORDER BY created_at DESC
		LIMIT 1`
	run, err := scanRun(s.db.QueryRowContext(ctx, existing,
		workflowID.String(), nullUUIDStr(workspaceID), ownerID.String(), *idempotencyKey))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run for idempotency key: %w", err)
	}
	return &store.CreateRunResult{Run: run, Created: false}, nil
}

// GetRun retrieves a run scoped to its owner and workflow.
func (s *Store) GetRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (*store.WorkflowRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = ? AND owner_id = ? AND workflow_id = ?`,
		runID.String(), ownerID.String(), workflowID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunStatus returns just the status column.
func (s *Store) GetRunStatus(ctx context.Context, runID uuid.UUID) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM workflow_runs WHERE id = ?`, runID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get run status: %w", err)
	}
	return status, nil
}

// ClaimNextEligibleRun claims one queued run under the per-workflow
// concurrency limit. The single write connection serializes claim
// transactions, so two callers never select the same candidate.
func (s *Store) ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*store.WorkflowRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var candidate string
	err = tx.QueryRowContext(ctx, `
		SELECT wr.id
		FROM workflow_runs wr
		JOIN workflows wf ON wf.id = wr.workflow_id
		WHERE wr.status = 'queued'
		  AND (
		    SELECT COUNT(*) FROM workflow_runs r2
		    WHERE r2.workflow_id = wr.workflow_id AND r2.status = 'running'
		  ) < COALESCE(wf.concurrency_limit, 1)
		ORDER BY COALESCE(wr.queue_priority, 0) DESC, wr.created_at ASC
		LIMIT 1`).Scan(&candidate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidate: %w", err)
	}

	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'running', leased_by = ?, heartbeat_at = ?, lease_expires_at = ?,
		    attempt = attempt + 1, updated_at = ?
		WHERE id = ?`,
		workerID, formatTime(now), formatTime(expires), formatTime(now), candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}

	runID, _ := uuid.Parse(candidate)
	run, err := s.getRunByID(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return run, nil
}

// RenewRunLease extends the lease held by workerID.
func (s *Store) RenewRunLease(ctx context.Context, runID uuid.UUID, workerID string, leaseSeconds int) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET heartbeat_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND leased_by = ?`,
		formatTime(now), formatTime(now.Add(time.Duration(leaseSeconds)*time.Second)),
		formatTime(now), runID.String(), workerID)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'queued', leased_by = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		formatTime(time.Now()), formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	return res.RowsAffected()
}

// CancelRun marks a queued or running run canceled.
func (s *Store) CancelRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'canceled', finished_at = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND workflow_id = ?
		  AND status IN ('queued', 'running')`,
		now, now, runID.String(), ownerID.String(), workflowID.String())
	if err != nil {
		return false, fmt.Errorf("failed to cancel run: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CompleteRun applies the terminal transition.
func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, error = ?, finished_at = COALESCE(finished_at, ?), updated_at = ?
		WHERE id = ?`,
		status, nullStr(errMsg), now, now, runID.String())
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE owner_id = ? AND status IN ('queued', 'running')
		 ORDER BY created_at ASC`, ownerID.String())
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
		`SELECT COUNT(*) FROM workflow_runs WHERE owner_id = ? AND workflow_id = ?`,
		ownerID.String(), workflowID.String()).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE owner_id = ? AND workflow_id = ?
		 ORDER BY created_at DESC
		 LIMIT ? OFFSET ?`,
		ownerID.String(), workflowID.String(), limit, offset)
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
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'canceled', finished_at = ?, updated_at = ?
		WHERE owner_id = ? AND workflow_id = ? AND status IN ('queued', 'running')`,
		now, now, ownerID.String(), workflowID.String())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel runs: %w", err)
	}
	return res.RowsAffected()
}

// SetRunPriority adjusts a run's queue priority.
func (s *Store) SetRunPriority(ctx context.Context, ownerID, workflowID, runID uuid.UUID, priority int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET queue_priority = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND workflow_id = ?`,
		priority, formatTime(time.Now()), runID.String(), ownerID.String(), workflowID.String())
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
	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM workflow_runs
		WHERE status IN ('succeeded','failed','canceled') AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old runs: %w", err)
	}
	return res.RowsAffected()
}

// CountWorkspaceRunsSince counts a workspace's runs created in the window.
func (s *Store) CountWorkspaceRunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_runs WHERE workspace_id = ? AND created_at >= ?`,
		workspaceID.String(), formatTime(since)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workspace runs: %w", err)
	}
	return count, nil
}
