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

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/store"
)

const workflowColumns = `id, owner_id, workspace_id, name, description, graph,
	concurrency_limit, egress_allowlist, require_hmac, hmac_replay_window_sec,
	webhook_salt, locked_by, locked_at, created_at, updated_at`

func scanWorkflow(row rowScanner) (*store.Workflow, error) {
	var (
		wf            store.Workflow
		workspaceID   uuid.NullUUID
		graphJSON     []byte
		allowlistJSON []byte
		lockedBy      sql.NullString
		lockedAt      sql.NullTime
	)
	err := row.Scan(
		&wf.ID, &wf.OwnerID, &workspaceID, &wf.Name, &wf.Description, &graphJSON,
		&wf.ConcurrencyLimit, &allowlistJSON, &wf.RequireHMAC, &wf.HMACReplayWindowSec,
		&wf.WebhookSalt, &lockedBy, &lockedAt, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	wf.WorkspaceID = uuidPtr(workspaceID)
	wf.Graph = unmarshalObject(graphJSON)
	wf.EgressAllowlist = unmarshalStrings(allowlistJSON)
	wf.LockedBy = strPtr(lockedBy)
	wf.LockedAt = timePtr(lockedAt)
	return &wf, nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*store.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query, workflowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflowForOwner retrieves a workflow scoped to its owner.
func (s *Store) GetWorkflowForOwner(ctx context.Context, ownerID, workflowID uuid.UUID) (*store.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1 AND owner_id = $2`
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query, workflowID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// SetWebhookConfig updates require_hmac and the clamped replay window.
func (s *Store) SetWebhookConfig(ctx context.Context, ownerID, workflowID uuid.UUID, requireHMAC bool, replayWindowSec int) (*store.Workflow, error) {
	query := `
		UPDATE workflows
		SET require_hmac = $3, hmac_replay_window_sec = $4, updated_at = NOW()
		WHERE id = $1 AND owner_id = $2
		RETURNING ` + workflowColumns
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, query,
		workflowID, ownerID, requireHMAC, store.ClampReplayWindow(replayWindowSec)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set webhook config: %w", err)
	}
	return wf, nil
}

// RotateWebhookSalt assigns a fresh salt, invalidating existing webhook URLs.
func (s *Store) RotateWebhookSalt(ctx context.Context, ownerID, workflowID uuid.UUID) (uuid.UUID, error) {
	newSalt := uuid.New()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET webhook_salt = $3, updated_at = NOW() WHERE id = $1 AND owner_id = $2`,
		workflowID, ownerID, newSalt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to rotate webhook salt: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return uuid.Nil, store.ErrNotFound
	}
	return newSalt, nil
}

// SetConcurrencyLimit updates a workflow's run concurrency limit (min 1).
func (s *Store) SetConcurrencyLimit(ctx context.Context, ownerID, workflowID uuid.UUID, limit int) error {
	if limit < 1 {
		limit = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET concurrency_limit = $3, updated_at = NOW() WHERE id = $1 AND owner_id = $2`,
		workflowID, ownerID, limit)
	if err != nil {
		return fmt.Errorf("failed to set concurrency limit: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AcquireEditLock takes the advisory edit lock when free or already held by
// the caller.
func (s *Store) AcquireEditLock(ctx context.Context, ownerID, workflowID uuid.UUID, lockedBy string) (bool, error) {
	query := `
		UPDATE workflows
		SET locked_by = $3, locked_at = NOW()
		WHERE id = $1 AND owner_id = $2
		  AND (locked_by IS NULL OR locked_by = $3)`
	res, err := s.db.ExecContext(ctx, query, workflowID, ownerID, lockedBy)
	if err != nil {
		return false, fmt.Errorf("failed to acquire edit lock: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	// Distinguish a held lock from a missing workflow.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM workflows WHERE id = $1 AND owner_id = $2)`,
		workflowID, ownerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check workflow: %w", err)
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ReleaseEditLock drops the advisory lock when held by the caller.
func (s *Store) ReleaseEditLock(ctx context.Context, ownerID, workflowID uuid.UUID, lockedBy string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET locked_by = NULL, locked_at = NULL
		 WHERE id = $1 AND owner_id = $2 AND locked_by = $3`,
		workflowID, ownerID, lockedBy)
	if err != nil {
		return fmt.Errorf("failed to release edit lock: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace's plan fields.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID uuid.UUID) (*store.Workspace, error) {
	var ws store.Workspace
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, plan FROM workspaces WHERE id = $1`, workspaceID).
		Scan(&ws.ID, &ws.Name, &ws.Plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &ws, nil
}

// GetWorkspaceSettings retrieves per-workspace protection knobs.
func (s *Store) GetWorkspaceSettings(ctx context.Context, workspaceID uuid.UUID) (*store.WorkspaceSettings, error) {
	var set store.WorkspaceSettings
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, runaway_protection_enabled, runaway_limit_5min, monthly_run_limit
		 FROM workspace_settings WHERE workspace_id = $1`, workspaceID).
		Scan(&set.WorkspaceID, &set.RunawayProtectionEnabled, &set.RunawayLimit5Min, &set.MonthlyRunLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace settings: %w", err)
	}
	return &set, nil
}

// GetUserSettings retrieves an owner's sealed secret store.
func (s *Store) GetUserSettings(ctx context.Context, ownerID uuid.UUID) (*store.UserSettings, error) {
	set := store.UserSettings{OwnerID: ownerID}
	err := s.db.QueryRowContext(ctx,
		`SELECT secret_store FROM user_settings WHERE owner_id = $1`, ownerID).
		Scan(&set.SecretStoreSealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user settings: %w", err)
	}
	return &set, nil
}
