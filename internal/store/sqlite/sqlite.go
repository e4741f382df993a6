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

// Package sqlite provides a SQLite store for single-node deployments.
//
// SQLite serializes writes on a single connection, which makes the claim
// protocol linearizable without SKIP LOCKED: at most one claim transaction
// runs at a time. Multi-process deployments must use the postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jasonrsadler/dsentr/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// timeFmt is a fixed-width UTC layout so stored timestamps compare correctly
// as strings in SQL.
const timeFmt = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for an ephemeral store.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'solo'
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_settings (
			workspace_id TEXT PRIMARY KEY,
			runaway_protection_enabled INTEGER NOT NULL DEFAULT 1,
			runaway_limit_5min INTEGER NOT NULL DEFAULT 100,
			monthly_run_limit INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_connections (
			id TEXT PRIMARY KEY,
			workspace_id TEXT,
			connection_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			owner_id TEXT PRIMARY KEY,
			secret_store BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workspace_id TEXT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			graph TEXT NOT NULL DEFAULT '{}',
			concurrency_limit INTEGER NOT NULL DEFAULT 1,
			egress_allowlist TEXT NOT NULL DEFAULT '[]',
			require_hmac INTEGER NOT NULL DEFAULT 0,
			hmac_replay_window_sec INTEGER NOT NULL DEFAULT 300,
			webhook_salt TEXT NOT NULL,
			locked_by TEXT,
			locked_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			workspace_id TEXT,
			snapshot TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			error TEXT,
			idempotency_key TEXT,
			queue_priority INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			leased_by TEXT,
			heartbeat_at TEXT,
			lease_expires_at TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_queue
			ON workflow_runs(status, queue_priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow_status
			ON workflow_runs(workflow_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_runs_idempotency
			ON workflow_runs(workflow_id, COALESCE(workspace_id, owner_id), idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS workflow_node_runs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			name TEXT,
			node_type TEXT,
			inputs TEXT,
			outputs TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			UNIQUE(run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_dead_letters (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			error TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_replays (
			workflow_id TEXT NOT NULL,
			signature TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, signature)
		)`,
		`CREATE TABLE IF NOT EXISTS egress_block_events (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			rule TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_run_events (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			workspace_id TEXT,
			triggered_by TEXT NOT NULL,
			connection_type TEXT,
			connection_id TEXT REFERENCES workspace_connections(id),
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_schedules (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			config TEXT NOT NULL,
			next_run_at TEXT,
			last_run_at TEXT,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_run_usage (
			workspace_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			run_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workspace_id, period_start)
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFmt)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFmt, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(n sql.NullString) *time.Time {
	if !n.Valid {
		return nil
	}
	t := parseTime(n.String)
	return &t
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullUUIDStr(p *uuid.UUID) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func uuidPtr(n sql.NullString) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id, err := uuid.Parse(n.String)
	if err != nil {
		return nil
	}
	return &id
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(b), nil
}

func unmarshalObject(n sql.NullString) map[string]any {
	if !n.Valid || n.String == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(n.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalStrings(n sql.NullString) []string {
	if !n.Valid || n.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(n.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalAny(n sql.NullString) any {
	if !n.Valid || n.String == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(n.String), &out); err != nil {
		return nil
	}
	return out
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

type rowScanner interface {
	Scan(dest ...any) error
}

const runColumns = `id, owner_id, workflow_id, workspace_id, snapshot, status, error,
	idempotency_key, queue_priority, attempt, leased_by, heartbeat_at, lease_expires_at,
	started_at, finished_at, created_at, updated_at`

func scanRun(row rowScanner) (*store.WorkflowRun, error) {
	var (
		run            store.WorkflowRun
		id             string
		ownerID        string
		workflowID     string
		workspaceID    sql.NullString
		snapshotJSON   sql.NullString
		errMsg         sql.NullString
		idempotencyKey sql.NullString
		leasedBy       sql.NullString
		heartbeatAt    sql.NullString
		leaseExpiresAt sql.NullString
		startedAt      string
		finishedAt     sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&id, &ownerID, &workflowID, &workspaceID, &snapshotJSON, &run.Status, &errMsg,
		&idempotencyKey, &run.QueuePriority, &run.Attempt, &leasedBy, &heartbeatAt, &leaseExpiresAt,
		&startedAt, &finishedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	run.ID, _ = uuid.Parse(id)
	run.OwnerID, _ = uuid.Parse(ownerID)
	run.WorkflowID, _ = uuid.Parse(workflowID)
	run.WorkspaceID = uuidPtr(workspaceID)
	run.Snapshot = unmarshalObject(snapshotJSON)
	run.Error = strPtr(errMsg)
	run.IdempotencyKey = strPtr(idempotencyKey)
	run.LeasedBy = strPtr(leasedBy)
	run.HeartbeatAt = parseTimePtr(heartbeatAt)
	run.LeaseExpiresAt = parseTimePtr(leaseExpiresAt)
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTimePtr(finishedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

func (s *Store) getRunByID(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, runID uuid.UUID) (*store.WorkflowRun, error) {
	run, err := scanRun(q.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, runID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}
