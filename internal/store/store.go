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

// Package store defines the persistence contract shared by every backend.
//
// The store is the only shared resource between workers, the scheduler, and
// the HTTP surfaces: all cross-process coordination happens through the
// operations declared here. Backends live in the postgres, sqlite, and memory
// subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Run statuses. Runs move queued -> running -> one of the terminal states.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// Node run statuses.
const (
	NodeRunStatusRunning   = "running"
	NodeRunStatusSucceeded = "succeeded"
	NodeRunStatusFailed    = "failed"
	NodeRunStatusSkipped   = "skipped"
	NodeRunStatusCanceled  = "canceled"
)

// IsTerminalRunStatus reports whether a run status is terminal.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// IsTerminalNodeRunStatus reports whether a node run status is terminal.
func IsTerminalNodeRunStatus(status string) bool {
	switch status {
	case NodeRunStatusSucceeded, NodeRunStatusFailed, NodeRunStatusSkipped, NodeRunStatusCanceled:
		return true
	}
	return false
}

// Sentinel errors backends map their driver errors onto. Callers distinguish
// these with errors.Is; anything else is a real I/O failure.
var (
	// ErrNotFound indicates the referenced record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNotLeaseholder indicates a lease operation was attempted by a worker
	// that does not currently own the run.
	ErrNotLeaseholder = errors.New("store: caller is not the leaseholder")

	// ErrForeignKey indicates a referential-integrity failure (SQLSTATE 23503
	// on postgres). The run events journal uses this to fall back to a
	// sentinel event when a connection row was deleted mid-run.
	ErrForeignKey = errors.New("store: foreign key violation")

	// ErrStaleUpdate indicates an optimistic-concurrency conflict on a
	// workflow's updated_at column.
	ErrStaleUpdate = errors.New("store: stale update")
)

// Replay window bounds for webhook HMAC verification, in seconds.
const (
	MinReplayWindowSec = 60
	MaxReplayWindowSec = 3600
)

// ClampReplayWindow clamps a requested HMAC replay window to the supported range.
func ClampReplayWindow(sec int) int {
	if sec < MinReplayWindowSec {
		return MinReplayWindowSec
	}
	if sec > MaxReplayWindowSec {
		return MaxReplayWindowSec
	}
	return sec
}

// Workflow is a user-owned graph of triggers, conditions, and actions.
// Graph is opaque JSON (nodes and edges) as the editor produced it.
type Workflow struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	WorkspaceID         *uuid.UUID
	Name                string
	Description         string
	Graph               map[string]any
	ConcurrencyLimit    int
	EgressAllowlist     []string
	RequireHMAC         bool
	HMACReplayWindowSec int
	WebhookSalt         uuid.UUID
	LockedBy            *string
	LockedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WorkflowRun is one execution of a workflow graph. Snapshot is immutable
// after enqueue: the graph plus the reserved decorator keys
// (_trigger_context, _start_from_node, _start_trigger_label,
// _egress_allowlist, _connection_metadata).
type WorkflowRun struct {
	ID             uuid.UUID
	OwnerID        uuid.UUID
	WorkflowID     uuid.UUID
	WorkspaceID    *uuid.UUID
	Snapshot       map[string]any
	Status         string
	Error          *string
	IdempotencyKey *string
	QueuePriority  int
	Attempt        int
	LeasedBy       *string
	HeartbeatAt    *time.Time
	LeaseExpiresAt *time.Time
	StartedAt      time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NodeRun is the per-node execution record, unique by (run, node id).
// FinishedAt is set exactly when the status is terminal.
type NodeRun struct {
	ID         uuid.UUID
	RunID      uuid.UUID
	NodeID     string
	Name       *string
	NodeType   *string
	Inputs     any
	Outputs    any
	Status     string
	Error      *string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// DeadLetter captures a failed run with enough state to re-enqueue it.
type DeadLetter struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	WorkflowID uuid.UUID
	RunID      uuid.UUID
	Error      string
	Snapshot   map[string]any
	CreatedAt  time.Time
}

// RunEvent is one row in the append-only run events journal.
type RunEvent struct {
	ID             uuid.UUID
	WorkflowRunID  uuid.UUID
	WorkflowID     uuid.UUID
	WorkspaceID    *uuid.UUID
	TriggeredBy    string
	ConnectionType *string
	ConnectionID   *uuid.UUID
	RecordedAt     time.Time
}

// EgressBlockEvent records one blocked outbound HTTP attempt.
// Rule is one of denylist, ssrf_hardening, default_deny, allowlist_miss.
type EgressBlockEvent struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	WorkflowID uuid.UUID
	RunID      uuid.UUID
	NodeID     string
	URL        string
	Host       string
	Rule       string
	Message    string
	CreatedAt  time.Time
}

// Schedule is a per-workflow recurring trigger. Config is opaque JSON
// evaluated by the scheduler; a nil NextRunAt means the schedule is spent.
type Schedule struct {
	ID         uuid.UUID
	WorkflowID uuid.UUID
	OwnerID    uuid.UUID
	Config     map[string]any
	NextRunAt  *time.Time
	LastRunAt  *time.Time
	Enabled    bool
}

// Workspace carries the plan fields the core consults. Plan "solo" gates
// webhook HMAC signing.
type Workspace struct {
	ID   uuid.UUID
	Name string
	Plan string
}

// WorkspaceSettings holds per-workspace protection knobs.
type WorkspaceSettings struct {
	WorkspaceID              uuid.UUID
	RunawayProtectionEnabled bool
	RunawayLimit5Min         int64
	MonthlyRunLimit          int64
}

// UserSettings carries the encrypted secret store for an owner.
type UserSettings struct {
	OwnerID           uuid.UUID
	SecretStoreSealed []byte
}

// QuotaTicket is the receipt for one consumed workspace run. Callers release
// it when the enqueue turned out to be an idempotent hit or failed outright.
type QuotaTicket struct {
	WorkspaceID uuid.UUID
	PeriodStart time.Time
	RunCount    int64
	Limit       int64
}

// CreateRunResult is the outcome of CreateRun. Created is false when the
// idempotency key matched an existing run, in which case Run is that run.
type CreateRunResult struct {
	Run     *WorkflowRun
	Created bool
}

// RunPage is one page of a run listing.
type RunPage struct {
	Runs  []*WorkflowRun
	Total int64
}

// WorkflowStore exposes the workflow-level operations the core consumes. The
// CRUD surface proper (create/edit/delete) belongs to the outer product and is
// out of scope here.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*Workflow, error)
	GetWorkflowForOwner(ctx context.Context, ownerID, workflowID uuid.UUID) (*Workflow, error)

	// SetWebhookConfig updates require_hmac and the (clamped) replay window.
	SetWebhookConfig(ctx context.Context, ownerID, workflowID uuid.UUID, requireHMAC bool, replayWindowSec int) (*Workflow, error)

	// RotateWebhookSalt assigns a fresh salt and returns it. Existing webhook
	// URLs stop verifying immediately.
	RotateWebhookSalt(ctx context.Context, ownerID, workflowID uuid.UUID) (uuid.UUID, error)

	SetConcurrencyLimit(ctx context.Context, ownerID, workflowID uuid.UUID, limit int) error

	// AcquireEditLock takes the advisory edit lock if it is free or already
	// held by the caller; it reports whether the caller holds the lock after
	// the call.
	AcquireEditLock(ctx context.Context, ownerID, workflowID uuid.UUID, lockedBy string) (bool, error)
	ReleaseEditLock(ctx context.Context, ownerID, workflowID uuid.UUID, lockedBy string) error

	GetWorkspace(ctx context.Context, workspaceID uuid.UUID) (*Workspace, error)
	GetWorkspaceSettings(ctx context.Context, workspaceID uuid.UUID) (*WorkspaceSettings, error)
	GetUserSettings(ctx context.Context, ownerID uuid.UUID) (*UserSettings, error)
}

// RunStore exposes run lifecycle and the lease-based queue protocol.
type RunStore interface {
	// CreateRun inserts a queued run. A unique violation on the idempotency
	// tuple (workflow, workspace|owner, key) is not an error: the existing
	// run is returned with Created=false.
	CreateRun(ctx context.Context, ownerID, workflowID uuid.UUID, workspaceID *uuid.UUID, snapshot map[string]any, idempotencyKey *string, priority int) (*CreateRunResult, error)

	GetRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (*WorkflowRun, error)
	GetRunStatus(ctx context.Context, runID uuid.UUID) (string, error)

	// ClaimNextEligibleRun atomically claims one queued run whose workflow has
	// fewer running runs than its concurrency limit, ordered by
	// (queue_priority DESC, created_at ASC). Returns nil when nothing is
	// eligible. Concurrent callers never receive the same run.
	ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*WorkflowRun, error)

	// RenewRunLease extends the lease iff workerID is the current leaseholder;
	// otherwise ErrNotLeaseholder.
	RenewRunLease(ctx context.Context, runID uuid.UUID, workerID string, leaseSeconds int) error

	// RequeueExpiredLeases returns every running run whose lease has expired
	// to the queue and reports how many were recovered.
	RequeueExpiredLeases(ctx context.Context) (int64, error)

	// CancelRun marks a queued or running run canceled. It reports false when
	// the run was already terminal.
	CancelRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (bool, error)

	// CompleteRun applies the terminal transition. FinishedAt is preserved if
	// already set.
	CompleteRun(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error

	ListActiveRuns(ctx context.Context, ownerID uuid.UUID) ([]*WorkflowRun, error)
	ListRuns(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) (*RunPage, error)
	CancelAllRunsForWorkflow(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error)

	SetRunPriority(ctx context.Context, ownerID, workflowID, runID uuid.UUID, priority int) error

	PurgeOldRuns(ctx context.Context, retentionDays int) (int64, error)
	CountWorkspaceRunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) (int64, error)
}

// NodeRunStore persists per-node execution state, upserted by (run, node id).
type NodeRunStore interface {
	// UpsertNodeRun inserts or updates the node run row. Non-nil fields merge
	// over existing values; FinishedAt is stamped when status is terminal.
	UpsertNodeRun(ctx context.Context, runID uuid.UUID, nodeID string, name, nodeType *string, inputs, outputs any, status string, errMsg *string) (*NodeRun, error)
	ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*NodeRun, error)
}

// DeadLetterStore captures failed runs for later re-enqueue.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, ownerID, workflowID, runID uuid.UUID, errMsg string, snapshot map[string]any) error
	ListDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*DeadLetter, error)

	// RequeueDeadLetter atomically re-enqueues the captured snapshot with the
	// workflow's current egress allowlist substituted in, deletes the dead
	// letter, and returns the new queued run. The idempotency key is not
	// carried forward. Returns ErrNotFound when the dead letter is gone.
	RequeueDeadLetter(ctx context.Context, ownerID, workflowID, deadLetterID uuid.UUID) (*WorkflowRun, error)

	ClearDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error)
}

// WebhookReplayStore is the single-use signature set for HMAC replay defense.
type WebhookReplayStore interface {
	// TryRecordWebhookSignature records (workflow, signature) and reports true
	// iff the pair did not already exist.
	TryRecordWebhookSignature(ctx context.Context, workflowID uuid.UUID, signature string) (bool, error)
	PurgeOldWebhookReplays(ctx context.Context, olderThan time.Duration) (int64, error)
}

// EgressEventStore records blocked outbound HTTP attempts.
type EgressEventStore interface {
	InsertEgressBlockEvent(ctx context.Context, ev *EgressBlockEvent) error
	ListEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*EgressBlockEvent, error)
	ClearEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error)
}

// RunEventStore is the append-only run events journal.
type RunEventStore interface {
	// RecordRunEvent appends an event. When the referenced connection row no
	// longer exists the backend surfaces ErrForeignKey so the journal can
	// fall back to a sentinel event.
	RecordRunEvent(ctx context.Context, ev *RunEvent) (*RunEvent, error)

	// ConnectionExists is the pre-check half of the FK fallback.
	ConnectionExists(ctx context.Context, connectionID uuid.UUID) (bool, error)
}

// ScheduleStore persists per-workflow schedules.
type ScheduleStore interface {
	UpsertSchedule(ctx context.Context, workflowID, ownerID uuid.UUID, config map[string]any, nextRunAt *time.Time, enabled bool) (*Schedule, error)
	ListDueSchedules(ctx context.Context, limit int) ([]*Schedule, error)

	// MarkScheduleRun advances the schedule with compare-and-set semantics on
	// next_run_at so concurrent scheduler instances dispatch each firing once.
	// A nil next disables the schedule. Reports whether this caller won.
	MarkScheduleRun(ctx context.Context, scheduleID uuid.UUID, expectedNext time.Time, lastRunAt time.Time, next *time.Time) (bool, error)
}

// QuotaStore accounts workspace run usage per billing period.
type QuotaStore interface {
	// ConsumeWorkspaceRunQuota takes one run ticket for the workspace's
	// current billing period. A nil ticket with nil error means the workspace
	// is unmetered. ErrQuotaExhausted is returned when the period limit has
	// been reached.
	ConsumeWorkspaceRunQuota(ctx context.Context, workspaceID uuid.UUID) (*QuotaTicket, error)
	ReleaseWorkspaceRunQuota(ctx context.Context, ticket *QuotaTicket) error
}

// ErrQuotaExhausted indicates the workspace's run quota for the current
// billing period is spent.
var ErrQuotaExhausted = errors.New("store: workspace run quota exhausted")

// Store is the full persistence contract. Backends implement all of it;
// consumers should depend on the narrowest interface that serves them.
type Store interface {
	WorkflowStore
	RunStore
	NodeRunStore
	DeadLetterStore
	WebhookReplayStore
	EgressEventStore
	RunEventStore
	ScheduleStore
	QuotaStore

	Close() error
}
