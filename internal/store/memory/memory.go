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

// Package memory provides an in-memory store for tests and single-process
// development. All state is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory implementation of store.Store.
// A single mutex serializes every operation, which makes the claim protocol
// trivially linearizable.
type Store struct {
	mu sync.Mutex

	workflows         map[uuid.UUID]*store.Workflow
	runs              map[uuid.UUID]*store.WorkflowRun
	nodeRuns          map[uuid.UUID]map[string]*store.NodeRun
	deadLetters       map[uuid.UUID]*store.DeadLetter
	runEvents         []*store.RunEvent
	egressEvents      []*store.EgressBlockEvent
	replays           map[string]time.Time
	schedules         map[uuid.UUID]*store.Schedule
	workspaces        map[uuid.UUID]*store.Workspace
	workspaceSettings map[uuid.UUID]*store.WorkspaceSettings
	userSettings      map[uuid.UUID]*store.UserSettings
	connections       map[uuid.UUID]bool
	quotaUsage        map[string]int64

	// now is swappable so tests can control time.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:         make(map[uuid.UUID]*store.Workflow),
		runs:              make(map[uuid.UUID]*store.WorkflowRun),
		nodeRuns:          make(map[uuid.UUID]map[string]*store.NodeRun),
		deadLetters:       make(map[uuid.UUID]*store.DeadLetter),
		replays:           make(map[string]time.Time),
		schedules:         make(map[uuid.UUID]*store.Schedule),
		workspaces:        make(map[uuid.UUID]*store.Workspace),
		workspaceSettings: make(map[uuid.UUID]*store.WorkspaceSettings),
		userSettings:      make(map[uuid.UUID]*store.UserSettings),
		connections:       make(map[uuid.UUID]bool),
		quotaUsage:        make(map[string]int64),
		now:               time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// --- Seed helpers (used by tests and dev mode) ---

// PutWorkflow inserts or replaces a workflow.
func (s *Store) PutWorkflow(wf *store.Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wf.ConcurrencyLimit <= 0 {
		wf.ConcurrencyLimit = 1
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = s.now()
	}
	wf.UpdatedAt = s.now()
	s.workflows[wf.ID] = wf
}

// PutWorkspace inserts or replaces a workspace.
func (s *Store) PutWorkspace(ws *store.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[ws.ID] = ws
}

// PutWorkspaceSettings inserts or replaces workspace settings.
func (s *Store) PutWorkspaceSettings(set *store.WorkspaceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaceSettings[set.WorkspaceID] = set
}

// PutUserSettings inserts or replaces user settings.
func (s *Store) PutUserSettings(set *store.UserSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSettings[set.OwnerID] = set
}

// PutConnection registers a workspace connection id as existing.
func (s *Store) PutConnection(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[id] = true
}

// DeleteConnection removes a connection, as the async deletion path would.
func (s *Store) DeleteConnection(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

// --- WorkflowStore ---

func (s *Store) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *Store) GetWorkflowForOwner(ctx context.Context, ownerID, workflowID uuid.UUID) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *Store) SetWebhookConfig(ctx context.Context, ownerID, workflowID uuid.UUID, requireHMAC bool, replayWindowSec int) (*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	wf.RequireHMAC = requireHMAC
	wf.HMACReplayWindowSec = store.ClampReplayWindow(replayWindowSec)
	wf.UpdatedAt = s.now()
	cp := *wf
	return &cp, nil
}

func (s *Store) RotateWebhookSalt(ctx context.Context, ownerID, workflowID uuid.UUID) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.OwnerID != ownerID {
		return uuid.Nil, store.ErrNotFound
	}
	wf.WebhookSalt = uuid.New()
	wf.UpdatedAt = s.now()
	return wf.WebhookSalt, nil
}

func (s *Store) SetConcurrencyLimit(ctx context.Context, ownerID, workflowID uuid.UUID, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.OwnerID != ownerID {
		return store.ErrNotFound
	}
	if limit < 1 {
		limit = 1
	}
	wf.ConcurrencyLimit = limit
	wf.UpdatedAt = s.now()
	return nil
}

func (s *Store) AcquireEditLock(ctx context.Context, ownerID, workflowID uuid.UUID, lockedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.OwnerID != ownerID {
		return false, store.ErrNotFound
	}
	if wf.LockedBy != nil && *wf.LockedBy != lockedBy {
		return false, nil
	}
	now := s.now()
	wf.LockedBy = &lockedBy
	wf.LockedAt = &now
	return true, nil
}

func (s *Store) ReleaseEditLock(ctx context.Context, ownerID, workflowID uuid.UUID, lockedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok || wf.OwnerID != ownerID {
		return store.ErrNotFound
	}
	if wf.LockedBy != nil && *wf.LockedBy == lockedBy {
		wf.LockedBy = nil
		wf.LockedAt = nil
	}
	return nil
}

func (s *Store) GetWorkspace(ctx context.Context, workspaceID uuid.UUID) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *Store) GetWorkspaceSettings(ctx context.Context, workspaceID uuid.UUID) (*store.WorkspaceSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.workspaceSettings[workspaceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *set
	return &cp, nil
}

func (s *Store) GetUserSettings(ctx context.Context, ownerID uuid.UUID) (*store.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.userSettings[ownerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *set
	return &cp, nil
}

// --- RunStore ---

func idempotencyScope(workspaceID *uuid.UUID, ownerID uuid.UUID) uuid.UUID {
	if workspaceID != nil {
		return *workspaceID
	}
	return ownerID
}

func (s *Store) CreateRun(ctx context.Context, ownerID, workflowID uuid.UUID, workspaceID *uuid.UUID, snapshot map[string]any, idempotencyKey *string, priority int) (*store.CreateRunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != nil {
		scope := idempotencyScope(workspaceID, ownerID)
		for _, r := range s.runs {
			if r.WorkflowID == workflowID &&
				r.IdempotencyKey != nil && *r.IdempotencyKey == *idempotencyKey &&
				idempotencyScope(r.WorkspaceID, r.OwnerID) == scope {
				cp := *r
				return &store.CreateRunResult{Run: &cp, Created: false}, nil
			}
		}
	}

	now := s.now()
	run := &store.WorkflowRun{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		WorkflowID:     workflowID,
		WorkspaceID:    workspaceID,
		Snapshot:       snapshot,
		Status:         store.RunStatusQueued,
		IdempotencyKey: idempotencyKey,
		QueuePriority:  priority,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.runs[run.ID] = run
	cp := *run
	return &store.CreateRunResult{Run: &cp, Created: true}, nil
}

func (s *Store) GetRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OwnerID != ownerID || run.WorkflowID != workflowID {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *Store) GetRunStatus(ctx context.Context, runID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return "", store.ErrNotFound
	}
	return run.Status, nil
}

func (s *Store) ClaimNextEligibleRun(ctx context.Context, workerID string, leaseSeconds int) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	running := make(map[uuid.UUID]int)
	for _, r := range s.runs {
		if r.Status == store.RunStatusRunning {
			running[r.WorkflowID]++
		}
	}

	var queued []*store.WorkflowRun
	for _, r := range s.runs {
		if r.Status == store.RunStatusQueued {
			queued = append(queued, r)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].QueuePriority != queued[j].QueuePriority {
			return queued[i].QueuePriority > queued[j].QueuePriority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})

	for _, r := range queued {
		limit := 1
		if wf, ok := s.workflows[r.WorkflowID]; ok && wf.ConcurrencyLimit > 0 {
			limit = wf.ConcurrencyLimit
		}
		if running[r.WorkflowID] >= limit {
			continue
		}
		now := s.now()
		expires := now.Add(time.Duration(leaseSeconds) * time.Second)
		r.Status = store.RunStatusRunning
		r.LeasedBy = &workerID
		r.HeartbeatAt = &now
		r.LeaseExpiresAt = &expires
		r.Attempt++
		r.UpdatedAt = now
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) RenewRunLease(ctx context.Context, runID uuid.UUID, workerID string, leaseSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	if run.LeasedBy == nil || *run.LeasedBy != workerID {
		return store.ErrNotLeaseholder
	}
	now := s.now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	run.HeartbeatAt = &now
	run.LeaseExpiresAt = &expires
	run.UpdatedAt = now
	return nil
}

func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var count int64
	for _, r := range s.runs {
		if r.Status == store.RunStatusRunning && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now) {
			r.Status = store.RunStatusQueued
			r.LeasedBy = nil
			r.LeaseExpiresAt = nil
			r.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *Store) CancelRun(ctx context.Context, ownerID, workflowID, runID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OwnerID != ownerID || run.WorkflowID != workflowID {
		return false, store.ErrNotFound
	}
	if run.Status != store.RunStatusQueued && run.Status != store.RunStatusRunning {
		return false, nil
	}
	now := s.now()
	run.Status = store.RunStatusCanceled
	run.FinishedAt = &now
	run.UpdatedAt = now
	return true, nil
}

func (s *Store) CompleteRun(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	run.Status = status
	run.Error = errMsg
	if run.FinishedAt == nil {
		run.FinishedAt = &now
	}
	run.UpdatedAt = now
	return nil
}

func (s *Store) ListActiveRuns(ctx context.Context, ownerID uuid.UUID) ([]*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.WorkflowRun
	for _, r := range s.runs {
		if r.OwnerID == ownerID && (r.Status == store.RunStatusQueued || r.Status == store.RunStatusRunning) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListRuns(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) (*store.RunPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*store.WorkflowRun
	for _, r := range s.runs {
		if r.OwnerID == ownerID && r.WorkflowID == workflowID {
			cp := *r
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return &store.RunPage{Runs: all[offset:end], Total: total}, nil
}

func (s *Store) CancelAllRunsForWorkflow(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var count int64
	for _, r := range s.runs {
		if r.OwnerID == ownerID && r.WorkflowID == workflowID &&
			(r.Status == store.RunStatusQueued || r.Status == store.RunStatusRunning) {
			r.Status = store.RunStatusCanceled
			r.FinishedAt = &now
			r.UpdatedAt = now
			count++
		}
	}
	return count, nil
}

func (s *Store) SetRunPriority(ctx context.Context, ownerID, workflowID, runID uuid.UUID, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.OwnerID != ownerID || run.WorkflowID != workflowID {
		return store.ErrNotFound
	}
	run.QueuePriority = priority
	run.UpdatedAt = s.now()
	return nil
}

func (s *Store) PurgeOldRuns(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	var count int64
	for id, r := range s.runs {
		if store.IsTerminalRunStatus(r.Status) && r.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			delete(s.nodeRuns, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) CountWorkspaceRunsSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, r := range s.runs {
		if r.WorkspaceID != nil && *r.WorkspaceID == workspaceID && !r.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// --- NodeRunStore ---

func (s *Store) UpsertNodeRun(ctx context.Context, runID uuid.UUID, nodeID string, name, nodeType *string, inputs, outputs any, status string, errMsg *string) (*store.NodeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.nodeRuns[runID]
	if !ok {
		byNode = make(map[string]*store.NodeRun)
		s.nodeRuns[runID] = byNode
	}
	now := s.now()
	nr, ok := byNode[nodeID]
	if !ok {
		nr = &store.NodeRun{
			ID:        uuid.New(),
			RunID:     runID,
			NodeID:    nodeID,
			StartedAt: now,
		}
		byNode[nodeID] = nr
	}
	if name != nil {
		nr.Name = name
	}
	if nodeType != nil {
		nr.NodeType = nodeType
	}
	if inputs != nil {
		nr.Inputs = inputs
	}
	if outputs != nil {
		nr.Outputs = outputs
	}
	nr.Status = status
	nr.Error = errMsg
	if store.IsTerminalNodeRunStatus(status) {
		if nr.FinishedAt == nil {
			nr.FinishedAt = &now
		}
	}
	cp := *nr
	return &cp, nil
}

func (s *Store) ListNodeRuns(ctx context.Context, runID uuid.UUID) ([]*store.NodeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.NodeRun
	for _, nr := range s.nodeRuns[runID] {
		cp := *nr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- DeadLetterStore ---

func (s *Store) InsertDeadLetter(ctx context.Context, ownerID, workflowID, runID uuid.UUID, errMsg string, snapshot map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl := &store.DeadLetter{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		WorkflowID: workflowID,
		RunID:      runID,
		Error:      errMsg,
		Snapshot:   snapshot,
		CreatedAt:  s.now(),
	}
	s.deadLetters[dl.ID] = dl
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*store.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*store.DeadLetter
	for _, dl := range s.deadLetters {
		if dl.OwnerID == ownerID && dl.WorkflowID == workflowID {
			cp := *dl
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], nil
}

func (s *Store) RequeueDeadLetter(ctx context.Context, ownerID, workflowID, deadLetterID uuid.UUID) (*store.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[deadLetterID]
	if !ok || dl.OwnerID != ownerID || dl.WorkflowID != workflowID {
		return nil, store.ErrNotFound
	}
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}

	snapshot := make(map[string]any, len(dl.Snapshot))
	for k, v := range dl.Snapshot {
		snapshot[k] = v
	}
	allow := make([]any, 0, len(wf.EgressAllowlist))
	for _, h := range wf.EgressAllowlist {
		allow = append(allow, h)
	}
	snapshot["_egress_allowlist"] = allow

	now := s.now()
	run := &store.WorkflowRun{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		WorkflowID:  workflowID,
		WorkspaceID: wf.WorkspaceID,
		Snapshot:    snapshot,
		Status:      store.RunStatusQueued,
		StartedAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.runs[run.ID] = run
	delete(s.deadLetters, deadLetterID)
	cp := *run
	return &cp, nil
}

func (s *Store) ClearDeadLetters(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, dl := range s.deadLetters {
		if dl.OwnerID == ownerID && dl.WorkflowID == workflowID {
			delete(s.deadLetters, id)
			count++
		}
	}
	return count, nil
}

// --- WebhookReplayStore ---

func replayKey(workflowID uuid.UUID, signature string) string {
	return workflowID.String() + "\x00" + signature
}

func (s *Store) TryRecordWebhookSignature(ctx context.Context, workflowID uuid.UUID, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := replayKey(workflowID, signature)
	if _, exists := s.replays[key]; exists {
		return false, nil
	}
	s.replays[key] = s.now()
	return true, nil
}

func (s *Store) PurgeOldWebhookReplays(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	var count int64
	for key, at := range s.replays {
		if at.Before(cutoff) {
			delete(s.replays, key)
			count++
		}
	}
	return count, nil
}

// --- EgressEventStore ---

func (s *Store) InsertEgressBlockEvent(ctx context.Context, ev *store.EgressBlockEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.egressEvents = append(s.egressEvents, &cp)
	return nil
}

func (s *Store) ListEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID, limit, offset int64) ([]*store.EgressBlockEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*store.EgressBlockEvent
	for _, ev := range s.egressEvents {
		if ev.OwnerID == ownerID && ev.WorkflowID == workflowID {
			cp := *ev
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], nil
}

func (s *Store) ClearEgressBlockEvents(ctx context.Context, ownerID, workflowID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.egressEvents[:0]
	var count int64
	for _, ev := range s.egressEvents {
		if ev.OwnerID == ownerID && ev.WorkflowID == workflowID {
			count++
			continue
		}
		kept = append(kept, ev)
	}
	s.egressEvents = kept
	return count, nil
}

// --- RunEventStore ---

func (s *Store) RecordRunEvent(ctx context.Context, ev *store.RunEvent) (*store.RunEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ConnectionID != nil {
		if !s.connections[*ev.ConnectionID] {
			return nil, store.ErrForeignKey
		}
	}
	cp := *ev
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = s.now()
	}
	s.runEvents = append(s.runEvents, &cp)
	out := cp
	return &out, nil
}

func (s *Store) ConnectionExists(ctx context.Context, connectionID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections[connectionID], nil
}

// RunEvents returns a copy of the journal. Test hook.
func (s *Store) RunEvents() []*store.RunEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.RunEvent, 0, len(s.runEvents))
	for _, ev := range s.runEvents {
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

// --- ScheduleStore ---

func (s *Store) UpsertSchedule(ctx context.Context, workflowID, ownerID uuid.UUID, config map[string]any, nextRunAt *time.Time, enabled bool) (*store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range s.schedules {
		if sched.WorkflowID == workflowID {
			sched.Config = config
			sched.NextRunAt = nextRunAt
			sched.Enabled = enabled
			cp := *sched
			return &cp, nil
		}
	}
	sched := &store.Schedule{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		Config:     config,
		NextRunAt:  nextRunAt,
		Enabled:    enabled,
	}
	s.schedules[sched.ID] = sched
	cp := *sched
	return &cp, nil
}

func (s *Store) ListDueSchedules(ctx context.Context, limit int) ([]*store.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var due []*store.Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && sched.NextRunAt != nil && !sched.NextRunAt.After(now) {
			cp := *sched
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID uuid.UUID, expectedNext time.Time, lastRunAt time.Time, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		return false, store.ErrNotFound
	}
	if sched.NextRunAt == nil || !sched.NextRunAt.Equal(expectedNext) {
		return false, nil
	}
	sched.LastRunAt = &lastRunAt
	sched.NextRunAt = next
	if next == nil {
		sched.Enabled = false
	}
	return true, nil
}

// --- QuotaStore ---

func quotaPeriodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func quotaKey(workspaceID uuid.UUID, period time.Time) string {
	return workspaceID.String() + "\x00" + period.Format("2006-01")
}

func (s *Store) ConsumeWorkspaceRunQuota(ctx context.Context, workspaceID uuid.UUID) (*store.QuotaTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.workspaceSettings[workspaceID]
	if !ok || set.MonthlyRunLimit <= 0 {
		return nil, nil
	}
	period := quotaPeriodStart(s.now())
	key := quotaKey(workspaceID, period)
	if s.quotaUsage[key] >= set.MonthlyRunLimit {
		return nil, store.ErrQuotaExhausted
	}
	s.quotaUsage[key]++
	return &store.QuotaTicket{
		WorkspaceID: workspaceID,
		PeriodStart: period,
		RunCount:    s.quotaUsage[key],
		Limit:       set.MonthlyRunLimit,
	}, nil
}

func (s *Store) ReleaseWorkspaceRunQuota(ctx context.Context, ticket *store.QuotaTicket) error {
	if ticket == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quotaKey(ticket.WorkspaceID, ticket.PeriodStart)
	if s.quotaUsage[key] > 0 {
		s.quotaUsage[key]--
	}
	return nil
}

// QuotaUsage reports the current period's usage for a workspace. Test hook.
func (s *Store) QuotaUsage(workspaceID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaUsage[quotaKey(workspaceID, quotaPeriodStart(s.now()))]
}
