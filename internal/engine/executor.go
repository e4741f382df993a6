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

// Package engine executes workflow runs: snapshot-driven graph traversal
// with per-node persistence, cooperative cancellation, lease renewal, and
// egress policy enforcement delegated to the action adapters.
//
// The executor never returns a run status to its caller. Terminal state is
// written through the store, and the only error that escapes is a
// PersistenceError after the retry budget is spent.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/engine/actions"
	"github.com/jasonrsadler/dsentr/internal/events"
	"github.com/jasonrsadler/dsentr/internal/graph"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/metrics"
	"github.com/jasonrsadler/dsentr/internal/secrets"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// leaseLostMessage is the fixed cancellation reason when renewal fails.
const leaseLostMessage = "Worker lost lease during execution"

// egressPolicyViolationType marks run events recording rejected advisory
// allowlist entries.
const egressPolicyViolationType = "egress_policy_violation"

// Config holds the executor's per-daemon settings.
type Config struct {
	// WorkerID identifies the owning worker in leases and journal entries.
	WorkerID string

	// LeaseSeconds is the claim lease; renewals extend by the same amount.
	LeaseSeconds int

	// StatusPollInterval is the cancellation poll cadence.
	StatusPollInterval time.Duration

	// StatusPollTimeout bounds one cancellation status fetch.
	StatusPollTimeout time.Duration

	// LeaseRenewalInterval defaults to half the lease when zero.
	LeaseRenewalInterval time.Duration

	// SecretsEncryptionKey opens per-user secret stores.
	SecretsEncryptionKey string
}

// Executor traverses run snapshots and persists their outcomes.
type Executor struct {
	store   store.Store
	journal *events.Journal
	actions *actions.State
	cfg     Config

	logger         *slog.Logger
	tracer         trace.Tracer
	initialBackoff time.Duration
}

// New creates an executor.
func New(s store.Store, journal *events.Journal, actionState *actions.State, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 500 * time.Millisecond
	}
	if cfg.StatusPollTimeout <= 0 {
		cfg.StatusPollTimeout = 200 * time.Millisecond
	}
	if cfg.LeaseRenewalInterval <= 0 {
		half := cfg.LeaseSeconds / 2
		if half < 1 {
			half = 1
		}
		cfg.LeaseRenewalInterval = time.Duration(half) * time.Second
	}
	return &Executor{
		store:          s,
		journal:        journal,
		actions:        actionState,
		cfg:            cfg,
		logger:         log.WithComponent(logger, "executor"),
		tracer:         otel.Tracer("dsentr/engine"),
		initialBackoff: 100 * time.Millisecond,
	}
}

// ExecuteRun runs one claimed workflow run to a terminal state. The returned
// error is non-nil only for exhausted persistence retries.
func (e *Executor) ExecuteRun(ctx context.Context, run *store.WorkflowRun) error {
	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("workflow.id", run.WorkflowID.String()),
	))
	defer span.End()

	runLogger := log.WithRunContext(e.logger, run.ID.String(), run.WorkflowID.String())
	triggeredBy := "worker:" + e.cfg.WorkerID

	if errMsg := e.hydrateRunSecrets(ctx, run, runLogger); errMsg != "" {
		return e.completeWithRetry(ctx, run.ID, store.RunStatusFailed, &errMsg)
	}

	refs := events.CollectConnectionMetadata(run.Snapshot)
	for _, ev := range events.BuildRunEvents(run, triggeredBy, refs) {
		err := e.retryPersistence(ctx, run.ID, "record_run_event", func() error {
			_, err := e.journal.Record(ctx, ev)
			return err
		})
		if err != nil {
			return err
		}
	}

	g, ok := graph.FromSnapshot(run.Snapshot)
	if !ok {
		msg := "Invalid snapshot"
		return e.completeWithRetry(ctx, run.ID, store.RunStatusFailed, &msg)
	}

	runCtx := make(map[string]any)
	if initial, ok := run.Snapshot["_trigger_context"]; ok {
		key := "trigger"
		if triggers := g.Triggers(); len(triggers) > 0 {
			primary, _ := contextKeys(g.Nodes[triggers[0]])
			key = primary
		}
		runCtx[key] = initial
	}

	policy := egress.FromEnv(egress.CollectSnapshotAllowlist(run.Snapshot["_egress_allowlist"]))
	if len(policy.RejectedAdvisory) > 0 {
		e.recordAdvisoryRejection(ctx, run, triggeredBy, policy, runLogger)
	}

	stack := e.startingNodes(run, g)

	// Initialize both clocks in the past so the first iteration renews the
	// lease and polls cancellation immediately.
	lastRenewal := time.Now().Add(-e.cfg.LeaseRenewalInterval)
	lastPoll := time.Now().Add(-e.cfg.StatusPollInterval)

	visited := make(map[string]bool)
	canceled := false

	for len(stack) > 0 {
		if time.Since(lastRenewal) >= e.cfg.LeaseRenewalInterval {
			if err := e.renewLease(ctx, run, runLogger); err != nil {
				msg := leaseLostMessage
				return e.completeWithRetry(ctx, run.ID, store.RunStatusCanceled, &msg)
			}
			lastRenewal = time.Now()
		}

		if time.Since(lastPoll) >= e.cfg.StatusPollInterval {
			if e.pollCanceled(ctx, run.ID, runLogger) {
				canceled = true
				break
			}
			lastPoll = time.Now()
		}

		nodeID := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[nodeID] {
			continue
		}
		visited[nodeID] = true

		node, ok := g.Nodes[nodeID]
		if !ok {
			continue
		}

		name := node.Label()
		if name == "" {
			name = node.Kind
		}
		nodeType := node.Kind
		if _, err := e.store.UpsertNodeRun(ctx, run.ID, node.ID, &name, &nodeType, node.Data, nil, store.NodeRunStatusRunning, nil); err != nil {
			runLogger.Warn("Failed to record node run start",
				slog.String(log.NodeIDKey, node.ID), slog.Any("error", err))
		}

		runLogger.Debug("Executing workflow node",
			slog.String(log.NodeIDKey, node.ID),
			slog.String("node_kind", node.Kind))

		outputs, selectedNext, nodeErr := e.dispatch(ctx, node, g, runCtx, policy, run)

		if nodeErr != nil {
			metrics.RecordNodeExecuted(node.Kind, "failed")
			errMsg := nodeErr.Error()
			if _, err := e.store.UpsertNodeRun(ctx, run.ID, node.ID, nil, nil, nil, nil, store.NodeRunStatusFailed, &errMsg); err != nil {
				runLogger.Warn("Failed to record node run failure",
					slog.String(log.NodeIDKey, node.ID), slog.Any("error", err))
			}

			if node.StopOnError() || !node.IsAction() {
				err := e.retryPersistence(ctx, run.ID, "insert_dead_letter", func() error {
					return e.store.InsertDeadLetter(ctx, run.OwnerID, run.WorkflowID, run.ID, errMsg, run.Snapshot)
				})
				if err != nil {
					// Still try to mark the run failed before bubbling up.
					if completeErr := e.completeWithRetry(ctx, run.ID, store.RunStatusFailed, &errMsg); completeErr != nil {
						runLogger.Warn("Failed to mark run failed after dead letter error",
							slog.Any("error", completeErr))
					}
					return err
				}
				return e.completeWithRetry(ctx, run.ID, store.RunStatusFailed, &errMsg)
			}

			for i := len(g.Outgoing(nodeID)) - 1; i >= 0; i-- {
				stack = append(stack, g.Outgoing(nodeID)[i].Target)
			}
			continue
		}

		metrics.RecordNodeExecuted(node.Kind, "succeeded")
		if _, err := e.store.UpsertNodeRun(ctx, run.ID, node.ID, nil, nil, nil, outputs, store.NodeRunStatusSucceeded, nil); err != nil {
			runLogger.Warn("Failed to record node run success",
				slog.String(log.NodeIDKey, node.ID), slog.Any("error", err))
		}

		// Outputs go into the context under the original-cased label and,
		// for mixed-case labels, a lowercase alias kept for templates
		// written against older renderings of the node name.
		primary, alias := contextKeys(node)
		runCtx[primary] = outputs
		if alias != "" {
			runCtx[alias] = outputs
		}

		next, invalidSelected := resolveNextNodes(g, nodeID, node.Kind, outputs, selectedNext)
		if invalidSelected != "" {
			runLogger.Warn("Executor received selectedNext that does not exist in the graph; using outgoing edges instead",
				slog.String(log.NodeIDKey, node.ID),
				slog.String("invalid_selected_next", invalidSelected))
		}
		for i := len(next) - 1; i >= 0; i-- {
			stack = append(stack, next[i])
		}
	}

	if canceled {
		return e.completeWithRetry(ctx, run.ID, store.RunStatusCanceled, nil)
	}
	return e.completeWithRetry(ctx, run.ID, store.RunStatusSucceeded, nil)
}

// dispatch executes one node by kind.
func (e *Executor) dispatch(ctx context.Context, node *graph.Node, g *graph.Graph, runCtx map[string]any, policy *egress.Policy, run *store.WorkflowRun) (any, *string, error) {
	switch {
	case node.Kind == graph.KindTrigger:
		return collectTriggerInputs(node), nil, nil
	case node.Kind == graph.KindCondition:
		outputs, selected, err := evaluateCondition(node, runCtx, g.Outgoing(node.ID))
		if err != nil {
			return nil, nil, err
		}
		return outputs, selected, nil
	case node.IsAction():
		ctx, span := e.tracer.Start(ctx, "node.action", trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("action.type", node.ActionType()),
		))
		defer span.End()
		return actions.Execute(ctx, &actions.Request{
			Node:    node,
			Context: runCtx,
			Policy:  policy,
			Run:     run,
		}, e.actions)
	default:
		return map[string]any{"skipped": true}, nil, nil
	}
}

// collectTriggerInputs gathers the trigger node's declared key/value inputs.
func collectTriggerInputs(node *graph.Node) map[string]any {
	out := map[string]any{}
	inputs, ok := node.Data["inputs"].([]any)
	if !ok {
		return out
	}
	for _, raw := range inputs {
		kv, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if k, ok := kv["key"].(string); ok {
			out[k] = kv["value"]
		}
	}
	return out
}

// contextKeys picks the context key for a node's outputs: the trimmed label
// when present (original casing), else the node id. Mixed-case labels also
// get a lowercase alias.
func contextKeys(node *graph.Node) (primary, alias string) {
	label := node.Label()
	if label == "" {
		return node.ID, ""
	}
	lower := strings.ToLower(label)
	if lower != label {
		return label, lower
	}
	return label, ""
}

// resolveNextNodes determines the nodes pushed after a successful node.
// Adapter-selected nodes win when they exist; condition nodes follow the
// edge handle matching their result; everything else follows all outgoing
// edges.
func resolveNextNodes(g *graph.Graph, nodeID, kind string, outputs any, selectedNext *string) (next []string, invalidSelected string) {
	outgoingTargets := func() []string {
		edges := g.Outgoing(nodeID)
		if kind == graph.KindCondition {
			if obj, ok := outputs.(map[string]any); ok {
				if result, ok := obj["result"].(bool); ok {
					wanted := graph.HandleCondFalse
					if result {
						wanted = graph.HandleCondTrue
					}
					var matched []string
					for _, edge := range edges {
						if edge.SourceHandle == wanted {
							matched = append(matched, edge.Target)
						}
					}
					if len(matched) > 0 {
						return matched
					}
				}
			}
		}
		targets := make([]string, 0, len(edges))
		for _, edge := range edges {
			targets = append(targets, edge.Target)
		}
		return targets
	}

	if selectedNext != nil {
		if _, ok := g.Nodes[*selectedNext]; ok {
			return []string{*selectedNext}, ""
		}
		return outgoingTargets(), *selectedNext
	}
	return outgoingTargets(), ""
}

// startingNodes computes the initial traversal stack: the decorator's
// start node when it exists, else all triggers, else the first node.
func (e *Executor) startingNodes(run *store.WorkflowRun, g *graph.Graph) []string {
	if startFrom, ok := run.Snapshot["_start_from_node"].(string); ok && startFrom != "" {
		if _, exists := g.Nodes[startFrom]; exists {
			return []string{startFrom}
		}
	}
	if triggers := g.Triggers(); len(triggers) > 0 {
		return triggers
	}
	if len(g.Order) > 0 {
		return []string{g.Order[0]}
	}
	return nil
}

// hydrateRunSecrets loads, decrypts, and substitutes the owner's secrets
// into the snapshot. A non-empty return is the user-safe failure message;
// internals stay in the logs.
func (e *Executor) hydrateRunSecrets(ctx context.Context, run *store.WorkflowRun, runLogger *slog.Logger) string {
	settings, err := e.store.GetUserSettings(ctx, run.OwnerID)
	if errors.Is(err, store.ErrNotFound) {
		return ""
	}
	if err != nil {
		runLogger.Warn("executor: failed to load user settings for secrets", slog.Any("error", err))
		return "Failed to load workflow secrets"
	}
	sec, err := secrets.Open(settings.SecretStoreSealed, e.cfg.SecretsEncryptionKey)
	if err != nil {
		runLogger.Warn("executor: failed to decrypt workflow secrets", slog.Any("error", err))
		return "Failed to decrypt workflow secrets"
	}
	secrets.HydrateSnapshot(run.Snapshot, sec)
	return ""
}

// recordAdvisoryRejection logs rejected snapshot allowlist entries and
// journals an egress_policy_violation event. Failures here never stop the
// run.
func (e *Executor) recordAdvisoryRejection(ctx context.Context, run *store.WorkflowRun, triggeredBy string, policy *egress.Policy, runLogger *slog.Logger) {
	runLogger.Warn("Snapshot egress allowlist entries rejected by policy",
		slog.Any("rejected", policy.RejectedAdvisory))

	connType := egressPolicyViolationType
	ev := &store.RunEvent{
		WorkflowRunID:  run.ID,
		WorkflowID:     run.WorkflowID,
		WorkspaceID:    run.WorkspaceID,
		TriggeredBy:    triggeredBy,
		ConnectionType: &connType,
	}
	err := e.retryPersistence(ctx, run.ID, "record_run_event", func() error {
		_, err := e.journal.Record(ctx, ev)
		return err
	})
	if err != nil {
		runLogger.Warn("Failed to record egress policy violation run event", slog.Any("error", err))
	}
}

// renewLease extends the worker's lease. Losing the lease is definitive and
// returned immediately; transient store errors consume the retry budget.
func (e *Executor) renewLease(ctx context.Context, run *store.WorkflowRun, runLogger *slog.Logger) error {
	var lost error
	err := e.retryPersistence(ctx, run.ID, "renew_run_lease", func() error {
		err := e.store.RenewRunLease(ctx, run.ID, e.cfg.WorkerID, e.cfg.LeaseSeconds)
		if errors.Is(err, store.ErrNotLeaseholder) {
			lost = err
			return nil
		}
		return err
	})
	if lost != nil {
		err = lost
	}
	if err != nil {
		runLogger.Warn("executor: failed to renew run lease, aborting run",
			slog.String(log.WorkerIDKey, e.cfg.WorkerID), slog.Any("error", err))
	}
	return err
}

// pollCanceled fetches the run status under the poll timeout and reports
// whether a cancellation was observed. Fetch failures are logged and treated
// as "not canceled".
func (e *Executor) pollCanceled(ctx context.Context, runID uuid.UUID, runLogger *slog.Logger) bool {
	pollCtx, cancel := context.WithTimeout(ctx, e.cfg.StatusPollTimeout)
	defer cancel()
	status, err := e.store.GetRunStatus(pollCtx, runID)
	if err != nil {
		runLogger.Warn("executor: failed to fetch run status for cancellation poll", slog.Any("error", err))
		return false
	}
	return status == store.RunStatusCanceled
}

// completeWithRetry applies the terminal transition with the persistence
// retry budget.
func (e *Executor) completeWithRetry(ctx context.Context, runID uuid.UUID, status string, errMsg *string) error {
	err := e.retryPersistence(ctx, runID, "complete_workflow_run", func() error {
		return e.store.CompleteRun(ctx, runID, status, errMsg)
	})
	if err == nil {
		metrics.RecordRunCompleted(status)
	}
	return err
}
