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

// Package actions implements the action adapters the executor dispatches to.
//
// Every adapter has the same contract: it receives the node, the read-only
// run context, the run's egress policy, and shared adapter state; it returns
// JSON-shaped outputs and optionally the id of the next node to visit. An
// adapter never mutates the context or the node and never writes run or node
// lifecycle state - that belongs to the executor. Provider side effects that
// matter later are returned inside the outputs.
package actions

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/graph"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// EnvMaskSecrets lists secret literals to redact from adapter outputs.
const EnvMaskSecrets = "MASK_SECRETS"

// Redacted replaces masked secret values in outputs.
const Redacted = "[REDACTED]"

// Request carries one adapter invocation.
type Request struct {
	Node    *graph.Node
	Context map[string]any
	Policy  *egress.Policy
	Run     *store.WorkflowRun
}

// State is the shared adapter state, built once per daemon.
type State struct {
	// Events records egress block events; adapters write nothing else.
	Events store.EgressEventStore

	Logger *slog.Logger

	// Transport overrides the HTTP transport. Test hook.
	Transport http.RoundTripper

	// SendGridBaseURL overrides the SendGrid API base. Test hook; defaults
	// to the public endpoint.
	SendGridBaseURL string

	// SlackAPIURL overrides the Slack API base. Test hook.
	SlackAPIURL string
}

// Func is one adapter implementation.
type Func func(ctx context.Context, req *Request, st *State) (any, *string, error)

// registry maps lowercased actionType values to adapters.
var registry = map[string]Func{
	"http":      executeHTTP,
	"email":     executeEmail,
	"slack":     executeSlack,
	"transform": executeTransform,
}

// Execute dispatches a node to its adapter. Unknown action types are skipped
// so a newer editor never wedges an older engine.
func Execute(ctx context.Context, req *Request, st *State) (any, *string, error) {
	fn, ok := registry[req.Node.ActionType()]
	if !ok {
		return map[string]any{"skipped": true, "reason": "unsupported actionType"}, nil, nil
	}
	return fn(ctx, req, st)
}

// maskSecretsFromEnv parses the MASK_SECRETS literal list.
func maskSecretsFromEnv() []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(EnvMaskSecrets), ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// maskValue replaces configured secret literals (minimum length 4) inside
// every string leaf with the redaction marker.
func maskValue(v any, secrets []string) any {
	switch t := v.(type) {
	case string:
		out := t
		for _, sec := range secrets {
			if len(sec) >= 4 {
				out = strings.ReplaceAll(out, sec, Redacted)
			}
		}
		return out
	case map[string]any:
		masked := make(map[string]any, len(t))
		for k, inner := range t {
			masked[k] = maskValue(inner, secrets)
		}
		return masked
	case []any:
		masked := make([]any, len(t))
		for i, inner := range t {
			masked[i] = maskValue(inner, secrets)
		}
		return masked
	default:
		return v
	}
}

// recordBlock persists an egress block event; the node failure carries the
// structured error regardless of whether the event write succeeded.
func recordBlock(ctx context.Context, req *Request, st *State, rawURL string, block *egress.BlockError) {
	if st.Events == nil {
		return
	}
	ev := &store.EgressBlockEvent{
		OwnerID:    req.Run.OwnerID,
		WorkflowID: req.Run.WorkflowID,
		RunID:      req.Run.ID,
		NodeID:     req.Node.ID,
		URL:        rawURL,
		Host:       block.Host,
		Rule:       block.Rule,
		Message:    block.Message,
	}
	if err := st.Events.InsertEgressBlockEvent(ctx, ev); err != nil && st.Logger != nil {
		st.Logger.Warn("Failed to record egress block event",
			slog.String("rule", block.Rule), slog.Any("error", err))
	}
}
