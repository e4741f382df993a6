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

package actions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/graph"
	"github.com/jasonrsadler/dsentr/internal/store"
	"github.com/jasonrsadler/dsentr/internal/store/memory"
)

func httpNode(params map[string]any) *graph.Node {
	return &graph.Node{
		ID:   "a1",
		Kind: "action",
		Data: map[string]any{"actionType": "http", "params": params},
	}
}

func testRequest(node *graph.Node, policy *egress.Policy) *Request {
	return &Request{
		Node:    node,
		Context: map[string]any{},
		Policy:  policy,
		Run: &store.WorkflowRun{
			ID:         uuid.New(),
			OwnerID:    uuid.New(),
			WorkflowID: uuid.New(),
		},
	}
}

func TestExecuteHTTPJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"new"}`))
	}))
	defer server.Close()

	node := httpNode(map[string]any{
		"url":      server.URL,
		"method":   "POST",
		"bodyType": "json",
		"body":     `{"k":"v"}`,
		"authType": "bearer",
		"token":    "tok-123",
	})

	outputs, selected, err := executeHTTP(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	require.NoError(t, err)
	assert.Nil(t, selected)

	out := outputs.(map[string]any)
	assert.Equal(t, http.StatusCreated, out["status"])
	body := out["body"].(map[string]any)
	assert.Equal(t, "new", body["id"])
}

func TestExecuteHTTPNonJSONBodyStaysString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))
	defer server.Close()

	node := httpNode(map[string]any{"url": server.URL, "method": "GET"})
	outputs, _, err := executeHTTP(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	require.NoError(t, err)
	assert.Equal(t, "hello", outputs.(map[string]any)["body"])
}

func TestExecuteHTTPMasksSecrets(t *testing.T) {
	t.Setenv(EnvMaskSecrets, "supersecretvalue, ab")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("leaked: supersecretvalue and ab stays"))
	}))
	defer server.Close()

	node := httpNode(map[string]any{"url": server.URL, "method": "GET"})
	outputs, _, err := executeHTTP(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	require.NoError(t, err)

	body := outputs.(map[string]any)["body"].(string)
	assert.Equal(t, "leaked: [REDACTED] and ab stays", body, "secrets shorter than 4 chars are not masked")
}

func TestExecuteHTTPStatusCodesAreNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	node := httpNode(map[string]any{"url": server.URL, "method": "GET"})
	node.Data["retries"] = float64(3)

	outputs, _, err := executeHTTP(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, outputs.(map[string]any)["status"])
	assert.Equal(t, 1, calls, "HTTP status codes are returned, never retried")
}

func TestExecuteHTTPRetriesNetworkErrors(t *testing.T) {
	// A server that is already closed produces connection errors.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	node := httpNode(map[string]any{"url": target, "method": "GET"})
	node.Data["retries"] = float64(2)

	_, _, err := executeHTTP(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestExecuteHTTPBlockedHostRecordsEvent(t *testing.T) {
	s := memory.New()
	node := httpNode(map[string]any{"url": "https://evil.example.com/x", "method": "GET"})
	req := testRequest(node, &egress.Policy{DisallowedHosts: []string{"evil.example.com"}})

	_, _, err := executeHTTP(context.Background(), req, &State{Events: s})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"rule":"denylist"`)

	blocks, listErr := s.ListEgressBlockEvents(context.Background(), req.Run.OwnerID, req.Run.WorkflowID, 10, 0)
	require.NoError(t, listErr)
	require.Len(t, blocks, 1)
	assert.Equal(t, "evil.example.com", blocks[0].Host)
}

func TestExecuteHTTPRejectsBadScheme(t *testing.T) {
	node := httpNode(map[string]any{"url": "ftp://example.com/file", "method": "GET"})
	_, _, err := executeHTTP(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	assert.EqualError(t, err, "Only http/https schemes are allowed")
}

func TestExecuteHTTPRedirectPolicyEnforcedPerHop(t *testing.T) {
	var reached bool
	blocked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))
	defer blocked.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, blocked.URL+"/target", http.StatusFound)
	}))
	defer redirector.Close()

	// Reach the redirector via localhost so only the 127.0.0.1 redirect
	// target trips the denylist.
	target := strings.Replace(redirector.URL, "127.0.0.1", "localhost", 1)

	s := memory.New()
	node := httpNode(map[string]any{"url": target, "method": "GET"})
	req := testRequest(node, &egress.Policy{DisallowedHosts: []string{"127.0.0.1"}})

	_, _, err := executeHTTP(context.Background(), req, &State{Events: s})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "egress_blocked")
	assert.False(t, reached, "the denied redirect target is never contacted")

	blocks, listErr := s.ListEgressBlockEvents(context.Background(), req.Run.OwnerID, req.Run.WorkflowID, 10, 0)
	require.NoError(t, listErr)
	require.Len(t, blocks, 1)
	assert.Equal(t, "127.0.0.1", blocks[0].Host)
}

func TestExecuteHTTPQueryParamsAndTemplating(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	node := httpNode(map[string]any{
		"url":    server.URL,
		"method": "GET",
		"queryParams": []any{
			map[string]any{"key": "q", "value": "{{Node.term}}"},
		},
	})
	req := testRequest(node, &egress.Policy{})
	req.Context = map[string]any{"Node": map[string]any{"term": "golang"}}

	_, _, err := executeHTTP(context.Background(), req, &State{})
	require.NoError(t, err)
	assert.Equal(t, "q=golang", gotQuery)
}

func TestExecuteUnknownActionTypeSkips(t *testing.T) {
	node := &graph.Node{
		ID:   "a1",
		Kind: "action",
		Data: map[string]any{"actionType": "teleport"},
	}
	outputs, selected, err := Execute(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	require.NoError(t, err)
	assert.Nil(t, selected)
	assert.Equal(t, map[string]any{"skipped": true, "reason": "unsupported actionType"}, outputs)
}
