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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/graph"
)

func emailNode(params map[string]any) *graph.Node {
	return &graph.Node{
		ID:   "e1",
		Kind: "action",
		Data: map[string]any{"actionType": "email", "params": params},
	}
}

func TestParseRecipientList(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr string
	}{
		{"single", "a@example.com", []string{"a@example.com"}, ""},
		{"several with spaces", " a@example.com , b@example.com ", []string{"a@example.com", "b@example.com"}, ""},
		{"invalid", "not-an-email", nil, "Invalid recipient email: not-an-email"},
		{"duplicate case-insensitive", "a@example.com,A@EXAMPLE.COM", nil, "Duplicate recipient email: A@EXAMPLE.COM"},
		{"empty", " , ", nil, "Recipient email(s) required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRecipientList(tt.raw)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidEmailAddress(t *testing.T) {
	assert.True(t, validEmailAddress("user@example.com"))
	assert.False(t, validEmailAddress("user@localhost"))
	assert.False(t, validEmailAddress("user@.example.com"))
	assert.False(t, validEmailAddress("user@@example.com"))
	assert.False(t, validEmailAddress("user example@example.com"))
	assert.False(t, validEmailAddress(""))
}

func TestExecuteEmailPlain(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.Header().Set("X-Message-Id", "msg-1")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	node := emailNode(map[string]any{
		"apiKey":    "sg-key",
		"to":        "a@example.com",
		"fromEmail": "noreply@example.com",
		"subject":   "Hi {{User.name}}",
		"body":      "Hello",
	})
	req := testRequest(node, &egress.Policy{})
	req.Context = map[string]any{"User": map[string]any{"name": "ada"}}

	outputs, _, err := executeEmail(context.Background(), req, &State{SendGridBaseURL: server.URL})
	require.NoError(t, err)

	out := outputs.(map[string]any)
	assert.Equal(t, true, out["sent"])
	assert.Equal(t, "msg-1", out["messageId"])
	assert.Equal(t, "Hi ada", payload["subject"])
}

func TestExecuteEmailTemplate(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	node := emailNode(map[string]any{
		"apiKey":      "sg-key",
		"to":          "a@example.com",
		"fromEmail":   "noreply@example.com",
		"templateId":  "  d-abc123  ",
		"dynamicData": `{"name":"ada"}`,
	})

	_, _, err := executeEmail(context.Background(), testRequest(node, &egress.Policy{}), &State{SendGridBaseURL: server.URL})
	require.NoError(t, err)

	assert.Equal(t, "d-abc123", payload["template_id"], "template ids are trimmed")
	personalizations := payload["personalizations"].([]any)
	data := personalizations[0].(map[string]any)["dynamic_template_data"].(map[string]any)
	assert.Equal(t, "ada", data["name"])
}

func TestExecuteEmailErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errors":[{"message":"bad from"}]}`))
	}))
	defer server.Close()

	node := emailNode(map[string]any{
		"apiKey":    "sg-key",
		"to":        "a@example.com",
		"fromEmail": "noreply@example.com",
		"subject":   "s",
	})

	_, _, err := executeEmail(context.Background(), testRequest(node, &egress.Policy{}), &State{SendGridBaseURL: server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sendgrid returned 400")
	assert.Contains(t, err.Error(), "bad from")
}

func TestExecuteEmailRequiresKeyAndSubject(t *testing.T) {
	t.Setenv("SENDGRID_API_KEY", "")

	node := emailNode(map[string]any{"to": "a@example.com", "fromEmail": "n@example.com"})
	_, _, err := executeEmail(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	assert.EqualError(t, err, "SendGrid API key is required")

	node = emailNode(map[string]any{"apiKey": "k", "to": "a@example.com", "fromEmail": "n@example.com"})
	_, _, err = executeEmail(context.Background(), testRequest(node, &egress.Policy{}), &State{})
	assert.EqualError(t, err, "Email subject required")
}
