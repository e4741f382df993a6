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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jasonrsadler/dsentr/internal/templating"
)

const defaultSendGridBaseURL = "https://api.sendgrid.com"

// executeEmail sends mail through the SendGrid v3 API. Either a plain
// subject/body or a template id with dynamic data; provider-specific fields
// pass through opaque. The message id lands in the outputs so downstream
// nodes can reference it.
func executeEmail(ctx context.Context, req *Request, st *State) (any, *string, error) {
	params := req.Node.Params()

	apiKey, _ := params["apiKey"].(string)
	if apiKey == "" {
		apiKey = os.Getenv("SENDGRID_API_KEY")
	}
	if apiKey == "" {
		return nil, nil, errors.New("SendGrid API key is required")
	}

	rawTo, _ := params["to"].(string)
	recipients, err := parseRecipientList(templating.Render(rawTo, req.Context))
	if err != nil {
		return nil, nil, err
	}

	from, _ := params["fromEmail"].(string)
	from = strings.TrimSpace(templating.Render(from, req.Context))
	if !validEmailAddress(from) {
		return nil, nil, errors.New("Valid sender email required")
	}

	personalizations := []map[string]any{}
	tos := make([]map[string]any, 0, len(recipients))
	for _, r := range recipients {
		tos = append(tos, map[string]any{"email": r})
	}

	payload := map[string]any{
		"from": map[string]any{"email": from},
	}

	templateID := strings.TrimSpace(req.Node.StringParam("templateId"))
	if templateID != "" {
		p := map[string]any{"to": tos}
		if rawData, ok := params["dynamicData"].(string); ok && rawData != "" {
			rendered := templating.Render(rawData, req.Context)
			var data map[string]any
			if err := json.Unmarshal([]byte(rendered), &data); err != nil {
				return nil, nil, fmt.Errorf("invalid dynamic template data: %w", err)
			}
			p["dynamic_template_data"] = data
		}
		personalizations = append(personalizations, p)
		payload["template_id"] = templateID
	} else {
		subject := templating.Render(req.Node.StringParam("subject"), req.Context)
		body := templating.Render(req.Node.StringParam("body"), req.Context)
		if subject == "" {
			return nil, nil, errors.New("Email subject required")
		}
		personalizations = append(personalizations, map[string]any{"to": tos})
		payload["subject"] = subject
		payload["content"] = []map[string]any{{"type": "text/plain", "value": body}}
	}
	payload["personalizations"] = personalizations

	base := st.SendGridBaseURL
	if base == "" {
		base = defaultSendGridBaseURL
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode mail payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v3/mail/send", bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Transport: st.Transport,
		Timeout:   time.Duration(req.Node.TimeoutMillis(defaultHTTPTimeoutMillis)) * time.Millisecond,
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("sendgrid request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	outputs := map[string]any{
		"sent":       true,
		"recipients": len(recipients),
	}
	if id := resp.Header.Get("X-Message-Id"); id != "" {
		outputs["messageId"] = id
	}
	return outputs, nil, nil
}

// validEmailAddress is a light sanity check: one @, non-empty local and
// domain, dotted domain. Real validation is the provider's problem.
func validEmailAddress(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.Contains(trimmed, " ") {
		return false
	}
	local, domain, ok := strings.Cut(trimmed, "@")
	if !ok || local == "" || domain == "" {
		return false
	}
	if strings.Contains(domain, "@") {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return strings.Contains(domain, ".")
}

// parseRecipientList splits a comma-separated recipient list, validating and
// rejecting duplicates (case-insensitive).
func parseRecipientList(raw string) ([]string, error) {
	var recipients []string
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !validEmailAddress(entry) {
			return nil, fmt.Errorf("Invalid recipient email: %s", entry)
		}
		lowered := strings.ToLower(entry)
		if _, dup := seen[lowered]; dup {
			return nil, fmt.Errorf("Duplicate recipient email: %s", entry)
		}
		seen[lowered] = struct{}{}
		recipients = append(recipients, entry)
	}
	if len(recipients) == 0 {
		return nil, errors.New("Recipient email(s) required")
	}
	return recipients, nil
}
