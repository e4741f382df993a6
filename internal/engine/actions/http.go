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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/metrics"
	"github.com/jasonrsadler/dsentr/internal/templating"
)

// maxRedirectHops caps redirect following; every hop re-checks the egress
// policy.
const maxRedirectHops = 10

// retryBackoffStep is the linear backoff unit between network-error retries.
const retryBackoffStep = 250 * time.Millisecond

const defaultHTTPTimeoutMillis = 30_000

// executeHTTP performs one outbound HTTP request under the run's egress
// policy. Network errors consume the node's retry budget with linear
// backoff; HTTP status codes are returned as outputs, never retried.
func executeHTTP(ctx context.Context, req *Request, st *State) (any, *string, error) {
	params := req.Node.Params()

	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return nil, nil, errors.New("HTTP url is required")
	}
	target := templating.Render(rawURL, req.Context)

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url: %w", err)
	}
	if !egress.ValidScheme(parsed.Scheme) {
		return nil, nil, errors.New("Only http/https schemes are allowed")
	}
	if block := req.Policy.CheckURL(parsed); block != nil {
		metrics.RecordEgressBlock(block.Rule)
		recordBlock(ctx, req, st, target, block)
		return nil, nil, block
	}

	method := strings.ToUpper(req.Node.StringParam("method"))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
	default:
		method = http.MethodGet
	}

	target = appendQueryParams(target, params, req.Context)

	follow := true
	if v, ok := params["followRedirects"].(bool); ok {
		follow = v
	}

	client := &http.Client{
		Transport: st.Transport,
		Timeout:   time.Duration(req.Node.TimeoutMillis(defaultHTTPTimeoutMillis)) * time.Millisecond,
	}
	if !follow {
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirectHops {
				return errors.New("too many redirects")
			}
			if !egress.ValidScheme(r.URL.Scheme) {
				return errors.New("redirect to non-http scheme")
			}
			if block := req.Policy.CheckURL(r.URL); block != nil {
				metrics.RecordEgressBlock(block.Rule)
				recordBlock(ctx, req, st, r.URL.String(), block)
				return block
			}
			return nil
		}
	}

	retries := req.Node.Retries()
	var lastErr error
	for attempt := 1; attempt <= retries+1; attempt++ {
		httpReq, err := buildHTTPRequest(ctx, method, target, params, req.Context)
		if err != nil {
			return nil, nil, err
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			// A blocked redirect hop is a policy failure, not a network
			// error; surface it without consuming the retry budget.
			var block *egress.BlockError
			if errors.As(err, &block) {
				return nil, nil, block
			}
			lastErr = err
			if attempt <= retries {
				select {
				case <-time.After(retryBackoffStep * time.Duration(attempt)):
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
				continue
			}
			return nil, nil, fmt.Errorf("request failed: %w", lastErr)
		}

		outputs, err := readHTTPResponse(resp)
		if err != nil {
			return nil, nil, err
		}
		return maskValue(outputs, maskSecretsFromEnv()), nil, nil
	}
	return nil, nil, fmt.Errorf("request failed: %w", lastErr)
}

// appendQueryParams appends the node's queryParams pairs, templating values.
func appendQueryParams(target string, params map[string]any, runCtx map[string]any) string {
	pairs, ok := params["queryParams"].([]any)
	if !ok || len(pairs) == 0 {
		return target
	}
	var b strings.Builder
	b.WriteString(target)
	first := !strings.Contains(target, "?")
	for _, raw := range pairs {
		kv, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		k, _ := kv["key"].(string)
		v, _ := kv["value"].(string)
		if k == "" {
			continue
		}
		if first {
			b.WriteByte('?')
			first = false
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(templating.Render(v, runCtx)))
	}
	return b.String()
}

func buildHTTPRequest(ctx context.Context, method, target string, params map[string]any, runCtx map[string]any) (*http.Request, error) {
	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete && method != http.MethodHead {
		body = requestBody(params, runCtx)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	bodyType, _ := params["bodyType"].(string)
	if body != nil && bodyType == "json" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if body != nil && bodyType == "form" {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if headers, ok := params["headers"].([]any); ok {
		for _, raw := range headers {
			kv, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			k, _ := kv["key"].(string)
			v, _ := kv["value"].(string)
			if k == "" {
				continue
			}
			httpReq.Header.Add(k, templating.Render(v, runCtx))
		}
	}

	switch params["authType"] {
	case "basic":
		user, _ := params["username"].(string)
		pass, _ := params["password"].(string)
		httpReq.SetBasicAuth(templating.Render(user, runCtx), templating.Render(pass, runCtx))
	case "bearer":
		token, _ := params["token"].(string)
		httpReq.Header.Set("Authorization", "Bearer "+templating.Render(token, runCtx))
	}

	return httpReq, nil
}

func requestBody(params map[string]any, runCtx map[string]any) io.Reader {
	bodyType, _ := params["bodyType"].(string)
	switch bodyType {
	case "form":
		form := url.Values{}
		if pairs, ok := params["formBody"].([]any); ok {
			for _, raw := range pairs {
				kv, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				k, _ := kv["key"].(string)
				v, _ := kv["value"].(string)
				if k != "" {
					form.Add(k, templating.Render(v, runCtx))
				}
			}
		}
		return strings.NewReader(form.Encode())
	default:
		raw, _ := params["body"].(string)
		rendered := templating.Render(raw, runCtx)
		if rendered == "" {
			return nil
		}
		return strings.NewReader(rendered)
	}
}

// readHTTPResponse shapes the adapter output: {status, headers, body}. The
// body parses as JSON iff the Content-Type says so, otherwise it stays a
// string.
func readHTTPResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	headerMap := make(map[string]any, len(resp.Header))
	for k, vals := range resp.Header {
		if len(vals) > 0 {
			headerMap[strings.ToLower(k)] = vals[0]
		}
	}

	var body any = string(text)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(text, &parsed); err == nil {
			body = parsed
		}
	}

	return map[string]any{
		"status":  resp.StatusCode,
		"headers": headerMap,
		"body":    body,
	}, nil
}
