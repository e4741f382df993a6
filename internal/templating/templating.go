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

// Package templating implements the minimal {{ dotted.path }} substitution
// applied to adapter string parameters.
//
// The language is deliberately tiny: dotted paths into the run context, with
// numeric segments indexing arrays. No expressions, no filters. Missing paths
// substitute the empty string.
package templating

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Render replaces every {{ path }} occurrence in s with the context value at
// that path. Unterminated braces are emitted verbatim.
func Render(s string, ctx map[string]any) string {
	var out strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		out.WriteString(rest[:start])
		tail := rest[start:]
		end := strings.Index(tail, "}}")
		if end < 0 {
			out.WriteString(tail)
			return out.String()
		}
		expr := strings.TrimSpace(tail[2:end])
		if val, ok := Lookup(expr, ctx); ok {
			out.WriteString(val)
		}
		rest = tail[end+2:]
	}
	out.WriteString(rest)
	return out.String()
}

// Lookup resolves a dotted path against the context and stringifies the
// leaf: strings verbatim, everything else via its canonical JSON form.
func Lookup(path string, ctx map[string]any) (string, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return "", false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return "", false
			}
			cur = v[idx]
		default:
			return stringify(cur), true
		}
	}
	return stringify(cur), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
