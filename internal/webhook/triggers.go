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

package webhook

import (
	"strings"
)

// Trigger is one webhook-typed trigger node of a workflow graph.
type Trigger struct {
	ID    string
	Label string

	normalizedLabel string
}

// CollectTriggers enumerates trigger nodes whose triggerType is "webhook"
// (case-insensitive). A trigger with no label falls back to its node id.
func CollectTriggers(graph map[string]any) []Trigger {
	rawNodes, ok := graph["nodes"].([]any)
	if !ok {
		return nil
	}
	var out []Trigger
	for _, raw := range rawNodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if nodeType, _ := node["type"].(string); nodeType != "trigger" {
			continue
		}
		data, _ := node["data"].(map[string]any)
		triggerType, _ := data["triggerType"].(string)
		if !strings.EqualFold(triggerType, "webhook") {
			continue
		}
		id, _ := node["id"].(string)
		if id == "" {
			continue
		}
		label, _ := data["label"].(string)
		label = strings.TrimSpace(label)
		if label == "" {
			label = id
		}
		out = append(out, Trigger{
			ID:              id,
			Label:           label,
			normalizedLabel: strings.ToLower(label),
		})
	}
	return out
}

// SelectTrigger resolves the requested label against the webhook triggers.
// With no label, a sole trigger is selected implicitly; with several and no
// matching label, nil (the HTTP surface answers "not found", identical to a
// missing workflow).
func SelectTrigger(triggers []Trigger, requestedLabel string) *Trigger {
	label := strings.ToLower(strings.TrimSpace(requestedLabel))
	if label != "" {
		for i := range triggers {
			if triggers[i].normalizedLabel == label {
				return &triggers[i]
			}
		}
		return nil
	}
	if len(triggers) == 1 {
		return &triggers[0]
	}
	return nil
}
