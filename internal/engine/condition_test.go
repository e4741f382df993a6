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

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/graph"
)

func condNode(field, operator, value string) *graph.Node {
	return &graph.Node{
		ID:   "c1",
		Kind: graph.KindCondition,
		Data: map[string]any{"field": field, "operator": operator, "value": value},
	}
}

func TestEvaluateCondition(t *testing.T) {
	runCtx := map[string]any{"status": "active", "count": "10"}

	tests := []struct {
		name     string
		operator string
		field    string
		value    string
		want     bool
	}{
		{"equals true", "equals", "status", "active", true},
		{"equals false", "equals", "status", "inactive", false},
		{"not equals", "not equals", "status", "inactive", true},
		{"contains", "contains", "status", "act", true},
		{"greater than", "greater than", "count", "5", true},
		{"greater than false", "greater than", "count", "20", false},
		{"less than", "less than", "count", "20", true},
		{"non-numeric comparison is false", "greater than", "status", "5", false},
		{"unknown operator is false", "matches", "status", "active", false},
		{"missing field compares empty", "equals", "missing", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputs, _, err := evaluateCondition(condNode(tt.field, tt.operator, tt.value), runCtx, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outputs["result"])
		})
	}
}

func TestEvaluateConditionSelectsHandleEdge(t *testing.T) {
	outgoing := []graph.Edge{
		{Source: "c1", Target: "yes", SourceHandle: graph.HandleCondTrue},
		{Source: "c1", Target: "no", SourceHandle: graph.HandleCondFalse},
	}
	runCtx := map[string]any{"status": "active"}

	_, selected, err := evaluateCondition(condNode("status", "equals", "active"), runCtx, outgoing)
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, "yes", *selected)

	_, selected, err = evaluateCondition(condNode("status", "equals", "other"), runCtx, outgoing)
	require.NoError(t, err)
	require.NotNil(t, selected)
	assert.Equal(t, "no", *selected)
}

func TestEvaluateConditionMissingField(t *testing.T) {
	_, _, err := evaluateCondition(&graph.Node{ID: "c1", Kind: graph.KindCondition, Data: map[string]any{}}, nil, nil)
	assert.EqualError(t, err, "Missing condition field")
}
