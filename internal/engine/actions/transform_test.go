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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jasonrsadler/dsentr/internal/egress"
	"github.com/jasonrsadler/dsentr/internal/graph"
)

func transformNode(expression string) *graph.Node {
	return &graph.Node{
		ID:   "f1",
		Kind: "action",
		Data: map[string]any{"actionType": "transform", "params": map[string]any{"expression": expression}},
	}
}

func TestExecuteTransformSingleResult(t *testing.T) {
	req := testRequest(transformNode(".Fetch.body.items | length"), &egress.Policy{})
	req.Context = map[string]any{
		"Fetch": map[string]any{
			"body": map[string]any{"items": []any{"a", "b", "c"}},
		},
	}

	outputs, _, err := executeTransform(context.Background(), req, &State{})
	require.NoError(t, err)
	assert.Equal(t, 3, outputs.(map[string]any)["result"])
}

func TestExecuteTransformMultipleResults(t *testing.T) {
	req := testRequest(transformNode(".Fetch.items[]"), &egress.Policy{})
	req.Context = map[string]any{
		"Fetch": map[string]any{"items": []any{"a", "b"}},
	}

	outputs, _, err := executeTransform(context.Background(), req, &State{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, outputs.(map[string]any)["results"])
}

func TestExecuteTransformInvalidExpression(t *testing.T) {
	_, _, err := executeTransform(context.Background(), testRequest(transformNode("...."), &egress.Policy{}), &State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transform expression")
}

func TestExecuteTransformRequiresExpression(t *testing.T) {
	_, _, err := executeTransform(context.Background(), testRequest(transformNode(""), &egress.Policy{}), &State{})
	assert.EqualError(t, err, "Transform expression is required")
}
