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
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/jasonrsadler/dsentr/internal/graph"
)

// evaluateCondition applies the node's field/operator/value comparison
// against the context and picks the outgoing edge whose handle matches the
// boolean result. The operator set is fixed; unknown operators evaluate
// false rather than failing the run.
func evaluateCondition(node *graph.Node, runCtx map[string]any, outgoing []graph.Edge) (map[string]any, *string, error) {
	field, _ := node.Data["field"].(string)
	if field == "" {
		return nil, nil, errors.New("Missing condition field")
	}
	operator, _ := node.Data["operator"].(string)
	if operator == "" {
		operator = "equals"
	}
	value, _ := node.Data["value"].(string)

	actual, _ := runCtx[field].(string)

	var result bool
	switch operator {
	case "equals":
		result = actual == value
	case "not equals":
		result = actual != value
	case "contains":
		result = strings.Contains(actual, value)
	case "greater than":
		result = parseNumber(actual) > parseNumber(value)
	case "less than":
		result = parseNumber(actual) < parseNumber(value)
	default:
		result = false
	}

	wanted := graph.HandleCondFalse
	if result {
		wanted = graph.HandleCondTrue
	}
	var selected *string
	for _, edge := range outgoing {
		if edge.SourceHandle == wanted {
			target := edge.Target
			selected = &target
			break
		}
	}

	return map[string]any{"result": result}, selected, nil
}

// parseNumber yields NaN for non-numeric input so comparisons against it are
// always false, matching the unordered semantics of a missing field.
func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
