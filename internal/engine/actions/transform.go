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
	"errors"
	"fmt"

	"github.com/itchyny/gojq"
)

// transformIterationCap bounds jq evaluation so a pathological program can't
// hold the worker.
const transformIterationCap = 1000

// executeTransform runs a jq program over the run context and returns its
// results. One result becomes {"result": value}; several become
// {"results": [...]}.
func executeTransform(ctx context.Context, req *Request, st *State) (any, *string, error) {
	program := req.Node.StringParam("expression")
	if program == "" {
		return nil, nil, errors.New("Transform expression is required")
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid transform expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid transform expression: %w", err)
	}

	input := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		input[k] = v
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for i := 0; i < transformIterationCap; i++ {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, nil, fmt.Errorf("transform failed: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return map[string]any{"result": nil}, nil, nil
	case 1:
		return map[string]any{"result": results[0]}, nil, nil
	default:
		return map[string]any{"results": results}, nil, nil
	}
}
