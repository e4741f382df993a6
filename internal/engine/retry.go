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
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/metrics"
)

// Persistence retry budget for store writes on the execution path.
const persistenceMaxAttempts = 3

// PersistenceError reports a store operation that exhausted its retries while
// executing a run. The worker logs it loudly and does not retry the run.
type PersistenceError struct {
	RunID     uuid.UUID
	Operation string
	Attempts  int
	Err       error
}

// Error implements error.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("executor persistence operation %q failed for run %s after %d attempts: %v",
		e.Operation, e.RunID, e.Attempts, e.Err)
}

// Unwrap exposes the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// retryPersistence runs op with exponential backoff, wrapping exhaustion in a
// PersistenceError.
func (e *Executor) retryPersistence(ctx context.Context, runID uuid.UUID, operation string, op func() error) error {
	backoff := e.initialBackoff
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if attempt >= persistenceMaxAttempts {
			e.logger.Error("executor persistence operation exhausted retries",
				slog.String("run_id", runID.String()),
				slog.String("operation", operation),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			metrics.RecordPersistenceError(operation)
			return &PersistenceError{RunID: runID, Operation: operation, Attempts: attempt, Err: err}
		}
		e.logger.Warn("executor persistence operation failed; retrying",
			slog.String("run_id", runID.String()),
			slog.String("operation", operation),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return &PersistenceError{RunID: runID, Operation: operation, Attempts: attempt, Err: ctx.Err()}
		}
		backoff *= 2
	}
}
