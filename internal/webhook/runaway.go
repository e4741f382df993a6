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
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jasonrsadler/dsentr/internal/store"
)

// RunawayProtectionError is the fixed error code returned with 429 when a
// workspace trips its runaway limit.
const RunawayProtectionError = "runaway_protection_triggered"

// RunawayWindow is the sliding window runaway protection counts over.
const RunawayWindow = 5 * time.Minute

// ErrRunawayTriggered indicates the workspace exceeded its 5-minute run
// budget.
var ErrRunawayTriggered = errors.New("webhook: runaway protection triggered")

// EnforceRunawayProtection counts the workspace's recent runs against its
// configured limit. Disabled protection or absent settings allow the run.
func EnforceRunawayProtection(ctx context.Context, runs store.RunStore, settings *store.WorkspaceSettings, workspaceID uuid.UUID) error {
	if settings == nil || !settings.RunawayProtectionEnabled || settings.RunawayLimit5Min <= 0 {
		return nil
	}
	count, err := runs.CountWorkspaceRunsSince(ctx, workspaceID, time.Now().Add(-RunawayWindow))
	if err != nil {
		return err
	}
	if count > settings.RunawayLimit5Min {
		return ErrRunawayTriggered
	}
	return nil
}
