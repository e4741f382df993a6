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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Backend)
	assert.Equal(t, DefaultWorkerCount, cfg.WorkerCount)
	assert.Equal(t, DefaultLeaseSeconds, cfg.LeaseSeconds)
	assert.Equal(t, 500*time.Millisecond, cfg.StatusPollInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.StatusPollTimeout)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dsentrd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
backend: postgres
worker_count: 8
`), 0o644))

	t.Setenv("DSENTR_WORKER_COUNT", "2")
	t.Setenv("RUN_STATUS_POLL_INTERVAL_MS", "50")
	t.Setenv("RUN_LEASE_RENEWAL_INTERVAL_MS", "1000")
	t.Setenv("RUN_RETENTION_DAYS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "postgres", cfg.Backend)
	assert.Equal(t, 2, cfg.WorkerCount, "environment wins over the file")
	assert.Equal(t, 50*time.Millisecond, cfg.StatusPollInterval)
	assert.Equal(t, time.Second, cfg.LeaseRenewalInterval)
	assert.Equal(t, 7, cfg.RetentionDays)
}

func TestWebhookSecretValid(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.WebhookSecretValid())

	cfg.WebhookSecret = "0123456789abcdef0123456789abcdef"
	assert.True(t, cfg.WebhookSecretValid())
}
