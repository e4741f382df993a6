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

// Package config loads daemon configuration from a YAML file and the
// environment. Environment variables win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MinWebhookSecretLength is the minimum entropy requirement for the webhook
// signing secret. Shorter secrets disable the webhook surface entirely.
const MinWebhookSecretLength = 32

// Defaults applied when neither file nor environment sets a value.
const (
	DefaultListenAddr      = ":8080"
	DefaultWorkerCount     = 4
	DefaultLeaseSeconds    = 60
	DefaultIdleInterval    = time.Second
	DefaultRetentionDays   = 30
	DefaultReplayRetention = 24 * time.Hour
)

// Config is the full daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// Backend selects the store: postgres, sqlite, or memory.
	Backend string `yaml:"backend"`

	// DatabaseURL is the postgres connection string.
	DatabaseURL string `yaml:"database_url"`

	// SQLitePath is the sqlite database file path.
	SQLitePath string `yaml:"sqlite_path"`

	// WorkerCount is the number of worker goroutines claiming runs.
	WorkerCount int `yaml:"worker_count"`

	// LeaseSeconds bounds worker ownership of a claimed run. Must cover
	// worst-case node I/O.
	LeaseSeconds int `yaml:"lease_seconds"`

	// IdleInterval is the worker sleep between empty claim polls.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// RetentionDays is the terminal-run retention window.
	RetentionDays int `yaml:"retention_days"`

	// WebhookSecret derives webhook tokens and signing keys.
	WebhookSecret string `yaml:"webhook_secret"`

	// SecretsEncryptionKey decrypts per-user secret stores.
	SecretsEncryptionKey string `yaml:"secrets_encryption_key"`

	// APITokenSecret signs and verifies API session tokens.
	APITokenSecret string `yaml:"api_token_secret"`

	// PublicBaseURL prefixes generated webhook URLs.
	PublicBaseURL string `yaml:"public_base_url"`

	// StatusPollInterval is the executor's cancellation poll interval.
	StatusPollInterval time.Duration `yaml:"status_poll_interval"`

	// StatusPollTimeout bounds one cancellation status fetch.
	StatusPollTimeout time.Duration `yaml:"status_poll_timeout"`

	// LeaseRenewalInterval is the executor's lease renewal cadence. Zero
	// means half the lease.
	LeaseRenewalInterval time.Duration `yaml:"lease_renewal_interval"`

	// TracingEnabled turns on the OTLP trace exporter.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr:         DefaultListenAddr,
		Backend:            "sqlite",
		SQLitePath:         "dsentr.db",
		WorkerCount:        DefaultWorkerCount,
		LeaseSeconds:       DefaultLeaseSeconds,
		IdleInterval:       DefaultIdleInterval,
		RetentionDays:      DefaultRetentionDays,
		StatusPollInterval: 500 * time.Millisecond,
		StatusPollTimeout:  200 * time.Millisecond,
	}
}

// Load reads the config file (when path is non-empty) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.LeaseSeconds < 1 {
		cfg.LeaseSeconds = DefaultLeaseSeconds
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DSENTR_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DSENTR_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("DSENTR_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("DSENTR_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("DSENTR_LEASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LeaseSeconds = n
		}
	}
	if v := os.Getenv("RUN_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetentionDays = n
		}
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv("API_SECRETS_ENCRYPTION_KEY"); v != "" {
		c.SecretsEncryptionKey = v
	}
	if v := os.Getenv("API_TOKEN_SECRET"); v != "" {
		c.APITokenSecret = v
	}
	if v := os.Getenv("DSENTR_PUBLIC_BASE_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if ms := envMillis("RUN_STATUS_POLL_INTERVAL_MS"); ms > 0 {
		c.StatusPollInterval = ms
	}
	if ms := envMillis("RUN_STATUS_POLL_TIMEOUT_MS"); ms > 0 {
		c.StatusPollTimeout = ms
	}
	if ms := envMillis("RUN_LEASE_RENEWAL_INTERVAL_MS"); ms > 0 {
		c.LeaseRenewalInterval = ms
	}
	if v := os.Getenv("DSENTR_TRACING_ENABLED"); v == "1" || v == "true" {
		c.TracingEnabled = true
	}
}

func envMillis(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

// WebhookSecretValid reports whether the webhook secret meets the entropy
// minimum. The webhook surface refuses to operate without it.
func (c *Config) WebhookSecretValid() bool {
	return len(c.WebhookSecret) >= MinWebhookSecretLength
}
