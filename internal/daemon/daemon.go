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

// Package daemon wires the store, worker pool, scheduler, and HTTP surface
// into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jasonrsadler/dsentr/internal/api"
	"github.com/jasonrsadler/dsentr/internal/config"
	"github.com/jasonrsadler/dsentr/internal/engine"
	"github.com/jasonrsadler/dsentr/internal/engine/actions"
	"github.com/jasonrsadler/dsentr/internal/events"
	"github.com/jasonrsadler/dsentr/internal/httputil"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/scheduler"
	"github.com/jasonrsadler/dsentr/internal/store"
	"github.com/jasonrsadler/dsentr/internal/store/memory"
	"github.com/jasonrsadler/dsentr/internal/store/postgres"
	"github.com/jasonrsadler/dsentr/internal/store/sqlite"
	"github.com/jasonrsadler/dsentr/internal/tracing"
	"github.com/jasonrsadler/dsentr/internal/worker"
)

// Daemon is one dsentrd process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	pool      *worker.Pool
	scheduler *scheduler.Scheduler
	server    *http.Server

	shutdownTracing func(context.Context) error
}

// New builds a daemon from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	daemonLogger := log.WithComponent(logger, "daemon")

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	workerID := worker.NewWorkerID()
	journal := events.New(s, logger)

	actionState := &actions.State{
		Events: s,
		Logger: logger,
	}

	executor := engine.New(s, journal, actionState, engine.Config{
		WorkerID:             workerID,
		LeaseSeconds:         cfg.LeaseSeconds,
		StatusPollInterval:   cfg.StatusPollInterval,
		StatusPollTimeout:    cfg.StatusPollTimeout,
		LeaseRenewalInterval: cfg.LeaseRenewalInterval,
		SecretsEncryptionKey: cfg.SecretsEncryptionKey,
	}, logger)

	pool := worker.New(s, executor, workerID, worker.Config{
		Count:        cfg.WorkerCount,
		LeaseSeconds: cfg.LeaseSeconds,
		IdleInterval: cfg.IdleInterval,
	}, logger)

	sched := scheduler.New(s, scheduler.Config{
		RetentionDays:   cfg.RetentionDays,
		ReplayRetention: config.DefaultReplayRetention,
	}, logger)

	handler := api.New(s, journal, cfg, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Daemon{
		cfg:       cfg,
		logger:    daemonLogger,
		store:     s,
		pool:      pool,
		scheduler: sched,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.New(postgres.Config{ConnectionString: cfg.DatabaseURL})
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: true})
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// Run starts everything and blocks until the context is canceled, then
// shuts down gracefully: HTTP first, then the scheduler, then the workers.
func (d *Daemon) Run(ctx context.Context) error {
	shutdownTracing, err := tracing.Setup(ctx, "dsentrd", d.cfg.TracingEnabled)
	if err != nil {
		return err
	}
	d.shutdownTracing = shutdownTracing

	d.pool.Start(ctx)
	d.scheduler.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("HTTP server listening", slog.String("addr", d.cfg.ListenAddr))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.shutdown(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d.shutdown(shutdownCtx)
	return nil
}

func (d *Daemon) shutdown(ctx context.Context) {
	d.logger.Info("Shutting down")
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("HTTP shutdown failed", log.Error(err))
	}
	d.scheduler.Stop()
	d.pool.Stop()
	if d.shutdownTracing != nil {
		if err := d.shutdownTracing(ctx); err != nil {
			d.logger.Warn("Trace exporter shutdown failed", log.Error(err))
		}
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("Store close failed", log.Error(err))
	}
}
