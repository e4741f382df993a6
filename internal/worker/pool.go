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

// Package worker runs the claim/execute/finalize loop.
//
// Each worker owns at most one run at a time; workers coordinate exclusively
// through the store's claim protocol, so pools scale across processes with no
// in-memory coordination. Lease renewal happens inside the executor while it
// traverses; the worker only claims and reports.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jasonrsadler/dsentr/internal/engine"
	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/metrics"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// Config contains worker pool configuration.
type Config struct {
	// Count is the number of parallel workers in this process.
	Count int

	// LeaseSeconds is passed to every claim.
	LeaseSeconds int

	// IdleInterval is the sleep between empty claim polls.
	IdleInterval time.Duration
}

// Pool is a set of workers sharing one executor.
type Pool struct {
	store    store.RunStore
	executor *engine.Executor
	cfg      Config
	workerID string
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewWorkerID builds an opaque worker identity from the process id and a
// random nonce. It does not need to survive restarts; expired leases are
// swept back to the queue.
func NewWorkerID() string {
	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("worker-%d-%s", os.Getpid(), hex.EncodeToString(nonce))
}

// New creates a worker pool.
func New(s store.RunStore, executor *engine.Executor, workerID string, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Second
	}
	return &Pool{
		store:    s,
		executor: executor,
		cfg:      cfg,
		workerID: workerID,
		logger:   log.WithComponent(logger, "worker"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight runs to finish.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, slot int) {
	defer p.wg.Done()
	workerLogger := p.logger.With(slog.String(log.WorkerIDKey, p.workerID), slog.Int("slot", slot))

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		run, err := p.store.ClaimNextEligibleRun(ctx, p.workerID, p.cfg.LeaseSeconds)
		if err != nil {
			workerLogger.Warn("Failed to claim run", slog.Any("error", err))
			p.idle(ctx)
			continue
		}
		if run == nil {
			p.idle(ctx)
			continue
		}

		metrics.RecordRunClaimed()
		metrics.WorkerBusy()
		workerLogger.Info("Claimed workflow run",
			slog.String(log.RunIDKey, run.ID.String()),
			slog.String(log.WorkflowIDKey, run.WorkflowID.String()),
			slog.Int("attempt", run.Attempt))

		if err := p.executor.ExecuteRun(ctx, run); err != nil {
			// A PersistenceError means the run's terminal state may not have
			// been recorded; the lease sweeper will requeue it.
			workerLogger.Error("Run execution failed to persist",
				slog.String(log.RunIDKey, run.ID.String()),
				slog.Any("error", err))
		}
		metrics.WorkerIdle()
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-time.After(p.cfg.IdleInterval):
	case <-ctx.Done():
	case <-p.stopCh:
	}
}
