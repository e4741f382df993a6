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

// Package scheduler materializes due schedules into queued runs and keeps
// the queue healthy: expired leases are swept back every tick, and old runs
// and replay fingerprints are purged on the retention cadence.
//
// The loop is safe to run on every worker process because MarkScheduleRun
// uses compare-and-set on next_run_at: only one instance wins each firing.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jasonrsadler/dsentr/internal/log"
	"github.com/jasonrsadler/dsentr/internal/metrics"
	"github.com/jasonrsadler/dsentr/internal/store"
)

// Config contains scheduler configuration.
type Config struct {
	// TickInterval is the poll cadence for due schedules and lease sweeping.
	TickInterval time.Duration

	// RetentionInterval is how often purges run.
	RetentionInterval time.Duration

	// RetentionDays bounds terminal run retention.
	RetentionDays int

	// ReplayRetention bounds webhook replay fingerprint retention.
	ReplayRetention time.Duration

	// DueLimit caps due schedules fetched per tick.
	DueLimit int
}

// Scheduler is the periodic loop.
type Scheduler struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	cronParser cron.Parser
}

// New creates a scheduler.
func New(s store.Store, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.ReplayRetention <= 0 {
		cfg.ReplayRetention = 24 * time.Hour
	}
	if cfg.DueLimit <= 0 {
		cfg.DueLimit = 50
	}
	return &Scheduler{
		store:      s,
		cfg:        cfg,
		logger:     log.WithComponent(logger, "scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start starts the scheduler loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop stops the scheduler loop and waits for the current tick.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	retention := time.NewTicker(s.cfg.RetentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		case <-retention.C:
			s.purge(ctx)
		}
	}
}

// tick dispatches due schedules and sweeps expired leases.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	if count, err := s.store.RequeueExpiredLeases(ctx); err != nil {
		s.logger.Warn("Failed to requeue expired leases", slog.Any("error", err))
	} else if count > 0 {
		metrics.RecordExpiredLeases(count)
		s.logger.Info("Requeued expired leases", slog.Int64("count", count))
	}

	due, err := s.store.ListDueSchedules(ctx, s.cfg.DueLimit)
	if err != nil {
		s.logger.Warn("Failed to list due schedules", slog.Any("error", err))
		return
	}
	for _, sched := range due {
		s.dispatch(ctx, sched, now)
	}
}

// dispatch enqueues one due schedule's run and advances it with CAS. The
// schedule disables itself when the config yields no next instant.
func (s *Scheduler) dispatch(ctx context.Context, sched *store.Schedule, now time.Time) {
	schedLogger := s.logger.With(
		slog.String("schedule_id", sched.ID.String()),
		slog.String(log.WorkflowIDKey, sched.WorkflowID.String()))

	if sched.NextRunAt == nil {
		return
	}

	next := s.NextRun(sched.Config, now)

	won, err := s.store.MarkScheduleRun(ctx, sched.ID, *sched.NextRunAt, now, next)
	if err != nil {
		schedLogger.Warn("Failed to mark schedule run", slog.Any("error", err))
		return
	}
	if !won {
		// Another scheduler instance dispatched this firing.
		return
	}
	if next == nil {
		schedLogger.Info("Schedule has no next firing; disabled")
	}

	wf, err := s.store.GetWorkflow(ctx, sched.WorkflowID)
	if err != nil {
		schedLogger.Warn("Failed to load workflow for schedule", slog.Any("error", err))
		return
	}

	snapshot := make(map[string]any, len(wf.Graph)+1)
	for k, v := range wf.Graph {
		snapshot[k] = v
	}
	allow := make([]any, 0, len(wf.EgressAllowlist))
	for _, h := range wf.EgressAllowlist {
		allow = append(allow, h)
	}
	snapshot["_egress_allowlist"] = allow

	result, err := s.store.CreateRun(ctx, wf.OwnerID, wf.ID, wf.WorkspaceID, snapshot, nil, 0)
	if err != nil {
		schedLogger.Warn("Failed to enqueue scheduled run", slog.Any("error", err))
		return
	}
	schedLogger.Info("Enqueued scheduled run", slog.String(log.RunIDKey, result.Run.ID.String()))
}

// NextRun evaluates a schedule config and returns the next firing after now,
// or nil when the config yields none. The config carries a standard 5-field
// cron expression and an optional IANA timezone.
func (s *Scheduler) NextRun(config map[string]any, now time.Time) *time.Time {
	expr, _ := config["cron"].(string)
	if expr == "" {
		return nil
	}
	schedule, err := s.cronParser.Parse(expr)
	if err != nil {
		s.logger.Warn("Invalid schedule cron expression", slog.String("cron", expr), slog.Any("error", err))
		return nil
	}
	loc := time.UTC
	if tz, ok := config["timezone"].(string); ok && tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	next := schedule.Next(now.In(loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

// purge applies retention to terminal runs and webhook replays.
func (s *Scheduler) purge(ctx context.Context) {
	if count, err := s.store.PurgeOldRuns(ctx, s.cfg.RetentionDays); err != nil {
		s.logger.Warn("Failed to purge old runs", slog.Any("error", err))
	} else if count > 0 {
		s.logger.Info("Purged old runs", slog.Int64("count", count))
	}

	if count, err := s.store.PurgeOldWebhookReplays(ctx, s.cfg.ReplayRetention); err != nil {
		s.logger.Warn("Failed to purge webhook replays", slog.Any("error", err))
	} else if count > 0 {
		s.logger.Info("Purged webhook replays", slog.Int64("count", count))
	}
}
