// Package reaper runs the periodic terminal-job cleanup (C8): a
// robfig/cron/v3 schedule that deletes COMPLETED/FAILED/CANCELLED job rows
// past the configured retention window, and fails RUNNING rows whose
// started_at is older than the stale threshold (the crash safety net
// jobengine.Service.MarkOrphansFailed implements).
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/modelforge/controlplane/pkg/logger"
)

// JobEngine is the narrow slice of the job engine the reaper depends on.
type JobEngine interface {
	MarkOrphansFailed(ctx context.Context, staleAfter time.Duration) (int, error)
}

// JobStore is the narrow persistence slice the reaper depends on.
type JobStore interface {
	ReapTerminal(ctx context.Context, olderThanDays int) (int, error)
}

// Service is the periodic reaper (C8).
type Service struct {
	store         JobStore
	engine        JobEngine
	log           *logger.Logger
	retentionDays int
	staleAfter    time.Duration
	schedule      string

	cron *cron.Cron
}

// Config tunes the reaper's schedule and thresholds.
type Config struct {
	// Schedule is a standard 5-field cron expression; defaults to "@daily"
	// (spec.md §4.8's default reaper cadence).
	Schedule      string
	RetentionDays int
	StaleAfter    time.Duration
}

// New constructs a Service.
func New(store JobStore, engine JobEngine, log *logger.Logger, cfg Config) *Service {
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &Service{
		store: store, engine: engine, log: log,
		retentionDays: cfg.RetentionDays, staleAfter: cfg.StaleAfter, schedule: cfg.Schedule,
	}
}

// Name satisfies system.Service.
func (s *Service) Name() string { return "job-reaper" }

// Start schedules the reaper's cron job. Start does not block; cron runs its
// own goroutine.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight run to finish.
func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOnce performs one reap pass: first failing stale RUNNING rows, then
// deleting old terminal rows. Order matters — a stale row must become
// terminal before it is eligible for deletion on a later pass.
func (s *Service) runOnce(ctx context.Context) {
	orphaned, err := s.engine.MarkOrphansFailed(ctx, s.staleAfter)
	if err != nil && s.log != nil {
		s.log.WithField("error", err.Error()).Warn("reaper: mark orphans failed")
	}
	deleted, err := s.store.ReapTerminal(ctx, s.retentionDays)
	if err != nil {
		if s.log != nil {
			s.log.WithField("error", err.Error()).Warn("reaper: terminal sweep failed")
		}
		return
	}
	if s.log != nil {
		s.log.WithField("orphaned", orphaned).WithField("deleted", deleted).Info("reaper pass complete")
	}
}
