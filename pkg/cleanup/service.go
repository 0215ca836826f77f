// Package cleanup enforces data retention on a cron schedule.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codeready-toolchain/agentgw/pkg/config"
)

// EventLog is the retention surface of the event log.
type EventLog interface {
	Expire(ctx context.Context, now time.Time) (int64, error)
}

// ExceptionStore expires lapsed guard exceptions.
type ExceptionStore interface {
	ExpireExceptions(ctx context.Context, now time.Time) (int64, error)
}

// HistoryStore purges old sync history.
type HistoryStore interface {
	PurgeHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service runs the retention sweeps. All sweeps are idempotent; a
// failed sweep is logged and retried at the next tick.
type Service struct {
	cfg        config.CleanupConfig
	eventLog   EventLog
	exceptions ExceptionStore
	history    HistoryStore

	cron *cron.Cron
}

// NewService wires the sweeps. Nil collaborators are skipped.
func NewService(cfg config.CleanupConfig, eventLog EventLog, exceptions ExceptionStore, history HistoryStore) *Service {
	return &Service{
		cfg:        cfg,
		eventLog:   eventLog,
		exceptions: exceptions,
		history:    history,
	}
}

// Start schedules the sweep and runs one immediately.
func (s *Service) Start(ctx context.Context) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunAll(ctx) }); err != nil {
		return err
	}
	s.cron = c
	s.cron.Start()
	s.RunAll(ctx)

	slog.Info("Cleanup service started",
		"schedule", s.cfg.Schedule,
		"sync_history_retention_days", s.cfg.SyncHistoryRetentionDays)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	slog.Info("Cleanup service stopped")
}

// RunAll executes every configured sweep once.
func (s *Service) RunAll(ctx context.Context) {
	now := time.Now()
	if s.eventLog != nil {
		if n, err := s.eventLog.Expire(ctx, now); err != nil {
			slog.Error("Retention: event-log expiry failed", "error", err)
		} else if n > 0 {
			slog.Info("Retention: expired event-log entries", "count", n)
		}
	}
	if s.exceptions != nil {
		if n, err := s.exceptions.ExpireExceptions(ctx, now); err != nil {
			slog.Error("Retention: exception expiry failed", "error", err)
		} else if n > 0 {
			slog.Info("Retention: expired guard exceptions", "count", n)
		}
	}
	if s.history != nil {
		cutoff := now.AddDate(0, 0, -s.cfg.SyncHistoryRetentionDays)
		if n, err := s.history.PurgeHistory(ctx, cutoff); err != nil {
			slog.Error("Retention: sync-history purge failed", "error", err)
		} else if n > 0 {
			slog.Info("Retention: purged sync history", "count", n)
		}
	}
}
