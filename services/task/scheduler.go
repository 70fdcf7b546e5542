package task

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const outboxSweepInterval = 15 * time.Minute

type Scheduler struct {
	service *Service
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{service: svc}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.runExpiry(ctx)
			go s.runOutboxSweep(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// runExpiry enqueues the license expiry sweep once a day.
func (s *Scheduler) runExpiry(ctx context.Context) {
	zap.L().Info("[Scheduler] started license expiry scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, 1, 0)

		zap.L().Info("[Scheduler] next expiry run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", next.Sub(now)),
		)
		select {
		case <-time.After(next.Sub(now)):
			if err := s.service.EnqueueExpiryRun(ctx); err != nil {
				zap.L().Error("[Scheduler] failed to enqueue expiry run", zap.Error(err))
			}
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// runOutboxSweep periodically re-enqueues undelivered outbox rows.
func (s *Scheduler) runOutboxSweep(ctx context.Context) {
	ticker := time.NewTicker(outboxSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.service.SweepPendingOutbox(ctx, 100); err != nil {
				zap.L().Error("[Scheduler] outbox sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
