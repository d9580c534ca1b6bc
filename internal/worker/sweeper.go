// Package worker runs the booking saga's background jobs.
package worker

import (
	"context"
	"time"

	"github.com/campusride/service-booking/internal/application"
	"go.uber.org/zap"
)

// SagaMaintainer is the part of the coordinator the sweeper drives.
type SagaMaintainer interface {
	ExpireStaleHolds(ctx context.Context, now time.Time) (application.SweepResult, error)
	ReconcileCancelling(ctx context.Context) (int, error)
}

// Sweeper periodically expires abandoned seat holds and finishes
// compensations left in cancelling.
type Sweeper struct {
	saga     SagaMaintainer
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(saga SagaMaintainer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		saga:     saga,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("saga sweeper started", zap.Duration("interval", s.interval))

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("saga sweeper stopped")
			return
		}
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	result, err := s.saga.ExpireStaleHolds(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to expire stale holds", zap.Error(err))
	} else if result.Cancelled+result.Confirmed+result.OrphansReleased+result.Committed > 0 {
		s.logger.Info("expired stale holds",
			zap.Int("cancelled", result.Cancelled),
			zap.Int("confirmed", result.Confirmed),
			zap.Int("orphans_released", result.OrphansReleased),
			zap.Int("committed", result.Committed),
		)
	}

	finished, err := s.saga.ReconcileCancelling(ctx)
	if err != nil {
		s.logger.Error("failed to reconcile cancelling bookings", zap.Error(err))
	} else if finished > 0 {
		s.logger.Info("reconciled cancelling bookings", zap.Int("finished", finished))
	}
}
