package wallet

import (
	"context"
	"log/slog"
	"time"
)

// SweepTimer periodically cancels deposits stuck in pending. A deposit whose
// gateway order was never captured holds no funds, so canceling is safe; a
// capture callback racing the sweep loses to the status guard.
type SweepTimer struct {
	service  *Service
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewSweepTimer creates a pending-deposit sweep timer.
func NewSweepTimer(service *Service, maxAge time.Duration, logger *slog.Logger) *SweepTimer {
	return &SweepTimer{
		service:  service,
		maxAge:   maxAge,
		interval: 10 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (t *SweepTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *SweepTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *SweepTimer) sweep(ctx context.Context) {
	count, err := t.service.CancelStaleDeposits(ctx, t.maxAge)
	if err != nil {
		t.logger.Warn("failed to sweep stale deposits", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("canceled stale pending deposits", "count", count)
	}
}
