package earnings

import (
	"context"
	"log/slog"
	"time"
)

// ReleaseTimer runs the release pass on an interval. The clock is injectable
// so tests can mature hold windows without sleeping.
type ReleaseTimer struct {
	service  *Service
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	stop     chan struct{}
}

// NewReleaseTimer creates the earnings release timer.
func NewReleaseTimer(service *Service, interval time.Duration, logger *slog.Logger) *ReleaseTimer {
	return &ReleaseTimer{
		service:  service,
		interval: interval,
		now:      time.Now,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the timer's clock.
func (t *ReleaseTimer) WithClock(now func() time.Time) *ReleaseTimer {
	t.now = now
	return t
}

// Start begins the release loop. Call in a goroutine.
func (t *ReleaseTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.run(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ReleaseTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ReleaseTimer) run(ctx context.Context) {
	released, err := t.service.ReleaseDue(ctx, t.now())
	if err != nil {
		t.logger.Warn("earnings release pass failed", "error", err)
		return
	}
	if released > 0 {
		t.logger.Info("earnings release pass complete", "released", released)
	}
}
