package withdrawal

import (
	"context"
	"log/slog"
	"time"
)

// PayoutTimer submits approved withdrawals to the gateway on an interval.
type PayoutTimer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewPayoutTimer creates the payout processor timer.
func NewPayoutTimer(service *Service, interval time.Duration, logger *slog.Logger) *PayoutTimer {
	return &PayoutTimer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the processor loop. Call in a goroutine.
func (t *PayoutTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			submitted, err := t.service.ProcessApproved(ctx)
			if err != nil {
				t.logger.Warn("payout processor pass failed", "error", err)
				continue
			}
			if submitted > 0 {
				t.logger.Info("payout processor pass complete", "submitted", submitted)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *PayoutTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// StatusTimer polls the gateway for the fate of in-flight payout batches.
type StatusTimer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewStatusTimer creates the payout status poll timer.
func NewStatusTimer(service *Service, interval time.Duration, logger *slog.Logger) *StatusTimer {
	return &StatusTimer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the poll loop. Call in a goroutine.
func (t *StatusTimer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			settled, err := t.service.PollPayouts(ctx)
			if err != nil {
				t.logger.Warn("payout status pass failed", "error", err)
				continue
			}
			if settled > 0 {
				t.logger.Info("payout status pass complete", "settled", settled)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *StatusTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}
