// Package reconciliation verifies that the ledger's invariants still hold:
// wallet running totals, the escrow backing of held earnings, and the absence
// of stuck deposits and payouts. Runs happen on a timer and on demand from
// the admin API.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Source exposes the aggregate queries a reconciliation run needs.
type Source interface {
	// WalletMismatches counts wallets where balance != total_in - total_out.
	WalletMismatches(ctx context.Context) (int64, error)
	// EscrowBacking returns the platform holding bucket and the sum of
	// held earnings that should back it.
	EscrowBacking(ctx context.Context) (holding, backing int64, err error)
	// StalePendingDeposits counts pending deposits older than the cutoff.
	StalePendingDeposits(ctx context.Context, olderThan time.Time) (int64, error)
	// StuckWithdrawals counts payouts sitting in processing states past the cutoff.
	StuckWithdrawals(ctx context.Context, olderThan time.Time) (int64, error)
}

// Check is the outcome of a single invariant check.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the outcome of a full reconciliation run.
type Report struct {
	RanAt    time.Time     `json:"ranAt"`
	Duration time.Duration `json:"-"`
	Healthy  bool          `json:"healthy"`
	Checks   []Check       `json:"checks"`
}

// Runner executes all invariant checks against a source.
type Runner struct {
	source Source
	logger *slog.Logger

	// depositTTL is how long a deposit may stay pending before the sweep
	// should have expired it. withdrawalTTL is how long a payout may sit
	// in a processing state before it needs operator attention.
	depositTTL    time.Duration
	withdrawalTTL time.Duration
}

// NewRunner creates a runner. depositTTL should match the pending-deposit
// sweep window so the check only flags what the sweep missed.
func NewRunner(source Source, logger *slog.Logger, depositTTL, withdrawalTTL time.Duration) *Runner {
	if depositTTL <= 0 {
		depositTTL = 24 * time.Hour
	}
	if withdrawalTTL <= 0 {
		withdrawalTTL = 24 * time.Hour
	}
	return &Runner{
		source:        source,
		logger:        logger,
		depositTTL:    depositTTL,
		withdrawalTTL: withdrawalTTL,
	}
}

// RunAll executes every check. A query error aborts the run; a failed
// check does not.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: start.UTC(), Healthy: true}

	mismatches, err := r.source.WalletMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("wallet totals check: %w", err)
	}
	reconcileWalletMismatches.Set(float64(mismatches))
	report.add(Check{
		Name:   "wallet_totals",
		OK:     mismatches == 0,
		Detail: detailCount(mismatches, "wallets where balance != total_in - total_out"),
	})

	holding, backing, err := r.source.EscrowBacking(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow backing check: %w", err)
	}
	diff := holding - backing
	reconcileEscrowDiff.Set(float64(diff))
	check := Check{Name: "escrow_backing", OK: diff == 0}
	if diff != 0 {
		check.Detail = fmt.Sprintf("platform holding %d != held earnings %d (diff %d)", holding, backing, diff)
	}
	report.add(check)

	stale, err := r.source.StalePendingDeposits(ctx, start.Add(-r.depositTTL))
	if err != nil {
		return nil, fmt.Errorf("stale deposits check: %w", err)
	}
	reconcileStaleDeposits.Set(float64(stale))
	report.add(Check{
		Name:   "pending_deposits",
		OK:     stale == 0,
		Detail: detailCount(stale, "pending deposits the sweep should have expired"),
	})

	stuck, err := r.source.StuckWithdrawals(ctx, start.Add(-r.withdrawalTTL))
	if err != nil {
		return nil, fmt.Errorf("stuck withdrawals check: %w", err)
	}
	reconcileStuckWithdrawals.Set(float64(stuck))
	report.add(Check{
		Name:   "withdrawals",
		OK:     stuck == 0,
		Detail: detailCount(stuck, "payouts stuck in processing"),
	})

	report.Duration = time.Since(start)
	reconcileDuration.Observe(report.Duration.Seconds())
	reconcileRuns.Inc()

	if report.Healthy {
		r.logger.Debug("reconciliation clean", "duration", report.Duration)
	} else {
		for _, c := range report.Checks {
			if !c.OK {
				r.logger.Warn("reconciliation check failed", "check", c.Name, "detail", c.Detail)
			}
		}
	}
	return report, nil
}

func (r *Report) add(c Check) {
	if !c.OK {
		r.Healthy = false
	}
	r.Checks = append(r.Checks, c)
}

func detailCount(n int64, what string) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d %s", n, what)
}
