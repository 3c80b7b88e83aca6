package reconciliation

import (
	"context"
	"database/sql"
	"time"
)

// PostgresSource runs the aggregate queries directly against the ledger
// schema. Reconciliation only reads, so it needs no transaction helpers.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) WalletMismatches(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wallets WHERE balance <> total_in - total_out
	`).Scan(&n)
	return n, err
}

// EscrowBacking compares the platform holding bucket against the earnings
// that should back it. Only earnings still in holding count: release and
// refund both drain the bucket when they flip the row away from holding.
func (p *PostgresSource) EscrowBacking(ctx context.Context) (int64, int64, error) {
	var holding int64
	if err := p.db.QueryRowContext(ctx, `
		SELECT holding_amount FROM platform_wallet WHERE id = 1
	`).Scan(&holding); err != nil {
		return 0, 0, err
	}
	var backing int64
	if err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_instructor + amount_platform), 0)
		FROM instructor_earnings WHERE status = 'holding'
	`).Scan(&backing); err != nil {
		return 0, 0, err
	}
	return holding, backing, nil
}

func (p *PostgresSource) StalePendingDeposits(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE kind = 'deposit' AND status = 'pending' AND created_at < $1
	`, olderThan).Scan(&n)
	return n, err
}

func (p *PostgresSource) StuckWithdrawals(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM withdrawal_requests
		WHERE status IN ('processing', 'payout_pending') AND created_at < $1
	`, olderThan).Scan(&n)
	return n, err
}
