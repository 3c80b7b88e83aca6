package earnings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coursepay/coursepay/internal/wallet"
)

// PostgresStore persists earnings in PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

const earningColumns = `id, transaction_id, purchase_item_id, instructor_id, course_id,
	amount_instructor, amount_platform, status, hold_until, available_at, paid_at, created_at`

func scanEarning(row interface{ Scan(...any) error }) (*Earning, error) {
	var e Earning
	var availableAt, paidAt sql.NullTime
	err := row.Scan(&e.ID, &e.TransactionID, &e.PurchaseItemID, &e.InstructorID, &e.CourseID,
		&e.AmountInstructor, &e.AmountPlatform, &e.Status, &e.HoldUntil, &availableAt, &paidAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if availableAt.Valid {
		e.AvailableAt = &availableAt.Time
	}
	if paidAt.Valid {
		e.PaidAt = &paidAt.Time
	}
	return &e, nil
}

// InsertInTx writes an earning row inside a caller-owned transaction so a
// checkout commits its escrow rows atomically with the buyer debit.
func InsertInTx(ctx context.Context, tx *sql.Tx, e *Earning) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO instructor_earnings
			(id, transaction_id, purchase_item_id, instructor_id, course_id,
			 amount_instructor, amount_platform, status, hold_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TransactionID, e.PurchaseItemID, e.InstructorID, e.CourseID,
		e.AmountInstructor, e.AmountPlatform, e.Status, e.HoldUntil, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert earning: %w", err)
	}
	return nil
}

// MarkRefundedInTx performs the status-guarded holding → refunded flip inside
// a caller-owned transaction. ErrInvalidStateTransition if the scheduler got
// there first.
func MarkRefundedInTx(ctx context.Context, tx *sql.Tx, earningID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE instructor_earnings
		SET status = 'refunded', available_at = NULL, paid_at = NULL
		WHERE id = $1 AND status = 'holding'`, earningID)
	if err != nil {
		return fmt.Errorf("failed to mark earning refunded: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Earning) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := InsertInTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Earning, error) {
	e, err := scanEarning(s.db.QueryRowContext(ctx,
		`SELECT `+earningColumns+` FROM instructor_earnings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEarningNotFound
	}
	return e, err
}

func (s *PostgresStore) GetByItem(ctx context.Context, purchaseItemID string) (*Earning, error) {
	e, err := scanEarning(s.db.QueryRowContext(ctx,
		`SELECT `+earningColumns+` FROM instructor_earnings WHERE purchase_item_id = $1`, purchaseItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEarningNotFound
	}
	return e, err
}

func (s *PostgresStore) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Earning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+earningColumns+` FROM instructor_earnings
		WHERE instructor_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, instructorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Earning, error) {
	var out []*Earning
	for rows.Next() {
		e, err := scanEarning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Summarize(ctx context.Context, instructorID string) (*Summary, error) {
	sum := &Summary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_instructor) FILTER (WHERE status = 'holding'), 0),
			COALESCE(SUM(amount_instructor) FILTER (WHERE status = 'pending'), 0),
			COALESCE(SUM(amount_instructor) FILTER (WHERE status = 'paid'), 0)
		FROM instructor_earnings
		WHERE instructor_id = $1`, instructorID).
		Scan(&sum.Holding, &sum.Pending, &sum.Paid)
	return sum, err
}

func (s *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Earning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+earningColumns+` FROM instructor_earnings e
		WHERE e.status = 'holding'
		  AND e.hold_until <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM refund_requests r
			WHERE r.purchase_item_id = e.purchase_item_id
			  AND r.status IN ('requested', 'instructor_approved', 'admin_approved')
		  )
		ORDER BY e.hold_until
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (s *PostgresStore) Release(ctx context.Context, id string, now time.Time) (*wallet.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	e, err := scanEarning(tx.QueryRowContext(ctx,
		`SELECT `+earningColumns+` FROM instructor_earnings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEarningNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHolding {
		return nil, wallet.ErrInvalidStateTransition
	}

	txn, err := wallet.CreditInTx(ctx, tx, e.InstructorID, e.AmountInstructor, wallet.KindIncome, e.ID, s.currency)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE instructor_earnings SET status = 'pending', available_at = $2
		WHERE id = $1 AND status = 'holding'`, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release earning: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, wallet.ErrInvalidStateTransition
	}

	if err := wallet.PlatformAdjustHoldingInTx(ctx, tx, -(e.AmountInstructor + e.AmountPlatform), e.AmountPlatform); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE instructor_earnings SET
			status = $3,
			available_at = CASE WHEN $3 = 'refunded' THEN NULL ELSE available_at END,
			paid_at      = CASE WHEN $3 = 'refunded' THEN NULL ELSE paid_at END
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

func (s *PostgresStore) MarkPaidUpTo(ctx context.Context, instructorID string, amount int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, amount_instructor FROM instructor_earnings
		WHERE instructor_id = $1 AND status = 'pending'
		ORDER BY available_at
		FOR UPDATE`, instructorID)
	if err != nil {
		return err
	}

	type row struct {
		id     string
		amount int64
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.amount); err != nil {
			rows.Close()
			return err
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := amount
	for _, r := range pending {
		if r.amount > remaining {
			break
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE instructor_earnings SET status = 'paid', paid_at = $2
			WHERE id = $1`, r.id, now); err != nil {
			return err
		}
		remaining -= r.amount
	}
	return tx.Commit()
}
