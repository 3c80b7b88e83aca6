package withdrawal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coursepay/coursepay/internal/wallet"
)

// PostgresStore persists withdrawal requests in PostgreSQL. The money-moving
// transitions compose the wallet's in-transaction helpers so a refund credit
// or platform debit commits with the status flip or not at all.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

const withdrawalColumns = `id, instructor_id, amount, receiver, status,
	COALESCE(note, ''), COALESCE(review_note, ''), hold_transaction_id,
	COALESCE(gateway_batch_id, ''), COALESCE(failure_reason, ''),
	reviewed_at, settled_at, created_at`

func scanWithdrawal(row interface{ Scan(...any) error }) (*Request, error) {
	var r Request
	var reviewedAt, settledAt sql.NullTime
	err := row.Scan(&r.ID, &r.InstructorID, &r.Amount, &r.Receiver, &r.Status,
		&r.Note, &r.ReviewNote, &r.HoldTransactionID,
		&r.GatewayBatchID, &r.FailureReason,
		&reviewedAt, &settledAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		r.ReviewedAt = &reviewedAt.Time
	}
	if settledAt.Valid {
		r.SettledAt = &settledAt.Time
	}
	return &r, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) (*wallet.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := wallet.DebitInTx(ctx, tx, r.InstructorID, r.Amount, wallet.KindWithdrawHold, r.ID, s.currency)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests
			(id, instructor_id, amount, receiver, status, note, hold_transaction_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.InstructorID, r.Amount, r.Receiver, r.Status, r.Note, txn.ID, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanWithdrawal(s.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (s *PostgresStore) listWhere(ctx context.Context, where string, arg any, limit int) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error) {
	return s.listWhere(ctx, "instructor_id = $1", instructorID, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.listWhere(ctx, "status = $1", status, limit)
}

func (s *PostgresStore) HasOpenRequest(ctx context.Context, instructorID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM withdrawal_requests
			WHERE instructor_id = $1
			  AND status NOT IN ('rejected', 'paid', 'failed')
		)`, instructorID).Scan(&exists)
	return exists, err
}

// guardedMove flips status inside an existing transaction; the losing caller
// of a race gets wallet.ErrInvalidStateTransition.
func guardedMove(ctx context.Context, tx *sql.Tx, id string, from, to Status, set string, args ...any) error {
	query := `UPDATE withdrawal_requests SET status = $1` + set + ` WHERE id = $2 AND status = $3`
	res, err := tx.ExecContext(ctx, query, append([]any{to, id, from}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

func (s *PostgresStore) Approve(ctx context.Context, id, note string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = guardedMove(ctx, tx, id, StatusPending, StatusApproved,
		", review_note = $4, reviewed_at = $5", note, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) RejectAndRefund(ctx context.Context, id, note string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := s.lockRequest(ctx, tx, id)
	if err != nil {
		return err
	}

	err = guardedMove(ctx, tx, id, StatusPending, StatusRejected,
		", review_note = $4, reviewed_at = $5, settled_at = $5", note, now)
	if err != nil {
		return err
	}

	if _, err := wallet.CreditInTx(ctx, tx, r.InstructorID, r.Amount, wallet.KindWithdrawRefund, r.ID, s.currency); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ClaimProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = $1
		WHERE id = $2 AND status = $3`,
		StatusProcessing, id, StatusApproved)
	if err != nil {
		return fmt.Errorf("failed to claim withdrawal: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

func (s *PostgresStore) MarkPayoutPending(ctx context.Context, id, batchID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = $1, gateway_batch_id = $4
		WHERE id = $2 AND status = $3`,
		StatusPayoutPending, id, StatusProcessing, batchID)
	if err != nil {
		return fmt.Errorf("failed to record payout batch: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

func (s *PostgresStore) FailAndRefund(ctx context.Context, id string, from Status, reason string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := s.lockRequest(ctx, tx, id)
	if err != nil {
		return err
	}

	err = guardedMove(ctx, tx, id, from, StatusFailed,
		", failure_reason = $4, settled_at = $5", reason, now)
	if err != nil {
		return err
	}

	if _, err := wallet.CreditInTx(ctx, tx, r.InstructorID, r.Amount, wallet.KindWithdrawRefund, r.ID, s.currency); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) MarkPaid(ctx context.Context, id string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := s.lockRequest(ctx, tx, id)
	if err != nil {
		return err
	}

	err = guardedMove(ctx, tx, id, StatusPayoutPending, StatusPaid,
		", settled_at = $4", now)
	if err != nil {
		return err
	}

	// The payout drained real money from the gateway account.
	if err := wallet.PlatformDebitInTx(ctx, tx, r.Amount, r.HoldTransactionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) lockRequest(ctx context.Context, tx *sql.Tx, id string) (*Request, error) {
	r, err := scanWithdrawal(tx.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}
