package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/wallet"
)

// PostgresStore persists refund requests in PostgreSQL. Settle composes the
// in-transaction helpers of the wallet, checkout, earnings and enrollment
// stores into one transaction.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

const requestColumns = `id, purchase_item_id, requester_id, instructor_id, refund_amount,
	status, reason, COALESCE(review_note, ''), reviewed_at, created_at`

func scanRequest(row interface{ Scan(...any) error }) (*Request, error) {
	var r Request
	var reviewedAt sql.NullTime
	err := row.Scan(&r.ID, &r.PurchaseItemID, &r.RequesterID, &r.InstructorID, &r.RefundAmount,
		&r.Status, &r.Reason, &r.ReviewNote, &reviewedAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		r.ReviewedAt = &reviewedAt.Time
	}
	return &r, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_requests
			(id, purchase_item_id, requester_id, instructor_id, refund_amount, status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.PurchaseItemID, r.RequesterID, r.InstructorID, r.RefundAmount, r.Status, r.Reason, r.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("failed to create refund request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM refund_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (s *PostgresStore) GetByItem(ctx context.Context, purchaseItemID string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM refund_requests WHERE purchase_item_id = $1`, purchaseItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (s *PostgresStore) listWhere(ctx context.Context, where string, arg any, limit int) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM refund_requests
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $2`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*Request, error) {
	return s.listWhere(ctx, "requester_id = $1", requesterID, limit)
}

func (s *PostgresStore) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error) {
	return s.listWhere(ctx, "instructor_id = $1", instructorID, limit)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.listWhere(ctx, "status = $1", status, limit)
}

func (s *PostgresStore) HasOpenRequest(ctx context.Context, purchaseItemID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM refund_requests
			WHERE purchase_item_id = $1
			  AND status IN ('requested', 'instructor_approved', 'admin_approved')
		)`, purchaseItemID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Reject(ctx context.Context, id string, from, to Status, note string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refund_requests SET status = $3, review_note = $4, reviewed_at = $5
		WHERE id = $1 AND status = $2`, id, from, to, note, now)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

func (s *PostgresStore) Settle(ctx context.Context, st *Settlement) (*wallet.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The earning flip is the settle-vs-release race arbiter.
	if err := earnings.MarkRefundedInTx(ctx, tx, st.EarningID); err != nil {
		return nil, err
	}

	txn, err := wallet.CreditInTx(ctx, tx, st.Request.RequesterID, st.Request.RefundAmount,
		wallet.KindRefund, st.Request.ID, s.currency)
	if err != nil {
		return nil, err
	}

	if err := checkout.MarkItemRefundedInTx(ctx, tx, st.Request.PurchaseItemID); err != nil {
		return nil, err
	}
	// Another item of the same purchase may have flipped the transaction
	// already.
	if err := wallet.MarkTransactionRefundedInTx(ctx, tx, st.TransactionID); err != nil &&
		!errors.Is(err, wallet.ErrInvalidStateTransition) {
		return nil, err
	}

	if err := enrollment.DeleteInTx(ctx, tx, st.Request.RequesterID, st.CourseID); err != nil {
		return nil, err
	}
	if err := wallet.PlatformAdjustHoldingInTx(ctx, tx, -(st.Request.RefundAmount + st.FeeShare), st.FeeShare); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE refund_requests SET status = $3, review_note = $4, reviewed_at = $5
		WHERE id = $1 AND status = $2`,
		st.Request.ID, st.Request.Status, st.ToStatus, st.ReviewNote, st.Now)
	if err != nil {
		return nil, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, wallet.ErrInvalidStateTransition
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}
