package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/wallet"
)

// PostgresStore persists purchases in PostgreSQL. CreatePaid is one
// transaction: the wallet debit, the item and earning rows, the platform
// holding increase and the enrollments commit or roll back together.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

const itemColumns = `id, transaction_id, course_id, buyer_id, instructor_id,
	original_price, discounted_price, status, created_at`

func scanItem(row interface{ Scan(...any) error }) (*PurchaseItem, error) {
	var item PurchaseItem
	var txnID sql.NullString
	err := row.Scan(&item.ID, &txnID, &item.CourseID, &item.BuyerID, &item.InstructorID,
		&item.OriginalPrice, &item.DiscountedPrice, &item.Status, &item.CreatedAt)
	if err != nil {
		return nil, err
	}
	item.TransactionID = txnID.String
	return &item, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, item *PurchaseItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO purchase_items
			(id, transaction_id, course_id, buyer_id, instructor_id,
			 original_price, discounted_price, status, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.TransactionID, item.CourseID, item.BuyerID, item.InstructorID,
		item.OriginalPrice, item.DiscountedPrice, item.Status, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert purchase item: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePaid(ctx context.Context, p *Purchase) (*wallet.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := wallet.DebitInTx(ctx, tx, p.BuyerID, p.Total, wallet.KindPurchase, "", s.currency)
	if err != nil {
		return nil, err
	}

	for _, item := range p.Items {
		item.TransactionID = txn.ID
		if err := insertItem(ctx, tx, item); err != nil {
			return nil, err
		}
	}

	var held int64
	for _, e := range p.Earnings {
		e.TransactionID = txn.ID
		if err := earnings.InsertInTx(ctx, tx, e); err != nil {
			return nil, err
		}
		held += e.AmountInstructor + e.AmountPlatform
	}
	if held > 0 {
		if err := wallet.PlatformAdjustHoldingInTx(ctx, tx, held, 0); err != nil {
			return nil, err
		}
	}

	for _, item := range p.Items {
		if err := enrollment.CreateInTx(ctx, tx, item.BuyerID, item.CourseID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *PostgresStore) CreateFree(ctx context.Context, items []*PurchaseItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := insertItem(ctx, tx, item); err != nil {
			return err
		}
		if err := enrollment.CreateInTx(ctx, tx, item.BuyerID, item.CourseID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*PurchaseItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM purchase_items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return item, err
}

func (s *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*PurchaseItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM purchase_items
		WHERE buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, buyerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func (s *PostgresStore) ItemsByTransaction(ctx context.Context, txnID string) ([]*PurchaseItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM purchase_items WHERE transaction_id = $1`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*PurchaseItem, error) {
	var out []*PurchaseItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateItemStatus(ctx context.Context, id string, from, to ItemStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_items SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}

// MarkItemRefundedInTx flips a completed item to refunded inside a
// caller-owned transaction. Status-guarded.
func MarkItemRefundedInTx(ctx context.Context, tx *sql.Tx, itemID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE purchase_items SET status = 'refunded'
		WHERE id = $1 AND status = 'completed'`, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item refunded: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return wallet.ErrInvalidStateTransition
	}
	return nil
}
