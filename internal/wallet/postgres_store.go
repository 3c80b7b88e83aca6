package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

func (p *PostgresStore) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	w := &Wallet{OwnerID: ownerID}

	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, currency, updated_at
		FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&w.Balance, &w.TotalIn, &w.TotalOut, &w.Currency, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		// Lazily created on first mutation; zero until then.
		return &Wallet{OwnerID: ownerID, Currency: p.currency, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := CreditInTx(ctx, tx, ownerID, amount, kind, refID, p.currency)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) Debit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	txn, err := DebitInTx(ctx, tx, ownerID, amount, kind, refID, p.currency)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return p.scanTxn(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, kind, direction, status,
		       COALESCE(ref_id, ''), COALESCE(gateway_ref, ''), created_at, confirmed_at
		FROM transactions WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*Transaction, error) {
	return p.scanTxn(p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, amount, kind, direction, status,
		       COALESCE(ref_id, ''), COALESCE(gateway_ref, ''), created_at, confirmed_at
		FROM transactions WHERE gateway_ref = $1
	`, gatewayRef))
}

func (p *PostgresStore) scanTxn(row *sql.Row) (*Transaction, error) {
	txn := &Transaction{}
	var confirmedAt sql.NullTime
	err := row.Scan(&txn.ID, &txn.OwnerID, &txn.Amount, &txn.Kind, &txn.Direction,
		&txn.Status, &txn.RefID, &txn.GatewayRef, &txn.CreatedAt, &confirmedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if confirmedAt.Valid {
		txn.ConfirmedAt = &confirmedAt.Time
	}
	return txn, nil
}

func (p *PostgresStore) MarkTransactionRefunded(ctx context.Context, txnID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := MarkTransactionRefundedInTx(ctx, tx, txnID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListTransactions(ctx context.Context, ownerID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	q := `
		SELECT id, owner_id, amount, kind, direction, status,
		       COALESCE(ref_id, ''), COALESCE(gateway_ref, ''), created_at, confirmed_at
		FROM transactions
		WHERE owner_id = $1`
	args := []any{ownerID}
	if cursor != nil {
		q += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTxns(rows)
}

func scanTxns(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		var confirmedAt sql.NullTime
		if err := rows.Scan(&txn.ID, &txn.OwnerID, &txn.Amount, &txn.Kind, &txn.Direction,
			&txn.Status, &txn.RefID, &txn.GatewayRef, &txn.CreatedAt, &confirmedAt); err != nil {
			return nil, err
		}
		if confirmedAt.Valid {
			txn.ConfirmedAt = &confirmedAt.Time
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreatePendingDeposit(ctx context.Context, ownerID string, amount int64, gatewayRef string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	txn := &Transaction{
		ID:         idgen.WithPrefix("txn_"),
		OwnerID:    ownerID,
		Amount:     amount,
		Kind:       KindDeposit,
		Direction:  DirIn,
		Status:     TxnPending,
		GatewayRef: gatewayRef,
		CreatedAt:  time.Now(),
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_id, amount, kind, direction, status, gateway_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, txn.OwnerID, txn.Amount, txn.Kind, txn.Direction, txn.Status, txn.GatewayRef, txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending deposit: %w", err)
	}
	return txn, nil
}

// CompletePendingDeposit flips pending → completed and credits the wallet in
// one transaction. The status guard makes capture callbacks idempotent: a
// replay sees the completed row and gets ErrStaleCallback with the prior
// result, never a second credit.
func (p *PostgresStore) CompletePendingDeposit(ctx context.Context, txnID, captureRef string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = 'completed', confirmed_at = NOW(),
			ref_id = COALESCE(NULLIF($2, ''), ref_id)
		WHERE id = $1 AND status = 'pending'
	`, txnID, captureRef)
	if err != nil {
		return nil, fmt.Errorf("failed to complete deposit: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Lost the race or replayed callback: report what the row says now.
		txn, getErr := p.GetTransaction(ctx, txnID)
		if getErr != nil {
			return nil, getErr
		}
		if txn.Status == TxnCompleted {
			return txn, ErrStaleCallback
		}
		return nil, ErrInvalidStateTransition
	}

	var ownerID string
	var amount int64
	err = tx.QueryRowContext(ctx, `
		SELECT owner_id, amount FROM transactions WHERE id = $1
	`, txnID).Scan(&ownerID, &amount)
	if err != nil {
		return nil, err
	}

	if err := lockWallet(ctx, tx, ownerID, p.currency); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2,
			total_in   = total_in + $2,
			updated_at = NOW()
		WHERE owner_id = $1
	`, ownerID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	// The captured money now sits in the platform's gateway account.
	if err := PlatformCreditInTx(ctx, tx, amount, txnID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetTransaction(ctx, txnID)
}

func (p *PostgresStore) CancelPendingDeposit(ctx context.Context, txnID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'canceled'
		WHERE id = $1 AND status = 'pending'
	`, txnID)
	if err != nil {
		return fmt.Errorf("failed to cancel deposit: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}

func (p *PostgresStore) ListStalePendingDeposits(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, amount, kind, direction, status,
		       COALESCE(ref_id, ''), COALESCE(gateway_ref, ''), created_at, confirmed_at
		FROM transactions
		WHERE kind = 'deposit' AND status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTxns(rows)
}

func (p *PostgresStore) Platform(ctx context.Context) (*PlatformWallet, error) {
	pw := &PlatformWallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, holding_amount, platform_fee_total, updated_at
		FROM platform_wallet WHERE id = 1
	`).Scan(&pw.Balance, &pw.TotalIn, &pw.TotalOut, &pw.HoldingAmount, &pw.PlatformFeeTotal, &pw.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func (p *PostgresStore) PlatformCredit(ctx context.Context, amount int64, relatedTxnID string) error {
	return p.platformMutate(ctx, amount, relatedTxnID, "in")
}

func (p *PostgresStore) PlatformDebit(ctx context.Context, amount int64, relatedTxnID string) error {
	return p.platformMutate(ctx, amount, relatedTxnID, "out")
}

func (p *PostgresStore) platformMutate(ctx context.Context, amount int64, relatedTxnID, direction string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if direction == "in" {
		err = PlatformCreditInTx(ctx, tx, amount, relatedTxnID)
	} else {
		err = PlatformDebitInTx(ctx, tx, amount, relatedTxnID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) PlatformAdjustHolding(ctx context.Context, delta int64, settleFee int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := PlatformAdjustHoldingInTx(ctx, tx, delta, settleFee); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) PlatformHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, amount, COALESCE(related_transaction_id, ''), created_at
		FROM platform_wallet_history
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		h := &HistoryEntry{}
		if err := rows.Scan(&h.ID, &h.Type, &h.Amount, &h.RelatedTransactionID, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
