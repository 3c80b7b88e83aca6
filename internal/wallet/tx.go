package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coursepay/coursepay/internal/idgen"
)

// In-transaction mutation helpers. These are the only statements anywhere in
// the codebase that touch wallet balances; other packages' postgres stores
// call them inside their own transactions so a checkout or refund settles as
// one atomic unit while still going through this choke point.

// CreditInTx adds funds to a wallet inside an existing transaction: locks the
// wallet row (creating it lazily), updates the balance and totals, and inserts
// a completed transaction row. Returns the created transaction.
func CreditInTx(ctx context.Context, tx *sql.Tx, ownerID string, amount int64, kind Kind, refID, currency string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if err := lockWallet(ctx, tx, ownerID, currency); err != nil {
		return nil, err
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2,
			total_in   = total_in + $2,
			updated_at = NOW()
		WHERE owner_id = $1
	`, ownerID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}

	return insertTxn(ctx, tx, ownerID, amount, kind, DirIn, refID)
}

// DebitInTx removes funds from a wallet inside an existing transaction.
// The wallet row is locked for the duration; ErrInsufficientFunds if the
// balance cannot cover the amount.
func DebitInTx(ctx context.Context, tx *sql.Tx, ownerID string, amount int64, kind Kind, refID, currency string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if err := lockWallet(ctx, tx, ownerID, currency); err != nil {
		return nil, err
	}

	var balance int64
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&balance)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance < amount {
		return nil, ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2,
			total_out  = total_out + $2,
			updated_at = NOW()
		WHERE owner_id = $1
	`, ownerID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	return insertTxn(ctx, tx, ownerID, amount, kind, DirOut, refID)
}

// PlatformAdjustHoldingInTx adjusts the platform holding bucket inside an
// existing transaction. delta may be negative; settleFee accumulates into the
// fee total.
func PlatformAdjustHoldingInTx(ctx context.Context, tx *sql.Tx, delta int64, settleFee int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE platform_wallet SET
			holding_amount     = holding_amount + $1,
			platform_fee_total = platform_fee_total + $2,
			updated_at         = NOW()
		WHERE id = 1 AND holding_amount + $1 >= 0
	`, delta, settleFee)
	if err != nil {
		return fmt.Errorf("failed to adjust platform holding: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// PlatformCreditInTx records real money arriving at the platform's gateway
// account, with its history row, inside an existing transaction.
func PlatformCreditInTx(ctx context.Context, tx *sql.Tx, amount int64, relatedTxnID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE platform_wallet SET
			balance    = balance + $1,
			total_in   = total_in + $1,
			updated_at = NOW()
		WHERE id = 1
	`, amount)
	if err != nil {
		return fmt.Errorf("failed to credit platform wallet: %w", err)
	}
	return insertPlatformHistory(ctx, tx, "in", amount, relatedTxnID)
}

// PlatformDebitInTx records real money leaving the platform's gateway
// account. ErrInsufficientFunds if the balance cannot cover it.
func PlatformDebitInTx(ctx context.Context, tx *sql.Tx, amount int64, relatedTxnID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE platform_wallet SET
			balance    = balance - $1,
			total_out  = total_out + $1,
			updated_at = NOW()
		WHERE id = 1 AND balance >= $1
	`, amount)
	if err != nil {
		return fmt.Errorf("failed to debit platform wallet: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return insertPlatformHistory(ctx, tx, "out", amount, relatedTxnID)
}

func insertPlatformHistory(ctx context.Context, tx *sql.Tx, direction string, amount int64, relatedTxnID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO platform_wallet_history (id, type, amount, related_transaction_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NOW())
	`, idgen.WithPrefix("pwh_"), direction, amount, relatedTxnID)
	if err != nil {
		return fmt.Errorf("failed to record platform history: %w", err)
	}
	return nil
}

// lockWallet creates the wallet row if missing and acquires a row lock on it.
func lockWallet(ctx context.Context, tx *sql.Tx, ownerID, currency string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_id, balance, total_in, total_out, currency, updated_at)
		VALUES ($1, 0, 0, 0, $2, NOW())
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID, currency)
	if err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT owner_id FROM wallets WHERE owner_id = $1 FOR UPDATE
	`, ownerID).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	return nil
}

func insertTxn(ctx context.Context, tx *sql.Tx, ownerID string, amount int64, kind Kind, dir Direction, refID string) (*Transaction, error) {
	now := time.Now()
	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		OwnerID:     ownerID,
		Amount:      amount,
		Kind:        kind,
		Direction:   dir,
		Status:      TxnCompleted,
		RefID:       refID,
		CreatedAt:   now,
		ConfirmedAt: &now,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_id, amount, kind, direction, status, ref_id, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $8)
	`, txn.ID, txn.OwnerID, txn.Amount, txn.Kind, txn.Direction, txn.Status, txn.RefID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	return txn, nil
}

// MarkTransactionRefundedInTx flips a completed transaction to refunded.
// Status-guarded; returns ErrInvalidStateTransition if it was not completed.
func MarkTransactionRefundedInTx(ctx context.Context, tx *sql.Tx, txnID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE transactions SET status = 'refunded'
		WHERE id = $1 AND status = 'completed'
	`, txnID)
	if err != nil {
		return fmt.Errorf("failed to mark transaction refunded: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}
