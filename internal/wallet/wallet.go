// Package wallet is the single choke point for balance mutation.
//
// Flow:
//  1. Buyer tops up via the payment gateway (pending deposit → capture → credit)
//  2. Checkout debits the buyer wallet (purchase transaction)
//  3. Release job credits instructor wallets (income transactions)
//  4. Withdrawals debit instructor wallets up front (withdraw_hold transactions)
//
// Every mutation pairs a balance change with an append-only transaction row in
// one atomic unit; no caller may touch a balance directly.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/coursepay/coursepay/internal/pagination"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidStateTransition = errors.New("invalid transaction state transition")
	// ErrStaleCallback marks a gateway callback for an already-settled
	// transaction. Callers treat it as success, not failure.
	ErrStaleCallback = errors.New("stale gateway callback")
)

// Kind classifies a transaction.
type Kind string

const (
	KindDeposit        Kind = "deposit"
	KindPurchase       Kind = "purchase"
	KindIncome         Kind = "income"
	KindRefund         Kind = "refund"
	KindWithdrawHold   Kind = "withdraw_hold"
	KindWithdrawRefund Kind = "withdraw_refund"
	KindPayout         Kind = "payout"
)

// Direction is the flow direction relative to the wallet owner.
type Direction string

const (
	DirIn  Direction = "in"
	DirOut Direction = "out"
)

// TxnStatus is the lifecycle state of a transaction. Only the
// pending → completed|canceled edge is ever taken; completed purchase
// transactions may additionally be marked refunded by the refund workflow.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnCompleted TxnStatus = "completed"
	TxnCanceled  TxnStatus = "canceled"
	TxnRefunded  TxnStatus = "refunded"
)

// Transaction is an append-only ledger row.
type Transaction struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Amount      int64      `json:"amount"`
	Kind        Kind       `json:"kind"`
	Direction   Direction  `json:"direction"`
	Status      TxnStatus  `json:"status"`
	RefID       string     `json:"refId,omitempty"`      // domain object this settles (purchase item, withdrawal, refund)
	GatewayRef  string     `json:"gatewayRef,omitempty"` // external order / batch id
	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Wallet is a user's balance. Invariant: Balance == TotalIn - TotalOut >= 0.
type Wallet struct {
	OwnerID   string    `json:"ownerId"`
	Balance   int64     `json:"balance"`
	TotalIn   int64     `json:"totalIn"`
	TotalOut  int64     `json:"totalOut"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlatformWallet is the singleton platform balance. HoldingAmount tracks
// escrowed instructor earnings not yet released; PlatformFeeTotal accumulates
// the platform's fee share of settled sales.
type PlatformWallet struct {
	Balance          int64     `json:"balance"`
	TotalIn          int64     `json:"totalIn"`
	TotalOut         int64     `json:"totalOut"`
	HoldingAmount    int64     `json:"holdingAmount"`
	PlatformFeeTotal int64     `json:"platformFeeTotal"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// HistoryEntry is an append-only audit row for platform-wallet mutations.
type HistoryEntry struct {
	ID                   string    `json:"id"`
	Type                 string    `json:"type"` // "in" or "out"
	Amount               int64     `json:"amount"`
	RelatedTransactionID string    `json:"relatedTransactionId,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// Store persists wallets and transactions. Credit/Debit must mutate the
// balance and insert the transaction row in one atomic unit, serialized per
// wallet (row lock or equivalent).
type Store interface {
	GetWallet(ctx context.Context, ownerID string) (*Wallet, error)
	Credit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error)
	Debit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error)

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*Transaction, error)
	ListTransactions(ctx context.Context, ownerID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error)
	// MarkTransactionRefunded flips completed → refunded, status-guarded.
	MarkTransactionRefunded(ctx context.Context, txnID string) error

	// Deposit lifecycle (gateway-initiated credits).
	CreatePendingDeposit(ctx context.Context, ownerID string, amount int64, gatewayRef string) (*Transaction, error)
	// CompletePendingDeposit flips pending → completed and credits the wallet
	// in one atomic unit. If the transaction is already completed it returns
	// the transaction and ErrStaleCallback.
	CompletePendingDeposit(ctx context.Context, txnID, captureRef string) (*Transaction, error)
	CancelPendingDeposit(ctx context.Context, txnID string) error
	ListStalePendingDeposits(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	// Platform wallet (singleton) plus its append-only history.
	Platform(ctx context.Context) (*PlatformWallet, error)
	PlatformCredit(ctx context.Context, amount int64, relatedTxnID string) error
	PlatformDebit(ctx context.Context, amount int64, relatedTxnID string) error
	// PlatformAdjustHolding moves delta into (positive) or out of (negative)
	// the holding bucket. settleFee additionally moves the platform's share
	// into the fee total when an earning matures.
	PlatformAdjustHolding(ctx context.Context, delta int64, settleFee int64) error
	PlatformHistory(ctx context.Context, limit int) ([]*HistoryEntry, error)
}

// OrderCreator creates a gateway order for a wallet top-up.
// Narrow interface so wallet doesn't import gateway.
type OrderCreator interface {
	CreateDepositOrder(ctx context.Context, ownerID string, amount int64) (orderID, approveURL string, err error)
}

// Service implements wallet business logic.
type Service struct {
	store  Store
	orders OrderCreator
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithOrderCreator adds a gateway order creator for the deposit flow.
func (s *Service) WithOrderCreator(o OrderCreator) *Service {
	s.orders = o
	return s
}

// GetWallet returns the owner's wallet, a zero wallet if none exists yet.
func (s *Service) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, ownerID)
}

// Credit adds funds to a wallet and returns the created transaction.
func (s *Service) Credit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("credit")
	defer done()
	return s.store.Credit(ctx, ownerID, amount, kind, refID)
}

// Debit removes funds from a wallet and returns the created transaction.
// Fails with ErrInsufficientFunds if amount exceeds the balance.
func (s *Service) Debit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	done := observeOp("debit")
	defer done()
	return s.store.Debit(ctx, ownerID, amount, kind, refID)
}

// History returns a page of an owner's transactions, newest first. The
// returned cursor is empty on the last page.
func (s *Service) History(ctx context.Context, ownerID string, limit int, cursor *pagination.Cursor) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	txns, err := s.store.ListTransactions(ctx, ownerID, limit+1, cursor)
	if err != nil {
		return nil, "", err
	}
	txns, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txns, next, nil
}

// GetTransaction returns a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Platform returns the platform wallet.
func (s *Service) Platform(ctx context.Context) (*PlatformWallet, error) {
	return s.store.Platform(ctx)
}

// PlatformHistory returns recent platform wallet audit rows.
func (s *Service) PlatformHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.PlatformHistory(ctx, limit)
}

// DepositResult is returned by CreateDeposit.
type DepositResult struct {
	Transaction *Transaction `json:"transaction"`
	ApproveURL  string       `json:"approveUrl"`
}

// CreateDeposit starts a wallet top-up: creates a gateway order and a pending
// deposit transaction referencing it. The wallet balance is untouched until
// the capture callback confirms the deposit.
func (s *Service) CreateDeposit(ctx context.Context, ownerID string, amount int64) (*DepositResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.orders == nil {
		return nil, errors.New("wallet: no order creator configured")
	}

	orderID, approveURL, err := s.orders.CreateDepositOrder(ctx, ownerID, amount)
	if err != nil {
		return nil, err
	}

	txn, err := s.store.CreatePendingDeposit(ctx, ownerID, amount, orderID)
	if err != nil {
		return nil, err
	}

	return &DepositResult{Transaction: txn, ApproveURL: approveURL}, nil
}

// ConfirmDeposit completes a pending deposit after a successful gateway
// capture. Idempotent: replaying a capture callback for an already-completed
// transaction returns the prior transaction without a second credit.
func (s *Service) ConfirmDeposit(ctx context.Context, orderID, captureRef string) (*Transaction, error) {
	txn, err := s.store.GetTransactionByGatewayRef(ctx, orderID)
	if err != nil {
		return nil, err
	}

	completed, err := s.store.CompletePendingDeposit(ctx, txn.ID, captureRef)
	if errors.Is(err, ErrStaleCallback) {
		// Already settled; the callback is a replay. Return the prior result.
		return completed, nil
	}
	if err != nil {
		return nil, err
	}

	done := observeOp("deposit_confirm")
	done()
	return completed, nil
}

// CancelDeposit flips a pending deposit to canceled (buyer abandoned the
// gateway flow). Canceling an already-completed deposit is an invalid
// transition.
func (s *Service) CancelDeposit(ctx context.Context, orderID string) error {
	txn, err := s.store.GetTransactionByGatewayRef(ctx, orderID)
	if err != nil {
		return err
	}
	return s.store.CancelPendingDeposit(ctx, txn.ID)
}

// CancelStaleDeposits cancels pending deposits older than maxAge. Returns the
// number canceled. Used by the sweep timer.
func (s *Service) CancelStaleDeposits(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := s.store.ListStalePendingDeposits(ctx, time.Now().Add(-maxAge), 100)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, txn := range stale {
		if err := s.store.CancelPendingDeposit(ctx, txn.ID); err != nil {
			// Already completed or canceled by a racing callback; skip.
			continue
		}
		count++
	}
	return count, nil
}
