// Package gateway abstracts the external payment provider behind a small
// contract: create a checkout order, capture it after buyer approval, push a
// payout batch, and poll payout status. The wallet and withdrawal services
// depend only on this contract; PayPal, Stripe and the test mock implement it.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound   = errors.New("gateway order not found")
	ErrOrderNotPayable = errors.New("gateway order not payable")
	ErrPayoutNotFound  = errors.New("gateway payout not found")
)

// PayoutStatus is the provider-side state of a payout batch.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutSuccess    PayoutStatus = "SUCCESS"
	PayoutFailed     PayoutStatus = "FAILED"
	PayoutDenied     PayoutStatus = "DENIED"
	PayoutBlocked    PayoutStatus = "BLOCKED"
	PayoutReturned   PayoutStatus = "RETURNED"
)

// Terminal reports whether the provider will not change this status again.
func (s PayoutStatus) Terminal() bool {
	switch s {
	case PayoutSuccess, PayoutFailed, PayoutDenied, PayoutBlocked, PayoutReturned:
		return true
	}
	return false
}

// Failure reports whether a terminal status means the money never arrived.
func (s PayoutStatus) Failure() bool {
	return s.Terminal() && s != PayoutSuccess
}

// OrderRequest describes a checkout order for a wallet deposit.
type OrderRequest struct {
	// ReferenceID ties the provider order back to our pending transaction.
	ReferenceID string
	Amount      int64
	Currency    string
	Description string
}

// Order is a provider-side checkout order awaiting buyer approval.
type Order struct {
	ID         string
	ApproveURL string
}

// Capture is the result of capturing an approved order.
type Capture struct {
	// Reference is the provider capture ID recorded on the transaction.
	Reference string
	Amount    int64
	Currency  string
}

// PayoutRequest describes a single-recipient payout batch.
type PayoutRequest struct {
	// ReferenceID is our withdrawal ID, reused as the provider idempotency
	// key so a retried call cannot double-pay.
	ReferenceID string
	Receiver    string
	Amount      int64
	Currency    string
	Note        string
}

// PayoutBatch is a provider-side payout batch.
type PayoutBatch struct {
	BatchID string
	Status  PayoutStatus
}

// Gateway is the payment provider contract.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutBatch, error)
	GetPayoutStatus(ctx context.Context, batchID string) (PayoutStatus, error)
}

// Error carries the provider operation and response detail alongside the
// underlying cause so callers can log one structured record per failure.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s, http %d)", e.Op, e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("gateway %s: %s (http %d)", e.Op, e.Message, e.StatusCode)
}
