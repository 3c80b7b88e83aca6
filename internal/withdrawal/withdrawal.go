// Package withdrawal runs the instructor payout workflow: a withdrawal
// request locks the amount out of the wallet up front, an admin reviews it,
// and background jobs push approved requests through the payment gateway and
// poll the resulting batches until they land or bounce.
package withdrawal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coursepay/coursepay/internal/gateway"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/metrics"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/wallet"
)

var (
	ErrRequestNotFound  = errors.New("withdrawal request not found")
	ErrDuplicateRequest = errors.New("instructor already has an open withdrawal")
	ErrBelowMinimum     = errors.New("amount below the minimum withdrawal")
	ErrMissingReceiver  = errors.New("payout receiver required")
)

// Status is the workflow state of a withdrawal request.
// pending → approved | rejected; approved → processing → payout_pending →
// paid | failed. Every path out of pending except paid returns the held
// amount to the instructor's wallet.
type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusProcessing    Status = "processing"
	StatusPayoutPending Status = "payout_pending"
	StatusPaid          Status = "paid"
	StatusFailed        Status = "failed"
)

// Terminal reports whether the request can no longer move.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// Request is an instructor's withdrawal of wallet funds to an external
// account. The amount is debited from the wallet at creation time
// (HoldTransactionID) so it cannot be spent while the request is in flight.
type Request struct {
	ID                string     `json:"id"`
	InstructorID      string     `json:"instructorId"`
	Amount            int64      `json:"amount"`
	Receiver          string     `json:"receiver"`
	Status            Status     `json:"status"`
	Note              string     `json:"note,omitempty"`
	ReviewNote        string     `json:"reviewNote,omitempty"`
	HoldTransactionID string     `json:"holdTransactionId"`
	GatewayBatchID    string     `json:"gatewayBatchId,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	ReviewedAt        *time.Time `json:"reviewedAt,omitempty"`
	SettledAt         *time.Time `json:"settledAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Store persists withdrawal requests. Every transition is status-guarded so
// two jobs (or a job and an admin) cannot move the same request twice; the
// loser gets wallet.ErrInvalidStateTransition.
type Store interface {
	// Create debits the instructor's wallet (withdraw_hold) and inserts the
	// pending request in one atomic unit.
	Create(ctx context.Context, r *Request) (*wallet.Transaction, error)
	Get(ctx context.Context, id string) (*Request, error)
	ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
	HasOpenRequest(ctx context.Context, instructorID string) (bool, error)

	// Approve moves pending → approved. No money moves.
	Approve(ctx context.Context, id, note string, now time.Time) error
	// RejectAndRefund moves pending → rejected and credits the held amount
	// back (withdraw_refund) atomically.
	RejectAndRefund(ctx context.Context, id, note string, now time.Time) error
	// ClaimProcessing moves approved → processing. The guard is the mutex
	// that keeps a second processor pass off the same request.
	ClaimProcessing(ctx context.Context, id string) error
	// MarkPayoutPending records the gateway batch id, processing → payout_pending.
	MarkPayoutPending(ctx context.Context, id, batchID string) error
	// FailAndRefund moves from → failed and credits the held amount back
	// (withdraw_refund) atomically.
	FailAndRefund(ctx context.Context, id string, from Status, reason string, now time.Time) error
	// MarkPaid moves payout_pending → paid and debits the platform wallet,
	// with its history row, atomically. The money has left the building.
	MarkPaid(ctx context.Context, id string, now time.Time) error
}

// Payer is the slice of the gateway contract the payout jobs need.
type Payer interface {
	CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutBatch, error)
	GetPayoutStatus(ctx context.Context, batchID string) (gateway.PayoutStatus, error)
}

// EarningSettler flips an instructor's pending earnings to paid once a
// withdrawal lands. Narrow interface so withdrawal doesn't import earnings.
type EarningSettler interface {
	MarkPaidUpTo(ctx context.Context, instructorID string, amount int64, now time.Time) error
}

const payoutBatchSize = 50

// Service implements the withdrawal workflow.
type Service struct {
	store     Store
	payer     Payer
	earnings  EarningSettler
	notifier  notify.Sink
	logger    *slog.Logger
	minAmount int64
	currency  string
	now       func() time.Time
}

func NewService(store Store, payer Payer, minAmount int64, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		payer:     payer,
		logger:    logger,
		minAmount: minAmount,
		currency:  currency,
		now:       time.Now,
	}
}

// WithNotifier sets the event sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithEarnings wires the earnings ledger so paid withdrawals consume the
// instructor's pending earnings oldest-first.
func (s *Service) WithEarnings(e EarningSettler) *Service {
	s.earnings = e
	return s
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Request creates a withdrawal and locks the amount out of the instructor's
// wallet. One open request per instructor at a time.
func (s *Service) Request(ctx context.Context, instructorID string, amount int64, receiver, note string) (*Request, error) {
	if amount < s.minAmount {
		return nil, ErrBelowMinimum
	}
	if receiver == "" {
		return nil, ErrMissingReceiver
	}

	open, err := s.store.HasOpenRequest(ctx, instructorID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDuplicateRequest
	}

	r := &Request{
		ID:           idgen.WithPrefix("wdr_"),
		InstructorID: instructorID,
		Amount:       amount,
		Receiver:     receiver,
		Status:       StatusPending,
		Note:         note,
		CreatedAt:    s.now(),
	}
	txn, err := s.store.Create(ctx, r)
	if err != nil {
		return nil, err
	}
	r.HoldTransactionID = txn.ID

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.logger.InfoContext(ctx, "withdrawal requested",
		"withdrawal_id", r.ID,
		"instructor_id", instructorID,
		"amount", amount,
		"hold_transaction_id", txn.ID)
	return r, nil
}

// Review lets an admin approve or reject a pending request. Rejection
// returns the held amount to the wallet immediately.
func (s *Service) Review(ctx context.Context, requestID string, approve bool, note string) (*Request, error) {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, wallet.ErrInvalidStateTransition
	}

	if approve {
		if err := s.store.Approve(ctx, r.ID, note, s.now()); err != nil {
			return nil, err
		}
		metrics.WithdrawalsTotal.WithLabelValues(string(StatusApproved)).Inc()
	} else {
		if err := s.store.RejectAndRefund(ctx, r.ID, note, s.now()); err != nil {
			return nil, err
		}
		metrics.WithdrawalsTotal.WithLabelValues(string(StatusRejected)).Inc()
		s.logger.InfoContext(ctx, "withdrawal rejected",
			"withdrawal_id", r.ID,
			"instructor_id", r.InstructorID,
			"amount", r.Amount)
	}
	return s.store.Get(ctx, r.ID)
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByInstructor returns an instructor's requests, newest first.
func (s *Service) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error) {
	return s.store.ListByInstructor(ctx, instructorID, limit)
}

// ListByStatus returns requests in one state for the admin queue.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return s.store.ListByStatus(ctx, status, limit)
}

// ProcessApproved pushes approved requests to the gateway. Each request is
// claimed with a status guard before the (slow) gateway call so concurrent
// passes never double-submit; the request's own ID is the provider
// idempotency key as a second line of defense. Returns the number submitted.
func (s *Service) ProcessApproved(ctx context.Context) (int, error) {
	due, err := s.store.ListByStatus(ctx, StatusApproved, payoutBatchSize)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, r := range due {
		if err := s.store.ClaimProcessing(ctx, r.ID); err != nil {
			if errors.Is(err, wallet.ErrInvalidStateTransition) {
				continue // another pass got there first
			}
			return submitted, err
		}

		batch, err := s.payer.CreatePayout(ctx, gateway.PayoutRequest{
			ReferenceID: r.ID,
			Receiver:    r.Receiver,
			Amount:      r.Amount,
			Currency:    s.currency,
			Note:        "Course earnings withdrawal",
		})
		if err != nil {
			metrics.PayoutBatchesTotal.WithLabelValues("error").Inc()
			s.logger.ErrorContext(ctx, "payout submission failed",
				"withdrawal_id", r.ID,
				"error", err)
			if ferr := s.fail(ctx, r, StatusProcessing, err.Error()); ferr != nil {
				return submitted, ferr
			}
			continue
		}

		if err := s.store.MarkPayoutPending(ctx, r.ID, batch.BatchID); err != nil {
			return submitted, err
		}
		metrics.PayoutBatchesTotal.WithLabelValues("submitted").Inc()
		s.logger.InfoContext(ctx, "payout submitted",
			"withdrawal_id", r.ID,
			"batch_id", batch.BatchID,
			"amount", r.Amount)
		submitted++
	}
	return submitted, nil
}

// PollPayouts asks the gateway for the fate of in-flight batches. Success
// settles the withdrawal; any terminal failure returns the money to the
// instructor's wallet. Non-terminal statuses are left for the next pass.
func (s *Service) PollPayouts(ctx context.Context) (int, error) {
	inflight, err := s.store.ListByStatus(ctx, StatusPayoutPending, payoutBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, r := range inflight {
		status, err := s.payer.GetPayoutStatus(ctx, r.GatewayBatchID)
		if err != nil {
			s.logger.WarnContext(ctx, "payout status check failed",
				"withdrawal_id", r.ID,
				"batch_id", r.GatewayBatchID,
				"error", err)
			continue
		}

		switch {
		case status == gateway.PayoutSuccess:
			if err := s.settlePaid(ctx, r); err != nil {
				return settled, err
			}
			settled++
		case status.Failure():
			if err := s.fail(ctx, r, StatusPayoutPending, "payout "+string(status)); err != nil {
				return settled, err
			}
			settled++
		}
	}
	return settled, nil
}

func (s *Service) settlePaid(ctx context.Context, r *Request) error {
	if err := s.store.MarkPaid(ctx, r.ID, s.now()); err != nil {
		if errors.Is(err, wallet.ErrInvalidStateTransition) {
			return nil
		}
		return err
	}

	if s.earnings != nil {
		if err := s.earnings.MarkPaidUpTo(ctx, r.InstructorID, r.Amount, s.now()); err != nil {
			// Ledger bookkeeping only; the payout itself already settled.
			s.logger.WarnContext(ctx, "failed to mark earnings paid",
				"withdrawal_id", r.ID,
				"instructor_id", r.InstructorID,
				"error", err)
		}
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusPaid)).Inc()
	s.logger.InfoContext(ctx, "withdrawal paid",
		"withdrawal_id", r.ID,
		"instructor_id", r.InstructorID,
		"amount", r.Amount,
		"batch_id", r.GatewayBatchID)

	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		UserID: r.InstructorID,
		Type:   notify.TypeWithdrawalPaid,
		Title:  "Withdrawal paid",
		Body:   "Your withdrawal has been paid out.",
		Meta:   map[string]string{"withdrawal_id": r.ID},
	})
	return nil
}

func (s *Service) fail(ctx context.Context, r *Request, from Status, reason string) error {
	if err := s.store.FailAndRefund(ctx, r.ID, from, reason, s.now()); err != nil {
		if errors.Is(err, wallet.ErrInvalidStateTransition) {
			return nil
		}
		return err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.WarnContext(ctx, "withdrawal failed",
		"withdrawal_id", r.ID,
		"instructor_id", r.InstructorID,
		"amount", r.Amount,
		"reason", reason)

	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		UserID: r.InstructorID,
		Type:   notify.TypeWithdrawalFailed,
		Title:  "Withdrawal failed",
		Body:   "Your withdrawal could not be paid out. The amount has been returned to your wallet.",
		Meta:   map[string]string{"withdrawal_id": r.ID},
	})
	return nil
}
