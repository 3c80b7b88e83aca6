// Package refund runs the refund request workflow: a buyer disputes a paid
// course while its earning is still in escrow, the instructor reviews, and
// an admin can overrule. Approval settles the dispute by reversing the
// instructor's share back to the buyer.
package refund

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/metrics"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/wallet"
)

var (
	ErrRequestNotFound  = errors.New("refund request not found")
	ErrDuplicateRequest = errors.New("refund already requested for this item")
	ErrNotEligible      = errors.New("purchase item not eligible for refund")
	ErrNotRequester     = errors.New("not the requester of this item")
	ErrNotInstructor    = errors.New("not the instructor of this item")
)

// Status is the workflow state of a refund request.
// requested → instructor_approved | instructor_rejected → admin_approved |
// admin_rejected. instructor_rejected stays open for admin escalation.
type Status string

const (
	StatusRequested          Status = "requested"
	StatusInstructorApproved Status = "instructor_approved"
	StatusInstructorRejected Status = "instructor_rejected"
	StatusAdminApproved      Status = "admin_approved"
	StatusAdminRejected      Status = "admin_rejected"
)

// Terminal reports whether no further review can act on this request.
func (s Status) Terminal() bool {
	switch s {
	case StatusInstructorApproved, StatusAdminApproved, StatusAdminRejected:
		return true
	}
	return false
}

// Request is a buyer's refund request for one purchase item.
type Request struct {
	ID             string     `json:"id"`
	PurchaseItemID string     `json:"purchaseItemId"`
	RequesterID    string     `json:"requesterId"`
	InstructorID   string     `json:"instructorId"`
	RefundAmount   int64      `json:"refundAmount"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason"`
	ReviewNote     string     `json:"reviewNote,omitempty"`
	ReviewedAt     *time.Time `json:"reviewedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Settlement is everything the store needs to reverse a purchase item in one
// atomic unit.
type Settlement struct {
	Request       *Request
	ToStatus      Status
	ReviewNote    string
	EarningID     string
	TransactionID string
	CourseID      string
	FeeShare      int64
	Now           time.Time
}

// Store persists refund requests. It also serves as the scheduler's refund
// gate: an open request on a purchase item blocks its earning release.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByItem(ctx context.Context, purchaseItemID string) (*Request, error)
	ListByRequester(ctx context.Context, requesterID string, limit int) ([]*Request, error)
	ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)
	HasOpenRequest(ctx context.Context, purchaseItemID string) (bool, error)

	// Reject performs a status-guarded move to a rejected state.
	Reject(ctx context.Context, id string, from, to Status, note string, now time.Time) error
	// Settle approves the request and reverses the purchase item in one
	// atomic unit: buyer credit, item and transaction flipped to refunded,
	// earning holding → refunded, enrollment removed, platform holding
	// reduced with the fee share settled. The loser of a race with the
	// release scheduler gets wallet.ErrInvalidStateTransition.
	Settle(ctx context.Context, s *Settlement) (*wallet.Transaction, error)
}

// ItemReader is the slice of the checkout store the workflow needs.
type ItemReader interface {
	GetItem(ctx context.Context, id string) (*checkout.PurchaseItem, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*checkout.PurchaseItem, error)
}

// EarningReader looks up the escrow row behind a purchase item.
type EarningReader interface {
	GetByItem(ctx context.Context, purchaseItemID string) (*earnings.Earning, error)
}

// Service implements the refund workflow.
type Service struct {
	store    Store
	items    ItemReader
	earnings EarningReader
	notifier notify.Sink
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store Store, items ItemReader, earningStore EarningReader, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		items:    items,
		earnings: earningStore,
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier adds a best-effort notification sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// eligibility checks the refund gate for one item and returns the escrow row
// backing the refund.
func (s *Service) eligibility(ctx context.Context, buyerID string, item *checkout.PurchaseItem) (*earnings.Earning, error) {
	if item.BuyerID != buyerID {
		return nil, ErrNotRequester
	}
	if item.Status != checkout.ItemCompleted || item.DiscountedPrice == 0 {
		return nil, ErrNotEligible
	}

	e, err := s.earnings.GetByItem(ctx, item.ID)
	if err != nil {
		if errors.Is(err, earnings.ErrEarningNotFound) {
			return nil, ErrNotEligible
		}
		return nil, err
	}
	if e.Status != earnings.StatusHolding || !e.HoldUntil.After(s.now()) {
		return nil, ErrNotEligible
	}
	return e, nil
}

// Request opens a refund request for a purchase item.
func (s *Service) Request(ctx context.Context, buyerID, purchaseItemID, reason string) (*Request, error) {
	item, err := s.items.GetItem(ctx, purchaseItemID)
	if err != nil {
		return nil, err
	}

	e, err := s.eligibility(ctx, buyerID, item)
	if err != nil {
		return nil, err
	}

	r := &Request{
		ID:             idgen.WithPrefix("rfd_"),
		PurchaseItemID: purchaseItemID,
		RequesterID:    buyerID,
		InstructorID:   item.InstructorID,
		RefundAmount:   e.AmountInstructor,
		Status:         StatusRequested,
		Reason:         reason,
		CreatedAt:      s.now(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}

	metrics.RefundsTotal.WithLabelValues(string(StatusRequested)).Inc()
	s.logger.InfoContext(ctx, "refund requested",
		"request_id", r.ID,
		"purchase_item_id", purchaseItemID,
		"requester_id", buyerID,
		"amount", r.RefundAmount)

	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		UserID: item.InstructorID,
		Type:   notify.TypeRefundRequested,
		Title:  "Refund requested",
		Body:   "A student requested a refund for your course.",
		Meta:   map[string]string{"request_id": r.ID, "course_id": item.CourseID},
	})
	return r, nil
}

// InstructorReview lets the course instructor approve or reject an open
// request. Approval settles immediately.
func (s *Service) InstructorReview(ctx context.Context, instructorID, requestID string, approve bool, note string) (*Request, error) {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.InstructorID != instructorID {
		return nil, ErrNotInstructor
	}
	if r.Status != StatusRequested {
		return nil, wallet.ErrInvalidStateTransition
	}

	if !approve {
		if err := s.store.Reject(ctx, r.ID, StatusRequested, StatusInstructorRejected, note, s.now()); err != nil {
			return nil, err
		}
		return s.finishReview(ctx, r, StatusInstructorRejected, note)
	}
	return s.settle(ctx, r, StatusRequested, StatusInstructorApproved, note)
}

// AdminReview acts on any non-terminal request, including escalation of an
// instructor rejection.
func (s *Service) AdminReview(ctx context.Context, requestID string, approve bool, note string) (*Request, error) {
	r, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, wallet.ErrInvalidStateTransition
	}

	if !approve {
		if err := s.store.Reject(ctx, r.ID, r.Status, StatusAdminRejected, note, s.now()); err != nil {
			return nil, err
		}
		return s.finishReview(ctx, r, StatusAdminRejected, note)
	}
	return s.settle(ctx, r, r.Status, StatusAdminApproved, note)
}

func (s *Service) settle(ctx context.Context, r *Request, from, to Status, note string) (*Request, error) {
	e, err := s.earnings.GetByItem(ctx, r.PurchaseItemID)
	if err != nil {
		return nil, err
	}

	txn, err := s.store.Settle(ctx, &Settlement{
		Request:       r,
		ToStatus:      to,
		ReviewNote:    note,
		EarningID:     e.ID,
		TransactionID: e.TransactionID,
		CourseID:      e.CourseID,
		FeeShare:      e.AmountPlatform,
		Now:           s.now(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "refund settled",
		"request_id", r.ID,
		"purchase_item_id", r.PurchaseItemID,
		"amount", r.RefundAmount,
		"transaction_id", txn.ID)

	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		UserID: r.RequesterID,
		Type:   notify.TypeRefundSettled,
		Title:  "Refund approved",
		Body:   "Your refund has been credited to your wallet.",
		Meta:   map[string]string{"request_id": r.ID},
	})
	return s.finishReview(ctx, r, to, note)
}

func (s *Service) finishReview(ctx context.Context, r *Request, to Status, note string) (*Request, error) {
	metrics.RefundsTotal.WithLabelValues(string(to)).Inc()
	if to == StatusInstructorRejected || to == StatusAdminRejected {
		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			UserID: r.RequesterID,
			Type:   notify.TypeRefundDecided,
			Title:  "Refund rejected",
			Body:   "Your refund request was rejected.",
			Meta:   map[string]string{"request_id": r.ID},
		})
	}
	return s.store.Get(ctx, r.ID)
}

// RefundableItems returns the buyer's purchase items that currently pass the
// eligibility gate.
func (s *Service) RefundableItems(ctx context.Context, buyerID string) ([]*checkout.PurchaseItem, error) {
	items, err := s.items.ListByBuyer(ctx, buyerID, 200)
	if err != nil {
		return nil, err
	}

	var out []*checkout.PurchaseItem
	for _, item := range items {
		if _, err := s.eligibility(ctx, buyerID, item); err != nil {
			continue
		}
		if open, err := s.store.HasOpenRequest(ctx, item.ID); err != nil {
			return nil, err
		} else if open {
			continue
		}
		if _, err := s.store.GetByItem(ctx, item.ID); err == nil {
			// Any prior request, even rejected, consumes the one shot.
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Get returns one refund request.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListForRequester returns a buyer's refund requests.
func (s *Service) ListForRequester(ctx context.Context, requesterID string, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByRequester(ctx, requesterID, limit)
}

// ListForInstructor returns the requests awaiting or past an instructor.
func (s *Service) ListForInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByInstructor(ctx, instructorID, limit)
}

// ListByStatus returns requests in one workflow state, for the admin queue.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}
