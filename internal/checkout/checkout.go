// Package checkout turns a cart of courses into the ledger rows that carry a
// purchase: the buyer debit, one purchase item per course, and a holding
// earning per paid item so the instructor's share sits in escrow until the
// hold window passes.
package checkout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coursepay/coursepay/internal/catalog"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/metrics"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/wallet"
)

var (
	ErrItemNotFound = errors.New("purchase item not found")
	ErrEmptyCart    = errors.New("no courses to purchase")
)

// ItemStatus is the lifecycle state of a purchase item.
type ItemStatus string

const (
	ItemCompleted ItemStatus = "completed"
	ItemRefunded  ItemStatus = "refunded"
)

// PurchaseItem records one course inside one purchase.
type PurchaseItem struct {
	ID              string     `json:"id"`
	TransactionID   string     `json:"transactionId,omitempty"`
	CourseID        string     `json:"courseId"`
	BuyerID         string     `json:"buyerId"`
	InstructorID    string     `json:"instructorId"`
	OriginalPrice   int64      `json:"originalPrice"`
	DiscountedPrice int64      `json:"discountedPrice"`
	Status          ItemStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Purchase is the full record of a paid checkout handed to the store.
type Purchase struct {
	BuyerID  string
	Total    int64
	Items    []*PurchaseItem
	Earnings []*earnings.Earning
}

// Store persists purchases.
type Store interface {
	// CreatePaid persists a paid purchase as one atomic unit: buyer debit,
	// purchase transaction, items, holding earnings, platform holding
	// increase and enrollments. It fills in the transaction ID on every item
	// and earning.
	CreatePaid(ctx context.Context, p *Purchase) (*wallet.Transaction, error)
	// CreateFree persists zero-price items and their enrollments. No ledger
	// rows are touched.
	CreateFree(ctx context.Context, items []*PurchaseItem) error

	GetItem(ctx context.Context, id string) (*PurchaseItem, error)
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*PurchaseItem, error)
	// ItemsByTransaction returns the items of one purchase transaction.
	ItemsByTransaction(ctx context.Context, txnID string) ([]*PurchaseItem, error)
	// UpdateItemStatus performs a status-guarded transition.
	// wallet.ErrInvalidStateTransition if the item is not in from.
	UpdateItemStatus(ctx context.Context, id string, from, to ItemStatus) error
}

// Result is what a checkout returns to the buyer.
type Result struct {
	TransactionID string          `json:"transactionId,omitempty"`
	Total         int64           `json:"total"`
	Items         []*PurchaseItem `json:"items"`
	Skipped       []string        `json:"skipped,omitempty"`
}

// Service implements the checkout flow.
type Service struct {
	store       Store
	courses     catalog.Lookup
	discounts   catalog.DiscountLookup
	enrollments enrollment.Store
	notifier    notify.Sink
	logger      *slog.Logger
	fee         float64
	holdDays    int
	now         func() time.Time
}

// NewService creates a checkout service. fee is the platform's share of each
// sale in (0,1); holdDays is the escrow window.
func NewService(store Store, courses catalog.Lookup, discounts catalog.DiscountLookup,
	enrollments enrollment.Store, fee float64, holdDays int, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		courses:     courses,
		discounts:   discounts,
		enrollments: enrollments,
		logger:      logger,
		fee:         fee,
		holdDays:    holdDays,
		now:         time.Now,
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

// Checkout purchases the given courses for the buyer. A missing course fails
// the whole batch; an already-enrolled course is skipped. The instructor
// buying their own course pays nothing and earns nothing.
func (s *Service) Checkout(ctx context.Context, buyerID string, courseIDs []string, discountCode string) (*Result, error) {
	if len(courseIDs) == 0 {
		return nil, ErrEmptyCart
	}

	now := s.now()
	result := &Result{}
	var purchase Purchase
	purchase.BuyerID = buyerID

	seen := make(map[string]bool, len(courseIDs))
	for _, courseID := range courseIDs {
		if seen[courseID] {
			continue
		}
		seen[courseID] = true

		course, err := s.courses.Course(ctx, courseID)
		if err != nil {
			metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}

		enrolled, err := s.enrollments.Exists(ctx, buyerID, courseID)
		if err != nil {
			return nil, err
		}
		if enrolled {
			result.Skipped = append(result.Skipped, courseID)
			continue
		}

		price, err := s.discounts.Apply(ctx, discountCode, courseID, course.Price)
		if err != nil {
			metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		if price < 0 {
			price = 0
		}
		if course.InstructorID == buyerID {
			price = 0
		}

		item := &PurchaseItem{
			ID:              idgen.WithPrefix("itm_"),
			CourseID:        courseID,
			BuyerID:         buyerID,
			InstructorID:    course.InstructorID,
			OriginalPrice:   course.Price,
			DiscountedPrice: price,
			Status:          ItemCompleted,
			CreatedAt:       now,
		}
		purchase.Items = append(purchase.Items, item)
		purchase.Total += price

		if price > 0 && course.InstructorID != buyerID {
			ai, ap := earnings.Split(price, s.fee)
			purchase.Earnings = append(purchase.Earnings, &earnings.Earning{
				ID:               idgen.WithPrefix("ern_"),
				PurchaseItemID:   item.ID,
				InstructorID:     course.InstructorID,
				CourseID:         courseID,
				AmountInstructor: ai,
				AmountPlatform:   ap,
				Status:           earnings.StatusHolding,
				HoldUntil:        now.Add(time.Duration(s.holdDays) * 24 * time.Hour),
				CreatedAt:        now,
			})
		}
	}

	if len(purchase.Items) == 0 {
		metrics.CheckoutsTotal.WithLabelValues("empty").Inc()
		return result, nil
	}

	if purchase.Total == 0 {
		if err := s.store.CreateFree(ctx, purchase.Items); err != nil {
			metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		result.Items = purchase.Items
		metrics.CheckoutsTotal.WithLabelValues("free").Inc()
		s.sendNotifications(ctx, &purchase, "")
		return result, nil
	}

	txn, err := s.store.CreatePaid(ctx, &purchase)
	if err != nil {
		metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	result.TransactionID = txn.ID
	result.Total = purchase.Total
	result.Items = purchase.Items
	metrics.CheckoutsTotal.WithLabelValues("paid").Inc()

	s.logger.InfoContext(ctx, "checkout complete",
		"buyer_id", buyerID,
		"transaction_id", txn.ID,
		"total", purchase.Total,
		"items", len(purchase.Items),
		"skipped", len(result.Skipped))

	s.sendNotifications(ctx, &purchase, txn.ID)
	return result, nil
}

func (s *Service) sendNotifications(ctx context.Context, p *Purchase, txnID string) {
	notify.Send(ctx, s.notifier, s.logger, notify.Event{
		UserID: p.BuyerID,
		Type:   notify.TypePurchaseComplete,
		Title:  "Purchase complete",
		Body:   "Your courses are ready.",
		Meta:   map[string]string{"transaction_id": txnID},
	})
	for _, e := range p.Earnings {
		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			UserID: e.InstructorID,
			Type:   notify.TypePurchaseComplete,
			Title:  "Course sold",
			Body:   "A student purchased your course.",
			Meta:   map[string]string{"course_id": e.CourseID, "earning_id": e.ID},
		})
	}
}

// Item returns a single purchase item.
func (s *Service) Item(ctx context.Context, id string) (*PurchaseItem, error) {
	return s.store.GetItem(ctx, id)
}

// History returns the buyer's purchase items, newest first.
func (s *Service) History(ctx context.Context, buyerID string, limit int) ([]*PurchaseItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByBuyer(ctx, buyerID, limit)
}
