// Package earnings tracks the instructor's share of each paid purchase while
// it sits in escrow, and releases it to the instructor wallet once the hold
// window passes without an open refund request.
package earnings

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/coursepay/coursepay/internal/metrics"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/wallet"
)

var ErrEarningNotFound = errors.New("earning not found")

// Status is the escrow state of an earning. Transitions are forward only:
// holding → pending → paid, or holding → refunded, or holding → freeze.
type Status string

const (
	StatusHolding  Status = "holding"
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
	StatusFreeze   Status = "freeze"
)

// Earning is one instructor's share of one purchased course.
type Earning struct {
	ID               string     `json:"id"`
	TransactionID    string     `json:"transactionId"`
	PurchaseItemID   string     `json:"purchaseItemId"`
	InstructorID     string     `json:"instructorId"`
	CourseID         string     `json:"courseId"`
	AmountInstructor int64      `json:"amountInstructor"`
	AmountPlatform   int64      `json:"amountPlatform"`
	Status           Status     `json:"status"`
	HoldUntil        time.Time  `json:"holdUntil"`
	AvailableAt      *time.Time `json:"availableAt,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Split divides a sale price into the instructor's share and the platform
// fee. The two always sum to the price exactly.
func Split(price int64, fee float64) (instructor, platform int64) {
	instructor = int64(math.Round(float64(price) * (1 - fee)))
	if instructor < 0 {
		instructor = 0
	}
	if instructor > price {
		instructor = price
	}
	return instructor, price - instructor
}

// Summary aggregates an instructor's earnings by escrow state.
type Summary struct {
	Holding int64 `json:"holding"`
	Pending int64 `json:"pending"`
	Paid    int64 `json:"paid"`
}

// Store persists earnings.
type Store interface {
	Create(ctx context.Context, e *Earning) error
	Get(ctx context.Context, id string) (*Earning, error)
	GetByItem(ctx context.Context, purchaseItemID string) (*Earning, error)
	ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Earning, error)
	Summarize(ctx context.Context, instructorID string) (*Summary, error)

	// ListReleasable returns holding earnings whose hold window has passed
	// and whose purchase item has no open refund request.
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Earning, error)
	// Release credits the instructor wallet, flips holding → pending and
	// settles the platform's fee share out of the holding bucket, all in one
	// atomic unit. ErrInvalidStateTransition if the earning is not holding.
	Release(ctx context.Context, id string, now time.Time) (*wallet.Transaction, error)

	// UpdateStatus performs a status-guarded transition.
	// ErrInvalidStateTransition if the earning is not in from.
	UpdateStatus(ctx context.Context, id string, from, to Status) error
	// MarkPaidUpTo flips an instructor's pending earnings to paid, oldest
	// first, while their amounts fit inside a completed withdrawal.
	MarkPaidUpTo(ctx context.Context, instructorID string, amount int64, now time.Time) error
}

// Service runs earnings queries and the release pass.
type Service struct {
	store    Store
	notifier notify.Sink
	logger   *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithNotifier adds a best-effort notification sink.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// ListByInstructor returns the instructor's earnings, newest first.
func (s *Service) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Earning, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByInstructor(ctx, instructorID, limit)
}

// Summary returns the instructor's earnings totals by state.
func (s *Service) Summary(ctx context.Context, instructorID string) (*Summary, error) {
	return s.store.Summarize(ctx, instructorID)
}

const releaseBatchSize = 100

// ReleaseDue releases every matured earning. Each earning settles in its own
// atomic unit; one failure is logged and skipped, never aborting the pass.
func (s *Service) ReleaseDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListReleasable(ctx, now, releaseBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, e := range due {
		txn, err := s.store.Release(ctx, e.ID, now)
		if err != nil {
			// A refund settling between the list and the release loses the
			// earning to the refund path; anything else is worth a look.
			if errors.Is(err, wallet.ErrInvalidStateTransition) {
				s.logger.InfoContext(ctx, "earning no longer releasable", "earning_id", e.ID)
			} else {
				s.logger.ErrorContext(ctx, "failed to release earning",
					"earning_id", e.ID, "instructor_id", e.InstructorID, "error", err)
			}
			continue
		}

		released++
		metrics.EarningsReleasedTotal.Inc()
		s.logger.InfoContext(ctx, "earning released",
			"earning_id", e.ID,
			"instructor_id", e.InstructorID,
			"amount", e.AmountInstructor,
			"transaction_id", txn.ID)

		notify.Send(ctx, s.notifier, s.logger, notify.Event{
			UserID: e.InstructorID,
			Type:   notify.TypeEarningReleased,
			Title:  "Earning released",
			Body:   "Your course earning is now available in your wallet.",
			Meta:   map[string]string{"earning_id": e.ID, "course_id": e.CourseID},
		})
	}
	return released, nil
}
