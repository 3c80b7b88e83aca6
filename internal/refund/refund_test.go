package refund

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursepay/coursepay/internal/catalog"
	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/wallet"
)

type fixture struct {
	wallets     *wallet.MemoryStore
	earnings    *earnings.MemoryStore
	enrollments *enrollment.MemoryStore
	items       *checkout.MemoryStore
	store       *MemoryStore
	checkout    *checkout.Service
	release     *earnings.Service
	service     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		wallets:     wallet.NewMemoryStore("VND"),
		enrollments: enrollment.NewMemoryStore(),
	}
	f.earnings = earnings.NewMemoryStore(f.wallets)
	f.items = checkout.NewMemoryStore(f.wallets, f.earnings, f.enrollments)
	f.store = NewMemoryStore(f.wallets, f.items, f.earnings, f.enrollments)
	f.earnings.WithRefundGate(f.store)

	courses := catalog.NewStaticLookup()
	courses.Add(&catalog.Course{ID: "crs_a", InstructorID: "instructor-1", Price: 300_000})
	f.checkout = checkout.NewService(f.items, courses, catalog.NoDiscount{}, f.enrollments, 0.30, 7, slog.Default())
	f.release = earnings.NewService(f.earnings, slog.Default())
	f.service = NewService(f.store, f.items, f.earnings, slog.Default())
	return f
}

// buy funds the buyer and purchases crs_a, returning the purchase item.
func (f *fixture) buy(t *testing.T, buyerID string) *checkout.PurchaseItem {
	t.Helper()
	ctx := context.Background()
	_, err := f.wallets.Credit(ctx, buyerID, 300_000, wallet.KindDeposit, "")
	require.NoError(t, err)
	result, err := f.checkout.Checkout(ctx, buyerID, []string{"crs_a"}, "")
	require.NoError(t, err)
	require.Len(t, result.Items, 1)
	return result.Items[0]
}

func TestRefund_InstructorApproveSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	r, err := f.service.Request(ctx, "buyer-1", item.ID, "not what I expected")
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, r.Status)
	assert.Equal(t, int64(210_000), r.RefundAmount)

	r, err = f.service.InstructorReview(ctx, "instructor-1", r.ID, true, "ok")
	require.NoError(t, err)
	assert.Equal(t, StatusInstructorApproved, r.Status)
	require.NotNil(t, r.ReviewedAt)

	// Buyer got the instructor share back; the platform kept its fee.
	w, err := f.wallets.GetWallet(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(210_000), w.Balance)

	pw, err := f.wallets.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pw.HoldingAmount)
	assert.Equal(t, int64(90_000), pw.PlatformFeeTotal)

	// Item refunded, earning refunded, enrollment gone.
	got, err := f.items.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, checkout.ItemRefunded, got.Status)

	e, err := f.earnings.GetByItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, earnings.StatusRefunded, e.Status)

	enrolled, err := f.enrollments.Exists(ctx, "buyer-1", "crs_a")
	require.NoError(t, err)
	assert.False(t, enrolled)

	// The purchase transaction is flipped too.
	txn, err := f.wallets.GetTransaction(ctx, item.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, wallet.TxnRefunded, txn.Status)
}

func TestRefund_EligibilityGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	// Someone else's item.
	_, err := f.service.Request(ctx, "buyer-2", item.ID, "reason")
	assert.ErrorIs(t, err, ErrNotRequester)

	// Duplicate request.
	_, err = f.service.Request(ctx, "buyer-1", item.ID, "reason")
	require.NoError(t, err)
	_, err = f.service.Request(ctx, "buyer-1", item.ID, "again")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestRefund_HoldWindowPassedNotEligible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	f.service.WithClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })
	_, err := f.service.Request(ctx, "buyer-1", item.ID, "too late")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestRefund_ReleasedEarningNotEligible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	released, err := f.release.ReleaseDue(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, released)

	_, err = f.service.Request(ctx, "buyer-1", item.ID, "reason")
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestRefund_OpenRequestBlocksRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	r, err := f.service.Request(ctx, "buyer-1", item.ID, "reason")
	require.NoError(t, err)

	// Scheduler runs after the hold window but the dispute holds the money.
	released, err := f.release.ReleaseDue(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	// Rejection reopens the release path.
	_, err = f.service.InstructorReview(ctx, "instructor-1", r.ID, false, "course is fine")
	require.NoError(t, err)

	released, err = f.release.ReleaseDue(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, released)
}

func TestRefund_SettleLosesRaceWithScheduler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	r, err := f.service.Request(ctx, "buyer-1", item.ID, "reason")
	require.NoError(t, err)

	// Instructor rejects, earning matures and is released.
	_, err = f.service.InstructorReview(ctx, "instructor-1", r.ID, false, "no")
	require.NoError(t, err)
	released, err := f.release.ReleaseDue(ctx, time.Now().Add(8*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, released)

	// Admin escalation now loses to the status guard; no double settlement.
	_, err = f.service.AdminReview(ctx, r.ID, true, "approving anyway")
	assert.ErrorIs(t, err, wallet.ErrInvalidStateTransition)

	w, err := f.wallets.GetWallet(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Balance)
}

func TestRefund_AdminEscalationAfterInstructorReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	r, err := f.service.Request(ctx, "buyer-1", item.ID, "reason")
	require.NoError(t, err)

	r, err = f.service.InstructorReview(ctx, "instructor-1", r.ID, false, "disagree")
	require.NoError(t, err)
	assert.Equal(t, StatusInstructorRejected, r.Status)

	// Admin overrules and the refund settles.
	r, err = f.service.AdminReview(ctx, r.ID, true, "buyer is right")
	require.NoError(t, err)
	assert.Equal(t, StatusAdminApproved, r.Status)

	w, err := f.wallets.GetWallet(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, int64(210_000), w.Balance)

	// Terminal: no further review.
	_, err = f.service.AdminReview(ctx, r.ID, false, "changed my mind")
	assert.ErrorIs(t, err, wallet.ErrInvalidStateTransition)
}

func TestRefund_WrongInstructorCannotReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	r, err := f.service.Request(ctx, "buyer-1", item.ID, "reason")
	require.NoError(t, err)

	_, err = f.service.InstructorReview(ctx, "instructor-2", r.ID, true, "")
	assert.ErrorIs(t, err, ErrNotInstructor)
}

func TestRefundableItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	item := f.buy(t, "buyer-1")

	items, err := f.service.RefundableItems(ctx, "buyer-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)

	// Requesting consumes the one shot even if rejected.
	r, err := f.service.Request(ctx, "buyer-1", item.ID, "reason")
	require.NoError(t, err)
	_, err = f.service.InstructorReview(ctx, "instructor-1", r.ID, false, "no")
	require.NoError(t, err)

	items, err = f.service.RefundableItems(ctx, "buyer-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}
