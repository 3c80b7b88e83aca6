package refund

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/testutil"
	"github.com/coursepay/coursepay/internal/wallet"
)

type pgFixture struct {
	wallets     *wallet.PostgresStore
	purchases   *checkout.PostgresStore
	earnings    *earnings.PostgresStore
	enrollments *enrollment.PostgresStore
	store       *PostgresStore
}

func newPGFixture(t *testing.T) (*pgFixture, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return &pgFixture{
		wallets:     wallet.NewPostgresStore(db, "VND"),
		purchases:   checkout.NewPostgresStore(db, "VND"),
		earnings:    earnings.NewPostgresStore(db, "VND"),
		enrollments: enrollment.NewPostgresStore(db),
		store:       NewPostgresStore(db, "VND"),
	}, cleanup
}

// sell creates a paid purchase and returns its escrow earning.
func (f *pgFixture) sell(t *testing.T, ctx context.Context, price int64) *earnings.Earning {
	t.Helper()
	if _, err := f.wallets.Credit(ctx, "buyer1", price, wallet.KindDeposit, ""); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	now := time.Now()
	item := &checkout.PurchaseItem{
		ID:              idgen.WithPrefix("itm_"),
		CourseID:        "crs_go",
		BuyerID:         "buyer1",
		InstructorID:    "instructor1",
		OriginalPrice:   price,
		DiscountedPrice: price,
		Status:          checkout.ItemCompleted,
		CreatedAt:       now,
	}
	ai, ap := earnings.Split(price, 0.30)
	e := &earnings.Earning{
		ID:               idgen.WithPrefix("ern_"),
		PurchaseItemID:   item.ID,
		InstructorID:     "instructor1",
		CourseID:         "crs_go",
		AmountInstructor: ai,
		AmountPlatform:   ap,
		Status:           earnings.StatusHolding,
		HoldUntil:        now.Add(7 * 24 * time.Hour),
		CreatedAt:        now,
	}
	if _, err := f.purchases.CreatePaid(ctx, &checkout.Purchase{
		BuyerID:  "buyer1",
		Total:    price,
		Items:    []*checkout.PurchaseItem{item},
		Earnings: []*earnings.Earning{e},
	}); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	got, err := f.earnings.GetByItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("reload earning: %v", err)
	}
	return got
}

func (f *pgFixture) request(t *testing.T, ctx context.Context, e *earnings.Earning) *Request {
	t.Helper()
	r := &Request{
		ID:             idgen.WithPrefix("rfd_"),
		PurchaseItemID: e.PurchaseItemID,
		RequesterID:    "buyer1",
		InstructorID:   "instructor1",
		RefundAmount:   e.AmountInstructor,
		Status:         StatusRequested,
		Reason:         "not as described",
		CreatedAt:      time.Now(),
	}
	if err := f.store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestPostgresStore_DuplicateRequest(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()

	ctx := context.Background()
	e := f.sell(t, ctx, 500_000)
	r := f.request(t, ctx, e)

	dup := *r
	dup.ID = idgen.WithPrefix("rfd_")
	if err := f.store.Create(ctx, &dup); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}

	open, err := f.store.HasOpenRequest(ctx, e.PurchaseItemID)
	if err != nil || !open {
		t.Errorf("expected open request, got %v %v", open, err)
	}
}

func TestPostgresStore_Settle(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()

	ctx := context.Background()
	e := f.sell(t, ctx, 500_000)
	r := f.request(t, ctx, e)

	txn, err := f.store.Settle(ctx, &Settlement{
		Request:       r,
		ToStatus:      StatusInstructorApproved,
		ReviewNote:    "agreed",
		EarningID:     e.ID,
		TransactionID: e.TransactionID,
		CourseID:      e.CourseID,
		FeeShare:      e.AmountPlatform,
		Now:           time.Now(),
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if txn.Kind != wallet.KindRefund || txn.Amount != r.RefundAmount {
		t.Errorf("unexpected refund transaction: %+v", txn)
	}

	// Buyer got the instructor share back; the fee stays with the platform.
	w, _ := f.wallets.GetWallet(ctx, "buyer1")
	if w.Balance != r.RefundAmount {
		t.Errorf("expected refund of %d, got balance %d", r.RefundAmount, w.Balance)
	}

	pw, _ := f.wallets.Platform(ctx)
	if pw.HoldingAmount != 0 || pw.PlatformFeeTotal != e.AmountPlatform {
		t.Errorf("unexpected platform wallet: %+v", pw)
	}

	item, _ := f.purchases.GetItem(ctx, e.PurchaseItemID)
	if item.Status != checkout.ItemRefunded {
		t.Errorf("expected refunded item, got %s", item.Status)
	}

	enrolled, _ := f.enrollments.Exists(ctx, "buyer1", "crs_go")
	if enrolled {
		t.Error("enrollment should be revoked on refund")
	}

	got, _ := f.earnings.Get(ctx, e.ID)
	if got.Status != earnings.StatusRefunded {
		t.Errorf("expected refunded earning, got %s", got.Status)
	}
}

func TestPostgresStore_SettleLosesRaceToRelease(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()

	ctx := context.Background()
	e := f.sell(t, ctx, 500_000)
	r := f.request(t, ctx, e)

	// The scheduler released the earning first.
	if err := f.earnings.UpdateStatus(ctx, e.ID, earnings.StatusHolding, earnings.StatusPending); err != nil {
		t.Fatalf("release flip: %v", err)
	}

	_, err := f.store.Settle(ctx, &Settlement{
		Request:       r,
		ToStatus:      StatusAdminApproved,
		EarningID:     e.ID,
		TransactionID: e.TransactionID,
		CourseID:      e.CourseID,
		FeeShare:      e.AmountPlatform,
		Now:           time.Now(),
	})
	if !errors.Is(err, wallet.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	// Nothing was reversed.
	w, _ := f.wallets.GetWallet(ctx, "buyer1")
	if w.Balance != 0 {
		t.Errorf("settle must roll back, buyer balance %d", w.Balance)
	}
	item, _ := f.purchases.GetItem(ctx, e.PurchaseItemID)
	if item.Status != checkout.ItemCompleted {
		t.Errorf("item should stay completed, got %s", item.Status)
	}
}

func TestPostgresStore_RejectGuard(t *testing.T) {
	f, cleanup := newPGFixture(t)
	defer cleanup()

	ctx := context.Background()
	e := f.sell(t, ctx, 500_000)
	r := f.request(t, ctx, e)

	if err := f.store.Reject(ctx, r.ID, StatusRequested, StatusInstructorRejected, "keep it", time.Now()); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	// A rejected request no longer blocks the release scheduler.
	open, _ := f.store.HasOpenRequest(ctx, e.PurchaseItemID)
	if open {
		t.Error("instructor_rejected should not block earning release")
	}

	if err := f.store.Reject(ctx, r.ID, StatusRequested, StatusInstructorRejected, "", time.Now()); !errors.Is(err, wallet.ErrInvalidStateTransition) {
		t.Fatalf("expected guard failure, got %v", err)
	}
}
