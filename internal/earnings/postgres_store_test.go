package earnings_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/testutil"
	"github.com/coursepay/coursepay/internal/wallet"
)

// seedSale pushes a paid purchase through the checkout store so the earning
// has its backing purchase item and escrow rows.
func seedSale(t *testing.T, ctx context.Context, wallets *wallet.PostgresStore,
	purchases *checkout.PostgresStore, price int64, holdUntil time.Time) *earnings.Earning {
	t.Helper()

	if _, err := wallets.Credit(ctx, "buyer1", price, wallet.KindDeposit, ""); err != nil {
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
		HoldUntil:        holdUntil,
		CreatedAt:        now,
	}
	if _, err := purchases.CreatePaid(ctx, &checkout.Purchase{
		BuyerID:  "buyer1",
		Total:    price,
		Items:    []*checkout.PurchaseItem{item},
		Earnings: []*earnings.Earning{e},
	}); err != nil {
		t.Fatalf("seed purchase: %v", err)
	}
	return e
}

func TestPostgresStore_ReleaseLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	wallets := wallet.NewPostgresStore(db, "VND")
	purchases := checkout.NewPostgresStore(db, "VND")
	store := earnings.NewPostgresStore(db, "VND")

	e := seedSale(t, ctx, wallets, purchases, 500_000, time.Now().Add(-time.Hour))

	due, err := store.ListReleasable(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListReleasable: %v", err)
	}
	if len(due) != 1 || due[0].ID != e.ID {
		t.Fatalf("expected the matured earning, got %d rows", len(due))
	}

	txn, err := store.Release(ctx, e.ID, time.Now())
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if txn.Kind != wallet.KindIncome || txn.Amount != e.AmountInstructor {
		t.Errorf("unexpected income transaction: %+v", txn)
	}

	// Releasing again loses the status guard.
	if _, err := store.Release(ctx, e.ID, time.Now()); !errors.Is(err, wallet.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	w, _ := wallets.GetWallet(ctx, "instructor1")
	if w.Balance != e.AmountInstructor {
		t.Errorf("expected instructor balance %d, got %d", e.AmountInstructor, w.Balance)
	}

	// Escrow drained, fee settled.
	pw, _ := wallets.Platform(ctx)
	if pw.HoldingAmount != 0 || pw.PlatformFeeTotal != e.AmountPlatform {
		t.Errorf("unexpected platform wallet: %+v", pw)
	}

	sum, err := store.Summarize(ctx, "instructor1")
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Pending != e.AmountInstructor || sum.Holding != 0 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestPostgresStore_ListReleasable_SkipsDisputedItems(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	wallets := wallet.NewPostgresStore(db, "VND")
	purchases := checkout.NewPostgresStore(db, "VND")
	store := earnings.NewPostgresStore(db, "VND")

	e := seedSale(t, ctx, wallets, purchases, 500_000, time.Now().Add(-time.Hour))

	// An open refund request parks the earning.
	_, err := db.ExecContext(ctx, `
		INSERT INTO refund_requests
			(id, purchase_item_id, requester_id, instructor_id, refund_amount, status, reason, created_at)
		VALUES ($1, $2, 'buyer1', 'instructor1', $3, 'requested', 'not as described', NOW())`,
		idgen.WithPrefix("rfd_"), e.PurchaseItemID, e.AmountInstructor)
	if err != nil {
		t.Fatalf("insert refund request: %v", err)
	}

	due, err := store.ListReleasable(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ListReleasable: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("disputed earning must not be releasable, got %d rows", len(due))
	}
}

func TestPostgresStore_MarkPaidUpTo(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	wallets := wallet.NewPostgresStore(db, "VND")
	purchases := checkout.NewPostgresStore(db, "VND")
	store := earnings.NewPostgresStore(db, "VND")

	e := seedSale(t, ctx, wallets, purchases, 500_000, time.Now().Add(-time.Hour))
	if _, err := store.Release(ctx, e.ID, time.Now()); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// A partial amount leaves the earning pending.
	if err := store.MarkPaidUpTo(ctx, "instructor1", e.AmountInstructor-1, time.Now()); err != nil {
		t.Fatalf("MarkPaidUpTo: %v", err)
	}
	got, _ := store.Get(ctx, e.ID)
	if got.Status != earnings.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}

	if err := store.MarkPaidUpTo(ctx, "instructor1", e.AmountInstructor, time.Now()); err != nil {
		t.Fatalf("MarkPaidUpTo: %v", err)
	}
	got, _ = store.Get(ctx, e.ID)
	if got.Status != earnings.StatusPaid || got.PaidAt == nil {
		t.Errorf("expected paid, got %+v", got)
	}
}
