package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/coursepay/coursepay/internal/testutil"
)

func TestPostgresStore_CreditDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, "VND")

	txn, err := store.Credit(ctx, "buyer1", 500_000, KindDeposit, "")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if txn.Status != TxnCompleted || txn.Direction != DirIn {
		t.Errorf("unexpected transaction: %+v", txn)
	}

	if _, err := store.Debit(ctx, "buyer1", 300_000, KindPurchase, "itm_x"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	w, err := store.GetWallet(ctx, "buyer1")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.Balance != 200_000 || w.TotalIn != 500_000 || w.TotalOut != 300_000 {
		t.Errorf("unexpected wallet: %+v", w)
	}
	if w.Balance != w.TotalIn-w.TotalOut {
		t.Errorf("invariant broken: %+v", w)
	}

	txns, err := store.ListTransactions(ctx, "buyer1", 10, nil)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txns))
	}
}

func TestPostgresStore_DebitInsufficient(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, "VND")

	_, err := store.Debit(ctx, "empty", 1, KindPurchase, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPostgresStore_DepositLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, "VND")

	pending, err := store.CreatePendingDeposit(ctx, "buyer1", 250_000, "ORDER-9")
	if err != nil {
		t.Fatalf("CreatePendingDeposit: %v", err)
	}

	got, err := store.GetTransactionByGatewayRef(ctx, "ORDER-9")
	if err != nil {
		t.Fatalf("GetTransactionByGatewayRef: %v", err)
	}
	if got.ID != pending.ID {
		t.Errorf("lookup mismatch: %s vs %s", got.ID, pending.ID)
	}

	completed, err := store.CompletePendingDeposit(ctx, pending.ID, "CAP-9")
	if err != nil {
		t.Fatalf("CompletePendingDeposit: %v", err)
	}
	if completed.Status != TxnCompleted || completed.ConfirmedAt == nil {
		t.Errorf("unexpected completed txn: %+v", completed)
	}

	// Replay: prior result plus ErrStaleCallback, no second credit.
	replayed, err := store.CompletePendingDeposit(ctx, pending.ID, "CAP-9")
	if !errors.Is(err, ErrStaleCallback) {
		t.Fatalf("expected ErrStaleCallback, got %v", err)
	}
	if replayed == nil || replayed.ID != pending.ID {
		t.Errorf("replay should return the prior transaction")
	}

	w, _ := store.GetWallet(ctx, "buyer1")
	if w.Balance != 250_000 {
		t.Errorf("expected single credit of 250000, got balance %d", w.Balance)
	}
}

func TestPostgresStore_PlatformWallet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db, "VND")

	if err := store.PlatformAdjustHolding(ctx, 300_000, 0); err != nil {
		t.Fatalf("PlatformAdjustHolding: %v", err)
	}
	if err := store.PlatformAdjustHolding(ctx, -300_000, 90_000); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := store.PlatformAdjustHolding(ctx, -1, 0); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := store.PlatformCredit(ctx, 1_000_000, ""); err != nil {
		t.Fatalf("PlatformCredit: %v", err)
	}
	if err := store.PlatformDebit(ctx, 250_000, ""); err != nil {
		t.Fatalf("PlatformDebit: %v", err)
	}

	pw, err := store.Platform(ctx)
	if err != nil {
		t.Fatalf("Platform: %v", err)
	}
	if pw.Balance != 750_000 || pw.HoldingAmount != 0 || pw.PlatformFeeTotal != 90_000 {
		t.Errorf("unexpected platform wallet: %+v", pw)
	}

	history, err := store.PlatformHistory(ctx, 10)
	if err != nil {
		t.Fatalf("PlatformHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("expected 2 history rows, got %d", len(history))
	}
}
