package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/pagination"
)

type stubOrderCreator struct {
	nextOrder string
	fail      bool
	calls     int
}

func (s *stubOrderCreator) CreateDepositOrder(ctx context.Context, ownerID string, amount int64) (string, string, error) {
	s.calls++
	if s.fail {
		return "", "", errors.New("gateway down")
	}
	if s.nextOrder == "" {
		s.nextOrder = fmt.Sprintf("ORDER-%d", s.calls)
	}
	return s.nextOrder, "https://gateway.example/approve/" + s.nextOrder, nil
}

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore("VND")
	return NewService(store), store
}

func assertInvariant(t *testing.T, ctx context.Context, svc *Service, owner string) {
	t.Helper()
	w, err := svc.GetWallet(ctx, owner)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.Balance != w.TotalIn-w.TotalOut {
		t.Errorf("invariant broken for %s: balance=%d totalIn=%d totalOut=%d", owner, w.Balance, w.TotalIn, w.TotalOut)
	}
	if w.Balance < 0 {
		t.Errorf("negative balance for %s: %d", owner, w.Balance)
	}
}

func TestCreditDebit_Invariant(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	if _, err := svc.Credit(ctx, "buyer1", 500_000, KindDeposit, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	assertInvariant(t, ctx, svc, "buyer1")

	txn, err := svc.Debit(ctx, "buyer1", 300_000, KindPurchase, "itm_x")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if txn.Direction != DirOut || txn.Status != TxnCompleted {
		t.Errorf("unexpected transaction: %+v", txn)
	}
	assertInvariant(t, ctx, svc, "buyer1")

	w, _ := svc.GetWallet(ctx, "buyer1")
	if w.Balance != 200_000 {
		t.Errorf("expected balance 200000, got %d", w.Balance)
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, _ = svc.Credit(ctx, "buyer1", 100, KindDeposit, "")
	_, err := svc.Debit(ctx, "buyer1", 101, KindPurchase, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	assertInvariant(t, ctx, svc, "buyer1")
}

func TestDebit_UnknownWallet(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	_, err := svc.Debit(ctx, "nobody", 50, KindPurchase, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for lazily-created empty wallet, got %v", err)
	}
}

func TestCreditDebit_RejectNonPositive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	if _, err := svc.Credit(ctx, "a", 0, KindDeposit, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("credit 0: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.Debit(ctx, "a", -5, KindPurchase, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("debit -5: expected ErrInvalidAmount, got %v", err)
	}
}

func TestDeposit_CaptureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	orders := &stubOrderCreator{nextOrder: "ORDER-1"}
	svc.WithOrderCreator(orders)

	result, err := svc.CreateDeposit(ctx, "buyer1", 250_000)
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if result.Transaction.Status != TxnPending {
		t.Fatalf("expected pending deposit, got %s", result.Transaction.Status)
	}

	// Balance untouched until capture.
	w, _ := svc.GetWallet(ctx, "buyer1")
	if w.Balance != 0 {
		t.Fatalf("expected 0 balance before capture, got %d", w.Balance)
	}

	first, err := svc.ConfirmDeposit(ctx, "ORDER-1", "CAP-1")
	if err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}
	if first.Status != TxnCompleted {
		t.Fatalf("expected completed, got %s", first.Status)
	}

	// Replay the callback: same result, no second credit.
	second, err := svc.ConfirmDeposit(ctx, "ORDER-1", "CAP-1")
	if err != nil {
		t.Fatalf("replayed ConfirmDeposit: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned a different transaction: %s vs %s", second.ID, first.ID)
	}

	w, _ = svc.GetWallet(ctx, "buyer1")
	if w.Balance != 250_000 {
		t.Errorf("expected balance 250000 after replayed capture, got %d", w.Balance)
	}
	assertInvariant(t, ctx, svc, "buyer1")

	txns, _, _ := svc.History(ctx, "buyer1", 10, nil)
	if len(txns) != 1 {
		t.Errorf("expected exactly one transaction, got %d", len(txns))
	}

	// The captured amount lands in the platform's gateway balance once.
	pw, _ := store.Platform(ctx)
	if pw.Balance != 250_000 {
		t.Errorf("expected platform balance 250000, got %d", pw.Balance)
	}
}

func TestDeposit_CancelCompletedFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	svc.WithOrderCreator(&stubOrderCreator{nextOrder: "ORDER-2"})

	_, _ = svc.CreateDeposit(ctx, "buyer1", 1000)
	_, _ = svc.ConfirmDeposit(ctx, "ORDER-2", "")

	err := svc.CancelDeposit(ctx, "ORDER-2")
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestCancelStaleDeposits(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService()
	svc.WithOrderCreator(&stubOrderCreator{nextOrder: "ORDER-3"})

	_, _ = svc.CreateDeposit(ctx, "buyer1", 1000)

	// Backdate the pending deposit past the sweep window.
	store.mu.Lock()
	for _, txn := range store.txns {
		txn.CreatedAt = time.Now().Add(-4 * time.Hour)
	}
	store.mu.Unlock()

	count, err := svc.CancelStaleDeposits(ctx, 3*time.Hour)
	if err != nil {
		t.Fatalf("CancelStaleDeposits: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 canceled, got %d", count)
	}

	txn, _ := svc.GetTransaction(ctx, firstTxnID(store))
	if txn.Status != TxnCanceled {
		t.Errorf("expected canceled, got %s", txn.Status)
	}
}

func firstTxnID(store *MemoryStore) string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	for id := range store.txns {
		return id
	}
	return ""
}

func TestPlatformWallet_HoldingAndFees(t *testing.T) {
	ctx := context.Background()
	_, store := newTestService()

	if err := store.PlatformAdjustHolding(ctx, 300_000, 0); err != nil {
		t.Fatalf("adjust holding: %v", err)
	}
	// Maturity: holding share leaves, fee share settles.
	if err := store.PlatformAdjustHolding(ctx, -300_000, 90_000); err != nil {
		t.Fatalf("settle holding: %v", err)
	}

	pw, _ := store.Platform(ctx)
	if pw.HoldingAmount != 0 {
		t.Errorf("expected holding 0, got %d", pw.HoldingAmount)
	}
	if pw.PlatformFeeTotal != 90_000 {
		t.Errorf("expected fee total 90000, got %d", pw.PlatformFeeTotal)
	}

	// Cannot drive holding negative.
	if err := store.PlatformAdjustHolding(ctx, -1, 0); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestPlatformWallet_DebitAndHistory(t *testing.T) {
	ctx := context.Background()
	_, store := newTestService()

	if err := store.PlatformCredit(ctx, 1_000_000, "txn_a"); err != nil {
		t.Fatalf("PlatformCredit: %v", err)
	}
	if err := store.PlatformDebit(ctx, 400_000, "txn_b"); err != nil {
		t.Fatalf("PlatformDebit: %v", err)
	}
	if err := store.PlatformDebit(ctx, 700_000, "txn_c"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	pw, _ := store.Platform(ctx)
	if pw.Balance != 600_000 {
		t.Errorf("expected platform balance 600000, got %d", pw.Balance)
	}

	history, _ := store.PlatformHistory(ctx, 10)
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
}

func TestHistory_CursorPagination(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	for i := 0; i < 5; i++ {
		if _, err := svc.Credit(ctx, "buyer1", 10_000, KindDeposit, ""); err != nil {
			t.Fatalf("Credit: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	seen := make(map[string]bool)
	var cursor *pagination.Cursor
	pages := 0
	for {
		txns, next, err := svc.History(ctx, "buyer1", 2, cursor)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		pages++
		for _, txn := range txns {
			if seen[txn.ID] {
				t.Fatalf("transaction %s returned on two pages", txn.ID)
			}
			seen[txn.ID] = true
		}
		if next == "" {
			break
		}
		cursor, err = pagination.Decode(next)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
	}

	if len(seen) != 5 {
		t.Errorf("expected all 5 transactions across pages, got %d", len(seen))
	}
	if pages != 3 {
		t.Errorf("expected 3 pages of size 2, got %d", pages)
	}
}

func TestHistory_NoCursorOnLastPage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	if _, err := svc.Credit(ctx, "buyer1", 10_000, KindDeposit, ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	txns, next, err := svc.History(ctx, "buyer1", 10, nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	if next != "" {
		t.Errorf("expected empty cursor on last page, got %q", next)
	}
}
