package earnings

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursepay/coursepay/internal/wallet"
)

type stubGate struct {
	open map[string]bool
}

func (g *stubGate) HasOpenRequest(ctx context.Context, purchaseItemID string) (bool, error) {
	return g.open[purchaseItemID], nil
}

func seedEarning(t *testing.T, store *MemoryStore, id, itemID string, holdUntil time.Time) *Earning {
	t.Helper()
	e := &Earning{
		ID:               id,
		TransactionID:    "txn_seed",
		PurchaseItemID:   itemID,
		InstructorID:     "instructor-1",
		CourseID:         "crs_a",
		AmountInstructor: 210_000,
		AmountPlatform:   90_000,
		Status:           StatusHolding,
		HoldUntil:        holdUntil,
		CreatedAt:        time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), e))
	return e
}

func TestReleaseDue_CreditsOnceOnly(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.NewMemoryStore("VND")
	store := NewMemoryStore(wallets)
	svc := NewService(store, slog.Default())

	// Escrow funded as a checkout would have.
	require.NoError(t, wallets.PlatformAdjustHolding(ctx, 300_000, 0))
	now := time.Now()
	seedEarning(t, store, "ern_1", "itm_1", now.Add(-time.Hour))

	released, err := svc.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	w, err := wallets.GetWallet(ctx, "instructor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(210_000), w.Balance)

	e, err := store.Get(ctx, "ern_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	require.NotNil(t, e.AvailableAt)

	pw, err := wallets.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pw.HoldingAmount)
	assert.Equal(t, int64(90_000), pw.PlatformFeeTotal)

	// A second pass finds nothing; the instructor is not paid twice.
	released, err = svc.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	w, err = wallets.GetWallet(ctx, "instructor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(210_000), w.Balance)
}

func TestReleaseDue_RespectsHoldWindow(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.NewMemoryStore("VND")
	store := NewMemoryStore(wallets)
	svc := NewService(store, slog.Default())

	now := time.Now()
	seedEarning(t, store, "ern_1", "itm_1", now.Add(time.Hour))

	released, err := svc.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	e, err := store.Get(ctx, "ern_1")
	require.NoError(t, err)
	assert.Equal(t, StatusHolding, e.Status)
}

func TestReleaseDue_SkipsOpenRefunds(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.NewMemoryStore("VND")
	gate := &stubGate{open: map[string]bool{"itm_disputed": true}}
	store := NewMemoryStore(wallets).WithRefundGate(gate)
	svc := NewService(store, slog.Default())

	require.NoError(t, wallets.PlatformAdjustHolding(ctx, 600_000, 0))
	now := time.Now()
	seedEarning(t, store, "ern_disputed", "itm_disputed", now.Add(-time.Hour))
	seedEarning(t, store, "ern_clean", "itm_clean", now.Add(-time.Hour))

	released, err := svc.ReleaseDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	disputed, err := store.Get(ctx, "ern_disputed")
	require.NoError(t, err)
	assert.Equal(t, StatusHolding, disputed.Status)

	clean, err := store.Get(ctx, "ern_clean")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, clean.Status)
}

func TestUpdateStatus_Guarded(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.NewMemoryStore("VND")
	store := NewMemoryStore(wallets)

	seedEarning(t, store, "ern_1", "itm_1", time.Now())

	require.NoError(t, store.UpdateStatus(ctx, "ern_1", StatusHolding, StatusRefunded))
	err := store.UpdateStatus(ctx, "ern_1", StatusHolding, StatusRefunded)
	assert.ErrorIs(t, err, wallet.ErrInvalidStateTransition)
}

func TestMarkPaidUpTo_OldestFirst(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.NewMemoryStore("VND")
	store := NewMemoryStore(wallets)

	now := time.Now()
	for i, id := range []string{"ern_1", "ern_2", "ern_3"} {
		e := seedEarning(t, store, id, "itm_"+id, now.Add(-time.Hour))
		at := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.UpdateStatus(ctx, e.ID, StatusHolding, StatusPending))
		store.mu.Lock()
		store.earnings[id].AvailableAt = &at
		store.mu.Unlock()
	}

	// 420_000 covers exactly the two oldest 210_000 earnings.
	require.NoError(t, store.MarkPaidUpTo(ctx, "instructor-1", 420_000, now))

	sum, err := store.Summarize(ctx, "instructor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(420_000), sum.Paid)
	assert.Equal(t, int64(210_000), sum.Pending)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	wallets := wallet.NewMemoryStore("VND")
	store := NewMemoryStore(wallets)
	svc := NewService(store, slog.Default())

	now := time.Now()
	seedEarning(t, store, "ern_1", "itm_1", now.Add(time.Hour))
	seedEarning(t, store, "ern_2", "itm_2", now.Add(time.Hour))

	sum, err := svc.Summary(ctx, "instructor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(420_000), sum.Holding)
	assert.Equal(t, int64(0), sum.Pending)

	list, err := svc.ListByInstructor(ctx, "instructor-1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
