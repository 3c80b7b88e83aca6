package withdrawal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursepay/coursepay/internal/gateway"
	"github.com/coursepay/coursepay/internal/wallet"
)

type fixture struct {
	wallets *wallet.MemoryStore
	store   *MemoryStore
	gw      *gateway.Mock
	svc     *Service
}

// newFixture seeds an instructor with released earnings and the platform
// wallet with the matching gateway-side balance.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	wallets := wallet.NewMemoryStore("VND")
	_, err := wallets.Credit(ctx, "instructor-1", 1_000_000, wallet.KindIncome, "seed")
	require.NoError(t, err)
	require.NoError(t, wallets.PlatformCredit(ctx, 1_000_000, "seed"))

	store := NewMemoryStore(wallets)
	gw := gateway.NewMock()
	svc := NewService(store, gw, 200_000, "VND", slog.Default())
	return &fixture{wallets: wallets, store: store, gw: gw, svc: svc}
}

func (f *fixture) balance(t *testing.T, owner string) int64 {
	t.Helper()
	w, err := f.wallets.GetWallet(context.Background(), owner)
	require.NoError(t, err)
	return w.Balance
}

func TestRequest_HoldsFunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Request(ctx, "instructor-1", 500_000, "instructor@bank.test", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)
	assert.NotEmpty(t, r.HoldTransactionID)

	// The amount is locked out of the wallet up front.
	assert.Equal(t, int64(500_000), f.balance(t, "instructor-1"))

	txn, err := f.wallets.GetTransaction(ctx, r.HoldTransactionID)
	require.NoError(t, err)
	assert.Equal(t, wallet.KindWithdrawHold, txn.Kind)
	assert.Equal(t, r.ID, txn.RefID)
}

func TestRequest_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Request(ctx, "instructor-1", 100_000, "instructor@bank.test", "")
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = f.svc.Request(ctx, "instructor-1", 500_000, "", "")
	assert.ErrorIs(t, err, ErrMissingReceiver)

	_, err = f.svc.Request(ctx, "instructor-1", 2_000_000, "instructor@bank.test", "")
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	// Nothing was held by the failed attempts.
	assert.Equal(t, int64(1_000_000), f.balance(t, "instructor-1"))
}

func TestRequest_OneOpenAtATime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Request(ctx, "instructor-1", 300_000, "instructor@bank.test", "")
	require.NoError(t, err)

	_, err = f.svc.Request(ctx, "instructor-1", 200_000, "instructor@bank.test", "")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	// A terminal request stops blocking.
	_, err = f.svc.Review(ctx, first.ID, false, "wrong account")
	require.NoError(t, err)
	_, err = f.svc.Request(ctx, "instructor-1", 200_000, "instructor@bank.test", "")
	require.NoError(t, err)
}

func TestReview_RejectReturnsHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Request(ctx, "instructor-1", 500_000, "instructor@bank.test", "")
	require.NoError(t, err)

	r, err = f.svc.Review(ctx, r.ID, false, "account mismatch")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.Equal(t, "account mismatch", r.ReviewNote)
	assert.Equal(t, int64(1_000_000), f.balance(t, "instructor-1"))

	// Terminal; a second review bounces.
	_, err = f.svc.Review(ctx, r.ID, true, "")
	assert.ErrorIs(t, err, wallet.ErrInvalidStateTransition)
}

func TestPayoutLifecycle_Paid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Request(ctx, "instructor-1", 500_000, "instructor@bank.test", "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, r.ID, true, "")
	require.NoError(t, err)

	submitted, err := f.svc.ProcessApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPayoutPending, r.Status)
	require.NotEmpty(t, r.GatewayBatchID)

	// Provider still working on it: nothing settles.
	settled, err := f.svc.PollPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, settled)

	f.gw.SetPayoutStatus(r.GatewayBatchID, gateway.PayoutSuccess)
	settled, err = f.svc.PollPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, r.Status)
	require.NotNil(t, r.SettledAt)

	// The payout drained the platform's gateway balance, with a history row.
	pw, err := f.wallets.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), pw.Balance)
	history, err := f.wallets.PlatformHistory(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, "out", last.Type)
	assert.Equal(t, int64(500_000), last.Amount)

	// The wallet hold is never returned.
	assert.Equal(t, int64(500_000), f.balance(t, "instructor-1"))
}

func TestProcessApproved_GatewayOutageRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Request(ctx, "instructor-1", 500_000, "instructor@bank.test", "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, r.ID, true, "")
	require.NoError(t, err)

	f.gw.FailPayout = true
	submitted, err := f.svc.ProcessApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.NotEmpty(t, r.FailureReason)
	assert.Equal(t, int64(1_000_000), f.balance(t, "instructor-1"))
}

func TestPollPayouts_TerminalFailureRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Request(ctx, "instructor-1", 500_000, "instructor@bank.test", "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, r.ID, true, "")
	require.NoError(t, err)
	_, err = f.svc.ProcessApproved(ctx)
	require.NoError(t, err)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	f.gw.SetPayoutStatus(r.GatewayBatchID, gateway.PayoutReturned)

	settled, err := f.svc.PollPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.FailureReason, "RETURNED")
	assert.Equal(t, int64(1_000_000), f.balance(t, "instructor-1"))

	// Platform balance untouched: the money never left.
	pw, err := f.wallets.Platform(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), pw.Balance)
}

func TestProcessApproved_SecondPassIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Request(ctx, "instructor-1", 300_000, "instructor@bank.test", "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, r.ID, true, "")
	require.NoError(t, err)

	submitted, err := f.svc.ProcessApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	submitted, err = f.svc.ProcessApproved(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
}

type recordingSettler struct {
	instructorID string
	amount       int64
	calls        int
	err          error
}

func (r *recordingSettler) MarkPaidUpTo(ctx context.Context, instructorID string, amount int64, now time.Time) error {
	r.instructorID = instructorID
	r.amount = amount
	r.calls++
	return r.err
}

func TestSettlePaid_MarksEarningsPaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	settler := &recordingSettler{}
	f.svc.WithEarnings(settler)

	r, err := f.svc.Request(ctx, "instructor-1", 400_000, "instructor@bank.test", "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, r.ID, true, "")
	require.NoError(t, err)
	_, err = f.svc.ProcessApproved(ctx)
	require.NoError(t, err)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	f.gw.SetPayoutStatus(r.GatewayBatchID, gateway.PayoutSuccess)
	_, err = f.svc.PollPayouts(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, settler.calls)
	assert.Equal(t, "instructor-1", settler.instructorID)
	assert.Equal(t, int64(400_000), settler.amount)
}

func TestSettlePaid_LedgerFailureDoesNotUnsettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	settler := &recordingSettler{err: errors.New("ledger offline")}
	f.svc.WithEarnings(settler)

	r, err := f.svc.Request(ctx, "instructor-1", 400_000, "instructor@bank.test", "")
	require.NoError(t, err)
	_, err = f.svc.Review(ctx, r.ID, true, "")
	require.NoError(t, err)
	_, err = f.svc.ProcessApproved(ctx)
	require.NoError(t, err)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	f.gw.SetPayoutStatus(r.GatewayBatchID, gateway.PayoutSuccess)
	settled, err := f.svc.PollPayouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	r, err = f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, r.Status)
}
