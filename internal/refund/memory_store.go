package refund

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/checkout"
	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/wallet"
)

// MemoryStore is an in-memory Store for development mode and tests. The
// settle unit is sequential; the earning status flip goes first so a race
// with the release scheduler is decided before any money moves.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request

	wallets     wallet.Store
	items       checkout.Store
	earnings    earnings.Store
	enrollments enrollment.Store
}

func NewMemoryStore(wallets wallet.Store, items checkout.Store, earningStore earnings.Store, enrollments enrollment.Store) *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*Request),
		wallets:     wallets,
		items:       items,
		earnings:    earningStore,
		enrollments: enrollments,
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.requests {
		if existing.PurchaseItemID == r.PurchaseItemID {
			return ErrDuplicateRequest
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByItem(ctx context.Context, purchaseItemID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.PurchaseItemID == purchaseItemID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRequestNotFound
}

func (m *MemoryStore) list(filter func(*Request) bool, limit int) []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, r := range m.requests {
		if filter(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListByRequester(ctx context.Context, requesterID string, limit int) ([]*Request, error) {
	return m.list(func(r *Request) bool { return r.RequesterID == requesterID }, limit), nil
}

func (m *MemoryStore) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error) {
	return m.list(func(r *Request) bool { return r.InstructorID == instructorID }, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return m.list(func(r *Request) bool { return r.Status == status }, limit), nil
}

func (m *MemoryStore) HasOpenRequest(ctx context.Context, purchaseItemID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.PurchaseItemID != purchaseItemID {
			continue
		}
		switch r.Status {
		case StatusRequested, StatusInstructorApproved, StatusAdminApproved:
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) Reject(ctx context.Context, id string, from, to Status, note string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return ErrRequestNotFound
	}
	if r.Status != from {
		return wallet.ErrInvalidStateTransition
	}
	r.Status = to
	r.ReviewNote = note
	at := now
	r.ReviewedAt = &at
	return nil
}

func (m *MemoryStore) Settle(ctx context.Context, st *Settlement) (*wallet.Transaction, error) {
	// The earning flip is the settle-vs-release race arbiter.
	if err := m.earnings.UpdateStatus(ctx, st.EarningID, earnings.StatusHolding, earnings.StatusRefunded); err != nil {
		return nil, err
	}

	txn, err := m.wallets.Credit(ctx, st.Request.RequesterID, st.Request.RefundAmount, wallet.KindRefund, st.Request.ID)
	if err != nil {
		return nil, err
	}

	if err := m.items.UpdateItemStatus(ctx, st.Request.PurchaseItemID, checkout.ItemCompleted, checkout.ItemRefunded); err != nil {
		return nil, err
	}
	// Another item of the same purchase may have flipped the transaction
	// already.
	if err := m.wallets.MarkTransactionRefunded(ctx, st.TransactionID); err != nil &&
		!errors.Is(err, wallet.ErrInvalidStateTransition) {
		return nil, err
	}

	if err := m.enrollments.Delete(ctx, st.Request.RequesterID, st.CourseID); err != nil {
		return nil, err
	}
	if err := m.wallets.PlatformAdjustHolding(ctx, -(st.Request.RefundAmount + st.FeeShare), st.FeeShare); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[st.Request.ID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	r.Status = st.ToStatus
	r.ReviewNote = st.ReviewNote
	at := st.Now
	r.ReviewedAt = &at
	return txn, nil
}
