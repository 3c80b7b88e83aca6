package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/wallet"
)

// MemoryStore is an in-memory Store for development mode and tests. The
// create and refund units are sequential against the wallet store; status
// guards behave exactly as the postgres store's guarded updates so the jobs
// see the same races either way.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request

	wallets wallet.Store
}

func NewMemoryStore(wallets wallet.Store) *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		wallets:  wallets,
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) (*wallet.Transaction, error) {
	txn, err := m.wallets.Debit(ctx, r.InstructorID, r.Amount, wallet.KindWithdrawHold, r.ID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.HoldTransactionID = txn.ID
	m.requests[r.ID] = &cp
	return txn, nil
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
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Request, error) {
	return m.list(func(r *Request) bool { return r.InstructorID == instructorID }, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	return m.list(func(r *Request) bool { return r.Status == status }, limit), nil
}

func (m *MemoryStore) HasOpenRequest(ctx context.Context, instructorID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.InstructorID == instructorID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// move flips status under the guard, returning the request while still valid.
func (m *MemoryStore) move(id string, from, to Status) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != from {
		return nil, wallet.ErrInvalidStateTransition
	}
	r.Status = to
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Approve(ctx context.Context, id, note string, now time.Time) error {
	r, err := m.move(id, StatusPending, StatusApproved)
	if err != nil {
		return err
	}
	m.annotate(r.ID, func(r *Request) {
		r.ReviewNote = note
		r.ReviewedAt = &now
	})
	return nil
}

func (m *MemoryStore) RejectAndRefund(ctx context.Context, id, note string, now time.Time) error {
	r, err := m.move(id, StatusPending, StatusRejected)
	if err != nil {
		return err
	}
	m.annotate(r.ID, func(r *Request) {
		r.ReviewNote = note
		r.ReviewedAt = &now
		r.SettledAt = &now
	})
	_, err = m.wallets.Credit(ctx, r.InstructorID, r.Amount, wallet.KindWithdrawRefund, r.ID)
	return err
}

func (m *MemoryStore) ClaimProcessing(ctx context.Context, id string) error {
	_, err := m.move(id, StatusApproved, StatusProcessing)
	return err
}

func (m *MemoryStore) MarkPayoutPending(ctx context.Context, id, batchID string) error {
	r, err := m.move(id, StatusProcessing, StatusPayoutPending)
	if err != nil {
		return err
	}
	m.annotate(r.ID, func(r *Request) { r.GatewayBatchID = batchID })
	return nil
}

func (m *MemoryStore) FailAndRefund(ctx context.Context, id string, from Status, reason string, now time.Time) error {
	r, err := m.move(id, from, StatusFailed)
	if err != nil {
		return err
	}
	m.annotate(r.ID, func(r *Request) {
		r.FailureReason = reason
		r.SettledAt = &now
	})
	_, err = m.wallets.Credit(ctx, r.InstructorID, r.Amount, wallet.KindWithdrawRefund, r.ID)
	return err
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string, now time.Time) error {
	r, err := m.move(id, StatusPayoutPending, StatusPaid)
	if err != nil {
		return err
	}
	m.annotate(r.ID, func(r *Request) { r.SettledAt = &now })
	return m.wallets.PlatformDebit(ctx, r.Amount, r.HoldTransactionID)
}

func (m *MemoryStore) annotate(id string, fn func(*Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.requests[id]; ok {
		fn(r)
	}
}
