package earnings

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/wallet"
)

// RefundGate reports whether a purchase item has an open refund request.
// The postgres store answers this with a subquery; the memory store asks
// the refund store through this interface.
type RefundGate interface {
	HasOpenRequest(ctx context.Context, purchaseItemID string) (bool, error)
}

// MemoryStore is an in-memory Store for development mode and tests. The
// release unit is sequential rather than transactional, which is fine for a
// single process.
type MemoryStore struct {
	mu       sync.Mutex
	earnings map[string]*Earning
	wallets  wallet.Store
	gate     RefundGate
}

func NewMemoryStore(wallets wallet.Store) *MemoryStore {
	return &MemoryStore{
		earnings: make(map[string]*Earning),
		wallets:  wallets,
	}
}

// WithRefundGate wires the open-refund exclusion for ListReleasable.
func (m *MemoryStore) WithRefundGate(g RefundGate) *MemoryStore {
	m.gate = g
	return m
}

func (m *MemoryStore) Create(ctx context.Context, e *Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.earnings[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.earnings[id]
	if !ok {
		return nil, ErrEarningNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByItem(ctx context.Context, purchaseItemID string) (*Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.earnings {
		if e.PurchaseItemID == purchaseItemID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEarningNotFound
}

func (m *MemoryStore) ListByInstructor(ctx context.Context, instructorID string, limit int) ([]*Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Earning
	for _, e := range m.earnings {
		if e.InstructorID == instructorID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Summarize(ctx context.Context, instructorID string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := &Summary{}
	for _, e := range m.earnings {
		if e.InstructorID != instructorID {
			continue
		}
		switch e.Status {
		case StatusHolding:
			sum.Holding += e.AmountInstructor
		case StatusPending:
			sum.Pending += e.AmountInstructor
		case StatusPaid:
			sum.Paid += e.AmountInstructor
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Earning, error) {
	m.mu.Lock()
	var candidates []*Earning
	for _, e := range m.earnings {
		if e.Status == StatusHolding && !e.HoldUntil.After(now) {
			cp := *e
			candidates = append(candidates, &cp)
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].HoldUntil.Before(candidates[j].HoldUntil) })

	var out []*Earning
	for _, e := range candidates {
		if m.gate != nil {
			open, err := m.gate.HasOpenRequest(ctx, e.PurchaseItemID)
			if err != nil {
				return nil, err
			}
			if open {
				continue
			}
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Release(ctx context.Context, id string, now time.Time) (*wallet.Transaction, error) {
	m.mu.Lock()
	e, ok := m.earnings[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrEarningNotFound
	}
	if e.Status != StatusHolding {
		m.mu.Unlock()
		return nil, wallet.ErrInvalidStateTransition
	}
	e.Status = StatusPending
	at := now
	e.AvailableAt = &at
	instructorID := e.InstructorID
	amount := e.AmountInstructor
	fee := e.AmountPlatform
	m.mu.Unlock()

	txn, err := m.wallets.Credit(ctx, instructorID, amount, wallet.KindIncome, id)
	if err != nil {
		return nil, err
	}
	if err := m.wallets.PlatformAdjustHolding(ctx, -(amount + fee), fee); err != nil {
		return nil, err
	}
	return txn, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.earnings[id]
	if !ok {
		return ErrEarningNotFound
	}
	if e.Status != from {
		return wallet.ErrInvalidStateTransition
	}
	e.Status = to
	if to == StatusRefunded {
		e.AvailableAt = nil
		e.PaidAt = nil
	}
	return nil
}

func (m *MemoryStore) MarkPaidUpTo(ctx context.Context, instructorID string, amount int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Earning
	for _, e := range m.earnings {
		if e.InstructorID == instructorID && e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].AvailableAt.Before(*pending[j].AvailableAt)
	})

	remaining := amount
	for _, e := range pending {
		if e.AmountInstructor > remaining {
			break
		}
		e.Status = StatusPaid
		at := now
		e.PaidAt = &at
		remaining -= e.AmountInstructor
	}
	return nil
}
