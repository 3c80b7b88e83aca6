package checkout

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coursepay/coursepay/internal/earnings"
	"github.com/coursepay/coursepay/internal/enrollment"
	"github.com/coursepay/coursepay/internal/wallet"
)

// EarningCreator is the slice of the earnings store checkout needs.
type EarningCreator interface {
	Create(ctx context.Context, e *earnings.Earning) error
}

// MemoryStore is an in-memory Store for development mode and tests. The paid
// purchase is applied step by step rather than transactionally; the debit
// happens first so a failure leaves no items without payment.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[string]*PurchaseItem
	wallets     wallet.Store
	earnings    EarningCreator
	enrollments enrollment.Store
}

func NewMemoryStore(wallets wallet.Store, earningStore EarningCreator, enrollments enrollment.Store) *MemoryStore {
	return &MemoryStore{
		items:       make(map[string]*PurchaseItem),
		wallets:     wallets,
		earnings:    earningStore,
		enrollments: enrollments,
	}
}

func (m *MemoryStore) CreatePaid(ctx context.Context, p *Purchase) (*wallet.Transaction, error) {
	txn, err := m.wallets.Debit(ctx, p.BuyerID, p.Total, wallet.KindPurchase, "")
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for _, item := range p.Items {
		item.TransactionID = txn.ID
		cp := *item
		m.items[item.ID] = &cp
	}
	m.mu.Unlock()

	var held int64
	for _, e := range p.Earnings {
		e.TransactionID = txn.ID
		if err := m.earnings.Create(ctx, e); err != nil {
			return nil, err
		}
		held += e.AmountInstructor + e.AmountPlatform
	}
	if held > 0 {
		if err := m.wallets.PlatformAdjustHolding(ctx, held, 0); err != nil {
			return nil, err
		}
	}

	for _, item := range p.Items {
		if err := m.enrollments.Create(ctx, item.BuyerID, item.CourseID); err != nil &&
			!errors.Is(err, enrollment.ErrAlreadyEnrolled) {
			return nil, err
		}
	}
	return txn, nil
}

func (m *MemoryStore) CreateFree(ctx context.Context, items []*PurchaseItem) error {
	m.mu.Lock()
	for _, item := range items {
		cp := *item
		m.items[item.ID] = &cp
	}
	m.mu.Unlock()

	for _, item := range items {
		if err := m.enrollments.Create(ctx, item.BuyerID, item.CourseID); err != nil &&
			!errors.Is(err, enrollment.ErrAlreadyEnrolled) {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetItem(ctx context.Context, id string) (*PurchaseItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*PurchaseItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PurchaseItem
	for _, item := range m.items {
		if item.BuyerID == buyerID {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ItemsByTransaction(ctx context.Context, txnID string) ([]*PurchaseItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PurchaseItem
	for _, item := range m.items {
		if item.TransactionID == txnID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateItemStatus(ctx context.Context, id string, from, to ItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != from {
		return wallet.ErrInvalidStateTransition
	}
	item.Status = to
	return nil
}
