package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet
	txns     map[string]*Transaction
	byRef    map[string]string // gatewayRef -> txn ID
	platform PlatformWallet
	history  []*HistoryEntry
	currency string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		txns:     make(map[string]*Transaction),
		byRef:    make(map[string]string),
		currency: currency,
	}
}

func (m *MemoryStore) GetWallet(ctx context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[ownerID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{OwnerID: ownerID, Currency: m.currency, UpdatedAt: time.Now()}, nil
}

// walletLocked returns the wallet, creating it lazily. Caller holds mu.
func (m *MemoryStore) walletLocked(ownerID string) *Wallet {
	w, ok := m.wallets[ownerID]
	if !ok {
		w = &Wallet{OwnerID: ownerID, Currency: m.currency}
		m.wallets[ownerID] = w
	}
	return w
}

func (m *MemoryStore) Credit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w := m.walletLocked(ownerID)
	w.Balance += amount
	w.TotalIn += amount
	w.UpdatedAt = now

	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		OwnerID:     ownerID,
		Amount:      amount,
		Kind:        kind,
		Direction:   DirIn,
		Status:      TxnCompleted,
		RefID:       refID,
		CreatedAt:   now,
		ConfirmedAt: &now,
	}
	m.txns[txn.ID] = txn

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, ownerID string, amount int64, kind Kind, refID string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.walletLocked(ownerID)
	if w.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	now := time.Now()
	w.Balance -= amount
	w.TotalOut += amount
	w.UpdatedAt = now

	txn := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		OwnerID:     ownerID,
		Amount:      amount,
		Kind:        kind,
		Direction:   DirOut,
		Status:      TxnCompleted,
		RefID:       refID,
		CreatedAt:   now,
		ConfirmedAt: &now,
	}
	m.txns[txn.ID] = txn

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByGatewayRef(ctx context.Context, gatewayRef string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[gatewayRef]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txns[id]
	return &cp, nil
}

func (m *MemoryStore) MarkTransactionRefunded(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	if txn.Status != TxnCompleted {
		return ErrInvalidStateTransition
	}
	txn.Status = TxnRefunded
	return nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, ownerID string, limit int, cursor *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.OwnerID != ownerID {
			continue
		}
		if cursor != nil {
			// Keyset: only rows strictly older than the cursor position.
			if txn.CreatedAt.After(cursor.CreatedAt) ||
				(txn.CreatedAt.Equal(cursor.CreatedAt) && txn.ID >= cursor.ID) {
				continue
			}
		}
		cp := *txn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreatePendingDeposit(ctx context.Context, ownerID string, amount int64, gatewayRef string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &Transaction{
		ID:         idgen.WithPrefix("txn_"),
		OwnerID:    ownerID,
		Amount:     amount,
		Kind:       KindDeposit,
		Direction:  DirIn,
		Status:     TxnPending,
		GatewayRef: gatewayRef,
		CreatedAt:  time.Now(),
	}
	m.txns[txn.ID] = txn
	m.byRef[gatewayRef] = txn.ID

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) CompletePendingDeposit(ctx context.Context, txnID, captureRef string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return nil, ErrTransactionNotFound
	}

	switch txn.Status {
	case TxnCompleted:
		cp := *txn
		return &cp, ErrStaleCallback
	case TxnPending:
		// fall through
	default:
		return nil, ErrInvalidStateTransition
	}

	now := time.Now()
	txn.Status = TxnCompleted
	txn.ConfirmedAt = &now
	if captureRef != "" {
		txn.RefID = captureRef
	}

	w := m.walletLocked(txn.OwnerID)
	w.Balance += txn.Amount
	w.TotalIn += txn.Amount
	w.UpdatedAt = now

	// The captured money now sits in the platform's gateway account.
	m.platform.Balance += txn.Amount
	m.platform.TotalIn += txn.Amount
	m.platform.UpdatedAt = now
	m.history = append(m.history, &HistoryEntry{
		ID:                   idgen.WithPrefix("pwh_"),
		Type:                 "in",
		Amount:               txn.Amount,
		RelatedTransactionID: txn.ID,
		CreatedAt:            now,
	})

	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) CancelPendingDeposit(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txnID]
	if !ok {
		return ErrTransactionNotFound
	}
	if txn.Status != TxnPending {
		return ErrInvalidStateTransition
	}
	txn.Status = TxnCanceled
	return nil
}

func (m *MemoryStore) ListStalePendingDeposits(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.Kind == KindDeposit && txn.Status == TxnPending && txn.CreatedAt.Before(before) {
			cp := *txn
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Platform(ctx context.Context) (*PlatformWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp := m.platform
	return &cp, nil
}

func (m *MemoryStore) PlatformCredit(ctx context.Context, amount int64, relatedTxnID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.platform.Balance += amount
	m.platform.TotalIn += amount
	m.platform.UpdatedAt = time.Now()
	m.history = append(m.history, &HistoryEntry{
		ID:                   idgen.WithPrefix("pwh_"),
		Type:                 "in",
		Amount:               amount,
		RelatedTransactionID: relatedTxnID,
		CreatedAt:            time.Now(),
	})
	return nil
}

func (m *MemoryStore) PlatformDebit(ctx context.Context, amount int64, relatedTxnID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.platform.Balance < amount {
		return ErrInsufficientFunds
	}
	m.platform.Balance -= amount
	m.platform.TotalOut += amount
	m.platform.UpdatedAt = time.Now()
	m.history = append(m.history, &HistoryEntry{
		ID:                   idgen.WithPrefix("pwh_"),
		Type:                 "out",
		Amount:               amount,
		RelatedTransactionID: relatedTxnID,
		CreatedAt:            time.Now(),
	})
	return nil
}

func (m *MemoryStore) PlatformAdjustHolding(ctx context.Context, delta int64, settleFee int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.platform.HoldingAmount+delta < 0 {
		return ErrInsufficientFunds
	}
	m.platform.HoldingAmount += delta
	m.platform.PlatformFeeTotal += settleFee
	m.platform.UpdatedAt = time.Now()

	PlatformHoldingAmount.Set(float64(m.platform.HoldingAmount))
	PlatformFeeTotal.Set(float64(m.platform.PlatformFeeTotal))
	return nil
}

func (m *MemoryStore) PlatformHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if len(m.history) > limit {
		start = len(m.history) - limit
	}
	out := make([]*HistoryEntry, 0, len(m.history)-start)
	for _, h := range m.history[start:] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}
