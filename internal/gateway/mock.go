package gateway

import (
	"context"
	"sync"

	"github.com/coursepay/coursepay/internal/idgen"
)

// Mock is an in-memory Gateway for development mode and tests. Orders are
// payable immediately; payouts start in PENDING and can be driven through
// the status machine with SetPayoutStatus.
type Mock struct {
	mu      sync.Mutex
	orders  map[string]*mockOrder
	payouts map[string]*PayoutBatch

	// FailPayout makes CreatePayout return an error, simulating a provider
	// outage.
	FailPayout bool
}

type mockOrder struct {
	req      OrderRequest
	captured bool
}

func NewMock() *Mock {
	return &Mock{
		orders:  make(map[string]*mockOrder),
		payouts: make(map[string]*PayoutBatch),
	}
}

func (m *Mock) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := "MOCK-" + idgen.Hex(12)
	m.orders[id] = &mockOrder{req: req}
	return &Order{ID: id, ApproveURL: "https://gateway.test/approve/" + id}, nil
}

func (m *Mock) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.captured {
		return nil, ErrOrderNotPayable
	}
	o.captured = true
	return &Capture{
		Reference: "CAP-" + orderID,
		Amount:    o.req.Amount,
		Currency:  o.req.Currency,
	}, nil
}

func (m *Mock) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPayout {
		return nil, &Error{Op: "create_payout", StatusCode: 503, Message: "provider unavailable"}
	}

	// Reference reuse returns the existing batch, like a provider honoring
	// an idempotency key.
	for _, b := range m.payouts {
		if b.BatchID == "BATCH-"+req.ReferenceID {
			return b, nil
		}
	}

	b := &PayoutBatch{BatchID: "BATCH-" + req.ReferenceID, Status: PayoutPending}
	m.payouts[b.BatchID] = b
	return b, nil
}

func (m *Mock) GetPayoutStatus(ctx context.Context, batchID string) (PayoutStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.payouts[batchID]
	if !ok {
		return "", ErrPayoutNotFound
	}
	return b.Status, nil
}

// SetPayoutStatus drives a mock payout batch to the given status.
func (m *Mock) SetPayoutStatus(batchID string, status PayoutStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.payouts[batchID]; ok {
		b.Status = status
	}
}
