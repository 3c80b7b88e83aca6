package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyGateway fails a configured number of times before succeeding.
type flakyGateway struct {
	*Mock
	failures int
	calls    int
	failWith error
}

func (f *flakyGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return f.Mock.CreateOrder(ctx, req)
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	flaky := &flakyGateway{
		Mock:     NewMock(),
		failures: 2,
		failWith: &Error{Op: "create_order", StatusCode: 503, Message: "unavailable"},
	}
	r := NewResilient(flaky, 3, time.Millisecond)

	order, err := r.CreateOrder(context.Background(), OrderRequest{
		ReferenceID: "dep_1", Amount: 100_000, Currency: "VND",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, 3, flaky.calls)
}

func TestResilient_DoesNotRetryDomainErrors(t *testing.T) {
	flaky := &flakyGateway{
		Mock:     NewMock(),
		failures: 10,
		failWith: ErrOrderNotFound,
	}
	r := NewResilient(flaky, 3, time.Millisecond)

	_, err := r.CreateOrder(context.Background(), OrderRequest{
		ReferenceID: "dep_1", Amount: 100_000, Currency: "VND",
	})
	require.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, 1, flaky.calls)
}

func TestResilient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	flaky := &flakyGateway{
		Mock:     NewMock(),
		failures: 1000,
		failWith: &Error{Op: "create_order", StatusCode: 500, Message: "boom"},
	}
	r := NewResilient(flaky, 1, time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := r.CreateOrder(ctx, OrderRequest{ReferenceID: "dep_1", Amount: 1, Currency: "VND"})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err := r.CreateOrder(ctx, OrderRequest{ReferenceID: "dep_1", Amount: 1, Currency: "VND"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestResilient_PayoutsTripIndependentlyOfOrders(t *testing.T) {
	flaky := &flakyGateway{
		Mock:     NewMock(),
		failures: 1000,
		failWith: &Error{Op: "create_order", StatusCode: 500, Message: "boom"},
	}
	r := NewResilient(flaky, 1, time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, _ = r.CreateOrder(ctx, OrderRequest{ReferenceID: "dep_1", Amount: 1, Currency: "VND"})
	}
	// Orders circuit is open, payouts still work.
	batch, err := r.CreatePayout(ctx, PayoutRequest{
		ReferenceID: "wdr_1", Receiver: "a@b.c", Amount: 100, Currency: "VND",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, batch.BatchID)
}

func TestTransient(t *testing.T) {
	assert.True(t, transient(&Error{StatusCode: 500}))
	assert.True(t, transient(&Error{StatusCode: 429}))
	assert.True(t, transient(errors.New("connection reset")))
	assert.False(t, transient(&Error{StatusCode: 422}))
	assert.False(t, transient(ErrOrderNotPayable))
}
