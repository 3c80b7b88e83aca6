package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coursepay/coursepay/internal/circuitbreaker"
	"github.com/coursepay/coursepay/internal/retry"
)

// Breaker keys. Orders and payouts trip independently: a PayPal payout API
// outage should not block deposit captures.
const (
	keyOrders  = "orders"
	keyPayouts = "payouts"
)

// Resilient wraps a Gateway with retries and a circuit breaker. Transient
// provider errors (5xx, network) are retried with backoff; domain errors
// like ErrOrderNotPayable pass through untouched so callers keep their
// idempotency handling.
type Resilient struct {
	inner    Gateway
	breaker  *circuitbreaker.Breaker
	attempts int
	delay    time.Duration
}

// ErrCircuitOpen is returned while the breaker rejects calls to the provider.
var ErrCircuitOpen = errors.New("gateway circuit open")

// NewResilient wraps gw. attempts <= 1 disables retries.
func NewResilient(gw Gateway, attempts int, delay time.Duration) *Resilient {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Resilient{
		inner:    gw,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: attempts,
		delay:    delay,
	}
}

// transient reports whether err is worth retrying.
func transient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.StatusCode == 0 || gwErr.StatusCode == 429 || gwErr.StatusCode >= 500
	}
	// Domain sentinels are definitive answers from the provider.
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrOrderNotPayable) || errors.Is(err, ErrPayoutNotFound) {
		return false
	}
	// Unwrapped errors are assumed to be transport failures.
	return true
}

func (r *Resilient) call(ctx context.Context, key string, fn func() error) error {
	if !r.breaker.Allow(key) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	err := retry.Do(ctx, r.attempts, r.delay, func() error {
		callErr := fn()
		if callErr != nil && !transient(callErr) {
			return retry.Permanent(callErr)
		}
		return callErr
	})

	// A definitive provider answer is a healthy provider.
	if err == nil || !transient(err) {
		r.breaker.RecordSuccess(key)
		return err
	}
	r.breaker.RecordFailure(key)
	return err
}

func (r *Resilient) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var out *Order
	err := r.call(ctx, keyOrders, func() error {
		var callErr error
		out, callErr = r.inner.CreateOrder(ctx, req)
		return callErr
	})
	return out, err
}

func (r *Resilient) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	var out *Capture
	err := r.call(ctx, keyOrders, func() error {
		var callErr error
		out, callErr = r.inner.CaptureOrder(ctx, orderID)
		return callErr
	})
	return out, err
}

func (r *Resilient) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutBatch, error) {
	var out *PayoutBatch
	err := r.call(ctx, keyPayouts, func() error {
		var callErr error
		out, callErr = r.inner.CreatePayout(ctx, req)
		return callErr
	})
	return out, err
}

func (r *Resilient) GetPayoutStatus(ctx context.Context, batchID string) (PayoutStatus, error) {
	var out PayoutStatus
	err := r.call(ctx, keyPayouts, func() error {
		var callErr error
		out, callErr = r.inner.GetPayoutStatus(ctx, batchID)
		return callErr
	})
	return out, err
}
