// Package webhooks delivers financial lifecycle events to external HTTP
// endpoints. A marketplace backend subscribes a URL to event types such as
// purchase.completed or withdrawal.paid and receives signed JSON payloads.
//
// The Dispatcher implements notify.Sink, so it plugs into the same fanout
// as the realtime hub and the structured log.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/security"
)

var (
	deliveryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by event type.",
	}, []string{"event_type"})

	deliveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "webhook",
		Name:      "delivery_errors_total",
		Help:      "Total failed webhook deliveries by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(deliveryTotal, deliveryErrors)
}

// Event is the payload POSTed to subscriber endpoints.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      map[string]string `json:"data"`
}

// Subscription binds an endpoint URL to a set of event types.
type Subscription struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures,omitempty"`
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and endpoint health tracking.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MaxFailures is the consecutive-failure count after which a
	// subscription is deactivated. Zero disables deactivation.
	MaxFailures int
}

// DefaultRetryConfig retries three times with exponential backoff and
// deactivates an endpoint after 25 consecutive failed events.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxFailures: 25,
	}
}

// Dispatcher sends events to all matching subscriptions. Delivery is
// asynchronous so money-moving code paths never block on a slow endpoint.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	retry        RetryConfig
	urlValidator func(string) error

	mu sync.Mutex // serializes subscription health updates
}

// NewDispatcher creates a dispatcher with default retry behavior.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, logger, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry behavior.
func NewDispatcherWithRetry(store Store, logger *slog.Logger, retry RetryConfig) *Dispatcher {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		retry:        retry,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Notify implements notify.Sink. The event fans out to every active
// subscription registered for its type.
func (d *Dispatcher) Notify(ctx context.Context, ev notify.Event) error {
	data := map[string]string{
		"userId": ev.UserID,
		"title":  ev.Title,
		"body":   ev.Body,
	}
	for k, v := range ev.Meta {
		data[k] = v
	}
	return d.Dispatch(ctx, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      ev.Type,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Dispatch sends an event to all active subscribers of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		deliveryTotal.WithLabelValues(event.Type).Inc()
		go d.send(sub, event)
	}
	return nil
}

// send runs in its own goroutine with a fresh context so delivery
// survives the request that triggered the event.
func (d *Dispatcher) send(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, event.Type, "marshal event: "+err.Error())
		return
	}

	delay := d.retry.BaseDelay
	var lastErr string
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				d.recordFailure(ctx, sub, event.Type, lastErr)
				return
			}
			delay *= 2
			if d.retry.MaxDelay > 0 && delay > d.retry.MaxDelay {
				delay = d.retry.MaxDelay
			}
		}
		lastErr = d.attempt(ctx, sub, event, payload)
		if lastErr == "" {
			d.recordSuccess(ctx, sub)
			return
		}
	}
	d.recordFailure(ctx, sub, event.Type, lastErr)
}

// attempt performs one delivery. Empty return means success.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, event *Event, payload []byte) string {
	if err := d.urlValidator(sub.URL); err != nil {
		return "endpoint rejected: " + err.Error()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return "build request: " + err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CoursePay-Event", event.Type)
	req.Header.Set("X-CoursePay-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-CoursePay-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "request failed: " + err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("status %d", resp.StatusCode)
	}
	return ""
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Subscribers
// verify deliveries by recomputing it over the raw request body.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook subscription update failed", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, eventType, errMsg string) {
	deliveryErrors.WithLabelValues(eventType).Inc()
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if d.retry.MaxFailures > 0 && sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
		d.logger.Warn("webhook subscription deactivated",
			"id", sub.ID, "url", sub.URL, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("webhook subscription update failed", "id", sub.ID, "error", err)
	}
	d.logger.Warn("webhook delivery failed", "id", sub.ID, "event", eventType, "error", errMsg)
}

// MemoryStore keeps subscriptions in memory. Used in development mode
// and in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", id)
	}
	return sub, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, sub)
	}
	return out, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
