// Package notify delivers user-facing notifications emitted by the financial
// core. Delivery is best effort: a sink failure is logged and swallowed,
// never propagated into a money-moving code path.
package notify

import (
	"context"
	"log/slog"
)

// Event is a notification about a financial state change.
type Event struct {
	UserID string            `json:"userId"`
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Event types emitted by the services.
const (
	TypeDepositCompleted = "deposit.completed"
	TypePurchaseComplete = "purchase.completed"
	TypeEarningReleased  = "earning.released"
	TypeRefundRequested  = "refund.requested"
	TypeRefundDecided    = "refund.decided"
	TypeRefundSettled    = "refund.settled"
	TypeWithdrawalPaid   = "withdrawal.paid"
	TypeWithdrawalFailed = "withdrawal.failed"
)

// Sink receives events. Implementations should be fast or internally async.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log. Default in development.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "notification",
		"user_id", ev.UserID,
		"type", ev.Type,
		"title", ev.Title,
	)
	return nil
}

// Fanout delivers to every sink, logging individual failures.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	for _, s := range f.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			f.logger.WarnContext(ctx, "notification sink failed",
				"type", ev.Type, "user_id", ev.UserID, "error", err)
		}
	}
	return nil
}

// Send is the helper services call after a committed state change. It never
// returns an error and never panics the caller on a nil sink.
func Send(ctx context.Context, sink Sink, logger *slog.Logger, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, ev); err != nil && logger != nil {
		logger.WarnContext(ctx, "notification failed",
			"type", ev.Type, "user_id", ev.UserID, "error", err)
	}
}
