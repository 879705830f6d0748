// Package notify delivers investor notifications. Delivery is best effort and
// never feeds back into investment state.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fundround/services/roundd/dispatch"
)

// Event types emitted by the engine.
const (
	EventReserved     = "investment.reserved"
	EventAwaiting     = "investment.awaiting_payment"
	EventConfirmed    = "investment.confirmed"
	EventExpired      = "investment.expired"
	EventCancelled    = "investment.cancelled"
	EventRefunded     = "investment.refunded"
	EventReviewOpened = "investment.review_opened"
)

// Sink receives a notification for a user.
type Sink interface {
	Notify(ctx context.Context, userID, eventType string, payload map[string]any) error
}

// Message is the envelope delivered to webhook and websocket subscribers.
type Message struct {
	UserID    string         `json:"userId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(context.Context, string, string, map[string]any) error { return nil }

// Multi fans a notification out to several sinks and joins their errors.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, userID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands notifications to a worker pool and returns immediately. Failures
// are logged only.
type Async struct {
	next Sink
	pool *dispatch.Pool
}

// NewAsync wraps next so callers never wait on delivery.
func NewAsync(next Sink, pool *dispatch.Pool) *Async {
	return &Async{next: next, pool: pool}
}

// Notify implements Sink. It only fails when the pool refuses the task.
func (a *Async) Notify(_ context.Context, userID, eventType string, payload map[string]any) error {
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return a.pool.Go("notify", func(ctx context.Context) {
		if err := a.next.Notify(ctx, userID, eventType, copied); err != nil {
			slog.Warn("fundround/notify: delivery failed", "event", eventType, "error", err)
		}
	})
}
