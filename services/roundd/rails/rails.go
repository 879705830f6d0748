// Package rails defines the normalized payment signal every rail adapter
// produces. Adapters never mutate investments; they only publish events.
package rails

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rail identifiers.
const (
	RailCrypto = "crypto"
	RailBank   = "bank_transfer"
	RailCard   = "card"
)

// Kind classifies a normalized event.
type Kind string

const (
	// KindObserved reports funds seen on the rail.
	KindObserved Kind = "payment_observed"
	// KindDeclined reports the rail refused the payment.
	KindDeclined Kind = "payment_declined"
)

var (
	ErrInvalidEvent = errors.New("rails: invalid event")
	ErrUnknownRail  = errors.New("rails: unknown rail")
	// ErrUnknownInvestment is returned by sinks for events that reference no
	// investment. Adapters stop redelivering such events.
	ErrUnknownInvestment = errors.New("rails: unknown investment")
)

// Permanent reports whether a sink error will never succeed on redelivery.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrUnknownRail) || errors.Is(err, ErrUnknownInvestment)
}

// Event is the common shape all adapters emit. Delivery is at-least-once.
type Event struct {
	InvestmentID     uuid.UUID       `json:"investmentId"`
	ObservedAmount   decimal.Decimal `json:"observedAmount"`
	ObservedCurrency string          `json:"observedCurrency"`
	RailEventID      string          `json:"railEventId"`
	Timestamp        time.Time       `json:"timestamp"`
	Rail             string          `json:"rail"`
	Kind             Kind            `json:"kind"`
}

// Normalize upper-cases the currency and defaults the kind.
func (e Event) Normalize() Event {
	e.ObservedCurrency = strings.ToUpper(strings.TrimSpace(e.ObservedCurrency))
	e.RailEventID = strings.TrimSpace(e.RailEventID)
	e.Rail = strings.ToLower(strings.TrimSpace(e.Rail))
	if e.Kind == "" {
		e.Kind = KindObserved
	}
	return e
}

// Validate checks the fields the coordinator relies on.
func (e Event) Validate() error {
	if e.InvestmentID == uuid.Nil || e.RailEventID == "" {
		return ErrInvalidEvent
	}
	switch e.Rail {
	case RailCrypto, RailBank, RailCard:
	default:
		return ErrUnknownRail
	}
	switch e.Kind {
	case KindObserved:
		if !e.ObservedAmount.IsPositive() || e.ObservedCurrency == "" {
			return ErrInvalidEvent
		}
	case KindDeclined:
	default:
		return ErrInvalidEvent
	}
	return nil
}

// Sink receives normalized events.
type Sink interface {
	SubmitPaymentEvent(ctx context.Context, event Event) error
}

// Deposit tells an investor where to send on-chain funds. Address belongs to
// a single investment; Currency is what the asset settles against.
type Deposit struct {
	Asset    string
	Chain    string
	Address  string
	Currency string
}
