// Package bank matches incoming wires to investments by reference code.
package bank

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundround/observability"
	"fundround/observability/logging"
	"fundround/services/roundd/rails"
)

var (
	// ErrInvalidSignature is returned when a bank webhook fails verification.
	ErrInvalidSignature = errors.New("bank: invalid webhook signature")
	// ErrInvalidNotification is returned for unusable wire notifications.
	ErrInvalidNotification = errors.New("bank: invalid notification")
)

// Notification is one incoming wire as reported by the bank.
type Notification struct {
	WireID     string          `json:"wireId"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Reference  string          `json:"reference"`
	Sender     string          `json:"sender,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Resolver maps a normalized reference code to an investment.
type Resolver interface {
	LookupReference(ctx context.Context, code string) (uuid.UUID, bool, error)
}

// Result is what the matcher did with a wire.
type Result string

const (
	ResultMatched   Result = "matched"
	ResultUnmatched Result = "unmatched"
)

// Matcher turns wire notifications into payment events. Amount tolerance is
// applied downstream, so every matched wire is emitted with its exact amount.
type Matcher struct {
	resolver Resolver
	sink     rails.Sink
	journal  *Journal
	secret   string
	now      func() time.Time
}

// NewMatcher wires a matcher. Webhooks are always signed, so secret is
// required.
func NewMatcher(resolver Resolver, sink rails.Sink, journal *Journal, secret string) (*Matcher, error) {
	if resolver == nil || sink == nil || journal == nil {
		return nil, fmt.Errorf("bank: resolver, sink and journal are required")
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("bank: webhook secret required")
	}
	return &Matcher{resolver: resolver, sink: sink, journal: journal, secret: secret, now: time.Now}, nil
}

// HandleWebhook verifies and decodes a bank notification, then matches it.
func (m *Matcher) HandleWebhook(ctx context.Context, body []byte, signature string) (Result, error) {
	if !verifySignature(m.secret, body, signature) {
		observability.Rails().RecordDrop(rails.RailBank, "signature")
		return "", ErrInvalidSignature
	}
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return m.Handle(ctx, n)
}

// Handle matches one wire. Wires without a recognizable reference, or whose
// reference names no investment, are journaled for an operator.
func (m *Matcher) Handle(ctx context.Context, n Notification) (Result, error) {
	n.WireID = strings.TrimSpace(n.WireID)
	n.Currency = strings.ToUpper(strings.TrimSpace(n.Currency))
	if n.WireID == "" || !n.Amount.IsPositive() || n.Currency == "" {
		return "", ErrInvalidNotification
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = m.now().UTC()
	}

	codes := ReferenceCandidates(n.Reference)
	if len(codes) == 0 {
		return m.park(ctx, n, "no_reference")
	}
	var (
		id    uuid.UUID
		found int
	)
	for _, code := range codes {
		match, ok, err := m.resolver.LookupReference(ctx, code)
		if err != nil {
			return "", err
		}
		if !ok || match == id {
			continue
		}
		id = match
		found++
	}
	switch found {
	case 0:
		return m.park(ctx, n, "unknown_reference")
	case 1:
	default:
		return m.park(ctx, n, "ambiguous_reference")
	}
	if err := m.emit(ctx, id, n); err != nil {
		return "", err
	}
	return ResultMatched, nil
}

// Assign attaches a journaled wire to an investment an operator identified.
func (m *Matcher) Assign(ctx context.Context, wireID string, investmentID uuid.UUID) error {
	n, err := m.journal.Get(wireID)
	if err != nil {
		return err
	}
	if err := m.emit(ctx, investmentID, n); err != nil {
		return err
	}
	if err := m.journal.Remove(n.WireID); err != nil && !errors.Is(err, ErrWireNotFound) {
		return err
	}
	slog.InfoContext(ctx, "fundround/bank: wire assigned by operator",
		"wire_id", n.WireID,
		"investment_id", investmentID.String())
	return nil
}

// Unmatched lists journaled wires.
func (m *Matcher) Unmatched(ctx context.Context) ([]Notification, error) {
	return m.journal.List(ctx)
}

func (m *Matcher) emit(ctx context.Context, id uuid.UUID, n Notification) error {
	event := rails.Event{
		InvestmentID:     id,
		ObservedAmount:   n.Amount,
		ObservedCurrency: n.Currency,
		RailEventID:      "wire:" + n.WireID,
		Timestamp:        n.ReceivedAt,
		Rail:             rails.RailBank,
		Kind:             rails.KindObserved,
	}
	if err := m.sink.SubmitPaymentEvent(ctx, event); err != nil {
		return err
	}
	observability.Rails().RecordSignal(rails.RailBank, string(rails.KindObserved))
	return nil
}

func (m *Matcher) park(ctx context.Context, n Notification, reason string) (Result, error) {
	added, err := m.journal.Record(n)
	if err != nil {
		return "", err
	}
	if added {
		observability.Rails().RecordDrop(rails.RailBank, reason)
		slog.WarnContext(ctx, "fundround/bank: wire could not be matched",
			"wire_id", n.WireID,
			"reason", reason,
			"amount", n.Amount.String(),
			"currency", n.Currency,
			logging.Suffix("reference", n.Reference, 4),
			logging.MaskField("sender", n.Sender))
	}
	return ResultUnmatched, nil
}

func verifySignature(secret string, body []byte, provided string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	cleaned := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(provided)), "sha256=")
	decoded, err := hex.DecodeString(cleaned)
	if err != nil || len(decoded) == 0 {
		return false
	}
	return hmac.Equal(expected, decoded)
}
