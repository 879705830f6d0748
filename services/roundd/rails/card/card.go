// Package card verifies signed processor signals for card payments.
package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundround/observability"
	"fundround/services/roundd/rails"
)

// Signal types sent by the processor.
const (
	SignalCapture = "capture"
	SignalDecline = "decline"
)

var (
	// ErrInvalidSignal is returned for tokens that fail verification or carry
	// unusable claims.
	ErrInvalidSignal = errors.New("card: invalid processor signal")
)

// Claims is the payload of a processor signal token.
type Claims struct {
	jwt.RegisteredClaims
	InvestmentID string `json:"investment_id"`
	Type         string `json:"type"`
	ChargeID     string `json:"charge_id"`
	Amount       string `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
}

// Config wires an Adapter.
type Config struct {
	SigningSecret string
	// Issuer is required on every token when set.
	Issuer string
	Leeway time.Duration
	Now    func() time.Time
}

// Adapter turns processor captures and declines into payment events.
type Adapter struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
	sink   rails.Sink
}

// NewAdapter validates cfg.
func NewAdapter(cfg Config, sink rails.Sink) (*Adapter, error) {
	secret := strings.TrimSpace(cfg.SigningSecret)
	if secret == "" {
		return nil, fmt.Errorf("card: signing secret required")
	}
	if sink == nil {
		return nil, fmt.Errorf("card: sink required")
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Adapter{
		secret: []byte(secret),
		issuer: strings.TrimSpace(cfg.Issuer),
		leeway: cfg.Leeway,
		now:    cfg.Now,
		sink:   sink,
	}, nil
}

// Verify checks the token signature and claims and returns the event it
// describes.
func (a *Adapter) Verify(token string) (rails.Event, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithIssuedAt(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return rails.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}

	id, err := uuid.Parse(strings.TrimSpace(claims.InvestmentID))
	if err != nil {
		return rails.Event{}, fmt.Errorf("%w: investment_id: %v", ErrInvalidSignal, err)
	}
	charge := strings.TrimSpace(claims.ChargeID)
	if charge == "" {
		return rails.Event{}, fmt.Errorf("%w: charge_id required", ErrInvalidSignal)
	}
	at := a.now().UTC()
	if claims.IssuedAt != nil {
		at = claims.IssuedAt.UTC()
	}
	event := rails.Event{
		InvestmentID: id,
		Rail:         rails.RailCard,
		Timestamp:    at,
	}
	switch strings.ToLower(strings.TrimSpace(claims.Type)) {
	case SignalCapture:
		amount, err := decimal.NewFromString(strings.TrimSpace(claims.Amount))
		if err != nil {
			return rails.Event{}, fmt.Errorf("%w: amount: %v", ErrInvalidSignal, err)
		}
		event.Kind = rails.KindObserved
		event.ObservedAmount = amount
		event.ObservedCurrency = claims.Currency
		event.RailEventID = "capture:" + charge
	case SignalDecline:
		event.Kind = rails.KindDeclined
		event.RailEventID = "decline:" + charge
	default:
		return rails.Event{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, claims.Type)
	}
	event = event.Normalize()
	if err := event.Validate(); err != nil {
		return rails.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	return event, nil
}

// Handle verifies token and forwards the resulting event.
func (a *Adapter) Handle(ctx context.Context, token string) (rails.Event, error) {
	event, err := a.Verify(token)
	if err != nil {
		observability.Rails().RecordDrop(rails.RailCard, "invalid_signal")
		return rails.Event{}, err
	}
	if err := a.sink.SubmitPaymentEvent(ctx, event); err != nil {
		return event, err
	}
	observability.Rails().RecordSignal(rails.RailCard, string(event.Kind))
	slog.InfoContext(ctx, "fundround/card: processor signal accepted",
		"investment_id", event.InvestmentID.String(),
		"kind", string(event.Kind))
	return event, nil
}
