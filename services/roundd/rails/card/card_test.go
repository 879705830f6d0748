package card

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fundround/services/roundd/rails"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func signClaims(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func baseClaims(id uuid.UUID, kind string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "processor",
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(testNow.Add(5 * time.Minute)),
		},
		InvestmentID: id.String(),
		Type:         kind,
		ChargeID:     "ch_123",
		Amount:       "1000.00",
		Currency:     "usd",
	}
}

type captureSink struct{ events []rails.Event }

func (c *captureSink) SubmitPaymentEvent(_ context.Context, ev rails.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	adapter, err := NewAdapter(Config{
		SigningSecret: "card-secret",
		Issuer:        "processor",
		Now:           func() time.Time { return testNow },
	}, sink)
	require.NoError(t, err)
	return adapter, sink
}

func TestCaptureBecomesObservedEvent(t *testing.T) {
	adapter, sink := newTestAdapter(t)
	id := uuid.New()

	event, err := adapter.Handle(context.Background(), signClaims(t, "card-secret", baseClaims(id, SignalCapture)))
	require.NoError(t, err)
	require.Len(t, sink.events, 1)
	require.Equal(t, id, event.InvestmentID)
	require.Equal(t, rails.KindObserved, event.Kind)
	require.Equal(t, "capture:ch_123", event.RailEventID)
	require.Equal(t, "USD", event.ObservedCurrency)
	require.Equal(t, "1000", event.ObservedAmount.String())
	require.Equal(t, testNow.Add(-time.Minute), event.Timestamp)
}

func TestDeclineBecomesDeclinedEvent(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	claims := baseClaims(uuid.New(), SignalDecline)
	claims.Amount = ""

	event, err := adapter.Verify(signClaims(t, "card-secret", claims))
	require.NoError(t, err)
	require.Equal(t, rails.KindDeclined, event.Kind)
	require.Equal(t, "decline:ch_123", event.RailEventID)
}

func TestRejectsForgedOrMalformedSignals(t *testing.T) {
	adapter, sink := newTestAdapter(t)
	id := uuid.New()

	_, err := adapter.Handle(context.Background(), signClaims(t, "other-secret", baseClaims(id, SignalCapture)))
	require.ErrorIs(t, err, ErrInvalidSignal)

	wrongIssuer := baseClaims(id, SignalCapture)
	wrongIssuer.Issuer = "mallory"
	_, err = adapter.Verify(signClaims(t, "card-secret", wrongIssuer))
	require.ErrorIs(t, err, ErrInvalidSignal)

	expired := baseClaims(id, SignalCapture)
	expired.ExpiresAt = jwt.NewNumericDate(testNow.Add(-time.Hour))
	_, err = adapter.Verify(signClaims(t, "card-secret", expired))
	require.ErrorIs(t, err, ErrInvalidSignal)

	unknown := baseClaims(id, "refund")
	_, err = adapter.Verify(signClaims(t, "card-secret", unknown))
	require.ErrorIs(t, err, ErrInvalidSignal)

	badAmount := baseClaims(id, SignalCapture)
	badAmount.Amount = "-5"
	_, err = adapter.Verify(signClaims(t, "card-secret", badAmount))
	require.ErrorIs(t, err, ErrInvalidSignal)

	require.Empty(t, sink.events)
}
