package bank

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundround/services/roundd/rails"
)

func TestReferenceCodeIsStable(t *testing.T) {
	id := uuid.MustParse("7f1b2c3d-0000-4000-8000-000000000001")
	code := ReferenceCode(id)
	require.Equal(t, code, ReferenceCode(id))
	require.Regexp(t, regexp.MustCompile(`^FR-[A-Z2-7]{4}-[A-Z2-7]{4}$`), code)
	require.NotEqual(t, code, ReferenceCode(uuid.New()))
}

func TestReferenceCandidates(t *testing.T) {
	code := ReferenceCode(uuid.New())
	compact := code[:2] + code[3:7] + code[8:]
	cases := []struct {
		in   string
		want []string
	}{
		{code, []string{code}},
		{"payment " + code + " thanks", []string{code}},
		{"FROM ACME LTD ref " + compact, []string{code}},
		{"fr " + code[3:7] + " " + code[8:], []string{code}},
		{code + " again " + code, []string{code}},
		{"FRIENDSHIP fund FR-GQNQ-2QP5", []string{"FR-IEND-SHIP", "FR-GQNQ-2QP5"}},
		{"invoice 2024-77", nil},
		{"", nil},
	}
	for _, tc := range cases {
		got := ReferenceCandidates(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("ReferenceCandidates(%q) = %q, want %q", tc.in, got, tc.want)
		}
		for i := range got {
			require.Equal(t, tc.want[i], got[i], "candidate %d of %q", i, tc.in)
		}
	}
}

type mapResolver map[string]uuid.UUID

func (m mapResolver) LookupReference(_ context.Context, code string) (uuid.UUID, bool, error) {
	id, ok := m[code]
	return id, ok, nil
}

type captureSink struct {
	events []rails.Event
}

func (c *captureSink) SubmitPaymentEvent(_ context.Context, ev rails.Event) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestMatcher(t *testing.T, resolver Resolver, secret string) (*Matcher, *captureSink) {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "wires"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	sink := &captureSink{}
	matcher, err := NewMatcher(resolver, sink, journal, secret)
	require.NoError(t, err)
	return matcher, sink
}

func TestMatcherEmitsMatchedWires(t *testing.T) {
	id := uuid.New()
	code := ReferenceCode(id)
	matcher, sink := newTestMatcher(t, mapResolver{code: id}, "bank-secret")

	received := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	result, err := matcher.Handle(context.Background(), Notification{
		WireID:     "W-1001",
		Amount:     decimal.RequireFromString("9995.00"),
		Currency:   "usd",
		Reference:  "INVEST " + code[:2] + " " + code[3:],
		ReceivedAt: received,
	})
	require.NoError(t, err)
	require.Equal(t, ResultMatched, result)
	require.Len(t, sink.events, 1)

	ev := sink.events[0]
	require.Equal(t, id, ev.InvestmentID)
	require.Equal(t, rails.RailBank, ev.Rail)
	require.Equal(t, "wire:W-1001", ev.RailEventID)
	require.Equal(t, "USD", ev.ObservedCurrency)
	require.True(t, ev.ObservedAmount.Equal(decimal.NewFromInt(9995)), "wire amount is passed through unchanged")
	require.Equal(t, received, ev.Timestamp)
}

func TestMatcherJournalsUnmatchedWires(t *testing.T) {
	ctx := context.Background()
	matcher, sink := newTestMatcher(t, mapResolver{}, "bank-secret")

	wire := Notification{WireID: "W-2", Amount: decimal.NewFromInt(500), Currency: "USD", Reference: "gift for bob"}
	result, err := matcher.Handle(ctx, wire)
	require.NoError(t, err)
	require.Equal(t, ResultUnmatched, result)

	// redelivery does not duplicate the journal entry
	_, err = matcher.Handle(ctx, wire)
	require.NoError(t, err)

	unknown := Notification{WireID: "W-3", Amount: decimal.NewFromInt(10), Currency: "USD", Reference: ReferenceCode(uuid.New())}
	result, err = matcher.Handle(ctx, unknown)
	require.NoError(t, err)
	require.Equal(t, ResultUnmatched, result)

	parked, err := matcher.Unmatched(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	require.Empty(t, sink.events)

	target := uuid.New()
	require.NoError(t, matcher.Assign(ctx, "W-2", target))
	require.Len(t, sink.events, 1)
	require.Equal(t, target, sink.events[0].InvestmentID)
	require.Equal(t, "wire:W-2", sink.events[0].RailEventID)

	parked, err = matcher.Unmatched(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	require.Equal(t, "W-3", parked[0].WireID)

	require.ErrorIs(t, matcher.Assign(ctx, "W-2", target), ErrWireNotFound)
}

func TestMatcherRejectsInvalidInput(t *testing.T) {
	matcher, _ := newTestMatcher(t, mapResolver{}, "bank-secret")
	ctx := context.Background()

	_, err := matcher.Handle(ctx, Notification{WireID: "W", Amount: decimal.Zero, Currency: "USD"})
	require.ErrorIs(t, err, ErrInvalidNotification)

	body := []byte(`{"wireId":"W-9","amount":"100.00","currency":"USD","reference":"none"}`)
	_, err = matcher.HandleWebhook(ctx, body, "deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)

	mac := hmac.New(sha256.New, []byte("bank-secret"))
	mac.Write(body)
	result, err := matcher.HandleWebhook(ctx, body, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	require.NoError(t, err)
	require.Equal(t, ResultUnmatched, result)
}

func TestMatcherResolvesEveryCandidate(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	code := ReferenceCode(id)
	matcher, sink := newTestMatcher(t, mapResolver{code: id}, "bank-secret")

	result, err := matcher.Handle(ctx, Notification{
		WireID:    "W-7",
		Amount:    decimal.NewFromInt(1000),
		Currency:  "USD",
		Reference: "FRIENDSHIP fund " + code,
	})
	require.NoError(t, err)
	require.Equal(t, ResultMatched, result)
	require.Len(t, sink.events, 1)
	require.Equal(t, id, sink.events[0].InvestmentID)

	other := uuid.New()
	both := mapResolver{code: id, ReferenceCode(other): other}
	ambiguous, sink := newTestMatcher(t, both, "bank-secret")
	result, err = ambiguous.Handle(ctx, Notification{
		WireID:    "W-8",
		Amount:    decimal.NewFromInt(1000),
		Currency:  "USD",
		Reference: code + " and " + ReferenceCode(other),
	})
	require.NoError(t, err)
	require.Equal(t, ResultUnmatched, result, "a wire naming two investments goes to an operator")
	require.Empty(t, sink.events)
}

func TestNewMatcherRequiresSecret(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "wires"))
	require.NoError(t, err)
	defer journal.Close()

	for _, secret := range []string{"", "   "} {
		if _, err := NewMatcher(mapResolver{}, &captureSink{}, journal, secret); err == nil {
			t.Fatalf("expected secret %q to be refused", secret)
		}
	}
	require.False(t, verifySignature("", []byte(`{}`), ""))
}
