package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return d
}

func TestTierBoundaries(t *testing.T) {
	cases := []struct {
		amount string
		want   Tier
	}{
		{"100", TierBronze},
		{"999.99", TierBronze},
		{"1000.00", TierSilver},
		{"9999.99", TierSilver},
		{"10000.00", TierGold},
		{"2500000", TierGold},
	}
	for _, tc := range cases {
		if got := ComputeTier(dec(t, tc.amount)); got != tc.want {
			t.Fatalf("tier(%s) = %s, want %s", tc.amount, got, tc.want)
		}
	}
}

func TestThresholdConstants(t *testing.T) {
	if !MinimumInvestment.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected minimum %s", MinimumInvestment)
	}
	if !SilverThreshold.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("unexpected silver threshold %s", SilverThreshold)
	}
	if !GoldThreshold.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected gold threshold %s", GoldThreshold)
	}
}

func TestComputeSharesAndOwnership(t *testing.T) {
	shares, err := ComputeShares(dec(t, "1000"), dec(t, "10.00"))
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	if shares.StringFixed(SharePrecision) != "100.0000" {
		t.Fatalf("unexpected shares %s", shares.StringFixed(SharePrecision))
	}
	pct, err := ComputeOwnership(shares, decimal.NewFromInt(1_000_000))
	if err != nil {
		t.Fatalf("ownership: %v", err)
	}
	if pct.StringFixed(OwnershipPrecision) != "0.010000" {
		t.Fatalf("unexpected ownership %s", pct.StringFixed(OwnershipPrecision))
	}
}

func TestComputeSharesRoundsDown(t *testing.T) {
	shares, err := ComputeShares(dec(t, "100"), dec(t, "3"))
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	if shares.String() != "33.3333" {
		t.Fatalf("expected truncation to 33.3333, got %s", shares)
	}
	shares, err = ComputeShares(dec(t, "200"), dec(t, "3"))
	if err != nil {
		t.Fatalf("shares: %v", err)
	}
	if shares.String() != "66.6666" {
		t.Fatalf("expected 66.6666 rather than rounding up, got %s", shares)
	}
}

func TestComputeSharesRejectsInvalidInput(t *testing.T) {
	if _, err := ComputeShares(dec(t, "99.99"), dec(t, "1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount below minimum, got %v", err)
	}
	if _, err := ComputeShares(dec(t, "500"), decimal.Zero); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for zero price, got %v", err)
	}
	if _, err := ComputeShares(dec(t, "500"), dec(t, "-1")); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount for negative price, got %v", err)
	}
}

func TestComputeOwnershipRequiresPositiveTotal(t *testing.T) {
	if _, err := ComputeOwnership(dec(t, "10"), decimal.Zero); !errors.Is(err, ErrDivisionUndefined) {
		t.Fatalf("expected division undefined, got %v", err)
	}
}

func TestComputeOwnershipRoundsHalfUp(t *testing.T) {
	pct, err := ComputeOwnership(dec(t, "1"), dec(t, "3"))
	if err != nil {
		t.Fatalf("ownership: %v", err)
	}
	if pct.String() != "33.333333" {
		t.Fatalf("unexpected ownership %s", pct)
	}
	pct, err = ComputeOwnership(dec(t, "2"), dec(t, "3"))
	if err != nil {
		t.Fatalf("ownership: %v", err)
	}
	if pct.String() != "66.666667" {
		t.Fatalf("unexpected ownership %s", pct)
	}
}

func TestNoDriftAcrossManyInvestments(t *testing.T) {
	price := dec(t, "0.30")
	total := decimal.Zero
	for i := 0; i < 10_000; i++ {
		shares, err := ComputeShares(dec(t, "100.10"), price)
		if err != nil {
			t.Fatalf("shares: %v", err)
		}
		total = total.Add(shares)
	}
	if total.String() != "3336666" {
		t.Fatalf("unexpected accumulated shares %s", total)
	}
}

func TestNewQuote(t *testing.T) {
	q, err := NewQuote(dec(t, "12500"), dec(t, "2.5"), decimal.NewFromInt(1_000_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Tier != TierGold || q.Shares.String() != "5000" || q.Ownership.String() != "0.5" {
		t.Fatalf("unexpected quote %+v", q)
	}
}
