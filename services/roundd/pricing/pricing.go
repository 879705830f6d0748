// Package pricing converts invested amounts into shares, ownership and tier.
// Every function is pure and works on decimal values only.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	// SharePrecision is the number of fractional digits kept on share counts.
	SharePrecision int32 = 4
	// OwnershipPrecision is the number of fractional digits kept on percentages.
	OwnershipPrecision int32 = 6
)

var (
	// MinimumInvestment is the smallest amount accepted, in round currency units.
	MinimumInvestment = decimal.NewFromInt(100)
	// SilverThreshold is the first amount classified as silver.
	SilverThreshold = decimal.NewFromInt(1_000)
	// GoldThreshold is the first amount classified as gold.
	GoldThreshold = decimal.NewFromInt(10_000)

	hundred = decimal.NewFromInt(100)
)

var (
	ErrInvalidAmount     = errors.New("pricing: invalid amount")
	ErrDivisionUndefined = errors.New("pricing: division undefined")
)

// Tier is the benefit class derived from the invested amount.
type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// ComputeShares returns amount / sharePrice truncated to four decimals so the
// round is never over-allocated by rounding.
func ComputeShares(amount, sharePrice decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThan(MinimumInvestment) {
		return decimal.Zero, ErrInvalidAmount
	}
	if !sharePrice.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	quotient, _ := amount.QuoRem(sharePrice, SharePrecision)
	return quotient, nil
}

// ComputeOwnership returns shares as a percentage of the company's total shares,
// rounded half-up to six decimals.
func ComputeOwnership(shares, totalCompanyShares decimal.Decimal) (decimal.Decimal, error) {
	if !totalCompanyShares.IsPositive() {
		return decimal.Zero, ErrDivisionUndefined
	}
	return shares.Mul(hundred).DivRound(totalCompanyShares, OwnershipPrecision), nil
}

// ComputeTier classifies an amount. Amounts under the minimum report bronze;
// the minimum itself is enforced by ComputeShares.
func ComputeTier(amount decimal.Decimal) Tier {
	switch {
	case amount.GreaterThanOrEqual(GoldThreshold):
		return TierGold
	case amount.GreaterThanOrEqual(SilverThreshold):
		return TierSilver
	default:
		return TierBronze
	}
}

// Quote bundles the derived figures for a prospective investment.
type Quote struct {
	Shares    decimal.Decimal
	Ownership decimal.Decimal
	Tier      Tier
}

// NewQuote computes shares, ownership and tier in one call.
func NewQuote(amount, sharePrice, totalCompanyShares decimal.Decimal) (Quote, error) {
	shares, err := ComputeShares(amount, sharePrice)
	if err != nil {
		return Quote{}, err
	}
	ownership, err := ComputeOwnership(shares, totalCompanyShares)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Shares: shares, Ownership: ownership, Tier: ComputeTier(amount)}, nil
}
