package investments

import (
	"errors"

	"fundround/services/roundd/ledger"
	"fundround/services/roundd/pricing"
)

// Typed failures surfaced to callers. Ledger and pricing errors are re-exported
// so callers can match them without importing those packages.
var (
	ErrInsufficientShares = ledger.ErrInsufficientShares
	ErrRoundClosed        = ledger.ErrRoundClosed
	ErrRoundNotFound      = ledger.ErrRoundNotFound
	ErrInvalidAmount      = pricing.ErrInvalidAmount

	ErrInvalidStateTransition = errors.New("investments: invalid state transition")
	ErrNotFound               = errors.New("investments: investment not found")
	ErrKycRequired            = errors.New("investments: kyc required")
	ErrLimitExceeded          = errors.New("investments: daily limit exceeded")
	ErrInvalidCurrency        = errors.New("investments: invalid currency")
	ErrCurrencyMismatch       = errors.New("investments: currency does not match round")
	ErrInvalidMethod          = errors.New("investments: invalid payment method")
	ErrInvalidUser            = errors.New("investments: user id required")
	ErrConcurrentUpdate       = errors.New("investments: concurrent update")
	ErrDepositUnavailable     = errors.New("investments: no deposit address for asset")
)
