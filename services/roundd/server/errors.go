package server

import (
	"net/http"

	"fundround/services/roundd/investments"
	"fundround/services/roundd/kyc"
	"fundround/services/roundd/ledger"
	"fundround/services/roundd/rails"
	"fundround/services/roundd/rails/bank"
	"fundround/services/roundd/rails/card"
	"fundround/services/roundd/rails/crypto"
	"fundround/services/roundd/recon"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// Checked in order; the first match wins.
var errorTable = []errorMapping{
	{investments.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{investments.ErrInvalidCurrency, http.StatusBadRequest, "invalid_currency"},
	{investments.ErrInvalidMethod, http.StatusBadRequest, "invalid_payment_method"},
	{investments.ErrInvalidUser, http.StatusBadRequest, "invalid_user"},
	{ledger.ErrInvalidRound, http.StatusBadRequest, "invalid_round"},
	{rails.ErrInvalidEvent, http.StatusBadRequest, "invalid_event"},
	{rails.ErrUnknownRail, http.StatusBadRequest, "unknown_rail"},
	{recon.ErrInvalidDecision, http.StatusBadRequest, "invalid_decision"},
	{crypto.ErrUnknownAsset, http.StatusBadRequest, "unknown_asset"},
	{crypto.ErrInvalidNotification, http.StatusBadRequest, "invalid_notification"},
	{bank.ErrInvalidNotification, http.StatusBadRequest, "invalid_notification"},

	{crypto.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{bank.ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{card.ErrInvalidSignal, http.StatusUnauthorized, "invalid_signal"},

	{investments.ErrKycRequired, http.StatusForbidden, "kyc_required"},
	{investments.ErrLimitExceeded, http.StatusForbidden, "limit_exceeded"},

	{investments.ErrNotFound, http.StatusNotFound, "investment_not_found"},
	{rails.ErrUnknownInvestment, http.StatusNotFound, "investment_not_found"},
	{ledger.ErrRoundNotFound, http.StatusNotFound, "round_not_found"},
	{ledger.ErrNoOpenRound, http.StatusNotFound, "no_open_round"},
	{recon.ErrReviewNotFound, http.StatusNotFound, "review_not_found"},
	{bank.ErrWireNotFound, http.StatusNotFound, "wire_not_found"},

	{ledger.ErrInsufficientShares, http.StatusConflict, "insufficient_shares"},
	{ledger.ErrRoundClosed, http.StatusConflict, "round_closed"},
	{ledger.ErrRoundAlreadyOpen, http.StatusConflict, "round_already_open"},
	{investments.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{investments.ErrConcurrentUpdate, http.StatusConflict, "concurrent_update"},
	{crypto.ErrNotBound, http.StatusConflict, "payment_not_started"},
	{recon.ErrReviewResolved, http.StatusConflict, "review_resolved"},
	{recon.ErrReviewNotActionable, http.StatusConflict, "review_not_actionable"},

	{investments.ErrCurrencyMismatch, http.StatusUnprocessableEntity, "currency_mismatch"},
	{crypto.ErrAssetMismatch, http.StatusUnprocessableEntity, "asset_mismatch"},
	{investments.ErrDepositUnavailable, http.StatusUnprocessableEntity, "deposit_unavailable"},

	{kyc.ErrUnavailable, http.StatusServiceUnavailable, "kyc_unavailable"},
}
