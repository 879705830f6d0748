package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"fundround/services/roundd/investments"
	"fundround/services/roundd/models"
	"fundround/services/roundd/rails"
)

type reserveRequest struct {
	UserID        string          `json:"userId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	round, ok := pathRound(w, r)
	if !ok {
		return
	}
	var req reserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.investments.Reserve(r.Context(), investments.ReserveRequest{
		UserID:        req.UserID,
		RoundNumber:   round,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: models.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := s.investments.Status(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListInvestments(w http.ResponseWriter, r *http.Request) {
	user := strings.TrimSpace(chi.URLParam(r, "user"))
	views, err := s.investments.ListInvestments(r.Context(), user)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"investments": views})
}

func (s *Server) handleBeginPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Asset string `json:"asset"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	instructions, err := s.investments.BeginPayment(r.Context(), id, req.Asset)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instructions)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	inv, err := s.investments.Cancel(r.Context(), id, req.Reason, "investor")
	if err != nil {
		fail(w, r, err)
		return
	}
	view, err := s.investments.Status(r.Context(), inv.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCryptoTx registers an investor-reported transaction with the
// watcher. Payment instructions must have been issued first so the deposit
// asset is known.
func (s *Server) handleCryptoTx(w http.ResponseWriter, r *http.Request) {
	if s.crypto == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rail_unavailable", "crypto rail not configured")
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		TxHash string `json:"txHash"`
		Asset  string `json:"asset"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_tx_hash", "txHash required")
		return
	}
	inv, err := s.investments.Get(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if inv.PaymentMethod != models.MethodCrypto {
		writeError(w, r, http.StatusConflict, "wrong_payment_method", "investment is not paid in crypto")
		return
	}
	if inv.DepositAsset == "" {
		writeError(w, r, http.StatusConflict, "payment_not_started", "request payment instructions first")
		return
	}
	if req.Asset != "" && !strings.EqualFold(strings.TrimSpace(req.Asset), inv.DepositAsset) {
		writeError(w, r, http.StatusUnprocessableEntity, "asset_mismatch", "asset differs from payment instructions")
		return
	}
	if err := s.crypto.Watch(r.Context(), inv.ID, inv.DepositAsset, req.TxHash); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"investmentId": inv.ID,
		"asset":        inv.DepositAsset,
		"txHash":       strings.TrimSpace(req.TxHash),
	})
}

// handlePaymentEvent is the direct ingress for already-normalized rail
// events, used by operators replaying signals.
func (s *Server) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	var ev rails.Event
	if !decodeJSON(w, r, &ev) {
		return
	}
	outcome, err := s.coordinator.ApplyPaymentEvent(r.Context(), ev)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}
