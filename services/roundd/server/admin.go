package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fundround/services/roundd/ledger"
	"fundround/services/roundd/models"
	"fundround/services/roundd/recon"
)

type roundView struct {
	Number             uint64             `json:"number"`
	Status             models.RoundStatus `json:"status"`
	Currency           string             `json:"currency"`
	SharePrice         decimal.Decimal    `json:"sharePrice"`
	TotalShares        decimal.Decimal    `json:"totalShares"`
	SharesReserved     decimal.Decimal    `json:"sharesReserved"`
	SharesConfirmed    decimal.Decimal    `json:"sharesConfirmed"`
	ReleasedAfterClose decimal.Decimal    `json:"releasedAfterClose"`
	Available          decimal.Decimal    `json:"available"`
	CloseReason        string             `json:"closeReason,omitempty"`
	OpenedAt           time.Time          `json:"openedAt"`
	ClosedAt           *time.Time         `json:"closedAt,omitempty"`
}

func viewRound(round models.Round) roundView {
	return roundView{
		Number:             round.Number,
		Status:             round.Status,
		Currency:           round.Currency,
		SharePrice:         round.SharePrice,
		TotalShares:        round.TotalShares,
		SharesReserved:     round.SharesReserved,
		SharesConfirmed:    round.SharesConfirmed,
		ReleasedAfterClose: round.ReleasedAfterClose,
		Available:          round.Available(),
		CloseReason:        round.CloseReason,
		OpenedAt:           round.OpenedAt,
		ClosedAt:           round.ClosedAt,
	}
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := s.ledger.Rounds(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	views := make([]roundView, 0, len(rounds))
	for _, round := range rounds {
		views = append(views, viewRound(round))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": views})
}

func (s *Server) handleOpenRound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency    string          `json:"currency"`
		SharePrice  decimal.Decimal `json:"sharePrice"`
		TotalShares decimal.Decimal `json:"totalShares"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	round, err := s.ledger.OpenRound(r.Context(), ledger.RoundSpec{
		Currency:    req.Currency,
		SharePrice:  req.SharePrice,
		TotalShares: req.TotalShares,
		Actor:       operator(r),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewRound(round))
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	number, ok := pathRound(w, r)
	if !ok {
		return
	}
	round, err := s.ledger.Round(r.Context(), number)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRound(round))
}

func (s *Server) handleCloseRound(w http.ResponseWriter, r *http.Request) {
	number, ok := pathRound(w, r)
	if !ok {
		return
	}
	round, err := s.ledger.CloseRound(r.Context(), number, operator(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRound(round))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason_required", "refund reason required")
		return
	}
	inv, err := s.investments.Refund(r.Context(), id, req.Reason, operator(r))
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

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	state := models.ReviewState(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state"))))
	if state == "" {
		state = models.ReviewOpen
	}
	switch state {
	case models.ReviewOpen, models.ReviewApproved, models.ReviewRejected:
	default:
		writeError(w, r, http.StatusBadRequest, "invalid_state", "unknown review state")
		return
	}
	reviews, err := s.coordinator.Reviews().List(r.Context(), state)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var decision recon.Decision
	if !decodeJSON(w, r, &decision) {
		return
	}
	if strings.TrimSpace(decision.Operator) == "" {
		decision.Operator = operator(r)
	}
	review, err := s.coordinator.Reviews().Resolve(r.Context(), id, decision)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) handleListUnmatched(w http.ResponseWriter, r *http.Request) {
	if s.bank == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rail_unavailable", "bank rail not configured")
		return
	}
	wires, err := s.bank.Unmatched(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wires": wires})
}

func (s *Server) handleAssignWire(w http.ResponseWriter, r *http.Request) {
	if s.bank == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rail_unavailable", "bank rail not configured")
		return
	}
	var req struct {
		InvestmentID uuid.UUID `json:"investmentId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.InvestmentID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "investmentId required")
		return
	}
	wire := chi.URLParam(r, "wire")
	if err := s.bank.Assign(r.Context(), wire, req.InvestmentID); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"wireId": wire, "investmentId": req.InvestmentID.String()})
}
