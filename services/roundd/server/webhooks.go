package server

import (
	"io"
	"net/http"
	"strings"
)

// Signature headers sent by each rail.
const (
	ipnSignatureHeader  = "X-Nowpayments-Sig"
	bankSignatureHeader = "X-Bank-Signature"
)

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "unreadable body")
		return nil, false
	}
	return body, true
}

func (s *Server) handleCryptoIPN(w http.ResponseWriter, r *http.Request) {
	if s.crypto == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rail_unavailable", "crypto rail not configured")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	accepted, err := s.crypto.HandleIPN(r.Context(), body, r.Header.Get(ipnSignatureHeader))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleBankWebhook(w http.ResponseWriter, r *http.Request) {
	if s.bank == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rail_unavailable", "bank rail not configured")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	result, err := s.bank.HandleWebhook(r.Context(), body, r.Header.Get(bankSignatureHeader))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": string(result)})
}

// handleCardWebhook takes the processor's signed token as the raw body.
func (s *Server) handleCardWebhook(w http.ResponseWriter, r *http.Request) {
	if s.card == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rail_unavailable", "card rail not configured")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	event, err := s.card.Handle(r.Context(), strings.TrimSpace(string(body)))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"investmentId": event.InvestmentID,
		"kind":         event.Kind,
		"railEventId":  event.RailEventID,
	})
}
