// Package server exposes the investor, webhook and operator HTTP API.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"fundround/services/roundd/investments"
	"fundround/services/roundd/ledger"
	"fundround/services/roundd/notify"
	"fundround/services/roundd/rails/bank"
	"fundround/services/roundd/rails/card"
	"fundround/services/roundd/rails/crypto"
	"fundround/services/roundd/recon"
)

const maxBodyBytes = 1 << 20

// Config captures the dependencies required to construct the server. Rails
// left nil answer their routes with 503.
type Config struct {
	DB          *gorm.DB
	Investments *investments.Service
	Ledger      *ledger.Ledger
	Coordinator *recon.Coordinator
	Crypto      *crypto.Watcher
	Bank        *bank.Matcher
	Card        *card.Adapter
	Hub         *notify.Hub
	AdminToken  string
	// Ping reports storage health for /healthz.
	Ping func() error
}

// Server holds the HTTP handlers.
type Server struct {
	db          *gorm.DB
	investments *investments.Service
	ledger      *ledger.Ledger
	coordinator *recon.Coordinator
	crypto      *crypto.Watcher
	bank        *bank.Matcher
	card        *card.Adapter
	hub         *notify.Hub
	adminToken  string
	ping        func() error

	router http.Handler
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil || cfg.Investments == nil || cfg.Ledger == nil || cfg.Coordinator == nil {
		return nil, errors.New("server: db, investments, ledger and coordinator are required")
	}
	s := &Server{
		db:          cfg.DB,
		investments: cfg.Investments,
		ledger:      cfg.Ledger,
		coordinator: cfg.Coordinator,
		crypto:      cfg.Crypto,
		bank:        cfg.Bank,
		card:        cfg.Card,
		hub:         cfg.Hub,
		adminToken:  strings.TrimSpace(cfg.AdminToken),
		ping:        cfg.Ping,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured router wrapped in otel instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "roundd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(investor chi.Router) {
			investor.Use(func(next http.Handler) http.Handler { return withIdempotency(s.db, next) })
			investor.Post("/rounds/{round}/reservations", s.handleReserve)
			investor.Post("/investments/{id}/payment", s.handleBeginPayment)
			investor.Post("/investments/{id}/cancel", s.handleCancel)
			investor.Post("/investments/{id}/crypto-tx", s.handleCryptoTx)
		})
		api.Get("/investments/{id}", s.handleStatus)
		api.Get("/users/{user}/investments", s.handleListInvestments)
		api.Get("/ws/users/{user}", s.handleStatusStream)
		api.With(s.requireAdmin).Post("/payments/events", s.handlePaymentEvent)

		api.Route("/webhooks", func(hooks chi.Router) {
			hooks.Post("/crypto/ipn", s.handleCryptoIPN)
			hooks.Post("/bank", s.handleBankWebhook)
			hooks.Post("/card", s.handleCardWebhook)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Get("/rounds", s.handleListRounds)
			admin.Post("/rounds", s.handleOpenRound)
			admin.Get("/rounds/{round}", s.handleGetRound)
			admin.Post("/rounds/{round}/close", s.handleCloseRound)
			admin.Post("/investments/{id}/refund", s.handleRefund)
			admin.Get("/reviews", s.handleListReviews)
			admin.Post("/reviews/{id}/resolve", s.handleResolveReview)
			admin.Get("/bank/unmatched", s.handleListUnmatched)
			admin.Post("/bank/unmatched/{wire}/assign", s.handleAssignWire)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(); err != nil {
			slog.WarnContext(r.Context(), "fundround/server: health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin enforces the operator bearer token. Without a configured
// token the operator surface is closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, r, http.StatusForbidden, "admin_disabled", "operator API not configured")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// operator names the human behind an admin call for the audit trail.
func operator(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-Operator")); name != "" {
		return name
	}
	return "admin"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "fundround/server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func pathRound(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	number, err := strconv.ParseUint(chi.URLParam(r, "round"), 10, 64)
	if err != nil || number == 0 {
		writeError(w, r, http.StatusBadRequest, "invalid_round", "invalid round number")
		return 0, false
	}
	return number, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// fail maps a domain error onto its HTTP status and stable code. Unknown
// errors are logged and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			writeError(w, r, m.status, m.code, m.err.Error())
			return
		}
	}
	slog.ErrorContext(r.Context(), "fundround/server: request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err)
	writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
}
