// Package recon turns normalized rail events into investment transitions. The
// coordinator is the only component that confirms investments from payments.
package recon

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundround/observability"
	"fundround/services/roundd/investments"
	"fundround/services/roundd/ledger"
	"fundround/services/roundd/models"
	"fundround/services/roundd/notify"
	"fundround/services/roundd/rails"
)

// ErrUnknownInvestment reports an event for an investment that does not exist.
// Such events are dropped; payments never create investments.
var ErrUnknownInvestment = rails.ErrUnknownInvestment

// Outcome is what applying an event did.
type Outcome string

const (
	OutcomeConfirmed        Outcome = "confirmed"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeLate             Outcome = "late_reconciliation"
	OutcomeAmountMismatch   Outcome = "amount_mismatch"
	OutcomeDuplicatePayment Outcome = "duplicate_payment"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeIgnored          Outcome = "ignored"
)

// ArtifactRequester schedules certificate and agreement generation.
type ArtifactRequester interface {
	Request(ctx context.Context, investmentID uuid.UUID) error
}

// Config wires a Coordinator.
type Config struct {
	DB          *gorm.DB
	Investments *investments.Service
	Artifacts   ArtifactRequester
	Notifier    notify.Sink
	// Tolerances is the accepted absolute difference per rail. Rails without
	// an entry must match exactly.
	Tolerances map[string]decimal.Decimal
	Now        func() time.Time
}

// Coordinator applies payment events under the per-investment lock.
type Coordinator struct {
	db          *gorm.DB
	investments *investments.Service
	artifacts   ArtifactRequester
	tolerances  map[string]decimal.Decimal
	now         func() time.Time
	reviews     *ReviewQueue
	metrics     *observability.ReconciliationMetrics
	tracer      trace.Tracer
}

// NewCoordinator validates cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.DB == nil || cfg.Investments == nil {
		return nil, errors.New("recon: db and investments are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tolerances := make(map[string]decimal.Decimal, len(cfg.Tolerances))
	for rail, tolerance := range cfg.Tolerances {
		if tolerance.IsNegative() {
			return nil, errors.New("recon: tolerance must not be negative")
		}
		tolerances[rail] = tolerance
	}
	return &Coordinator{
		db:          cfg.DB,
		investments: cfg.Investments,
		artifacts:   cfg.Artifacts,
		tolerances:  tolerances,
		now:         cfg.Now,
		reviews:     newReviewQueue(cfg.DB, cfg.Investments, cfg.Artifacts, cfg.Notifier, cfg.Now),
		metrics:     observability.Reconciliation(),
		tracer:      otel.Tracer("roundd/recon"),
	}, nil
}

// Reviews exposes the manual review queue.
func (c *Coordinator) Reviews() *ReviewQueue { return c.reviews }

// SubmitPaymentEvent is the single ingress for every rail adapter.
func (c *Coordinator) SubmitPaymentEvent(ctx context.Context, ev rails.Event) error {
	_, err := c.ApplyPaymentEvent(ctx, ev)
	return err
}

// ApplyPaymentEvent applies one event and reports the outcome. Replays of an
// already applied event return OutcomeDuplicate without side effects.
func (c *Coordinator) ApplyPaymentEvent(ctx context.Context, ev rails.Event) (Outcome, error) {
	ev = ev.Normalize()
	if err := ev.Validate(); err != nil {
		return "", err
	}
	ctx, span := c.tracer.Start(ctx, "recon.apply", trace.WithAttributes(
		attribute.String("rail", ev.Rail),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("investment.id", ev.InvestmentID.String()),
	))
	defer span.End()

	outcome, err := c.apply(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		label := "error"
		if errors.Is(err, ErrUnknownInvestment) {
			label = "unknown"
		}
		c.metrics.RecordOutcome(ev.Rail, label)
		return outcome, err
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	c.metrics.RecordOutcome(ev.Rail, string(outcome))
	return outcome, nil
}

func (c *Coordinator) apply(ctx context.Context, ev rails.Event) (Outcome, error) {
	h, err := c.investments.Lock(ctx, ev.InvestmentID)
	if errors.Is(err, investments.ErrNotFound) {
		slog.WarnContext(ctx, "fundround/recon: dropping event for unknown investment",
			"investment_id", ev.InvestmentID.String(),
			"rail", ev.Rail)
		return "", ErrUnknownInvestment
	}
	if err != nil {
		return "", err
	}
	defer h.Release()

	seen, err := c.seen(ctx, ev)
	if err != nil {
		return "", err
	}
	if seen {
		slog.DebugContext(ctx, "fundround/recon: replayed event absorbed",
			"investment_id", ev.InvestmentID.String(),
			"rail", ev.Rail)
		return OutcomeDuplicate, nil
	}

	var outcome Outcome
	switch ev.Kind {
	case rails.KindDeclined:
		outcome, err = c.decline(ctx, h, ev)
	default:
		outcome, err = c.observe(ctx, h, ev)
	}
	if err != nil {
		return "", err
	}
	if outcome != OutcomeDuplicate {
		if err := c.record(ctx, ev, outcome); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

func (c *Coordinator) observe(ctx context.Context, h *investments.Handle, ev rails.Event) (Outcome, error) {
	inv := h.Investment()
	switch inv.Status {
	case models.StatusConfirmed:
		if inv.RailEventID == ev.RailEventID {
			slog.DebugContext(ctx, "fundround/recon: confirmation replay", "investment_id", inv.ID.String())
			return OutcomeDuplicate, nil
		}
		return c.review(ctx, inv, ev, models.ReviewDuplicatePayment, OutcomeDuplicatePayment)
	case models.StatusExpired, models.StatusCancelled, models.StatusRefunded:
		return c.review(ctx, inv, ev, models.ReviewLateReconciliation, OutcomeLate)
	}

	if !c.matches(inv, ev) {
		return c.review(ctx, inv, ev, models.ReviewAmountMismatch, OutcomeAmountMismatch)
	}

	err := h.Confirm(ctx, ev.RailEventID, "rail:"+ev.Rail)
	if errors.Is(err, ledger.ErrReservationNotFound) {
		return c.review(ctx, inv, ev, models.ReviewLateReconciliation, OutcomeLate)
	}
	if err != nil {
		return "", err
	}
	requestArtifacts(ctx, c.artifacts, inv.ID)
	return OutcomeConfirmed, nil
}

// decline cancels a pending investment while its window is open. A decline
// is never retried against the same reservation.
func (c *Coordinator) decline(ctx context.Context, h *investments.Handle, ev rails.Event) (Outcome, error) {
	inv := h.Investment()
	if !inv.Status.Pending() {
		slog.InfoContext(ctx, "fundround/recon: decline ignored",
			"investment_id", inv.ID.String(),
			"status", string(inv.Status))
		return OutcomeIgnored, nil
	}
	if !c.now().UTC().Before(inv.ExpiresAt) {
		slog.InfoContext(ctx, "fundround/recon: decline after window left to expiry sweep",
			"investment_id", inv.ID.String())
		return OutcomeIgnored, nil
	}
	if err := h.Cancel(ctx, "payment_declined", "rail:"+ev.Rail); err != nil {
		return "", err
	}
	return OutcomeCancelled, nil
}

func (c *Coordinator) review(ctx context.Context, inv models.Investment, ev rails.Event, reason models.ReviewReason, outcome Outcome) (Outcome, error) {
	if _, _, err := c.reviews.Open(ctx, inv, ev, reason); err != nil {
		return "", err
	}
	return outcome, nil
}

func (c *Coordinator) matches(inv models.Investment, ev rails.Event) bool {
	if !strings.EqualFold(inv.Currency, ev.ObservedCurrency) {
		return false
	}
	tolerance, ok := c.tolerances[ev.Rail]
	if !ok {
		tolerance = decimal.Zero
	}
	return withinTolerance(inv.Amount, ev.ObservedAmount, tolerance)
}

func (c *Coordinator) seen(ctx context.Context, ev rails.Event) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&models.PaymentEvent{}).
		Where("rail = ? AND rail_event_id = ?", ev.Rail, ev.RailEventID).
		Count(&count).Error
	return count > 0, err
}

func (c *Coordinator) record(ctx context.Context, ev rails.Event, outcome Outcome) error {
	observedAt := ev.Timestamp
	if observedAt.IsZero() {
		observedAt = c.now()
	}
	row := models.PaymentEvent{
		ID:               uuid.New(),
		Rail:             ev.Rail,
		RailEventID:      ev.RailEventID,
		Kind:             string(ev.Kind),
		InvestmentID:     ev.InvestmentID,
		ObservedAmount:   ev.ObservedAmount,
		ObservedCurrency: ev.ObservedCurrency,
		ObservedAt:       observedAt.UTC(),
		Outcome:          string(outcome),
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func requestArtifacts(ctx context.Context, requester ArtifactRequester, id uuid.UUID) {
	if requester == nil {
		return
	}
	if err := requester.Request(ctx, id); err != nil {
		slog.ErrorContext(ctx, "fundround/recon: artifact request not scheduled",
			"investment_id", id.String(),
			"error", err)
	}
}
