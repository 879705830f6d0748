package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fundround/observability"
	"fundround/services/roundd/investments"
	"fundround/services/roundd/models"
	"fundround/services/roundd/notify"
	"fundround/services/roundd/rails"
)

var (
	ErrReviewNotFound      = errors.New("recon: review not found")
	ErrReviewResolved      = errors.New("recon: review already resolved")
	ErrReviewNotActionable = errors.New("recon: review cannot be confirmed")
	ErrInvalidDecision     = errors.New("recon: invalid decision")
)

// Action is an operator's decision on a review.
type Action string

const (
	// ActionConfirm accepts an amount mismatch and confirms the investment.
	ActionConfirm Action = "confirm"
	// ActionDismiss closes the review; funds are settled off-system.
	ActionDismiss Action = "dismiss"
)

// Decision resolves one review.
type Decision struct {
	Action   Action `json:"action"`
	Note     string `json:"note"`
	Operator string `json:"operator"`
}

// ReviewQueue holds payments that a human has to reconcile.
type ReviewQueue struct {
	db          *gorm.DB
	investments *investments.Service
	artifacts   ArtifactRequester
	notifier    notify.Sink
	now         func() time.Time
	metrics     *observability.ReconciliationMetrics
}

func newReviewQueue(db *gorm.DB, inv *investments.Service, artifacts ArtifactRequester, notifier notify.Sink, now func() time.Time) *ReviewQueue {
	return &ReviewQueue{
		db:          db,
		investments: inv,
		artifacts:   artifacts,
		notifier:    notifier,
		now:         now,
		metrics:     observability.Reconciliation(),
	}
}

// Open records a review for the event. It reports false when the same rail
// event already has a review.
func (q *ReviewQueue) Open(ctx context.Context, inv models.Investment, ev rails.Event, reason models.ReviewReason) (models.ManualReview, bool, error) {
	review := models.ManualReview{
		ID:               uuid.New(),
		InvestmentID:     inv.ID,
		Rail:             ev.Rail,
		RailEventID:      ev.RailEventID,
		Reason:           reason,
		ObservedAmount:   ev.ObservedAmount,
		ObservedCurrency: ev.ObservedCurrency,
		ExpectedAmount:   inv.Amount,
		State:            models.ReviewOpen,
		CreatedAt:        q.now().UTC(),
	}
	res := q.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&review)
	if res.Error != nil {
		return models.ManualReview{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.ManualReview
		err := q.db.WithContext(ctx).
			Where("rail = ? AND rail_event_id = ?", ev.Rail, ev.RailEventID).
			Take(&existing).Error
		return existing, false, err
	}

	slog.WarnContext(ctx, "fundround/recon: payment routed to manual review",
		"investment_id", inv.ID.String(),
		"rail", ev.Rail,
		"reason", string(reason),
		"observed", ev.ObservedAmount.String(),
		"expected", inv.Amount.String())
	if err := q.notifier.Notify(ctx, inv.UserID, notify.EventReviewOpened, map[string]any{
		"investment_id": inv.ID.String(),
		"reason":        string(reason),
	}); err != nil {
		slog.WarnContext(ctx, "fundround/recon: review notification failed", "error", err)
	}
	q.refreshGauge(ctx)
	return review, true, nil
}

// List returns reviews in state, or all reviews when state is empty.
func (q *ReviewQueue) List(ctx context.Context, state models.ReviewState) ([]models.ManualReview, error) {
	query := q.db.WithContext(ctx).Order("created_at ASC")
	if state != "" {
		query = query.Where("state = ?", state)
	}
	var reviews []models.ManualReview
	err := query.Find(&reviews).Error
	return reviews, err
}

// Get loads one review.
func (q *ReviewQueue) Get(ctx context.Context, id uuid.UUID) (models.ManualReview, error) {
	var review models.ManualReview
	err := q.db.WithContext(ctx).First(&review, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ManualReview{}, ErrReviewNotFound
	}
	return review, err
}

// Resolve applies an operator decision. Confirming is only possible for an
// amount mismatch whose investment still holds its reservation.
func (q *ReviewQueue) Resolve(ctx context.Context, id uuid.UUID, decision Decision) (models.ManualReview, error) {
	operator := strings.TrimSpace(decision.Operator)
	if operator == "" {
		return models.ManualReview{}, fmt.Errorf("%w: operator required", ErrInvalidDecision)
	}
	review, err := q.Get(ctx, id)
	if err != nil {
		return models.ManualReview{}, err
	}
	if review.State != models.ReviewOpen {
		return models.ManualReview{}, ErrReviewResolved
	}

	state := models.ReviewRejected
	switch decision.Action {
	case ActionDismiss:
	case ActionConfirm:
		if err := q.confirm(ctx, review, operator); err != nil {
			return models.ManualReview{}, err
		}
		state = models.ReviewApproved
	default:
		return models.ManualReview{}, fmt.Errorf("%w: unknown action %q", ErrInvalidDecision, decision.Action)
	}

	now := q.now().UTC()
	res := q.db.WithContext(ctx).Model(&models.ManualReview{}).
		Where("id = ? AND state = ?", review.ID, models.ReviewOpen).
		Updates(map[string]any{
			"state":       state,
			"resolution":  strings.TrimSpace(decision.Note),
			"resolved_by": operator,
			"resolved_at": now,
		})
	if res.Error != nil {
		return models.ManualReview{}, res.Error
	}
	if res.RowsAffected == 0 {
		return models.ManualReview{}, ErrReviewResolved
	}
	q.refreshGauge(ctx)
	slog.InfoContext(ctx, "fundround/recon: review resolved",
		"review_id", review.ID.String(),
		"investment_id", review.InvestmentID.String(),
		"state", string(state),
		"operator", operator)
	return q.Get(ctx, review.ID)
}

func (q *ReviewQueue) confirm(ctx context.Context, review models.ManualReview, operator string) error {
	if review.Reason != models.ReviewAmountMismatch {
		return ErrReviewNotActionable
	}
	h, err := q.investments.Lock(ctx, review.InvestmentID)
	if err != nil {
		return err
	}
	defer h.Release()
	if !h.Investment().Status.Pending() {
		return ErrReviewNotActionable
	}
	if err := h.Confirm(ctx, review.RailEventID, "operator:"+operator); err != nil {
		return err
	}
	requestArtifacts(ctx, q.artifacts, review.InvestmentID)
	return nil
}

func (q *ReviewQueue) refreshGauge(ctx context.Context) {
	var open int64
	if err := q.db.WithContext(ctx).Model(&models.ManualReview{}).Where("state = ?", models.ReviewOpen).Count(&open).Error; err != nil {
		return
	}
	q.metrics.SetOpenReviews(open)
}

// withinTolerance reports whether observed matches expected within tolerance.
func withinTolerance(expected, observed, tolerance decimal.Decimal) bool {
	return expected.Sub(observed).Abs().LessThanOrEqual(tolerance)
}
