// Package ledger owns the per-round share tallies. Every mutation runs inside
// a per-round critical section and a database transaction holding the round row.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
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
	"fundround/services/roundd/locks"
	"fundround/services/roundd/models"
)

var (
	ErrRoundNotFound         = errors.New("ledger: round not found")
	ErrNoOpenRound           = errors.New("ledger: no open round")
	ErrRoundClosed           = errors.New("ledger: round closed")
	ErrRoundAlreadyOpen      = errors.New("ledger: another round is open")
	ErrInsufficientShares    = errors.New("ledger: insufficient shares")
	ErrReservationNotFound   = errors.New("ledger: reservation not found")
	ErrReservationExists     = errors.New("ledger: reservation already exists")
	ErrReservationConfirmed  = errors.New("ledger: reservation already confirmed")
	ErrReservationNotSettled = errors.New("ledger: reservation not confirmed")
	ErrInvalidShares         = errors.New("ledger: shares must be positive")
	ErrInvalidRound          = errors.New("ledger: invalid round parameters")
	ErrInvariantViolation    = errors.New("ledger: tally invariant violated")
)

const (
	// CloseReasonSubscribed marks a round closed because every share is confirmed.
	CloseReasonSubscribed = "fully_subscribed"
	// CloseReasonManual marks an operator-initiated close.
	CloseReasonManual = "manual"

	roundsAdminKey = "rounds"
)

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLocks shares a keyed lock set with other components. Round keys are
// prefixed so investment keys never collide with them.
func WithLocks(keyed *locks.Keyed) Option {
	return func(l *Ledger) {
		if keyed != nil {
			l.locks = keyed
		}
	}
}

// Ledger serialises reserve, confirm, release and refund per round.
type Ledger struct {
	db      *gorm.DB
	locks   *locks.Keyed
	clock   func() time.Time
	metrics *observability.AllocationMetrics
	tracer  trace.Tracer
}

// New constructs a ledger over db.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		locks:   locks.New(),
		clock:   time.Now,
		metrics: observability.Allocation(),
		tracer:  otel.Tracer("roundd/ledger"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// RoundSpec describes a round an operator wants to open.
type RoundSpec struct {
	Currency    string
	SharePrice  decimal.Decimal
	TotalShares decimal.Decimal
	Actor       string
}

// OpenRound creates the next sequential round in the open state.
func (l *Ledger) OpenRound(ctx context.Context, spec RoundSpec) (models.Round, error) {
	if !spec.SharePrice.IsPositive() || !spec.TotalShares.IsPositive() || strings.TrimSpace(spec.Currency) == "" {
		return models.Round{}, ErrInvalidRound
	}
	unlock, err := l.locks.Lock(ctx, roundsAdminKey)
	if err != nil {
		return models.Round{}, err
	}
	defer unlock()

	var round models.Round
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var openCount int64
		if err := tx.Model(&models.Round{}).Where("status = ?", models.RoundOpen).Count(&openCount).Error; err != nil {
			return err
		}
		if openCount > 0 {
			return ErrRoundAlreadyOpen
		}
		var last models.Round
		next := uint64(1)
		if err := tx.Order("number DESC").Limit(1).Find(&last).Error; err != nil {
			return err
		}
		if last.Number > 0 {
			next = last.Number + 1
		}
		now := l.clock().UTC()
		round = models.Round{
			Number:             next,
			Currency:           strings.ToUpper(strings.TrimSpace(spec.Currency)),
			SharePrice:         spec.SharePrice,
			TotalShares:        spec.TotalShares.Truncate(4),
			SharesReserved:     decimal.Zero,
			SharesConfirmed:    decimal.Zero,
			ReleasedAfterClose: decimal.Zero,
			Status:             models.RoundOpen,
			OpenedAt:           now,
		}
		if err := tx.Create(&round).Error; err != nil {
			return err
		}
		return appendEvent(tx, nil, round.Number, spec.Actor, "round.opened", map[string]any{
			"share_price":  round.SharePrice.String(),
			"total_shares": round.TotalShares.String(),
			"currency":     round.Currency,
		})
	})
	if err != nil {
		return models.Round{}, err
	}
	l.publish(round)
	slog.InfoContext(ctx, "fundround/ledger: round opened",
		"round", round.Number,
		"share_price", round.SharePrice.String(),
		"total_shares", round.TotalShares.String())
	return round, nil
}

// CloseRound closes a round manually. Closing a closed round is a no-op.
func (l *Ledger) CloseRound(ctx context.Context, number uint64, actor string) (models.Round, error) {
	var closed models.Round
	err := l.WithRound(ctx, "close", number, func(tx *Tx) error {
		if tx.round.Status == models.RoundOpen {
			tx.close(CloseReasonManual, actor)
		}
		closed = *tx.round
		return nil
	})
	return closed, err
}

// Round returns a snapshot of a round.
func (l *Ledger) Round(ctx context.Context, number uint64) (models.Round, error) {
	var round models.Round
	err := l.db.WithContext(ctx).First(&round, "number = ?", number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Round{}, ErrRoundNotFound
	}
	return round, err
}

// CurrentRound returns the open round, if any.
func (l *Ledger) CurrentRound(ctx context.Context) (models.Round, error) {
	var round models.Round
	err := l.db.WithContext(ctx).Where("status = ?", models.RoundOpen).First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Round{}, ErrNoOpenRound
	}
	return round, err
}

// Rounds lists every round in sequence order.
func (l *Ledger) Rounds(ctx context.Context) ([]models.Round, error) {
	var rounds []models.Round
	err := l.db.WithContext(ctx).Order("number ASC").Find(&rounds).Error
	return rounds, err
}

// ReserveShares claims shares for an investment against a round.
func (l *Ledger) ReserveShares(ctx context.Context, number uint64, investmentID uuid.UUID, shares decimal.Decimal) error {
	return l.WithRound(ctx, "reserve", number, func(tx *Tx) error {
		return tx.Reserve(investmentID, shares)
	})
}

// ReleaseShares returns a held reservation to the pool. Releasing an unknown or
// already released reservation succeeds without changes; the bool reports
// whether shares moved.
func (l *Ledger) ReleaseShares(ctx context.Context, number uint64, investmentID uuid.UUID) (bool, error) {
	var released bool
	err := l.WithRound(ctx, "release", number, func(tx *Tx) error {
		var err error
		released, err = tx.Release(investmentID)
		return err
	})
	return released, err
}

// ConfirmShares moves a held reservation into the confirmed tally.
func (l *Ledger) ConfirmShares(ctx context.Context, number uint64, investmentID uuid.UUID) error {
	return l.WithRound(ctx, "confirm", number, func(tx *Tx) error {
		return tx.Confirm(investmentID)
	})
}

// RefundShares releases confirmed shares.
func (l *Ledger) RefundShares(ctx context.Context, number uint64, investmentID uuid.UUID) error {
	return l.WithRound(ctx, "refund", number, func(tx *Tx) error {
		return tx.Refund(investmentID)
	})
}

// WithRound runs fn inside the round's critical section and a transaction that
// holds the round row. Tally changes made through tx are persisted when fn
// returns nil; any error rolls back every write fn made.
func (l *Ledger) WithRound(ctx context.Context, op string, number uint64, fn func(tx *Tx) error) error {
	start := l.clock()
	ctx, span := l.tracer.Start(ctx, "ledger."+op,
		trace.WithAttributes(attribute.Int64("round.number", int64(number))))
	defer span.End()

	err := l.withRound(ctx, number, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	l.metrics.Observe(op, l.clock().Sub(start), rootCause(err))
	return err
}

func (l *Ledger) withRound(ctx context.Context, number uint64, fn func(tx *Tx) error) error {
	unlock, err := l.locks.Lock(ctx, roundKey(number))
	if err != nil {
		return err
	}
	defer unlock()

	var snapshot models.Round
	err = l.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var round models.Round
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&round, "number = ?", number).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoundNotFound
		}
		if err != nil {
			return err
		}
		tx := &Tx{db: db, round: &round, now: l.clock().UTC()}
		if err := fn(tx); err != nil {
			return err
		}
		if !tx.dirty {
			snapshot = round
			return nil
		}
		if err := checkInvariant(round); err != nil {
			slog.ErrorContext(ctx, "fundround/ledger: invariant violated, aborting mutation",
				"round", round.Number,
				"total", round.TotalShares.String(),
				"reserved", round.SharesReserved.String(),
				"confirmed", round.SharesConfirmed.String())
			return err
		}
		round.UpdatedAt = tx.now
		if err := db.Save(&round).Error; err != nil {
			return err
		}
		for _, ev := range tx.events {
			if err := appendEvent(db, ev.investmentID, round.Number, ev.actor, ev.action, ev.details); err != nil {
				return err
			}
		}
		snapshot = round
		return nil
	})
	if err != nil {
		return err
	}
	l.publish(snapshot)
	return nil
}

func (l *Ledger) publish(round models.Round) {
	available, _ := round.Available().Float64()
	if round.Status == models.RoundClosed {
		available = 0
	}
	l.metrics.SetAvailable(strconv.FormatUint(round.Number, 10), available)
}

// Tx is the transactional view handed to WithRound callbacks.
type Tx struct {
	db     *gorm.DB
	round  *models.Round
	now    time.Time
	dirty  bool
	events []pendingEvent
}

type pendingEvent struct {
	investmentID *uuid.UUID
	actor        string
	action       string
	details      map[string]any
}

// DB exposes the transaction so callers can persist their own rows atomically
// with the tally change.
func (t *Tx) DB() *gorm.DB { return t.db }

// Round returns a copy of the locked round.
func (t *Tx) Round() models.Round { return *t.round }

// Now is the timestamp shared by every write in this transaction.
func (t *Tx) Now() time.Time { return t.now }

// Reserve claims shares for investmentID.
func (t *Tx) Reserve(investmentID uuid.UUID, shares decimal.Decimal) error {
	shares = shares.Truncate(4)
	if !shares.IsPositive() {
		return ErrInvalidShares
	}
	if t.round.Status != models.RoundOpen {
		return ErrRoundClosed
	}
	if t.round.Available().LessThan(shares) {
		return ErrInsufficientShares
	}
	var existing int64
	if err := t.db.Model(&models.Reservation{}).Where("investment_id = ?", investmentID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return ErrReservationExists
	}
	reservation := models.Reservation{
		InvestmentID: investmentID,
		RoundNumber:  t.round.Number,
		Shares:       shares,
		State:        models.ReservationHeld,
		CreatedAt:    t.now,
		UpdatedAt:    t.now,
	}
	if err := t.db.Create(&reservation).Error; err != nil {
		return err
	}
	t.round.SharesReserved = t.round.SharesReserved.Add(shares)
	t.dirty = true
	return nil
}

// Release returns held shares to the pool. Missing or already released
// reservations are a no-op.
func (t *Tx) Release(investmentID uuid.UUID) (bool, error) {
	reservation, err := t.reservation(investmentID)
	if errors.Is(err, ErrReservationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch reservation.State {
	case models.ReservationReleased:
		return false, nil
	case models.ReservationConfirmed:
		return false, ErrReservationConfirmed
	}
	t.round.SharesReserved = t.round.SharesReserved.Sub(reservation.Shares)
	if err := t.setState(&reservation, models.ReservationReleased); err != nil {
		return false, err
	}
	return true, nil
}

// Confirm moves held shares to the confirmed tally and closes the round once
// every share is confirmed. Confirming twice is a no-op.
func (t *Tx) Confirm(investmentID uuid.UUID) error {
	reservation, err := t.reservation(investmentID)
	if err != nil {
		return err
	}
	switch reservation.State {
	case models.ReservationConfirmed:
		return nil
	case models.ReservationReleased:
		return ErrReservationNotFound
	}
	t.round.SharesReserved = t.round.SharesReserved.Sub(reservation.Shares)
	t.round.SharesConfirmed = t.round.SharesConfirmed.Add(reservation.Shares)
	if err := t.setState(&reservation, models.ReservationConfirmed); err != nil {
		return err
	}
	if t.round.Status == models.RoundOpen && t.round.SharesConfirmed.GreaterThanOrEqual(t.round.TotalShares) {
		t.close(CloseReasonSubscribed, "ledger")
	}
	return nil
}

// Refund releases confirmed shares. While the round is open they return to the
// pool; once closed they are recorded in ReleasedAfterClose and stay unsold.
func (t *Tx) Refund(investmentID uuid.UUID) error {
	reservation, err := t.reservation(investmentID)
	if err != nil {
		return err
	}
	if reservation.State != models.ReservationConfirmed {
		return ErrReservationNotSettled
	}
	t.round.SharesConfirmed = t.round.SharesConfirmed.Sub(reservation.Shares)
	if t.round.Status == models.RoundClosed {
		t.round.ReleasedAfterClose = t.round.ReleasedAfterClose.Add(reservation.Shares)
	}
	return t.setState(&reservation, models.ReservationReleased)
}

func (t *Tx) reservation(investmentID uuid.UUID) (models.Reservation, error) {
	var reservation models.Reservation
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&reservation, "investment_id = ?", investmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return models.Reservation{}, err
	}
	if reservation.RoundNumber != t.round.Number {
		return models.Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (t *Tx) setState(reservation *models.Reservation, state models.ReservationState) error {
	err := t.db.Model(reservation).Updates(map[string]any{
		"state":      state,
		"updated_at": t.now,
	}).Error
	if err != nil {
		return err
	}
	reservation.State = state
	t.dirty = true
	return nil
}

func (t *Tx) close(reason, actor string) {
	closedAt := t.now
	t.round.Status = models.RoundClosed
	t.round.ClosedAt = &closedAt
	t.round.CloseReason = reason
	t.dirty = true
	t.events = append(t.events, pendingEvent{
		actor:  actor,
		action: "round.closed",
		details: map[string]any{
			"reason":    reason,
			"confirmed": t.round.SharesConfirmed.String(),
		},
	})
}

func checkInvariant(round models.Round) error {
	if round.SharesReserved.IsNegative() || round.SharesConfirmed.IsNegative() {
		return ErrInvariantViolation
	}
	if round.SharesReserved.Add(round.SharesConfirmed).GreaterThan(round.TotalShares) {
		return ErrInvariantViolation
	}
	return nil
}

func appendEvent(tx *gorm.DB, investmentID *uuid.UUID, round uint64, actor, action string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("ledger: encode event: %w", err)
	}
	return tx.Create(&models.Event{
		ID:           uuid.New(),
		InvestmentID: investmentID,
		RoundNumber:  round,
		Actor:        actor,
		Action:       action,
		Details:      string(payload),
	}).Error
}

func roundKey(number uint64) string {
	return "round:" + strconv.FormatUint(number, 10)
}

// rootCause strips wrapping so metric labels stay bounded.
func rootCause(err error) error {
	for err != nil {
		inner := errors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
	return nil
}
