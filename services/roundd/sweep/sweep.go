// Package sweep releases reservations whose payment window has closed and
// re-requests artifacts that never made it back from the generator.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fundround/observability"
	"fundround/services/roundd/investments"
)

// Investments is the slice of the investment service the sweep drives.
type Investments interface {
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	MissingArtifacts(ctx context.Context, limit int) ([]uuid.UUID, error)
	Lock(ctx context.Context, id uuid.UUID) (*investments.Handle, error)
}

// ArtifactRequester schedules certificate and agreement generation.
type ArtifactRequester interface {
	Request(ctx context.Context, investmentID uuid.UUID) error
}

// Config wires a Sweeper.
type Config struct {
	Investments          Investments
	Artifacts            ArtifactRequester
	BatchSize            int
	PerInvestmentTimeout time.Duration
	RatePerSecond        float64
	Now                  func() time.Time
}

// Sweeper expires overdue investments in batches.
type Sweeper struct {
	investments Investments
	artifacts   ArtifactRequester
	batch       int
	timeout     time.Duration
	limiter     *rate.Limiter
	now         func() time.Time
	metrics     *observability.AllocationMetrics
}

// Result summarises one pass.
type Result struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

// New validates cfg.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Investments == nil {
		return nil, errors.New("sweep: investments are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.PerInvestmentTimeout <= 0 {
		cfg.PerInvestmentTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sweeper{
		investments: cfg.Investments,
		artifacts:   cfg.Artifacts,
		batch:       cfg.BatchSize,
		timeout:     cfg.PerInvestmentTimeout,
		limiter:     rate.NewLimiter(limit, 1),
		now:         cfg.Now,
		metrics:     observability.Allocation(),
	}, nil
}

// Run expires one batch of overdue investments. A failure on one investment
// is logged and does not stop the pass.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	var result Result
	ids, err := s.investments.ExpiredPending(ctx, s.now(), s.batch)
	if err != nil {
		return result, err
	}
	result.Scanned = len(ids)
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			return result, err
		}
		expired, err := s.expire(ctx, id)
		switch {
		case err != nil:
			result.Failed++
			slog.WarnContext(ctx, "fundround/sweep: expiry failed",
				"investment_id", id.String(),
				"error", err)
		case expired:
			result.Expired++
		default:
			result.Skipped++
		}
	}
	if result.Scanned > 0 {
		slog.InfoContext(ctx, "fundround/sweep: pass finished",
			"scanned", result.Scanned,
			"expired", result.Expired,
			"skipped", result.Skipped,
			"failed", result.Failed)
	}
	return result, nil
}

// expire re-checks the deadline under the investment lock. A confirmation
// that won the lock first leaves nothing to do.
func (s *Sweeper) expire(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()

	h, err := s.investments.Lock(ctx, id)
	if err != nil {
		s.metrics.Observe("expire", time.Since(start), err)
		return false, err
	}
	defer h.Release()
	expired, err := h.Expire(ctx)
	s.metrics.Observe("expire", time.Since(start), err)
	if err != nil {
		return false, err
	}
	if expired {
		s.metrics.RecordExpired()
		slog.InfoContext(ctx, "fundround/sweep: reservation expired",
			"investment_id", id.String(),
			"round", h.Investment().RoundNumber,
			"shares", h.Investment().SharesPurchased.String())
	} else {
		slog.DebugContext(ctx, "fundround/sweep: investment no longer due", "investment_id", id.String())
	}
	return expired, nil
}

// Backfill re-requests artifacts for confirmed investments that have none.
// The dispatcher skips kinds already stored, so repeating it is harmless.
func (s *Sweeper) Backfill(ctx context.Context) (int, error) {
	if s.artifacts == nil {
		return 0, nil
	}
	ids, err := s.investments.MissingArtifacts(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	requested := 0
	for _, id := range ids {
		if err := s.artifacts.Request(ctx, id); err != nil {
			slog.WarnContext(ctx, "fundround/sweep: artifact backfill deferred",
				"investment_id", id.String(),
				"error", err)
			continue
		}
		requested++
	}
	return requested, nil
}
