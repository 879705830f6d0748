package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fundround/observability"
	"fundround/services/roundd/dispatch"
)

// Recorder persists generated references. Implementations must only set a
// reference that is still empty so replays never overwrite.
type Recorder interface {
	RecordArtifact(ctx context.Context, investmentID uuid.UUID, kind Kind, ref string) error
	// ArtifactRef returns the stored reference, or "" when none exists yet.
	ArtifactRef(ctx context.Context, investmentID uuid.UUID, kind Kind) (string, error)
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Generator   Generator
	Recorder    Recorder
	Pool        *dispatch.Pool
	MaxAttempts int
	Backoff     time.Duration
}

// Dispatcher requests artifacts in the background after confirmation.
type Dispatcher struct {
	generator   Generator
	recorder    Recorder
	pool        *dispatch.Pool
	maxAttempts int
	backoff     time.Duration
	metrics     *observability.ReconciliationMetrics
}

// NewDispatcher validates cfg and returns a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Generator == nil || cfg.Recorder == nil || cfg.Pool == nil {
		return nil, errors.New("artifacts: generator, recorder and pool are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		generator:   cfg.Generator,
		recorder:    cfg.Recorder,
		pool:        cfg.Pool,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		metrics:     observability.Reconciliation(),
	}, nil
}

// Request schedules certificate and agreement generation. It never blocks on
// the generator.
func (d *Dispatcher) Request(_ context.Context, investmentID uuid.UUID) error {
	return d.pool.Go("artifacts", func(ctx context.Context) {
		for _, kind := range []Kind{KindCertificate, KindAgreement} {
			if err := d.ensure(ctx, investmentID, kind); err != nil {
				slog.Error("fundround/artifacts: generation failed",
					"investment_id", investmentID.String(),
					"kind", string(kind),
					"error", err)
			}
		}
	})
}

// ensure generates one artifact unless a reference is already stored.
func (d *Dispatcher) ensure(ctx context.Context, investmentID uuid.UUID, kind Kind) error {
	existing, err := d.recorder.ArtifactRef(ctx, investmentID, kind)
	if err != nil {
		return err
	}
	if existing != "" {
		slog.Debug("fundround/artifacts: already generated", "investment_id", investmentID.String(), "kind", string(kind))
		return nil
	}
	var lastErr error
	delay := d.backoff
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		ref, err := d.generate(ctx, investmentID, kind)
		d.metrics.RecordArtifact(string(kind), err)
		if err == nil {
			return d.recorder.RecordArtifact(ctx, investmentID, kind, ref)
		}
		lastErr = err
		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("artifacts: %s after %d attempts: %w", kind, d.maxAttempts, lastErr)
}

func (d *Dispatcher) generate(ctx context.Context, investmentID uuid.UUID, kind Kind) (string, error) {
	switch kind {
	case KindCertificate:
		return d.generator.GenerateCertificate(ctx, investmentID)
	case KindAgreement:
		return d.generator.GenerateAgreement(ctx, investmentID)
	default:
		return "", fmt.Errorf("artifacts: unknown kind %q", kind)
	}
}
