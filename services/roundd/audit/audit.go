// Package audit cross-checks round tallies against the reservation and
// investment records they are derived from.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundround/observability"
	"fundround/services/roundd/models"
)

// Anomaly types reported by the auditor.
const (
	AnomalyOversell         = "oversell"
	AnomalyTallyMismatch    = "tally_mismatch"
	AnomalyStaleReservation = "stale_reservation"
	AnomalyStatusDrift      = "status_drift"
)

// AlertFunc is invoked for every anomaly found during an audit.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Anomaly is one inconsistency that needs an operator.
type Anomaly struct {
	Type         string
	Round        uint64
	InvestmentID *uuid.UUID
	Details      string
}

// Config wires an Auditor.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	// StaleAfter is how long past its deadline a pending investment may sit
	// before the audit flags the sweep as lagging.
	StaleAfter time.Duration
	DryRun     bool
	Alert      AlertFunc
	Now        func() time.Time
}

// Auditor runs ledger audits.
type Auditor struct {
	db         *gorm.DB
	outputDir  string
	staleAfter time.Duration
	dryRun     bool
	alert      AlertFunc
	now        func() time.Time
	metrics    *observability.ReconciliationMetrics
}

// RoundRow summarises one round in the audit report.
type RoundRow struct {
	Round              uint64
	Status             string
	Currency           string
	TotalShares        decimal.Decimal
	SharesReserved     decimal.Decimal
	SharesConfirmed    decimal.Decimal
	HeldSum            decimal.Decimal
	ConfirmedSum       decimal.Decimal
	ReleasedAfterClose decimal.Decimal
	Available          decimal.Decimal
	PendingCount       int
	ConfirmedCount     int
	Anomalies          int
}

// Result summarises an audit run.
type Result struct {
	RanAt       time.Time
	Rows        []RoundRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
}

// New validates cfg.
func New(cfg Config) (*Auditor, error) {
	if cfg.DB == nil {
		return nil, errors.New("audit: db is required")
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Alert == nil {
		cfg.Alert = func(context.Context, Anomaly) error { return nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Auditor{
		db:         cfg.DB,
		outputDir:  strings.TrimSpace(cfg.OutputDir),
		staleAfter: cfg.StaleAfter,
		dryRun:     cfg.DryRun,
		alert:      cfg.Alert,
		now:        cfg.Now,
		metrics:    observability.Reconciliation(),
	}, nil
}

type reservationRow struct {
	InvestmentID uuid.UUID
	Shares       decimal.Decimal
	State        models.ReservationState
}

type investmentRow struct {
	ID        uuid.UUID
	Status    models.InvestmentStatus
	ExpiresAt time.Time
}

// Run audits every round and writes the report unless running dry.
func (a *Auditor) Run(ctx context.Context) (*Result, error) {
	now := a.now().UTC()
	var rounds []models.Round
	if err := a.db.WithContext(ctx).Order("number ASC").Find(&rounds).Error; err != nil {
		return nil, fmt.Errorf("audit: load rounds: %w", err)
	}
	result := &Result{RanAt: now}
	for _, round := range rounds {
		row, anomalies, err := a.auditRound(ctx, round, now)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
		result.Anomalies = append(result.Anomalies, anomalies...)
	}

	if !a.dryRun && a.outputDir != "" && len(result.Rows) > 0 {
		runDir := filepath.Join(a.outputDir, now.Format("20060102T150405Z"))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: ensure output dir: %w", err)
		}
		result.CSVPath = filepath.Join(runDir, "rounds.csv")
		if err := writeCSV(result.CSVPath, result.Rows); err != nil {
			return nil, err
		}
		result.ParquetPath = filepath.Join(runDir, "rounds.parquet")
		if err := writeParquet(result.ParquetPath, result.Rows); err != nil {
			return nil, err
		}
	}
	slog.InfoContext(ctx, "fundround/audit: ledger audit finished",
		"rounds", len(result.Rows),
		"anomalies", len(result.Anomalies))
	return result, nil
}

func (a *Auditor) auditRound(ctx context.Context, round models.Round, now time.Time) (RoundRow, []Anomaly, error) {
	db := a.db.WithContext(ctx)
	var reservations []reservationRow
	if err := db.Model(&models.Reservation{}).
		Select("investment_id, shares, state").
		Where("round_number = ?", round.Number).
		Scan(&reservations).Error; err != nil {
		return RoundRow{}, nil, fmt.Errorf("audit: load reservations: %w", err)
	}
	var investments []investmentRow
	if err := db.Model(&models.Investment{}).
		Select("id, status, expires_at").
		Where("round_number = ?", round.Number).
		Scan(&investments).Error; err != nil {
		return RoundRow{}, nil, fmt.Errorf("audit: load investments: %w", err)
	}

	row := RoundRow{
		Round:              round.Number,
		Status:             string(round.Status),
		Currency:           round.Currency,
		TotalShares:        round.TotalShares,
		SharesReserved:     round.SharesReserved,
		SharesConfirmed:    round.SharesConfirmed,
		HeldSum:            decimal.Zero,
		ConfirmedSum:       decimal.Zero,
		ReleasedAfterClose: round.ReleasedAfterClose,
		Available:          round.Available(),
	}
	states := make(map[uuid.UUID]models.ReservationState, len(reservations))
	for _, r := range reservations {
		states[r.InvestmentID] = r.State
		switch r.State {
		case models.ReservationHeld:
			row.HeldSum = row.HeldSum.Add(r.Shares)
		case models.ReservationConfirmed:
			row.ConfirmedSum = row.ConfirmedSum.Add(r.Shares)
		}
	}

	var anomalies []Anomaly
	if round.SharesReserved.Add(round.SharesConfirmed).GreaterThan(round.TotalShares) ||
		row.HeldSum.Add(row.ConfirmedSum).GreaterThan(round.TotalShares) {
		anomalies = append(anomalies, a.raise(ctx, Anomaly{
			Type:  AnomalyOversell,
			Round: round.Number,
			Details: fmt.Sprintf("reserved %s + confirmed %s exceeds total %s",
				round.SharesReserved, round.SharesConfirmed, round.TotalShares),
		}))
	}
	if !row.HeldSum.Equal(round.SharesReserved) || !row.ConfirmedSum.Equal(round.SharesConfirmed) {
		anomalies = append(anomalies, a.raise(ctx, Anomaly{
			Type:  AnomalyTallyMismatch,
			Round: round.Number,
			Details: fmt.Sprintf("tally reserved=%s confirmed=%s, reservations held=%s confirmed=%s",
				round.SharesReserved, round.SharesConfirmed, row.HeldSum, row.ConfirmedSum),
		}))
	}

	for _, inv := range investments {
		id := inv.ID
		state, hasReservation := states[inv.ID]
		switch {
		case inv.Status.Pending():
			row.PendingCount++
			if now.Sub(inv.ExpiresAt) > a.staleAfter {
				anomalies = append(anomalies, a.raise(ctx, Anomaly{
					Type:         AnomalyStaleReservation,
					Round:        round.Number,
					InvestmentID: &id,
					Details:      fmt.Sprintf("pending since deadline %s", inv.ExpiresAt.UTC().Format(time.RFC3339)),
				}))
			}
			if !hasReservation || state != models.ReservationHeld {
				anomalies = append(anomalies, a.raise(ctx, Anomaly{
					Type:         AnomalyStatusDrift,
					Round:        round.Number,
					InvestmentID: &id,
					Details:      fmt.Sprintf("investment %s with reservation %q", inv.Status, state),
				}))
			}
		case inv.Status == models.StatusConfirmed:
			row.ConfirmedCount++
			if !hasReservation || state != models.ReservationConfirmed {
				anomalies = append(anomalies, a.raise(ctx, Anomaly{
					Type:         AnomalyStatusDrift,
					Round:        round.Number,
					InvestmentID: &id,
					Details:      fmt.Sprintf("investment confirmed with reservation %q", state),
				}))
			}
		default:
			if hasReservation && state != models.ReservationReleased {
				anomalies = append(anomalies, a.raise(ctx, Anomaly{
					Type:         AnomalyStatusDrift,
					Round:        round.Number,
					InvestmentID: &id,
					Details:      fmt.Sprintf("investment %s still holds reservation %q", inv.Status, state),
				}))
			}
		}
	}
	row.Anomalies = len(anomalies)
	return row, anomalies, nil
}

func (a *Auditor) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	a.metrics.RecordAnomaly(anomaly.Type)
	attrs := []any{"type", anomaly.Type, "round", anomaly.Round, "details", anomaly.Details}
	if anomaly.InvestmentID != nil {
		attrs = append(attrs, "investment_id", anomaly.InvestmentID.String())
	}
	slog.ErrorContext(ctx, "fundround/audit: ledger anomaly", attrs...)
	if err := a.alert(ctx, anomaly); err != nil {
		slog.WarnContext(ctx, "fundround/audit: alert delivery failed", "error", err)
	}
	return anomaly
}
