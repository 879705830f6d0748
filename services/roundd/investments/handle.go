package investments

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"

	"fundround/services/roundd/ledger"
	"fundround/services/roundd/models"
	"fundround/services/roundd/notify"
)

// Handle is an investment held under its per-investment lock. Every
// transition on the record goes through a Handle so confirmation, expiry,
// cancellation and refund are serialized per investment.
type Handle struct {
	svc    *Service
	inv    models.Investment
	unlock func()
}

// Investment returns the latest committed state of the record.
func (h *Handle) Investment() models.Investment { return h.inv }

// Release gives up the lock. Safe to call more than once.
func (h *Handle) Release() { h.unlock() }

// Confirm moves the investment to confirmed, settles its shares on the ledger
// and records railEventID. A reserved investment passes through its awaiting
// state inside the same transaction. Confirming again with the same rail
// event is a no-op.
func (h *Handle) Confirm(ctx context.Context, railEventID, actor string) error {
	if h.inv.Status == models.StatusConfirmed && h.inv.RailEventID == railEventID {
		return nil
	}
	now := h.svc.now().UTC()
	var updated models.Investment
	err := h.svc.ledger.WithRound(ctx, "confirm", h.inv.RoundNumber, func(tx *ledger.Tx) error {
		inv := h.inv
		db := tx.DB()
		if inv.Status == models.StatusReserved {
			if err := transition(db, &inv, AwaitingStateFor(inv.PaymentMethod), now, actor, nil); err != nil {
				return err
			}
		}
		if err := ValidateTransition(inv.PaymentMethod, inv.Status, models.StatusConfirmed); err != nil {
			return err
		}
		if err := tx.Confirm(inv.ID); err != nil {
			return err
		}
		if err := transition(db, &inv, models.StatusConfirmed, now, actor, map[string]any{
			"rail_event_id":      railEventID,
			"confirmed_at":       now,
			"certificate_number": CertificateNumber(inv),
		}); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return err
	}
	h.inv = updated
	slog.InfoContext(ctx, "fundround/investments: investment confirmed",
		"investment_id", updated.ID.String(),
		"round", updated.RoundNumber,
		"shares", updated.SharesPurchased.String())
	h.svc.notify(ctx, updated, notify.EventConfirmed)
	return nil
}

// Expire releases the reservation once the window has passed. It reports
// false without changes when the investment is no longer pending or its
// window is still open.
func (h *Handle) Expire(ctx context.Context) (bool, error) {
	if !h.inv.Status.Pending() {
		return false, nil
	}
	if h.svc.now().UTC().Before(h.inv.ExpiresAt) {
		return false, nil
	}
	if err := h.release(ctx, "expire", models.StatusExpired, "sweep", nil); err != nil {
		return false, err
	}
	h.svc.notify(ctx, h.inv, notify.EventExpired)
	return true, nil
}

// Cancel ends a pending investment and returns its shares.
func (h *Handle) Cancel(ctx context.Context, reason, actor string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	if err := h.release(ctx, "cancel", models.StatusCancelled, actor, map[string]any{"cancel_reason": reason}); err != nil {
		return err
	}
	h.svc.notify(ctx, h.inv, notify.EventCancelled)
	return nil
}

// Refund reverses a confirmed investment. The certificate reference is kept
// and marked void.
func (h *Handle) Refund(ctx context.Context, reason, actor string) error {
	if err := ValidateTransition(h.inv.PaymentMethod, h.inv.Status, models.StatusRefunded); err != nil {
		return err
	}
	now := h.svc.now().UTC()
	var updated models.Investment
	err := h.svc.ledger.WithRound(ctx, "refund", h.inv.RoundNumber, func(tx *ledger.Tx) error {
		inv := h.inv
		if err := tx.Refund(inv.ID); err != nil {
			return err
		}
		if err := transition(tx.DB(), &inv, models.StatusRefunded, now, actor, map[string]any{
			"refunded_at":           now,
			"certificate_void":      true,
			"certificate_voided_at": now,
			"cancel_reason":         strings.TrimSpace(reason),
		}); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return err
	}
	h.inv = updated
	slog.InfoContext(ctx, "fundround/investments: investment refunded",
		"investment_id", updated.ID.String(),
		"round", updated.RoundNumber,
		"actor", actor)
	h.svc.notify(ctx, updated, notify.EventRefunded)
	return nil
}

// BeginPayment issues payment instructions. A crypto investment is given the
// next unused deposit address of asset; no two investments share one.
func (h *Handle) BeginPayment(ctx context.Context, asset string) (Instructions, error) {
	svc := h.svc
	switch h.inv.Status {
	case models.StatusAwaitingConfirmation, models.StatusAwaitingTransfer:
		return svc.instructionsFor(h.inv), nil
	case models.StatusReserved:
	default:
		return Instructions{}, fmt.Errorf("%w: payment cannot start from %s", ErrInvalidStateTransition, h.inv.Status)
	}

	inv := h.inv
	var assign func(tx *gorm.DB) (map[string]any, error)
	if inv.PaymentMethod == models.MethodCrypto {
		if svc.deposits == nil {
			return Instructions{}, ErrDepositUnavailable
		}
		symbol := strings.ToUpper(strings.TrimSpace(asset))
		first, err := svc.deposits.Deposit(symbol, 0)
		if err != nil {
			return Instructions{}, fmt.Errorf("%w: %v", ErrDepositUnavailable, err)
		}
		if first.Currency != inv.Currency {
			return Instructions{}, fmt.Errorf("%w: %s settles in %s", ErrCurrencyMismatch, first.Asset, first.Currency)
		}
		unlock, err := svc.locks.Lock(ctx, depositKey(first.Asset))
		if err != nil {
			return Instructions{}, err
		}
		defer unlock()
		assign = func(tx *gorm.DB) (map[string]any, error) {
			return svc.assignDeposit(tx, first.Asset)
		}
	}

	now := svc.now().UTC()
	err := svc.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fields map[string]any
		if assign != nil {
			assigned, err := assign(tx)
			if err != nil {
				return err
			}
			fields = assigned
		}
		return transition(tx, &inv, AwaitingStateFor(inv.PaymentMethod), now, inv.UserID, fields)
	})
	if err != nil {
		return Instructions{}, err
	}
	h.inv = inv
	svc.notify(ctx, inv, notify.EventAwaiting)
	return svc.instructionsFor(inv), nil
}

// assignDeposit picks the next derivation index for asset. Callers hold the
// asset's deposit lock; the unique slot index rejects a concurrent writer
// outside this process.
func (s *Service) assignDeposit(tx *gorm.DB, asset string) (map[string]any, error) {
	var next int64
	err := tx.Model(&models.Investment{}).
		Where("deposit_asset = ? AND deposit_index IS NOT NULL", asset).
		Select("COALESCE(MAX(deposit_index) + 1, 0)").
		Scan(&next).Error
	if err != nil {
		return nil, err
	}
	if next < 0 || next > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %s deposit addresses exhausted", ErrDepositUnavailable, asset)
	}
	deposit, err := s.deposits.Deposit(asset, uint32(next))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDepositUnavailable, err)
	}
	return map[string]any{
		"deposit_asset":   deposit.Asset,
		"deposit_index":   next,
		"deposit_address": deposit.Address,
	}, nil
}

func (h *Handle) release(ctx context.Context, op string, next models.InvestmentStatus, actor string, fields map[string]any) error {
	if err := ValidateTransition(h.inv.PaymentMethod, h.inv.Status, next); err != nil {
		return err
	}
	now := h.svc.now().UTC()
	var updated models.Investment
	err := h.svc.ledger.WithRound(ctx, op, h.inv.RoundNumber, func(tx *ledger.Tx) error {
		inv := h.inv
		released, err := tx.Release(inv.ID)
		if err != nil {
			return err
		}
		if !released {
			slog.DebugContext(ctx, "fundround/investments: reservation already released",
				"investment_id", inv.ID.String())
		}
		if err := transition(tx.DB(), &inv, next, now, actor, fields); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return err
	}
	h.inv = updated
	slog.InfoContext(ctx, "fundround/investments: reservation released",
		"investment_id", updated.ID.String(),
		"status", string(next),
		"actor", actor)
	return nil
}

// transition applies next to inv inside db, guarded by the current status and
// version, and reloads inv.
func transition(db *gorm.DB, inv *models.Investment, next models.InvestmentStatus, now time.Time, actor string, fields map[string]any) error {
	if err := ValidateTransition(inv.PaymentMethod, inv.Status, next); err != nil {
		return err
	}
	updates := map[string]any{
		"status":     next,
		"version":    inv.Version + 1,
		"updated_at": now,
	}
	for k, v := range fields {
		updates[k] = v
	}
	res := db.Model(&models.Investment{}).
		Where("id = ? AND status = ? AND version = ?", inv.ID, inv.Status, inv.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}
	from := inv.Status
	if err := db.First(inv, "id = ?", inv.ID).Error; err != nil {
		return err
	}
	return recordEvent(db, *inv, actor, "investment."+string(next), map[string]any{"from": string(from)})
}

// CertificateNumber is the human-readable certificate id for a confirmed
// investment.
func CertificateNumber(inv models.Investment) string {
	return fmt.Sprintf("FR-R%d-%s", inv.RoundNumber, strings.ToUpper(hex.EncodeToString(inv.ID[:4])))
}
