package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RoundStatus enumerates the lifecycle of a fundraising round.
type RoundStatus string

const (
	RoundOpen   RoundStatus = "open"
	RoundClosed RoundStatus = "closed"
)

// InvestmentStatus represents a state in the investment workflow.
type InvestmentStatus string

// All workflow states.
const (
	StatusReserved             InvestmentStatus = "reserved"
	StatusAwaitingConfirmation InvestmentStatus = "awaiting_confirmation"
	StatusAwaitingTransfer     InvestmentStatus = "awaiting_transfer"
	StatusConfirmed            InvestmentStatus = "confirmed"
	StatusExpired              InvestmentStatus = "expired"
	StatusCancelled            InvestmentStatus = "cancelled"
	StatusRefunded             InvestmentStatus = "refunded"
)

// Pending reports whether the investment still holds a reservation awaiting payment.
func (s InvestmentStatus) Pending() bool {
	switch s {
	case StatusReserved, StatusAwaitingConfirmation, StatusAwaitingTransfer:
		return true
	}
	return false
}

// PendingStatuses lists the states swept for expiry.
func PendingStatuses() []InvestmentStatus {
	return []InvestmentStatus{StatusReserved, StatusAwaitingConfirmation, StatusAwaitingTransfer}
}

// PaymentMethod names the rail an investor pays through.
type PaymentMethod string

const (
	MethodCrypto       PaymentMethod = "crypto"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
)

// Valid reports whether the method is one of the supported rails.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCrypto, MethodBankTransfer, MethodCard:
		return true
	}
	return false
}

// ReservationState tracks the ledger claim behind an investment.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationReleased  ReservationState = "released"
)

// Round owns the finite share supply sold at a fixed price.
type Round struct {
	Number             uint64          `gorm:"primaryKey;autoIncrement:false"`
	Currency           string          `gorm:"size:8;not null"`
	SharePrice         decimal.Decimal `gorm:"type:numeric(28,8);not null"`
	TotalShares        decimal.Decimal `gorm:"type:numeric(28,4);not null"`
	SharesReserved     decimal.Decimal `gorm:"type:numeric(28,4);not null"`
	SharesConfirmed    decimal.Decimal `gorm:"type:numeric(28,4);not null"`
	ReleasedAfterClose decimal.Decimal `gorm:"type:numeric(28,4);not null"`
	Status             RoundStatus     `gorm:"size:16;index"`
	CloseReason        string          `gorm:"size:64"`
	OpenedAt           time.Time
	ClosedAt           *time.Time
	UpdatedAt          time.Time
}

// Available returns the shares that can still be reserved.
func (r Round) Available() decimal.Decimal {
	return r.TotalShares.Sub(r.SharesReserved).Sub(r.SharesConfirmed)
}

// Investment is a single investor's position in a round.
type Investment struct {
	ID                     uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserID                 string           `gorm:"size:128;index"`
	RoundNumber            uint64           `gorm:"index"`
	Amount                 decimal.Decimal  `gorm:"type:numeric(28,8);not null"`
	Currency               string           `gorm:"size:8;not null"`
	PaymentMethod          PaymentMethod    `gorm:"size:16;not null"`
	SharesPurchased        decimal.Decimal  `gorm:"type:numeric(28,4);not null"`
	OwnershipPercentage    decimal.Decimal  `gorm:"type:numeric(12,6);not null"`
	Tier                   string           `gorm:"size:16"`
	Status                 InvestmentStatus `gorm:"size:32;index"`
	RailEventID            string           `gorm:"size:160;index"`
	ReferenceCode          string           `gorm:"size:32;uniqueIndex"`
	DepositAddress         string           `gorm:"size:128"`
	DepositAsset           string           `gorm:"size:16;uniqueIndex:idx_deposit_slot"`
	DepositIndex           *int64           `gorm:"uniqueIndex:idx_deposit_slot"`
	CertificateNumber      *string          `gorm:"size:64"`
	CertificateArtifactRef *string          `gorm:"size:255"`
	AgreementArtifactRef   *string          `gorm:"size:255"`
	CertificateVoid        bool
	CertificateVoidedAt    *time.Time
	CancelReason           string `gorm:"size:128"`
	ReservedAt             time.Time
	ExpiresAt              time.Time `gorm:"index"`
	ConfirmedAt            *time.Time
	RefundedAt             *time.Time
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Reservation is the ledger-side claim for an investment's shares.
type Reservation struct {
	InvestmentID uuid.UUID        `gorm:"type:uuid;primaryKey"`
	RoundNumber  uint64           `gorm:"index"`
	Shares       decimal.Decimal  `gorm:"type:numeric(28,4);not null"`
	State        ReservationState `gorm:"size:16;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PaymentEvent records every normalized rail signal and the outcome applied to it.
type PaymentEvent struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Rail             string          `gorm:"size:16;uniqueIndex:idx_rail_event"`
	RailEventID      string          `gorm:"size:160;uniqueIndex:idx_rail_event"`
	Kind             string          `gorm:"size:32"`
	InvestmentID     uuid.UUID       `gorm:"type:uuid;index"`
	ObservedAmount   decimal.Decimal `gorm:"type:numeric(28,8)"`
	ObservedCurrency string          `gorm:"size:8"`
	ObservedAt       time.Time
	Outcome          string `gorm:"size:32"`
	CreatedAt        time.Time
}

// ReviewReason classifies why a payment needs an operator.
type ReviewReason string

const (
	ReviewLateReconciliation ReviewReason = "late_reconciliation"
	ReviewAmountMismatch     ReviewReason = "amount_mismatch"
	ReviewDuplicatePayment   ReviewReason = "duplicate_payment"
)

// ReviewState tracks an item in the manual review queue.
type ReviewState string

const (
	ReviewOpen     ReviewState = "open"
	ReviewApproved ReviewState = "approved"
	ReviewRejected ReviewState = "rejected"
)

// ManualReview is a payment that could not be reconciled automatically.
type ManualReview struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	InvestmentID     uuid.UUID       `gorm:"type:uuid;index"`
	Rail             string          `gorm:"size:16;uniqueIndex:idx_review_event"`
	RailEventID      string          `gorm:"size:160;uniqueIndex:idx_review_event"`
	Reason           ReviewReason    `gorm:"size:32;index"`
	ObservedAmount   decimal.Decimal `gorm:"type:numeric(28,8)"`
	ObservedCurrency string          `gorm:"size:8"`
	ExpectedAmount   decimal.Decimal `gorm:"type:numeric(28,8)"`
	State            ReviewState     `gorm:"size:16;index"`
	Resolution       string          `gorm:"size:512"`
	ResolvedBy       string          `gorm:"size:128"`
	ResolvedAt       *time.Time
	CreatedAt        time.Time
}

// Event is the append-only audit trail of investment and round transitions.
type Event struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey"`
	InvestmentID *uuid.UUID `gorm:"type:uuid;index"`
	RoundNumber  uint64     `gorm:"index"`
	Actor        string     `gorm:"size:128"`
	Action       string     `gorm:"size:64"`
	Details      string     `gorm:"type:text"`
	CreatedAt    time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Round{},
		&Investment{},
		&Reservation{},
		&PaymentEvent{},
		&ManualReview{},
		&Event{},
		&IdempotencyKey{},
	)
}
