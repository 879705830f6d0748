// Package investments owns the investment record and its state machine. All
// share movements go through the ledger; every transition is written in the
// same transaction as the tally change it implies.
package investments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundround/observability/logging"
	"fundround/services/roundd/artifacts"
	"fundround/services/roundd/kyc"
	"fundround/services/roundd/ledger"
	"fundround/services/roundd/locks"
	"fundround/services/roundd/models"
	"fundround/services/roundd/notify"
	"fundround/services/roundd/pricing"
	"fundround/services/roundd/rails"
	"fundround/services/roundd/rails/bank"
)

// DepositDirectory derives the deposit address for the index-th investment
// paying in asset.
type DepositDirectory interface {
	Deposit(asset string, index uint32) (rails.Deposit, error)
}

// Config wires a Service.
type Config struct {
	DB            *gorm.DB
	Ledger        *ledger.Ledger
	Locks         *locks.Keyed
	KYC           kyc.Gate
	Notifier      notify.Sink
	CompanyShares decimal.Decimal
	Windows       map[models.PaymentMethod]time.Duration
	Deposits      DepositDirectory
	Beneficiary   string
	Now           func() time.Time
}

// Service exposes reservation, status and lifecycle operations.
type Service struct {
	db            *gorm.DB
	ledger        *ledger.Ledger
	locks         *locks.Keyed
	kyc           kyc.Gate
	notifier      notify.Sink
	companyShares decimal.Decimal
	windows       map[models.PaymentMethod]time.Duration
	deposits      DepositDirectory
	beneficiary   string
	now           func() time.Time
}

// NewService validates cfg and fills defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.DB == nil || cfg.Ledger == nil {
		return nil, errors.New("investments: db and ledger are required")
	}
	if cfg.KYC == nil {
		return nil, errors.New("investments: kyc gate is required")
	}
	if !cfg.CompanyShares.IsPositive() {
		return nil, pricing.ErrDivisionUndefined
	}
	if cfg.Locks == nil {
		cfg.Locks = locks.New()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	windows := map[models.PaymentMethod]time.Duration{
		models.MethodCard:         30 * time.Minute,
		models.MethodCrypto:       30 * time.Minute,
		models.MethodBankTransfer: 7 * 24 * time.Hour,
	}
	for method, window := range cfg.Windows {
		if window > 0 {
			windows[method] = window
		}
	}
	return &Service{
		db:            cfg.DB,
		ledger:        cfg.Ledger,
		locks:         cfg.Locks,
		kyc:           cfg.KYC,
		notifier:      cfg.Notifier,
		companyShares: cfg.CompanyShares,
		windows:       windows,
		deposits:      cfg.Deposits,
		beneficiary:   cfg.Beneficiary,
		now:           cfg.Now,
	}, nil
}

// ReserveRequest is an investor's request to buy shares.
type ReserveRequest struct {
	UserID        string
	RoundNumber   uint64
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod models.PaymentMethod
}

// Reservation is returned when shares were granted.
type Reservation struct {
	InvestmentID  uuid.UUID       `json:"investmentId"`
	RoundNumber   uint64          `json:"round"`
	Shares        decimal.Decimal `json:"shares"`
	Ownership     decimal.Decimal `json:"ownershipPercentage"`
	Tier          pricing.Tier    `json:"tier"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	ReferenceCode string          `json:"referenceCode,omitempty"`
}

// Reserve validates the request, checks the KYC gate and claims shares in the
// round. Input errors are returned before anything is written.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return Reservation{}, ErrInvalidUser
	}
	if !req.PaymentMethod.Valid() {
		return Reservation{}, ErrInvalidMethod
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Reservation{}, ErrInvalidCurrency
	}
	if !req.Amount.IsPositive() {
		return Reservation{}, ErrInvalidAmount
	}

	unlock, err := s.locks.Lock(ctx, userKey(userID))
	if err != nil {
		return Reservation{}, err
	}
	defer unlock()

	round, err := s.ledger.Round(ctx, req.RoundNumber)
	if err != nil {
		return Reservation{}, err
	}
	if round.Status != models.RoundOpen {
		return Reservation{}, ErrRoundClosed
	}
	if round.Currency != currency {
		return Reservation{}, ErrCurrencyMismatch
	}
	quote, err := pricing.NewQuote(req.Amount, round.SharePrice, s.companyShares)
	if err != nil {
		return Reservation{}, err
	}
	if !quote.Shares.IsPositive() {
		return Reservation{}, ErrInvalidAmount
	}
	if err := s.checkKYC(ctx, userID, req.Amount); err != nil {
		return Reservation{}, err
	}

	now := s.now().UTC()
	id := uuid.New()
	inv := models.Investment{
		ID:                  id,
		UserID:              userID,
		RoundNumber:         round.Number,
		Amount:              req.Amount,
		Currency:            currency,
		PaymentMethod:       req.PaymentMethod,
		SharesPurchased:     quote.Shares,
		OwnershipPercentage: quote.Ownership,
		Tier:                string(quote.Tier),
		Status:              models.StatusReserved,
		ReferenceCode:       bank.ReferenceCode(id),
		ReservedAt:          now,
		ExpiresAt:           now.Add(s.windows[req.PaymentMethod]),
		Version:             1,
	}
	err = s.ledger.WithRound(ctx, "reserve", round.Number, func(tx *ledger.Tx) error {
		if err := tx.Reserve(inv.ID, inv.SharesPurchased); err != nil {
			return err
		}
		if err := tx.DB().Create(&inv).Error; err != nil {
			return err
		}
		return recordEvent(tx.DB(), inv, userID, "investment.reserved", map[string]any{
			"amount": inv.Amount.String(),
			"shares": inv.SharesPurchased.String(),
			"method": string(inv.PaymentMethod),
		})
	})
	if err != nil {
		return Reservation{}, err
	}

	slog.InfoContext(ctx, "fundround/investments: shares reserved",
		"investment_id", inv.ID.String(),
		"round", inv.RoundNumber,
		"shares", inv.SharesPurchased.String(),
		"tier", inv.Tier)
	s.notify(ctx, inv, notify.EventReserved)

	return Reservation{
		InvestmentID:  inv.ID,
		RoundNumber:   inv.RoundNumber,
		Shares:        inv.SharesPurchased,
		Ownership:     inv.OwnershipPercentage,
		Tier:          quote.Tier,
		ExpiresAt:     inv.ExpiresAt,
		ReferenceCode: inv.ReferenceCode,
	}, nil
}

func (s *Service) checkKYC(ctx context.Context, userID string, amount decimal.Decimal) error {
	eligible, err := s.kyc.IsEligible(ctx, userID, amount)
	if err != nil {
		return fmt.Errorf("investments: kyc eligibility: %w", err)
	}
	if !eligible {
		return ErrKycRequired
	}
	limit, err := s.kyc.DailyLimit(ctx, userID)
	if err != nil {
		return fmt.Errorf("investments: kyc limit: %w", err)
	}
	if limit.Unlimited {
		return nil
	}
	spent, err := s.spentToday(ctx, userID)
	if err != nil {
		return err
	}
	if !limit.Allows(spent.Add(amount)) {
		return ErrLimitExceeded
	}
	return nil
}

// spentToday sums the user's live investments reserved since UTC midnight.
func (s *Service) spentToday(ctx context.Context, userID string) (decimal.Decimal, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	statuses := append(models.PendingStatuses(), models.StatusConfirmed)
	var amounts []decimal.Decimal
	err := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("user_id = ? AND reserved_at >= ? AND status IN ?", userID, dayStart, statuses).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total, nil
}

// Lock acquires the investment's exclusive section and loads it. The caller
// must Release the handle.
func (s *Service) Lock(ctx context.Context, id uuid.UUID) (*Handle, error) {
	unlock, err := s.locks.Lock(ctx, investmentKey(id))
	if err != nil {
		return nil, err
	}
	inv, err := s.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return &Handle{svc: s, inv: inv, unlock: unlock}, nil
}

// Get loads an investment without locking it.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.Investment, error) {
	var inv models.Investment
	err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Investment{}, ErrNotFound
	}
	return inv, err
}

// ByReference resolves a bank wire reference code.
func (s *Service) ByReference(ctx context.Context, code string) (models.Investment, error) {
	var inv models.Investment
	err := s.db.WithContext(ctx).First(&inv, "reference_code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Investment{}, ErrNotFound
	}
	return inv, err
}

// LookupReference resolves a normalized wire reference to an investment id.
func (s *Service) LookupReference(ctx context.Context, code string) (uuid.UUID, bool, error) {
	inv, err := s.ByReference(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return inv.ID, true, nil
}

// StatusView is the investor-facing projection of an investment.
type StatusView struct {
	InvestmentID        uuid.UUID               `json:"investmentId"`
	RoundNumber         uint64                  `json:"round"`
	Status              models.InvestmentStatus `json:"status"`
	Amount              decimal.Decimal         `json:"amount"`
	Currency            string                  `json:"currency"`
	PaymentMethod       models.PaymentMethod    `json:"paymentMethod"`
	Shares              decimal.Decimal         `json:"shares"`
	OwnershipPercentage decimal.Decimal         `json:"ownershipPercentage"`
	Tier                string                  `json:"tier"`
	ReservedAt          time.Time               `json:"reservedAt"`
	ExpiresAt           time.Time               `json:"expiresAt"`
	ConfirmedAt         *time.Time              `json:"confirmedAt,omitempty"`
	CertificateNumber   *string                 `json:"certificateNumber,omitempty"`
	CertificateRef      *string                 `json:"certificateRef,omitempty"`
	AgreementRef        *string                 `json:"agreementRef,omitempty"`
	CertificateVoid     bool                    `json:"certificateVoid"`
}

func viewOf(inv models.Investment) StatusView {
	return StatusView{
		InvestmentID:        inv.ID,
		RoundNumber:         inv.RoundNumber,
		Status:              inv.Status,
		Amount:              inv.Amount,
		Currency:            inv.Currency,
		PaymentMethod:       inv.PaymentMethod,
		Shares:              inv.SharesPurchased,
		OwnershipPercentage: inv.OwnershipPercentage,
		Tier:                inv.Tier,
		ReservedAt:          inv.ReservedAt,
		ExpiresAt:           inv.ExpiresAt,
		ConfirmedAt:         inv.ConfirmedAt,
		CertificateNumber:   inv.CertificateNumber,
		CertificateRef:      inv.CertificateArtifactRef,
		AgreementRef:        inv.AgreementArtifactRef,
		CertificateVoid:     inv.CertificateVoid,
	}
}

// Status returns the investor-facing view of one investment.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (StatusView, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(inv), nil
}

// ListInvestments returns every investment a user holds, newest first.
func (s *Service) ListInvestments(ctx context.Context, userID string) ([]StatusView, error) {
	var rows []models.Investment
	err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("reserved_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	views := make([]StatusView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewOf(row))
	}
	return views, nil
}

// ExpiredPending lists pending investments whose window closed at or before
// now, oldest first.
func (s *Service) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("status IN ? AND expires_at <= ?", models.PendingStatuses(), now.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Pluck("id", &ids).Error
	return ids, err
}

// MissingArtifacts lists confirmed investments that still have no
// certificate or agreement reference.
func (s *Service) MissingArtifacts(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("status = ? AND (certificate_artifact_ref IS NULL OR agreement_artifact_ref IS NULL)", models.StatusConfirmed).
		Order("confirmed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Pluck("id", &ids).Error
	return ids, err
}

// Cancel cancels a pending investment on behalf of actor.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (models.Investment, error) {
	h, err := s.Lock(ctx, id)
	if err != nil {
		return models.Investment{}, err
	}
	defer h.Release()
	if err := h.Cancel(ctx, reason, actor); err != nil {
		return models.Investment{}, err
	}
	return h.Investment(), nil
}

// Refund reverses a confirmed investment.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, reason, actor string) (models.Investment, error) {
	h, err := s.Lock(ctx, id)
	if err != nil {
		return models.Investment{}, err
	}
	defer h.Release()
	if err := h.Refund(ctx, reason, actor); err != nil {
		return models.Investment{}, err
	}
	return h.Investment(), nil
}

// BeginPayment issues payment instructions and moves the investment into its
// awaiting state. Calling it again returns the same instructions.
func (s *Service) BeginPayment(ctx context.Context, id uuid.UUID, asset string) (Instructions, error) {
	h, err := s.Lock(ctx, id)
	if err != nil {
		return Instructions{}, err
	}
	defer h.Release()
	return h.BeginPayment(ctx, asset)
}

// Instructions tell the investor how to pay.
type Instructions struct {
	InvestmentID   uuid.UUID               `json:"investmentId"`
	Method         models.PaymentMethod    `json:"method"`
	Status         models.InvestmentStatus `json:"status"`
	AmountDue      decimal.Decimal         `json:"amountDue"`
	Currency       string                  `json:"currency"`
	ExpiresAt      time.Time               `json:"expiresAt"`
	ReferenceCode  string                  `json:"referenceCode,omitempty"`
	Beneficiary    string                  `json:"beneficiary,omitempty"`
	DepositAddress string                  `json:"depositAddress,omitempty"`
	Asset          string                  `json:"asset,omitempty"`
	Chain          string                  `json:"chain,omitempty"`
}

func (s *Service) instructionsFor(inv models.Investment) Instructions {
	out := Instructions{
		InvestmentID: inv.ID,
		Method:       inv.PaymentMethod,
		Status:       inv.Status,
		AmountDue:    inv.Amount,
		Currency:     inv.Currency,
		ExpiresAt:    inv.ExpiresAt,
	}
	switch inv.PaymentMethod {
	case models.MethodBankTransfer:
		out.ReferenceCode = inv.ReferenceCode
		out.Beneficiary = s.beneficiary
	case models.MethodCrypto:
		out.DepositAddress = inv.DepositAddress
		out.Asset = inv.DepositAsset
		if s.deposits != nil && inv.DepositIndex != nil {
			if deposit, err := s.deposits.Deposit(inv.DepositAsset, uint32(*inv.DepositIndex)); err == nil {
				out.Chain = deposit.Chain
			}
		}
	}
	return out
}

// DepositOf returns the deposit address issued to a crypto investment, or an
// empty deposit when payment has not started.
func (s *Service) DepositOf(ctx context.Context, id uuid.UUID) (rails.Deposit, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return rails.Deposit{}, err
	}
	if inv.PaymentMethod != models.MethodCrypto {
		return rails.Deposit{}, nil
	}
	return rails.Deposit{Asset: inv.DepositAsset, Address: inv.DepositAddress, Currency: inv.Currency}, nil
}

// RecordArtifact stores a generated artifact reference unless one is already
// present.
func (s *Service) RecordArtifact(ctx context.Context, id uuid.UUID, kind artifacts.Kind, ref string) error {
	column, err := artifactColumn(kind)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Investment{}).
		Where("id = ? AND "+column+" IS NULL", id).
		Update(column, ref)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		slog.DebugContext(ctx, "fundround/investments: artifact already recorded",
			"investment_id", id.String(), "kind", string(kind))
	}
	return nil
}

// ArtifactRef returns the stored reference for kind, or "".
func (s *Service) ArtifactRef(ctx context.Context, id uuid.UUID, kind artifacts.Kind) (string, error) {
	inv, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	var ref *string
	switch kind {
	case artifacts.KindCertificate:
		ref = inv.CertificateArtifactRef
	case artifacts.KindAgreement:
		ref = inv.AgreementArtifactRef
	default:
		return "", fmt.Errorf("investments: unknown artifact kind %q", kind)
	}
	if ref == nil {
		return "", nil
	}
	return *ref, nil
}

func artifactColumn(kind artifacts.Kind) (string, error) {
	switch kind {
	case artifacts.KindCertificate:
		return "certificate_artifact_ref", nil
	case artifacts.KindAgreement:
		return "agreement_artifact_ref", nil
	}
	return "", fmt.Errorf("investments: unknown artifact kind %q", kind)
}

func (s *Service) notify(ctx context.Context, inv models.Investment, event string) {
	payload := map[string]any{
		"investment_id": inv.ID.String(),
		"round":         inv.RoundNumber,
		"status":        string(inv.Status),
		"shares":        inv.SharesPurchased.String(),
	}
	if err := s.notifier.Notify(ctx, inv.UserID, event, payload); err != nil {
		slog.WarnContext(ctx, "fundround/investments: notification failed",
			"investment_id", inv.ID.String(),
			logging.MaskField("user_id", inv.UserID),
			"event", event,
			"error", err)
	}
}

func recordEvent(db *gorm.DB, inv models.Investment, actor, action string, details map[string]any) error {
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("investments: encode event: %w", err)
	}
	id := inv.ID
	return db.Create(&models.Event{
		ID:           uuid.New(),
		InvestmentID: &id,
		RoundNumber:  inv.RoundNumber,
		Actor:        actor,
		Action:       action,
		Details:      string(payload),
	}).Error
}

func userKey(userID string) string { return "user:" + userID }

func investmentKey(id uuid.UUID) string { return "investment:" + id.String() }

func depositKey(asset string) string { return "deposit:" + asset }
