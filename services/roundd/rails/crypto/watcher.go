package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fundround/observability"
	"fundround/observability/logging"
	"fundround/services/roundd/rails"
)

var (
	// ErrInvalidSignature is returned when an IPN body fails HMAC verification.
	ErrInvalidSignature = errors.New("crypto: invalid ipn signature")
	// ErrInvalidNotification is returned for IPN bodies that cannot be used.
	ErrInvalidNotification = errors.New("crypto: invalid ipn payload")
	// ErrNotBound is returned when an investment has no deposit address yet.
	ErrNotBound = errors.New("crypto: investment has no deposit address")
	// ErrAssetMismatch is returned when a reported asset differs from the one
	// the investment was told to pay in.
	ErrAssetMismatch = errors.New("crypto: asset differs from deposit instructions")
)

// Bindings resolves the deposit address issued to an investment.
type Bindings interface {
	DepositOf(ctx context.Context, investmentID uuid.UUID) (rails.Deposit, error)
}

// WatcherConfig wires a Watcher. IPNSecret may be empty, in which case
// processor notifications are refused.
type WatcherConfig struct {
	Directory *Directory
	Bindings  Bindings
	// Sources maps a chain name to the source that observes it.
	Sources          map[string]Source
	Store            *Store
	Sink             rails.Sink
	MinConfirmations uint64
	// MaxPending drops transactions the chain still does not know after
	// this long. Zero keeps them forever.
	MaxPending time.Duration
	IPNSecret  string
	Now        func() time.Time
}

// Watcher polls watched transactions and emits payment_observed once each
// reaches the confirmation depth. Emission happens at most once per hash and
// investment, and only for value paid to that investment's own address.
type Watcher struct {
	dir        *Directory
	bindings   Bindings
	sources    map[string]Source
	store      *Store
	sink       rails.Sink
	minConf    uint64
	maxPending time.Duration
	secret     string
	now        func() time.Time
}

// NewWatcher validates cfg.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("crypto: asset directory required")
	}
	if cfg.Bindings == nil {
		return nil, fmt.Errorf("crypto: deposit bindings required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("crypto: store required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("crypto: sink required")
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{
		dir:        cfg.Directory,
		bindings:   cfg.Bindings,
		sources:    cfg.Sources,
		store:      cfg.Store,
		sink:       cfg.Sink,
		minConf:    cfg.MinConfirmations,
		maxPending: cfg.MaxPending,
		secret:     strings.TrimSpace(cfg.IPNSecret),
		now:        cfg.Now,
	}, nil
}

// Watch registers a transaction an investor reported for investmentID. The
// watch is bound to the deposit address the investment was issued, so a hash
// paying someone else's address never confirms it.
func (w *Watcher) Watch(ctx context.Context, investmentID uuid.UUID, asset, txHash string) error {
	if investmentID == uuid.Nil {
		return fmt.Errorf("crypto: investment id required")
	}
	hash := strings.TrimSpace(txHash)
	if hash == "" {
		return fmt.Errorf("crypto: tx hash required")
	}
	deposit, err := w.bindings.DepositOf(ctx, investmentID)
	if err != nil {
		return err
	}
	if deposit.Asset == "" || deposit.Address == "" {
		return ErrNotBound
	}
	if asset = strings.TrimSpace(asset); asset != "" && !strings.EqualFold(asset, deposit.Asset) {
		return fmt.Errorf("%w: %s, expected %s", ErrAssetMismatch, asset, deposit.Asset)
	}
	resolved, ok := w.dir.Asset(deposit.Asset)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, deposit.Asset)
	}
	if _, ok := w.sources[resolved.Chain]; !ok {
		return fmt.Errorf("crypto: no source configured for chain %s", resolved.Chain)
	}
	added, err := w.store.Add(Watch{
		InvestmentID: investmentID,
		Asset:        resolved.Symbol,
		Address:      deposit.Address,
		TxHash:       hash,
		AddedAt:      w.now().UTC(),
	})
	if err != nil {
		return err
	}
	if added {
		slog.InfoContext(ctx, "fundround/crypto: watching deposit",
			"investment_id", investmentID.String(),
			"asset", resolved.Symbol,
			logging.Suffix("address", deposit.Address, 6),
			"tx_hash", hash)
	}
	return nil
}

// Poll checks every watched transaction once and returns how many events
// were emitted.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	pending, err := w.store.Pending()
	if err != nil {
		return 0, err
	}
	metrics := observability.Rails()
	emitted := 0
	for _, watch := range pending {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}
		ok, err := w.check(ctx, watch)
		if err != nil {
			slog.WarnContext(ctx, "fundround/crypto: poll failed",
				"investment_id", watch.InvestmentID.String(),
				"tx_hash", watch.TxHash,
				"error", err)
			continue
		}
		if ok {
			metrics.RecordSignal(rails.RailCrypto, string(rails.KindObserved))
			emitted++
		}
	}
	return emitted, nil
}

func (w *Watcher) check(ctx context.Context, watch Watch) (bool, error) {
	metrics := observability.Rails()
	asset, ok := w.dir.Asset(watch.Asset)
	if !ok {
		metrics.RecordDrop(rails.RailCrypto, "unknown_asset")
		return false, w.store.Drop(watch)
	}
	source, ok := w.sources[asset.Chain]
	if !ok {
		return false, fmt.Errorf("no source for chain %s", asset.Chain)
	}
	obs, err := source.Observe(ctx, asset, watch.Address, watch.TxHash)
	if errors.Is(err, ErrTxNotFound) {
		if w.maxPending > 0 && w.now().Sub(watch.AddedAt) > w.maxPending {
			metrics.RecordDrop(rails.RailCrypto, "not_found")
			return false, w.store.Drop(watch)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if obs.Failed {
		slog.WarnContext(ctx, "fundround/crypto: deposit transaction failed on chain",
			"investment_id", watch.InvestmentID.String(),
			"tx_hash", watch.TxHash)
		metrics.RecordDrop(rails.RailCrypto, "failed")
		return false, w.store.Drop(watch)
	}
	if obs.Confirmations < w.minConf {
		return false, nil
	}
	if !obs.Amount.IsPositive() {
		slog.WarnContext(ctx, "fundround/crypto: transaction paid nothing to the deposit address",
			"investment_id", watch.InvestmentID.String(),
			"tx_hash", watch.TxHash,
			"asset", asset.Symbol,
			logging.Suffix("address", watch.Address, 6))
		metrics.RecordDrop(rails.RailCrypto, "no_transfer")
		return false, w.store.Drop(watch)
	}

	event := rails.Event{
		InvestmentID:     watch.InvestmentID,
		ObservedAmount:   obs.Amount,
		ObservedCurrency: asset.Currency,
		RailEventID:      asset.Chain + ":" + string(txKey(watch.TxHash)) + ":" + strings.ToLower(watch.Address),
		Timestamp:        w.now().UTC(),
		Rail:             rails.RailCrypto,
		Kind:             rails.KindObserved,
	}
	if err := w.sink.SubmitPaymentEvent(ctx, event); err != nil {
		if rails.Permanent(err) {
			metrics.RecordDrop(rails.RailCrypto, "rejected")
			slog.WarnContext(ctx, "fundround/crypto: event rejected, dropping watch",
				"investment_id", watch.InvestmentID.String(),
				"tx_hash", watch.TxHash,
				"error", err)
			return false, w.store.Drop(watch)
		}
		return false, err
	}
	if err := w.store.MarkEmitted(watch); err != nil {
		return false, err
	}
	slog.InfoContext(ctx, "fundround/crypto: deposit confirmed",
		"investment_id", watch.InvestmentID.String(),
		"tx_hash", watch.TxHash,
		"confirmations", obs.Confirmations,
		"amount", obs.Amount.String())
	return true, nil
}

// ipnPayload is the subset of the payment processor notification we read.
type ipnPayload struct {
	OrderID         string `json:"order_id"`
	PaymentStatus   string `json:"payment_status"`
	PayCurrency     string `json:"pay_currency"`
	PayinHash       string `json:"payin_hash"`
	TransactionHash string `json:"transaction_hash"`
	PaymentDetails  struct {
		TxHash string `json:"tx_hash"`
	} `json:"payment_details"`
}

// HandleIPN verifies a processor notification and starts watching the
// transaction it names. Unsettled statuses are acknowledged and ignored.
// It reports whether a watch was registered.
func (w *Watcher) HandleIPN(ctx context.Context, body []byte, signature string) (bool, error) {
	if !VerifyIPNHMAC(w.secret, body, signature) {
		observability.Rails().RecordDrop(rails.RailCrypto, "signature")
		return false, ErrInvalidSignature
	}
	var payload ipnPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	switch strings.ToLower(strings.TrimSpace(payload.PaymentStatus)) {
	case "confirming", "confirmed", "sending", "finished":
	default:
		slog.DebugContext(ctx, "fundround/crypto: ipn status ignored", "status", payload.PaymentStatus)
		return false, nil
	}
	id, err := uuid.Parse(strings.TrimSpace(payload.OrderID))
	if err != nil {
		return false, fmt.Errorf("%w: order_id: %v", ErrInvalidNotification, err)
	}
	hash := firstNonEmpty(payload.PayinHash, payload.TransactionHash, payload.PaymentDetails.TxHash)
	if hash == "" {
		return false, fmt.Errorf("%w: transaction hash missing", ErrInvalidNotification)
	}
	if err := w.Watch(ctx, id, payload.PayCurrency, hash); err != nil {
		return false, err
	}
	return true, nil
}

// VerifyIPNHMAC checks a hex HMAC-SHA512 signature over the raw body. Nothing
// verifies against an empty secret.
func VerifyIPNHMAC(secret string, body []byte, provided string) bool {
	if strings.TrimSpace(secret) == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	cleaned := strings.TrimSpace(strings.ToLower(provided))
	cleaned = strings.TrimPrefix(cleaned, "0x")
	if cleaned == "" {
		return false
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, decoded)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
