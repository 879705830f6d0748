package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML and TOML files can use "30m" style values.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Decimal wraps decimal.Decimal so money values stay exact when read from files.
type Decimal struct {
	decimal.Decimal
}

// UnmarshalYAML parses decimal scalars without a float round-trip.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("decimal must be scalar")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and env values.
func (d *Decimal) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("parse decimal %q: %w", raw, err)
	}
	d.Decimal = parsed
	return nil
}

// Config captures runtime configuration for roundd.
type Config struct {
	Environment string            `yaml:"environment" toml:"environment"`
	Listen      string            `yaml:"listen" toml:"listen"`
	GRPCListen  string            `yaml:"grpc_listen" toml:"grpc_listen"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Company     CompanyConfig     `yaml:"company" toml:"company"`
	Reservation ReservationConfig `yaml:"reservation" toml:"reservation"`
	Sweep       SweepConfig       `yaml:"sweep" toml:"sweep"`
	Audit       AuditConfig       `yaml:"audit" toml:"audit"`
	KYC         KYCConfig         `yaml:"kyc" toml:"kyc"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts" toml:"artifacts"`
	Notify      NotifyConfig      `yaml:"notify" toml:"notify"`
	Rails       RailsConfig       `yaml:"rails" toml:"rails"`
	Admin       AdminConfig       `yaml:"admin" toml:"admin"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
	Log         LogConfig         `yaml:"log" toml:"log"`
}

// DatabaseConfig selects the gorm dialect by DSN prefix: postgres:// or sqlite://.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn" toml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
}

// CompanyConfig holds the denominator used for ownership percentages.
type CompanyConfig struct {
	TotalShares int64 `yaml:"total_shares" toml:"total_shares"`
}

// ReservationConfig tunes the payment window per rail.
type ReservationConfig struct {
	CardWindow   Duration `yaml:"card_window" toml:"card_window"`
	CryptoWindow Duration `yaml:"crypto_window" toml:"crypto_window"`
	BankWindow   Duration `yaml:"bank_window" toml:"bank_window"`
}

// SweepConfig controls the expiry sweep job.
type SweepConfig struct {
	Interval             Duration `yaml:"interval" toml:"interval"`
	PerInvestmentTimeout Duration `yaml:"per_investment_timeout" toml:"per_investment_timeout"`
	BatchSize            int      `yaml:"batch_size" toml:"batch_size"`
	RatePerSecond        float64  `yaml:"rate_per_second" toml:"rate_per_second"`
}

// AuditConfig controls the ledger audit job and its report output.
type AuditConfig struct {
	Interval  Duration `yaml:"interval" toml:"interval"`
	ReportDir string   `yaml:"report_dir" toml:"report_dir"`
}

// KYCConfig points at the identity gate. An empty BaseURL selects the static
// gate, which admits only the users listed in Allow.
type KYCConfig struct {
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	APIKey  string   `yaml:"api_key" toml:"api_key"`
	Timeout Duration `yaml:"timeout" toml:"timeout"`
	Allow   []string `yaml:"allow" toml:"allow"`
}

// ArtifactsConfig points at the certificate/agreement generator.
type ArtifactsConfig struct {
	BaseURL     string   `yaml:"base_url" toml:"base_url"`
	APIKey      string   `yaml:"api_key" toml:"api_key"`
	Timeout     Duration `yaml:"timeout" toml:"timeout"`
	Workers     int      `yaml:"workers" toml:"workers"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	Backoff     Duration `yaml:"backoff" toml:"backoff"`
}

// NotifyConfig controls the outbound notification webhook.
type NotifyConfig struct {
	WebhookURL    string  `yaml:"webhook_url" toml:"webhook_url"`
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// RailsConfig groups the payment-rail adapters.
type RailsConfig struct {
	Crypto CryptoConfig `yaml:"crypto" toml:"crypto"`
	Bank   BankConfig   `yaml:"bank" toml:"bank"`
	Card   CardConfig   `yaml:"card" toml:"card"`
}

// CryptoConfig configures the on-chain watcher.
type CryptoConfig struct {
	RPCURL           string        `yaml:"rpc_url" toml:"rpc_url"`
	EsploraURL       string        `yaml:"esplora_url" toml:"esplora_url"`
	MinConfirmations uint64        `yaml:"min_confirmations" toml:"min_confirmations"`
	PollInterval     Duration      `yaml:"poll_interval" toml:"poll_interval"`
	DedupePath       string        `yaml:"dedupe_path" toml:"dedupe_path"`
	IPNSecret        string        `yaml:"ipn_secret" toml:"ipn_secret"`
	Assets           []CryptoAsset `yaml:"assets" toml:"assets"`
}

// CryptoAsset maps an on-chain asset onto the investment currency.
type CryptoAsset struct {
	Symbol   string `yaml:"symbol" toml:"symbol"`
	Chain    string `yaml:"chain" toml:"chain"`
	Contract string `yaml:"contract" toml:"contract"`
	Decimals int32  `yaml:"decimals" toml:"decimals"`
	// XPub is the account-level extended public key deposit addresses are
	// derived from, one per investment.
	XPub string `yaml:"xpub" toml:"xpub"`
	// Currency is the asset's own symbol, or the fiat currency a pegged
	// stablecoin settles against one-to-one.
	Currency string `yaml:"currency" toml:"currency"`
}

// BankConfig configures the wire matcher.
type BankConfig struct {
	Tolerance       Decimal `yaml:"tolerance" toml:"tolerance"`
	JournalPath     string  `yaml:"journal_path" toml:"journal_path"`
	WebhookSecret   string  `yaml:"webhook_secret" toml:"webhook_secret"`
	BeneficiaryIBAN string  `yaml:"beneficiary_iban" toml:"beneficiary_iban"`
}

// CardConfig configures the card processor signal verifier.
type CardConfig struct {
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
	Issuer        string `yaml:"issuer" toml:"issuer"`
}

// AdminConfig protects the operator routes.
type AdminConfig struct {
	Token string `yaml:"token" toml:"token"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LogConfig controls the slog handler and optional rotating file.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// Load reads configuration from path. Files ending in .toml are decoded as TOML,
// everything else as YAML. Environment overrides are applied before defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WindowFor returns the reservation window configured for a payment method.
func (c ReservationConfig) WindowFor(method string) time.Duration {
	switch method {
	case "bank_transfer":
		return c.BankWindow.Duration
	case "card":
		return c.CardWindow.Duration
	default:
		return c.CryptoWindow.Duration
	}
}

func applyEnv(cfg *Config) error {
	cfg.Listen = getEnvDefault("ROUNDD_LISTEN", cfg.Listen)
	cfg.Database.DSN = getEnvDefault("ROUNDD_DATABASE_DSN", cfg.Database.DSN)
	cfg.Admin.Token = getEnvDefault("ROUNDD_ADMIN_TOKEN", cfg.Admin.Token)
	cfg.KYC.APIKey = getEnvDefault("ROUNDD_KYC_API_KEY", cfg.KYC.APIKey)
	cfg.Artifacts.APIKey = getEnvDefault("ROUNDD_ARTIFACTS_API_KEY", cfg.Artifacts.APIKey)
	cfg.Rails.Card.SigningSecret = getEnvDefault("ROUNDD_CARD_SIGNING_SECRET", cfg.Rails.Card.SigningSecret)
	cfg.Rails.Crypto.IPNSecret = getEnvDefault("ROUNDD_CRYPTO_IPN_SECRET", cfg.Rails.Crypto.IPNSecret)
	cfg.Rails.Bank.WebhookSecret = getEnvDefault("ROUNDD_BANK_WEBHOOK_SECRET", cfg.Rails.Bank.WebhookSecret)
	cfg.Log.Level = getEnvDefault("ROUNDD_LOG_LEVEL", cfg.Log.Level)
	cfg.Telemetry.Endpoint = getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Headers = getEnvDefault("OTEL_EXPORTER_OTLP_HEADERS", cfg.Telemetry.Headers)

	insecure, err := parseBoolEnv("ROUNDD_TELEMETRY_INSECURE", cfg.Telemetry.Insecure)
	if err != nil {
		return err
	}
	cfg.Telemetry.Insecure = insecure

	total, err := parseIntEnv("ROUNDD_COMPANY_TOTAL_SHARES", cfg.Company.TotalShares)
	if err != nil {
		return err
	}
	cfg.Company.TotalShares = total

	if raw := strings.TrimSpace(os.Getenv("ROUNDD_BANK_TOLERANCE")); raw != "" {
		if err := cfg.Rails.Bank.Tolerance.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("ROUNDD_BANK_TOLERANCE: %w", err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":7090"
	}
	if cfg.GRPCListen == "" {
		cfg.GRPCListen = ":7091"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sqlite:///var/data/roundd.sqlite"
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 16
	}
	if cfg.Company.TotalShares == 0 {
		cfg.Company.TotalShares = 1_000_000
	}
	if cfg.Reservation.CardWindow.Duration == 0 {
		cfg.Reservation.CardWindow.Duration = 30 * time.Minute
	}
	if cfg.Reservation.CryptoWindow.Duration == 0 {
		cfg.Reservation.CryptoWindow.Duration = 30 * time.Minute
	}
	if cfg.Reservation.BankWindow.Duration == 0 {
		cfg.Reservation.BankWindow.Duration = 7 * 24 * time.Hour
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = 30 * time.Second
	}
	if cfg.Sweep.PerInvestmentTimeout.Duration == 0 {
		cfg.Sweep.PerInvestmentTimeout.Duration = 5 * time.Second
	}
	if cfg.Sweep.BatchSize <= 0 {
		cfg.Sweep.BatchSize = 200
	}
	if cfg.Sweep.RatePerSecond <= 0 {
		cfg.Sweep.RatePerSecond = 50
	}
	if cfg.Audit.Interval.Duration == 0 {
		cfg.Audit.Interval.Duration = time.Hour
	}
	if cfg.KYC.Timeout.Duration == 0 {
		cfg.KYC.Timeout.Duration = 5 * time.Second
	}
	if cfg.Artifacts.Timeout.Duration == 0 {
		cfg.Artifacts.Timeout.Duration = 10 * time.Second
	}
	if cfg.Artifacts.Workers <= 0 {
		cfg.Artifacts.Workers = 8
	}
	if cfg.Artifacts.MaxAttempts <= 0 {
		cfg.Artifacts.MaxAttempts = 5
	}
	if cfg.Artifacts.Backoff.Duration == 0 {
		cfg.Artifacts.Backoff.Duration = 500 * time.Millisecond
	}
	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = 20
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 40
	}
	if cfg.Rails.Crypto.MinConfirmations == 0 {
		cfg.Rails.Crypto.MinConfirmations = 12
	}
	if cfg.Rails.Crypto.PollInterval.Duration == 0 {
		cfg.Rails.Crypto.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Rails.Crypto.DedupePath == "" {
		cfg.Rails.Crypto.DedupePath = "/var/data/roundd-crypto.bolt"
	}
	if cfg.Rails.Bank.JournalPath == "" {
		cfg.Rails.Bank.JournalPath = "/var/data/roundd-wires"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg Config) error {
	var errs []error
	if cfg.Company.TotalShares <= 0 {
		errs = append(errs, fmt.Errorf("company.total_shares must be positive"))
	}
	if cfg.Rails.Bank.Tolerance.IsNegative() {
		errs = append(errs, fmt.Errorf("rails.bank.tolerance must not be negative"))
	}
	if cfg.Sweep.PerInvestmentTimeout.Duration >= cfg.Sweep.Interval.Duration {
		errs = append(errs, fmt.Errorf("sweep.per_investment_timeout must be shorter than sweep.interval"))
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be within [0,1]"))
	}
	for i, asset := range cfg.Rails.Crypto.Assets {
		if strings.TrimSpace(asset.Symbol) == "" {
			errs = append(errs, fmt.Errorf("rails.crypto.assets[%d]: symbol required", i))
		}
		if strings.TrimSpace(asset.XPub) == "" {
			errs = append(errs, fmt.Errorf("rails.crypto.assets[%d]: xpub required", i))
		}
		if strings.EqualFold(strings.TrimSpace(asset.Currency), strings.TrimSpace(asset.Symbol)) {
			continue
		}
		if _, err := currency.ParseISO(asset.Currency); err != nil {
			errs = append(errs, fmt.Errorf("rails.crypto.assets[%d]: currency %q: %w", i, asset.Currency, err))
		}
	}
	return errors.Join(errs...)
}

func getEnvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func parseIntEnv(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
