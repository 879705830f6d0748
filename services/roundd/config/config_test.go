package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "roundd.yaml", `
listen: ":9000"
company:
  total_shares: 2000000
rails:
  bank:
    tolerance: 0.50
  crypto:
    min_confirmations: 3
    assets:
      - symbol: USDC
        chain: ethereum
        contract: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
        decimals: 6
        xpub: "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"
        currency: USD
      - symbol: BTC
        chain: bitcoin
        xpub: "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"
        currency: btc
reservation:
  card_window: 15m
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, int64(2_000_000), cfg.Company.TotalShares)
	require.Equal(t, "0.5", cfg.Rails.Bank.Tolerance.String())
	require.Equal(t, uint64(3), cfg.Rails.Crypto.MinConfirmations)
	require.Len(t, cfg.Rails.Crypto.Assets, 2)
	require.Equal(t, 15*time.Minute, cfg.Reservation.CardWindow.Duration)
	require.Equal(t, 30*time.Minute, cfg.Reservation.CryptoWindow.Duration)
	require.Equal(t, 7*24*time.Hour, cfg.Reservation.BankWindow.Duration)
	require.Equal(t, 7*24*time.Hour, cfg.Reservation.WindowFor("bank_transfer"))
	require.Equal(t, 15*time.Minute, cfg.Reservation.WindowFor("card"))
	require.Equal(t, 30*time.Minute, cfg.Reservation.WindowFor("crypto"))
	require.Equal(t, 200, cfg.Sweep.BatchSize)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "roundd.toml", `
listen = ":9100"

[sweep]
interval = "1m"
per_investment_timeout = "2s"

[rails.bank]
tolerance = "1.25"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.Listen)
	require.Equal(t, time.Minute, cfg.Sweep.Interval.Duration)
	require.Equal(t, 2*time.Second, cfg.Sweep.PerInvestmentTimeout.Duration)
	require.Equal(t, "1.25", cfg.Rails.Bank.Tolerance.String())
	require.Equal(t, int64(1_000_000), cfg.Company.TotalShares)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "roundd.yaml", "listen: \":9000\"\n")
	t.Setenv("ROUNDD_LISTEN", ":9200")
	t.Setenv("ROUNDD_BANK_TOLERANCE", "2.00")
	t.Setenv("ROUNDD_COMPANY_TOTAL_SHARES", "500")
	t.Setenv("ROUNDD_TELEMETRY_INSECURE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9200", cfg.Listen)
	require.Equal(t, "2", cfg.Rails.Bank.Tolerance.String())
	require.Equal(t, int64(500), cfg.Company.TotalShares)
	require.True(t, cfg.Telemetry.Insecure)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeFile(t, "roundd.yaml", `
rails:
  bank:
    tolerance: -1
  crypto:
    assets:
      - symbol: BTC
        currency: NOPE
sweep:
  interval: 1s
  per_investment_timeout: 5s
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "tolerance must not be negative")
	require.Contains(t, err.Error(), "per_investment_timeout")
	require.Contains(t, err.Error(), "xpub required")
	require.Contains(t, err.Error(), "currency")
}

func TestInvalidEnvValue(t *testing.T) {
	path := writeFile(t, "roundd.yaml", "")
	t.Setenv("ROUNDD_COMPANY_TOTAL_SHARES", "lots")
	_, err := Load(path)
	require.Error(t, err)
}
