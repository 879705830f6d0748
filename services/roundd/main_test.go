package main

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundround/services/roundd/config"
)

func TestBuildGateStaticAllowList(t *testing.T) {
	gate, err := buildGate(config.KYCConfig{Allow: []string{"alice", "  "}})
	require.NoError(t, err)

	ok, err := gate.IsEligible(context.Background(), "alice", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = gate.IsEligible(context.Background(), "mallory", decimal.NewFromInt(100))
	require.NoError(t, err)
	if ok {
		t.Fatalf("users outside the allow list must be ineligible")
	}
}

const testXPub = "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"

func TestBuildDirectory(t *testing.T) {
	dir, err := buildDirectory(nil)
	require.NoError(t, err)
	require.Nil(t, dir)

	_, err = buildDirectory([]config.CryptoAsset{{
		Symbol:   "USDC",
		Chain:    "ethereum",
		Contract: "not-an-address",
		XPub:     testXPub,
		Currency: "USD",
	}})
	require.Error(t, err)

	_, err = buildDirectory([]config.CryptoAsset{{
		Symbol:   "BTC",
		Chain:    "bitcoin",
		XPub:     testXPub,
		Currency: "USD",
	}})
	if err == nil {
		t.Fatalf("bitcoin settling in USD must be rejected without a rate source")
	}

	dir, err = buildDirectory([]config.CryptoAsset{{
		Symbol:   "btc",
		Chain:    "bitcoin",
		Decimals: 8,
		XPub:     testXPub,
		Currency: "btc",
	}})
	require.NoError(t, err)
	deposit, err := dir.Deposit("BTC", 0)
	require.NoError(t, err)
	require.Equal(t, "BTC", deposit.Currency)
	require.Equal(t, "bc1qwlvfdv8ctae2ureaqjrugv4j8s5tw9yn78cggy", deposit.Address)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := config.Load("config.yaml")
	require.NoError(t, err)
	dir, err := buildDirectory(cfg.Rails.Crypto.Assets)
	require.NoError(t, err)
	for _, asset := range cfg.Rails.Crypto.Assets {
		deposit, err := dir.Deposit(asset.Symbol, 0)
		require.NoError(t, err)
		require.NotEmpty(t, deposit.Address)
	}
}
