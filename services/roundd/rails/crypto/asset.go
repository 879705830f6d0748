// Package crypto watches on-chain deposits and emits confirmed payments once
// they have enough confirmations.
package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"fundround/services/roundd/rails"
)

// Supported chains.
const (
	ChainEthereum = "ethereum"
	ChainBitcoin  = "bitcoin"
)

// ErrUnknownAsset is returned for symbols without a configured deposit.
var ErrUnknownAsset = errors.New("crypto: unknown asset")

// peggedCurrencies lists stablecoins that settle one-to-one against a fiat
// currency. Any other asset must settle in its own unit.
var peggedCurrencies = map[string]string{
	"USDC":  "USD",
	"USDT":  "USD",
	"DAI":   "USD",
	"PYUSD": "USD",
	"EURC":  "EUR",
}

// Asset binds a symbol to the chain it settles on and the account key deposit
// addresses are derived from.
type Asset struct {
	Symbol string
	Chain  string
	// Contract is the ERC-20 token. The zero address means the chain's native
	// coin.
	Contract common.Address
	Decimals int32
	// XPub is a BIP-32 extended public key. Deposit addresses are its
	// receive-branch children, one index per investment.
	XPub string
	// Currency is what the observed amount is denominated in: the asset's own
	// symbol, or the fiat currency of a pegged stablecoin.
	Currency string

	receive *hdkeychain.ExtendedKey
	net     *chaincfg.Params
}

// Native reports whether the asset is the chain's own coin.
func (a Asset) Native() bool {
	return a.Contract == (common.Address{})
}

// Address derives the deposit address at index.
func (a Asset) Address(index uint32) (string, error) {
	if a.receive == nil {
		return "", fmt.Errorf("crypto: asset %s has no account key", a.Symbol)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("crypto: deposit index %d out of range", index)
	}
	child, err := a.receive.Child(index)
	if err != nil {
		return "", fmt.Errorf("crypto: derive %s/%d: %w", a.Symbol, index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return "", err
	}
	switch a.Chain {
	case ChainEthereum:
		raw := pub.SerializeUncompressed()
		return common.BytesToAddress(gethcrypto.Keccak256(raw[1:])[12:]).Hex(), nil
	case ChainBitcoin:
		addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), a.net)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	default:
		return "", fmt.Errorf("crypto: asset %s has unsupported chain %q", a.Symbol, a.Chain)
	}
}

// Directory resolves deposit addresses by asset symbol.
type Directory struct {
	assets map[string]Asset
}

// NewDirectory validates every asset's account key and settlement currency.
func NewDirectory(assets []Asset) (*Directory, error) {
	dir := &Directory{assets: make(map[string]Asset, len(assets))}
	for _, asset := range assets {
		asset.Symbol = strings.ToUpper(strings.TrimSpace(asset.Symbol))
		asset.Chain = strings.ToLower(strings.TrimSpace(asset.Chain))
		asset.XPub = strings.TrimSpace(asset.XPub)
		asset.Currency = strings.ToUpper(strings.TrimSpace(asset.Currency))
		if asset.Symbol == "" {
			return nil, fmt.Errorf("crypto: asset symbol required")
		}
		if _, dup := dir.assets[asset.Symbol]; dup {
			return nil, fmt.Errorf("crypto: asset %s configured twice", asset.Symbol)
		}
		if asset.Currency == "" {
			return nil, fmt.Errorf("crypto: asset %s currency required", asset.Symbol)
		}
		if asset.Currency != asset.Symbol && peggedCurrencies[asset.Symbol] != asset.Currency {
			return nil, fmt.Errorf("crypto: asset %s cannot settle in %s without a rate source", asset.Symbol, asset.Currency)
		}
		switch asset.Chain {
		case ChainEthereum:
			if asset.Decimals <= 0 || asset.Decimals > 36 {
				return nil, fmt.Errorf("crypto: asset %s decimals invalid", asset.Symbol)
			}
		case ChainBitcoin:
			if !asset.Native() {
				return nil, fmt.Errorf("crypto: asset %s: bitcoin has no token contracts", asset.Symbol)
			}
			asset.Decimals = 8
		default:
			return nil, fmt.Errorf("crypto: asset %s has unsupported chain %q", asset.Symbol, asset.Chain)
		}
		if err := asset.loadAccount(); err != nil {
			return nil, fmt.Errorf("crypto: asset %s: %w", asset.Symbol, err)
		}
		dir.assets[asset.Symbol] = asset
	}
	return dir, nil
}

func (a *Asset) loadAccount() error {
	if a.XPub == "" {
		return errors.New("xpub required")
	}
	key, err := hdkeychain.NewKeyFromString(a.XPub)
	if err != nil {
		return fmt.Errorf("parse xpub: %w", err)
	}
	if key.IsPrivate() {
		return errors.New("xpub must be a public key")
	}
	switch {
	case key.IsForNet(&chaincfg.MainNetParams):
		a.net = &chaincfg.MainNetParams
	case key.IsForNet(&chaincfg.TestNet3Params):
		a.net = &chaincfg.TestNet3Params
	default:
		return errors.New("xpub is for an unknown network")
	}
	receive, err := key.Child(0)
	if err != nil {
		return fmt.Errorf("derive receive branch: %w", err)
	}
	a.receive = receive
	if _, err := a.Address(0); err != nil {
		return err
	}
	return nil
}

// Asset looks up a configured asset.
func (d *Directory) Asset(symbol string) (Asset, bool) {
	if d == nil {
		return Asset{}, false
	}
	asset, ok := d.assets[strings.ToUpper(strings.TrimSpace(symbol))]
	return asset, ok
}

// Deposit returns the deposit instructions for the index-th investment paying
// in symbol.
func (d *Directory) Deposit(symbol string, index uint32) (rails.Deposit, error) {
	asset, ok := d.Asset(symbol)
	if !ok {
		return rails.Deposit{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	addr, err := asset.Address(index)
	if err != nil {
		return rails.Deposit{}, err
	}
	return rails.Deposit{Asset: asset.Symbol, Chain: asset.Chain, Address: addr, Currency: asset.Currency}, nil
}
