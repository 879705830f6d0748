package crypto

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrTxNotFound reports a transaction the chain does not know yet.
var ErrTxNotFound = errors.New("crypto: transaction not found")

// Observation is what a chain reports about one deposit transaction.
type Observation struct {
	Confirmations uint64
	// Amount is the value paid to the watched address in asset units.
	Amount decimal.Decimal
	Failed bool
}

// Source inspects transactions on one chain.
type Source interface {
	Observe(ctx context.Context, asset Asset, address, txHash string) (Observation, error)
}

// EVMClient defines the subset of the Ethereum RPC the watcher uses.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("crypto: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMSource observes native and ERC-20 deposits on an Ethereum node.
type EVMSource struct {
	client EVMClient
}

// NewEVMSource constructs a source from an Ethereum client.
func NewEVMSource(client EVMClient) *EVMSource {
	return &EVMSource{client: client}
}

// Observe reports confirmations and the amount txHash sent to address.
func (s *EVMSource) Observe(ctx context.Context, asset Asset, address, txHash string) (Observation, error) {
	if s == nil || s.client == nil {
		return Observation{}, fmt.Errorf("crypto: evm source not initialised")
	}
	if !common.IsHexAddress(address) {
		return Observation{}, fmt.Errorf("crypto: invalid deposit address %q", address)
	}
	hash := common.HexToHash(strings.TrimSpace(txHash))
	if (hash == common.Hash{}) {
		return Observation{}, fmt.Errorf("crypto: invalid tx hash %q", txHash)
	}
	receipt, err := s.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Observation{}, ErrTxNotFound
		}
		return Observation{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return Observation{}, ErrTxNotFound
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return Observation{Failed: true}, nil
	}
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Observation{}, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return Observation{}, fmt.Errorf("block metadata unavailable")
	}
	obs := Observation{Amount: decimal.Zero}
	if header.Number.Cmp(receipt.BlockNumber) >= 0 {
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		obs.Confirmations = confirmed.Uint64()
	}

	recipient := common.HexToAddress(address)
	if asset.Native() {
		tx, _, err := s.client.TransactionByHash(ctx, hash)
		if err != nil {
			return Observation{}, fmt.Errorf("fetch transaction: %w", err)
		}
		if tx.To() != nil && *tx.To() == recipient {
			obs.Amount = decimal.NewFromBigInt(tx.Value(), -asset.Decimals)
		}
		return obs, nil
	}

	total := new(uint256.Int)
	for _, log := range receipt.Logs {
		if log == nil || log.Address != asset.Contract {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[2].Bytes()) != recipient {
			continue
		}
		value := new(uint256.Int).SetBytes(log.Data)
		total.Add(total, value)
	}
	obs.Amount = decimal.NewFromBigInt(total.ToBig(), -asset.Decimals)
	return obs, nil
}
