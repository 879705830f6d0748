package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fundround/services/roundd/rails"
)

const (
	// account-level key from the BIP-32 test vectors, m/0'
	testXPub = "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"
	testXPrv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

	ethAddr0 = "0x5CA9e80822b6d2F72Bdd7E4C1DfE0B883B175c9B"
	ethAddr1 = "0x7249789c1A30176034308A93acA6Fa91D5809489"
	btcAddr0 = "bc1qwlvfdv8ctae2ureaqjrugv4j8s5tw9yn78cggy"
	btcAddr1 = "bc1qdhrn4uwfdlmga8daant52wadtxlseqayxnjrpj"

	usdcAddr = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := NewDirectory([]Asset{
		{Symbol: "usdc", Chain: "ethereum", Contract: common.HexToAddress(usdcAddr), Decimals: 6, XPub: testXPub, Currency: "usd"},
		{Symbol: "ETH", Chain: "ethereum", Decimals: 18, XPub: testXPub, Currency: "ETH"},
		{Symbol: "BTC", Chain: "bitcoin", XPub: testXPub, Currency: "BTC"},
	})
	require.NoError(t, err)
	return dir
}

func TestDirectoryDerivesAddressPerIndex(t *testing.T) {
	dir := testDirectory(t)

	deposit, err := dir.Deposit("usdc", 0)
	require.NoError(t, err)
	require.Equal(t, "USDC", deposit.Asset)
	require.Equal(t, ChainEthereum, deposit.Chain)
	require.Equal(t, "USD", deposit.Currency)
	require.Equal(t, ethAddr0, deposit.Address)

	next, err := dir.Deposit("USDC", 1)
	require.NoError(t, err)
	require.Equal(t, ethAddr1, next.Address)

	btc, err := dir.Deposit("btc", 0)
	require.NoError(t, err)
	require.Equal(t, btcAddr0, btc.Address)
	btc, err = dir.Deposit("BTC", 1)
	require.NoError(t, err)
	require.Equal(t, btcAddr1, btc.Address)

	asset, ok := dir.Asset("btc")
	require.True(t, ok)
	require.EqualValues(t, 8, asset.Decimals)

	_, err = dir.Deposit("DOGE", 0)
	require.ErrorIs(t, err, ErrUnknownAsset)
	_, err = dir.Deposit("BTC", 1<<31)
	require.Error(t, err)
}

func TestDirectoryRejectsBadAssets(t *testing.T) {
	cases := map[string]Asset{
		"bad xpub":           {Symbol: "USDC", Chain: "ethereum", Decimals: 6, XPub: "not-a-key", Currency: "USD"},
		"missing xpub":       {Symbol: "USDC", Chain: "ethereum", Decimals: 6, Currency: "USD"},
		"private key":        {Symbol: "ETH", Chain: "ethereum", Decimals: 18, XPub: testXPrv, Currency: "ETH"},
		"unknown chain":      {Symbol: "SOL", Chain: "solana", XPub: testXPub, Currency: "SOL"},
		"no currency":        {Symbol: "USDT", Chain: "ethereum", Decimals: 6, XPub: testXPub},
		"btc token":          {Symbol: "BTC", Chain: "bitcoin", Contract: common.HexToAddress(usdcAddr), XPub: testXPub, Currency: "BTC"},
		"btc priced in usd":  {Symbol: "BTC", Chain: "bitcoin", XPub: testXPub, Currency: "USD"},
		"eth priced in usd":  {Symbol: "ETH", Chain: "ethereum", Decimals: 18, XPub: testXPub, Currency: "USD"},
		"usdc priced in eur": {Symbol: "USDC", Chain: "ethereum", Decimals: 6, XPub: testXPub, Currency: "EUR"},
	}
	for name, asset := range cases {
		if _, err := NewDirectory([]Asset{asset}); err == nil {
			t.Fatalf("%s: expected %s on %s to be rejected", name, asset.Symbol, asset.Chain)
		}
	}

	_, err := NewDirectory([]Asset{{Symbol: "EURC", Chain: "ethereum", Decimals: 6, XPub: testXPub, Currency: "eur"}})
	require.NoError(t, err)
}

type fakeEVM struct {
	receipt *gethtypes.Receipt
	head    *big.Int
	tx      *gethtypes.Transaction
	err     error
}

func (f *fakeEVM) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func (f *fakeEVM) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: f.head}, nil
}

func (f *fakeEVM) TransactionByHash(context.Context, common.Hash) (*gethtypes.Transaction, bool, error) {
	return f.tx, false, nil
}

func transferLog(contract, to string, value int64) *gethtypes.Log {
	return &gethtypes.Log{
		Address: common.HexToAddress(contract),
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
			common.BytesToHash(common.HexToAddress(to).Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func TestEVMSourceSumsTransfersToDeposit(t *testing.T) {
	dir := testDirectory(t)
	usdc, _ := dir.Asset("USDC")
	client := &fakeEVM{
		receipt: &gethtypes.Receipt{
			Status:      gethtypes.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(100),
			Logs: []*gethtypes.Log{
				transferLog(usdcAddr, ethAddr0, 60_000_000),
				transferLog(usdcAddr, ethAddr0, 40_000_000),
				transferLog(usdcAddr, "0x3333333333333333333333333333333333333333", 5_000_000),
				transferLog("0x4444444444444444444444444444444444444444", ethAddr0, 7_000_000),
			},
		},
		head: big.NewInt(111),
	}
	source := NewEVMSource(client)
	obs, err := source.Observe(context.Background(), usdc, ethAddr0, "0xabc")
	require.NoError(t, err)
	require.EqualValues(t, 12, obs.Confirmations)
	require.True(t, obs.Amount.Equal(decimal.NewFromInt(100)), "amount %s", obs.Amount)
	require.False(t, obs.Failed)

	// the same receipt pays nothing to another investment's address
	obs, err = source.Observe(context.Background(), usdc, ethAddr1, "0xabc")
	require.NoError(t, err)
	require.True(t, obs.Amount.IsZero())

	_, err = source.Observe(context.Background(), usdc, "not-an-address", "0xabc")
	require.Error(t, err)
}

func TestEVMSourceNativeAndFailures(t *testing.T) {
	dir := testDirectory(t)
	eth, _ := dir.Asset("ETH")
	to := common.HexToAddress(ethAddr0)
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	client := &fakeEVM{
		receipt: &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)},
		head:    big.NewInt(10),
		tx:      gethtypes.NewTx(&gethtypes.LegacyTx{To: &to, Value: wei}),
	}
	source := NewEVMSource(client)
	obs, err := source.Observe(context.Background(), eth, ethAddr0, "0xabc")
	require.NoError(t, err)
	require.EqualValues(t, 1, obs.Confirmations)
	require.Equal(t, "1.5", obs.Amount.String())

	obs, err = source.Observe(context.Background(), eth, ethAddr1, "0xabc")
	require.NoError(t, err)
	require.True(t, obs.Amount.IsZero())

	client.receipt = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}
	obs, err = source.Observe(context.Background(), eth, ethAddr0, "0xabc")
	require.NoError(t, err)
	require.True(t, obs.Failed)

	client.err = ethereum.NotFound
	_, err = source.Observe(context.Background(), eth, ethAddr0, "0xabc")
	require.ErrorIs(t, err, ErrTxNotFound)
}

func TestEsploraSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/deadbeef":
			_, _ = w.Write([]byte(`{"status":{"confirmed":true,"block_height":800000},"vout":[
				{"scriptpubkey_address":"` + btcAddr0 + `","value":150000000},
				{"scriptpubkey_address":"bc1qother","value":99}]}`))
		case "/blocks/tip/height":
			_, _ = w.Write([]byte("800005"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	source, err := NewEsploraSource(srv.URL, time.Second)
	require.NoError(t, err)
	btc, _ := testDirectory(t).Asset("BTC")

	obs, err := source.Observe(context.Background(), btc, btcAddr0, "DEADBEEF")
	require.NoError(t, err)
	require.EqualValues(t, 6, obs.Confirmations)
	require.Equal(t, "1.5", obs.Amount.String())

	obs, err = source.Observe(context.Background(), btc, btcAddr1, "deadbeef")
	require.NoError(t, err)
	require.True(t, obs.Amount.IsZero())

	_, err = source.Observe(context.Background(), btc, btcAddr0, "missing")
	require.ErrorIs(t, err, ErrTxNotFound)
}

type stubSource struct {
	mu  sync.Mutex
	obs Observation
	err error
	// paid limits the observed amount to one address when set.
	paid string
}

func (s *stubSource) set(obs Observation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs, s.err = obs, err
}

func (s *stubSource) Observe(_ context.Context, _ Asset, address, _ string) (Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs := s.obs
	if s.paid != "" && !strings.EqualFold(s.paid, address) {
		obs.Amount = decimal.Zero
	}
	return obs, s.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []rails.Event
	err    error
}

func (s *recordingSink) SubmitPaymentEvent(_ context.Context, ev rails.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type staticBindings struct {
	mu       sync.Mutex
	deposits map[uuid.UUID]rails.Deposit
}

func (b *staticBindings) bind(asset, address string) uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	b.deposits[id] = rails.Deposit{Asset: asset, Address: address}
	return id
}

func (b *staticBindings) DepositOf(_ context.Context, id uuid.UUID) (rails.Deposit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deposits[id], nil
}

func newTestWatcher(t *testing.T, source Source, sink rails.Sink) (*Watcher, *Store, *staticBindings) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "watch.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bindings := &staticBindings{deposits: map[uuid.UUID]rails.Deposit{}}
	watcher, err := NewWatcher(WatcherConfig{
		Directory:        testDirectory(t),
		Bindings:         bindings,
		Sources:          map[string]Source{ChainEthereum: source, ChainBitcoin: source},
		Store:            store,
		Sink:             sink,
		MinConfirmations: 6,
		IPNSecret:        "ipn-secret",
	})
	require.NoError(t, err)
	return watcher, store, bindings
}

func TestWatcherEmitsOnceAfterConfirmations(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{}
	sink := &recordingSink{}
	watcher, store, bindings := newTestWatcher(t, source, sink)
	id := bindings.bind("USDC", ethAddr0)

	require.NoError(t, watcher.Watch(ctx, id, "usdc", "0xABCDEF"))

	source.set(Observation{Confirmations: 3, Amount: decimal.NewFromInt(100)}, nil)
	n, err := watcher.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	source.set(Observation{Confirmations: 6, Amount: decimal.NewFromInt(100)}, nil)
	n, err = watcher.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = watcher.Poll(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	require.Equal(t, id, ev.InvestmentID)
	require.Equal(t, rails.RailCrypto, ev.Rail)
	require.Equal(t, "ethereum:abcdef:"+strings.ToLower(ethAddr0), ev.RailEventID)
	require.Equal(t, "USD", ev.ObservedCurrency)
	require.NoError(t, ev.Validate())

	// a re-reported hash is never watched again
	require.NoError(t, watcher.Watch(ctx, id, "USDC", "0xabcdef"))
	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestWatcherOnlyCreditsTheAddressPaid(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{paid: ethAddr1}
	sink := &recordingSink{}
	watcher, store, bindings := newTestWatcher(t, source, sink)
	claimant := bindings.bind("USDC", ethAddr0)
	payer := bindings.bind("USDC", ethAddr1)

	// the claimant reports the payer's transaction first
	require.NoError(t, watcher.Watch(ctx, claimant, "USDC", "0xfeed"))
	require.NoError(t, watcher.Watch(ctx, payer, "USDC", "0xfeed"))
	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	source.set(Observation{Confirmations: 12, Amount: decimal.NewFromInt(250)}, nil)
	n, err := watcher.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Len(t, sink.events, 1)
	if sink.events[0].InvestmentID != payer {
		t.Fatalf("expected the payer's investment to be credited, got %s", sink.events[0].InvestmentID)
	}
	require.Equal(t, "ethereum:feed:"+strings.ToLower(ethAddr1), sink.events[0].RailEventID)

	pending, err = store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending, "the claimant's watch is dropped once the transfer is seen elsewhere")
}

func TestWatchRequiresBoundDeposit(t *testing.T) {
	ctx := context.Background()
	watcher, store, bindings := newTestWatcher(t, &stubSource{}, &recordingSink{})

	err := watcher.Watch(ctx, uuid.New(), "USDC", "0x01")
	require.ErrorIs(t, err, ErrNotBound)

	id := bindings.bind("BTC", btcAddr0)
	err = watcher.Watch(ctx, id, "USDC", "0x01")
	require.ErrorIs(t, err, ErrAssetMismatch)

	require.NoError(t, watcher.Watch(ctx, id, "", "0x01"))
	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "BTC", pending[0].Asset)
	require.Equal(t, btcAddr0, pending[0].Address)
}

func TestWatcherDropsAndRetries(t *testing.T) {
	ctx := context.Background()
	source := &stubSource{}
	sink := &recordingSink{err: errors.New("database unavailable")}
	watcher, store, bindings := newTestWatcher(t, source, sink)

	require.NoError(t, watcher.Watch(ctx, bindings.bind("BTC", btcAddr0), "BTC", "aa"))
	source.set(Observation{Confirmations: 10, Amount: decimal.NewFromInt(1)}, nil)

	_, err := watcher.Poll(ctx)
	require.NoError(t, err)
	pending, _ := store.Pending()
	require.Len(t, pending, 1, "transient sink failures keep the watch")

	sink.err = rails.ErrUnknownInvestment
	_, err = watcher.Poll(ctx)
	require.NoError(t, err)
	pending, _ = store.Pending()
	require.Empty(t, pending, "permanent rejections drop the watch")

	require.NoError(t, watcher.Watch(ctx, bindings.bind("BTC", btcAddr0), "BTC", "bb"))
	source.set(Observation{Failed: true}, nil)
	_, err = watcher.Poll(ctx)
	require.NoError(t, err)
	pending, _ = store.Pending()
	require.Empty(t, pending, "failed transactions are dropped")

	require.NoError(t, watcher.Watch(ctx, bindings.bind("BTC", btcAddr1), "BTC", "cc"))
	source.set(Observation{}, ErrTxNotFound)
	_, err = watcher.Poll(ctx)
	require.NoError(t, err)
	pending, _ = store.Pending()
	require.Len(t, pending, 1, "unknown transactions stay watched")
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleIPN(t *testing.T) {
	ctx := context.Background()
	watcher, store, bindings := newTestWatcher(t, &stubSource{}, &recordingSink{})
	id := bindings.bind("USDC", ethAddr0)

	body := []byte(`{"order_id":"` + id.String() + `","payment_status":"confirming","pay_currency":"usdc","payin_hash":"0xfeed"}`)
	watched, err := watcher.HandleIPN(ctx, body, sign("ipn-secret", body))
	require.NoError(t, err)
	require.True(t, watched)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].InvestmentID)
	require.Equal(t, "USDC", pending[0].Asset)
	require.Equal(t, ethAddr0, pending[0].Address)

	_, err = watcher.HandleIPN(ctx, body, sign("wrong", body))
	require.ErrorIs(t, err, ErrInvalidSignature)

	waiting := []byte(`{"order_id":"` + id.String() + `","payment_status":"waiting","pay_currency":"usdc"}`)
	watched, err = watcher.HandleIPN(ctx, waiting, sign("ipn-secret", waiting))
	require.NoError(t, err)
	require.False(t, watched)

	bad := []byte(`{"order_id":"nope","payment_status":"finished","pay_currency":"usdc","payin_hash":"0x1"}`)
	_, err = watcher.HandleIPN(ctx, bad, sign("ipn-secret", bad))
	require.ErrorIs(t, err, ErrInvalidNotification)
}

func TestIPNWithoutSecretIsRefused(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "watch.bolt"))
	require.NoError(t, err)
	defer store.Close()
	bindings := &staticBindings{deposits: map[uuid.UUID]rails.Deposit{}}
	watcher, err := NewWatcher(WatcherConfig{
		Directory: testDirectory(t),
		Bindings:  bindings,
		Sources:   map[string]Source{ChainEthereum: &stubSource{}},
		Store:     store,
		Sink:      &recordingSink{},
	})
	require.NoError(t, err)

	id := bindings.bind("USDC", ethAddr0)
	body := []byte(`{"order_id":"` + id.String() + `","payment_status":"finished","pay_currency":"usdc","payin_hash":"0xfeed"}`)
	for _, signature := range []string{"", sign("", body)} {
		if _, err := watcher.HandleIPN(context.Background(), body, signature); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("expected unsigned ipn to be refused, got %v", err)
		}
	}
	require.False(t, VerifyIPNHMAC("", body, sign("", body)))

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Empty(t, pending)
}
