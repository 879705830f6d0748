package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// EsploraSource observes bitcoin deposits through an Esplora HTTP API.
type EsploraSource struct {
	baseURL    string
	httpClient *http.Client
}

// NewEsploraSource builds a source for baseURL, e.g. https://blockstream.info/api.
func NewEsploraSource(baseURL string, timeout time.Duration) (*EsploraSource, error) {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return nil, fmt.Errorf("crypto: esplora url required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EsploraSource{
		baseURL: strings.TrimRight(base, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type esploraTx struct {
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
}

// Observe sums the outputs of txHash paying address.
func (s *EsploraSource) Observe(ctx context.Context, _ Asset, address, txHash string) (Observation, error) {
	txid := strings.ToLower(strings.TrimSpace(txHash))
	if txid == "" {
		return Observation{}, fmt.Errorf("crypto: tx hash required")
	}
	var tx esploraTx
	if err := s.get(ctx, "/tx/"+txid, &tx); err != nil {
		return Observation{}, err
	}
	var sats int64
	for _, out := range tx.Vout {
		if address != "" && strings.EqualFold(out.Address, address) {
			sats += out.Value
		}
	}
	obs := Observation{Amount: decimal.New(sats, -8)}
	if !tx.Status.Confirmed {
		return obs, nil
	}
	var raw string
	if err := s.get(ctx, "/blocks/tip/height", &raw); err != nil {
		return Observation{}, err
	}
	tip, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return Observation{}, fmt.Errorf("crypto: decode tip height: %w", err)
	}
	if tip >= tx.Status.BlockHeight {
		obs.Confirmations = tip - tx.Status.BlockHeight + 1
	}
	return obs, nil
}

// get decodes JSON into out, or the raw body when out is *string.
func (s *EsploraSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crypto: esplora %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrTxNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("crypto: esplora %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if raw, ok := out.(*string); ok {
		*raw = string(body)
		return nil
	}
	return json.Unmarshal(body, out)
}
