package kyc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config defines the HTTP client settings for the identity service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the identity service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type eligibilityResponse struct {
	Eligible bool `json:"eligible"`
}

type limitResponse struct {
	// DailyLimit is a decimal string; empty or null means unlimited.
	DailyLimit *string `json:"dailyLimit"`
}

// NewClient constructs a client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("kyc: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// IsEligible implements Gate.
func (c *Client) IsEligible(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	query := url.Values{"amount": {amount.String()}}
	var payload eligibilityResponse
	if err := c.get(ctx, fmt.Sprintf("/users/%s/eligibility?%s", url.PathEscape(userID), query.Encode()), &payload); err != nil {
		return false, err
	}
	return payload.Eligible, nil
}

// DailyLimit implements Gate.
func (c *Client) DailyLimit(ctx context.Context, userID string) (Limit, error) {
	var payload limitResponse
	if err := c.get(ctx, fmt.Sprintf("/users/%s/limits", url.PathEscape(userID)), &payload); err != nil {
		return Limit{}, err
	}
	if payload.DailyLimit == nil || strings.TrimSpace(*payload.DailyLimit) == "" {
		return Limit{Unlimited: true}, nil
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(*payload.DailyLimit))
	if err != nil {
		return Limit{}, fmt.Errorf("kyc: decode limit: %w", err)
	}
	return Limit{Amount: amount}, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c == nil {
		return fmt.Errorf("kyc: client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kyc: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kyc: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kyc: decode: %w", err)
	}
	return nil
}
