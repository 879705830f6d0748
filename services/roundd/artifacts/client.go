// Package artifacts requests certificate and agreement documents from the
// external generator and records the references it returns.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Kind names the artifact being generated.
type Kind string

const (
	KindCertificate Kind = "certificate"
	KindAgreement   Kind = "agreement"
)

// Generator produces artifacts. Both calls must be idempotent per investment.
type Generator interface {
	GenerateCertificate(ctx context.Context, investmentID uuid.UUID) (string, error)
	GenerateAgreement(ctx context.Context, investmentID uuid.UUID) (string, error)
}

// Config defines the HTTP client settings for the generator.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the generator over HTTP. The investment id doubles as the
// idempotency key so repeated calls return the existing reference.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type generateResponse struct {
	Ref string `json:"ref"`
}

// NewClient constructs a generator client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("artifacts: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
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

// GenerateCertificate implements Generator.
func (c *Client) GenerateCertificate(ctx context.Context, investmentID uuid.UUID) (string, error) {
	return c.generate(ctx, KindCertificate, investmentID)
}

// GenerateAgreement implements Generator.
func (c *Client) GenerateAgreement(ctx context.Context, investmentID uuid.UUID) (string, error) {
	return c.generate(ctx, KindAgreement, investmentID)
}

func (c *Client) generate(ctx context.Context, kind Kind, investmentID uuid.UUID) (string, error) {
	body, err := json.Marshal(map[string]string{"investmentId": investmentID.String()})
	if err != nil {
		return "", fmt.Errorf("artifacts: encode: %w", err)
	}
	url := fmt.Sprintf("%s/%ss", c.baseURL, kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("artifacts: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%s", kind, investmentID))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifacts: call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("artifacts: unexpected status %d", resp.StatusCode)
	}
	var payload generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("artifacts: decode: %w", err)
	}
	if strings.TrimSpace(payload.Ref) == "" {
		return "", fmt.Errorf("artifacts: empty %s reference", kind)
	}
	return payload.Ref, nil
}
