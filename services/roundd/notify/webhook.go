package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// Webhook posts notifications to a single downstream endpoint.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewWebhook builds a webhook sink limited to ratePerSecond deliveries.
func NewWebhook(url string, ratePerSecond float64, burst int) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("notify: webhook url required")
	}
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	if burst <= 0 {
		burst = 1
	}
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		now:     time.Now,
	}, nil
}

// Notify implements Sink. It waits for the rate limiter within ctx.
func (w *Webhook) Notify(ctx context.Context, userID, eventType string, payload map[string]any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: rate limit: %w", err)
	}
	body, err := json.Marshal(Message{UserID: userID, Type: eventType, Payload: payload, CreatedAt: w.now().UTC()})
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fundround-Event", eventType)
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: unexpected status %d", resp.StatusCode)
	}
	return nil
}
