// Package quoteclient calls the external Quote Engine over HTTP.
package quoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/campusride/service-booking/internal/domain/quote"
	"github.com/campusride/service-booking/internal/domain/trip"
	"go.uber.org/zap"
)

// Config holds Quote Engine connection settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client implements quote.Engine against POST {base}/v1/quotes.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Client. Every call is bounded by cfg.Timeout.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type estimateRequest struct {
	TripID      string        `json:"trip_id"`
	Origin      trip.Location `json:"origin"`
	Destination trip.Location `json:"destination"`
	Riders      int           `json:"riders"`
}

type estimateResponse struct {
	MaxPriceCents int64  `json:"max_price_cents"`
	Currency      string `json:"currency"`
}

// Estimate returns the maximum price in cents. Any failure wraps
// quote.ErrUnavailable.
func (c *Client) Estimate(ctx context.Context, req quote.Request) (int64, error) {
	body, err := json.Marshal(estimateRequest{
		TripID:      req.TripID.String(),
		Origin:      req.Origin,
		Destination: req.Destination,
		Riders:      req.Riders,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal quote request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/quotes", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: build request: %v", quote.ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("quote engine request failed", zap.Error(err))
		return 0, fmt.Errorf("%w: %v", quote.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: read response: %v", quote.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("quote engine returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(raw)),
		)
		return 0, fmt.Errorf("%w: status %d", quote.ErrUnavailable, resp.StatusCode)
	}

	var out estimateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", quote.ErrUnavailable, err)
	}
	if out.MaxPriceCents <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %d", quote.ErrUnavailable, out.MaxPriceCents)
	}
	return out.MaxPriceCents, nil
}
