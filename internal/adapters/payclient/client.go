// Package payclient calls the third-party Payment Authorizer over HTTP.
package payclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/campusride/service-booking/internal/domain/payment"
	"go.uber.org/zap"
)

// IdempotencyHeader carries the idempotency key on every mutating call.
const IdempotencyHeader = "Idempotency-Key"

// Config holds Payment Authorizer connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements payment.Authorizer.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Client bounded by cfg.Timeout per call.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type intentBody struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type createIntentBody struct {
	BookingID   string `json:"booking_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreateIntent opens a pending intent.
func (c *Client) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	body := createIntentBody{
		BookingID:   req.BookingID.String(),
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	}
	return c.do(ctx, "create_intent", http.MethodPost, "/v1/intents", req.IdempotencyKey, body)
}

// Capture captures a pending intent.
func (c *Client) Capture(ctx context.Context, intentID, idempotencyKey string) (*payment.Intent, error) {
	return c.do(ctx, "capture", http.MethodPost, intentPath(intentID, "capture"), idempotencyKey+"-capture", nil)
}

// Refund refunds a captured intent.
func (c *Client) Refund(ctx context.Context, intentID, idempotencyKey string) (*payment.Intent, error) {
	return c.do(ctx, "refund", http.MethodPost, intentPath(intentID, "refund"), idempotencyKey+"-refund", nil)
}

// Cancel voids a pending intent.
func (c *Client) Cancel(ctx context.Context, intentID, idempotencyKey string) (*payment.Intent, error) {
	return c.do(ctx, "cancel", http.MethodPost, intentPath(intentID, "cancel"), idempotencyKey+"-cancel", nil)
}

// Get reads an intent's current status.
func (c *Client) Get(ctx context.Context, intentID string) (*payment.Intent, error) {
	return c.do(ctx, "get", http.MethodGet, intentPath(intentID, ""), "", nil)
}

// Lookup finds the intent created under idempotencyKey.
func (c *Client) Lookup(ctx context.Context, idempotencyKey string) (*payment.Intent, error) {
	path := "/v1/intents?idempotency_key=" + url.QueryEscape(idempotencyKey)
	return c.do(ctx, "lookup", http.MethodGet, path, "", nil)
}

func intentPath(intentID, action string) string {
	p := "/v1/intents/" + url.PathEscape(intentID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, op, method, path, idempotencyKey string, payload interface{}) (*payment.Intent, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, payment.NewAuthorizerError(payment.ErrorUnavailable, op, "marshal request", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, payment.NewAuthorizerError(payment.ErrorUnavailable, op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		kind := classifyTransportError(err)
		c.logger.Warn("payment authorizer request failed",
			zap.String("op", op),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil, payment.NewAuthorizerError(kind, op, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		// The server answered, so the call may have taken effect.
		return nil, payment.NewAuthorizerError(payment.ErrorTimeout, op, "read response", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var body intentBody
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, payment.NewAuthorizerError(payment.ErrorTimeout, op, "decode response", err)
		}
		return &payment.Intent{
			ID:          body.ID,
			Status:      payment.IntentStatus(body.Status),
			AmountCents: body.AmountCents,
			Currency:    body.Currency,
		}, nil
	}

	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return nil, payment.NewAuthorizerError(classifyStatus(resp.StatusCode), op, msg, nil)
}

// classifyStatus maps an upstream status code to what it says about side
// effects. 401 and 403 mean our credentials were refused and 502 and 503 are
// rejected before reaching the authorizer's ledger. 500 and 504 may have been
// applied.
func classifyStatus(code int) payment.ErrorKind {
	switch code {
	case http.StatusPaymentRequired, http.StatusUnprocessableEntity:
		return payment.ErrorDeclined
	case http.StatusConflict:
		return payment.ErrorInvalidState
	case http.StatusNotFound:
		return payment.ErrorNotFound
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return payment.ErrorUnavailable
	case http.StatusInternalServerError, http.StatusGatewayTimeout:
		return payment.ErrorTimeout
	}
	if code >= 400 && code < 500 {
		return payment.ErrorDeclined
	}
	return payment.ErrorTimeout
}

// classifyTransportError separates "never reached the server" from "sent but
// no answer".
func classifyTransportError(err error) payment.ErrorKind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return payment.ErrorUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return payment.ErrorUnavailable
	}
	return payment.ErrorTimeout
}
