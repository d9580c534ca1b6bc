package handler

import (
	"context"
	"crypto/subtle"

	"github.com/campusride/service-booking/internal/application"
	"github.com/campusride/service-booking/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// WebhookSecretHeader carries the shared secret on authorizer callbacks.
const WebhookSecretHeader = "X-Webhook-Secret"

// CaptureHandler converges a booking with a captured payment.
type CaptureHandler interface {
	HandlePaymentCaptured(ctx context.Context, n application.CaptureNotification) error
}

// WebhookHandler receives Payment Authorizer notifications.
type WebhookHandler struct {
	handler CaptureHandler
	secret  string
}

// NewWebhookHandler creates a new WebhookHandler. Requests must present secret.
func NewWebhookHandler(handler CaptureHandler, secret string) *WebhookHandler {
	return &WebhookHandler{handler: handler, secret: secret}
}

// RegisterRoutes registers webhook routes. They are authenticated by shared
// secret, not by user token.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/api/v1/webhooks/payments", h.PaymentNotification)
}

type paymentNotification struct {
	Type      string     `json:"type" binding:"required"`
	IntentID  string     `json:"intent_id" binding:"required"`
	BookingID *uuid.UUID `json:"booking_id"`
}

// PaymentNotification handles POST /api/v1/webhooks/payments. Failures are
// reported as errors so the authorizer retries delivery.
func (h *WebhookHandler) PaymentNotification(c *gin.Context) {
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(c.GetHeader(WebhookSecretHeader)), []byte(h.secret)) != 1 {
		response.Unauthorized(c, "invalid webhook secret")
		return
	}

	var body paymentNotification
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	switch body.Type {
	case "intent.captured", "payment.captured":
	default:
		response.Success(c, gin.H{"ignored": body.Type})
		return
	}

	err := h.handler.HandlePaymentCaptured(c.Request.Context(), application.CaptureNotification{
		IntentID:  body.IntentID,
		BookingID: body.BookingID,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"intent_id": body.IntentID})
}
