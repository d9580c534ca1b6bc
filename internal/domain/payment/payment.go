package payment

import (
	"fmt"
	"time"

	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
)

// Payment is the local record of an authorizer intent for one booking.
type Payment struct {
	id            uuid.UUID
	bookingID     uuid.UUID
	intentID      string
	amountCents   int64
	currency      string
	status        Status
	attempt       int
	failureReason string
	capturedAt    *time.Time
	refundedAt    *time.Time
	version       int64
	createdAt     time.Time
	updatedAt     time.Time
}

// NewPayment creates a pending payment with no intent yet.
func NewPayment(bookingID uuid.UUID, amountCents int64, currency string) (*Payment, error) {
	if bookingID == uuid.Nil {
		return nil, domain.NewValidationError("booking ID is required")
	}
	if amountCents <= 0 {
		return nil, domain.NewValidationError("amount must be positive")
	}
	now := time.Now().UTC()
	return &Payment{
		id:          uuid.New(),
		bookingID:   bookingID,
		amountCents: amountCents,
		currency:    currency,
		status:      StatusPending,
		attempt:     1,
		version:     1,
		createdAt:   now,
		updatedAt:   now,
	}, nil
}

// ReconstructPayment rebuilds a Payment from persistence data (no validation).
func ReconstructPayment(
	id, bookingID uuid.UUID,
	intentID string,
	amountCents int64,
	currency string,
	status Status,
	attempt int,
	failureReason string,
	capturedAt, refundedAt *time.Time,
	version int64,
	createdAt, updatedAt time.Time,
) *Payment {
	return &Payment{
		id:            id,
		bookingID:     bookingID,
		intentID:      intentID,
		amountCents:   amountCents,
		currency:      currency,
		status:        status,
		attempt:       attempt,
		failureReason: failureReason,
		capturedAt:    capturedAt,
		refundedAt:    refundedAt,
		version:       version,
		createdAt:     createdAt,
		updatedAt:     updatedAt,
	}
}

// --- Getters ---

// ID returns the payment's identity.
func (p *Payment) ID() uuid.UUID { return p.id }

// BookingID returns the paid booking.
func (p *Payment) BookingID() uuid.UUID { return p.bookingID }

// IntentID returns the authorizer intent id, empty until created.
func (p *Payment) IntentID() string { return p.intentID }

// AmountCents returns the amount to capture.
func (p *Payment) AmountCents() int64 { return p.amountCents }

// Currency returns the ISO currency code.
func (p *Payment) Currency() string { return p.currency }

// Status returns the current payment status.
func (p *Payment) Status() Status { return p.status }

// Attempt returns the authorization attempt number.
func (p *Payment) Attempt() int { return p.attempt }

// FailureReason returns why the last attempt failed.
func (p *Payment) FailureReason() string { return p.failureReason }

// CapturedAt returns when the capture was recorded.
func (p *Payment) CapturedAt() *time.Time { return p.capturedAt }

// RefundedAt returns when the refund was recorded.
func (p *Payment) RefundedAt() *time.Time { return p.refundedAt }

// Version returns the entity version for optimistic locking.
func (p *Payment) Version() int64 { return p.version }

// CreatedAt returns the creation timestamp.
func (p *Payment) CreatedAt() time.Time { return p.createdAt }

// UpdatedAt returns the last-updated timestamp.
func (p *Payment) UpdatedAt() time.Time { return p.updatedAt }

// IdempotencyKey identifies this authorization attempt upstream. Retries of
// the same attempt reuse it; a re-armed payment gets a new one.
func (p *Payment) IdempotencyKey() string {
	return fmt.Sprintf("%s-%d", p.id, p.attempt)
}

// HasIntent reports whether an upstream intent is known.
func (p *Payment) HasIntent() bool { return p.intentID != "" }

// --- Behavior ---

// AttachIntent records the upstream intent created for this attempt.
func (p *Payment) AttachIntent(intentID string) error {
	if p.status != StatusPending {
		return domain.NewInvalidStateError(string(p.status), "intent_attached")
	}
	if intentID == "" {
		return domain.NewValidationError("intent ID is required")
	}
	if p.intentID != "" && p.intentID != intentID {
		return domain.NewConflictError("payment already has a different intent")
	}
	p.intentID = intentID
	p.updatedAt = time.Now().UTC()
	return nil
}

// MarkCaptured transitions pending to captured.
func (p *Payment) MarkCaptured() error {
	if !p.status.CanTransitionTo(StatusCaptured) {
		return domain.NewInvalidStateError(string(p.status), string(StatusCaptured))
	}
	now := time.Now().UTC()
	p.status = StatusCaptured
	p.capturedAt = &now
	p.updatedAt = now
	return nil
}

// MarkRefunded transitions captured to refunded.
func (p *Payment) MarkRefunded() error {
	if !p.status.CanTransitionTo(StatusRefunded) {
		return domain.NewInvalidStateError(string(p.status), string(StatusRefunded))
	}
	now := time.Now().UTC()
	p.status = StatusRefunded
	p.refundedAt = &now
	p.updatedAt = now
	return nil
}

// MarkCancelled transitions pending to cancelled (intent voided).
func (p *Payment) MarkCancelled() error {
	if !p.status.CanTransitionTo(StatusCancelled) {
		return domain.NewInvalidStateError(string(p.status), string(StatusCancelled))
	}
	p.status = StatusCancelled
	p.updatedAt = time.Now().UTC()
	return nil
}

// MarkFailed transitions pending to failed with a reason.
func (p *Payment) MarkFailed(reason string) error {
	if !p.status.CanTransitionTo(StatusFailed) {
		return domain.NewInvalidStateError(string(p.status), string(StatusFailed))
	}
	p.status = StatusFailed
	p.failureReason = reason
	p.updatedAt = time.Now().UTC()
	return nil
}

// Rearm starts a new authorization attempt on a failed payment.
func (p *Payment) Rearm(amountCents int64) error {
	if p.status != StatusFailed {
		return domain.NewInvalidStateError(string(p.status), string(StatusPending))
	}
	if amountCents <= 0 {
		return domain.NewValidationError("amount must be positive")
	}
	p.status = StatusPending
	p.attempt++
	p.intentID = ""
	p.failureReason = ""
	p.amountCents = amountCents
	p.updatedAt = time.Now().UTC()
	return nil
}

// IncrementVersion bumps the version for optimistic locking.
func (p *Payment) IncrementVersion() {
	p.version++
	p.updatedAt = time.Now().UTC()
}
