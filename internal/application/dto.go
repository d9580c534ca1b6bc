package application

import (
	"time"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	quoteDomain "github.com/campusride/service-booking/internal/domain/quote"
	"github.com/campusride/service-booking/pkg/auth"
	"github.com/google/uuid"
)

// Actor is the authenticated caller of a use case.
type Actor struct {
	UserID uuid.UUID
	Role   auth.Role
}

// IsAdmin reports whether the actor has the admin role.
func (a Actor) IsAdmin() bool { return a.Role == auth.RoleAdmin }

// CreateBookingRequest holds the data needed to create a new booking.
type CreateBookingRequest struct {
	TripID      uuid.UUID `json:"trip_id" binding:"required"`
	SeatsBooked int       `json:"seats_booked" binding:"required"`
}

// PayRequest carries the amount the rider agrees to pay.
type PayRequest struct {
	AmountCents int64 `json:"amount_cents" binding:"required"`
}

// CaptureNotification is an authorizer notice that an intent was captured.
type CaptureNotification struct {
	IntentID  string     `json:"intent_id" binding:"required"`
	BookingID *uuid.UUID `json:"booking_id,omitempty"`
}

// QuoteDTO is the response representation of a quote.
type QuoteDTO struct {
	MaxPriceCents   int64  `json:"max_price_cents"`
	FinalPriceCents *int64 `json:"final_price_cents,omitempty"`
	Currency        string `json:"currency"`
}

// PaymentDTO is the response representation of a payment.
type PaymentDTO struct {
	ID            uuid.UUID  `json:"id"`
	IntentID      string     `json:"intent_id,omitempty"`
	Status        string     `json:"status"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	Attempt       int        `json:"attempt"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CapturedAt    *time.Time `json:"captured_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}

// BookingDTO is the response representation of a booking.
type BookingDTO struct {
	ID                uuid.UUID   `json:"id"`
	TripID            uuid.UUID   `json:"trip_id"`
	RiderID           uuid.UUID   `json:"rider_id"`
	SeatsBooked       int         `json:"seats_booked"`
	Status            string      `json:"status"`
	HoldExpiresAt     time.Time   `json:"hold_expires_at"`
	ConfirmedAt       *time.Time  `json:"confirmed_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
	CancelledAt       *time.Time  `json:"cancelled_at,omitempty"`
	CancelReason      string      `json:"cancel_reason,omitempty"`
	CompensationError string      `json:"compensation_error,omitempty"`
	Quote             *QuoteDTO   `json:"quote,omitempty"`
	Payment           *PaymentDTO `json:"payment,omitempty"`
	Version           int64       `json:"version"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// BookingStatsDTO holds booking statistics for the admin dashboard.
type BookingStatsDTO struct {
	TotalBookings int64            `json:"total_bookings"`
	ByStatus      map[string]int64 `json:"by_status"`
}

// SweepResult reports what one sweeper pass did.
type SweepResult struct {
	Cancelled       int `json:"cancelled"`
	Confirmed       int `json:"confirmed"`
	OrphansReleased int `json:"orphans_released"`
	Committed       int `json:"committed"`
}

func toBookingDTO(bk *bookingDomain.Booking) BookingDTO {
	return BookingDTO{
		ID:                bk.ID(),
		TripID:            bk.TripID(),
		RiderID:           bk.RiderID(),
		SeatsBooked:       bk.SeatsBooked(),
		Status:            string(bk.Status()),
		HoldExpiresAt:     bk.HoldExpiresAt(),
		ConfirmedAt:       bk.ConfirmedAt(),
		CompletedAt:       bk.CompletedAt(),
		CancelledAt:       bk.CancelledAt(),
		CancelReason:      bk.CancelReason(),
		CompensationError: bk.CompensationError(),
		Version:           bk.Version(),
		CreatedAt:         bk.CreatedAt(),
		UpdatedAt:         bk.UpdatedAt(),
	}
}

func toQuoteDTO(q *quoteDomain.Quote) *QuoteDTO {
	if q == nil {
		return nil
	}
	return &QuoteDTO{
		MaxPriceCents:   q.MaxPriceCents(),
		FinalPriceCents: q.FinalPriceCents(),
		Currency:        q.Currency(),
	}
}

func toPaymentDTO(p *paymentDomain.Payment) *PaymentDTO {
	if p == nil {
		return nil
	}
	return &PaymentDTO{
		ID:            p.ID(),
		IntentID:      p.IntentID(),
		Status:        string(p.Status()),
		AmountCents:   p.AmountCents(),
		Currency:      p.Currency(),
		Attempt:       p.Attempt(),
		FailureReason: p.FailureReason(),
		CapturedAt:    p.CapturedAt(),
		RefundedAt:    p.RefundedAt(),
	}
}
