// Package events defines the Kafka topics, CloudEvent types and payloads
// exchanged by the booking service.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Source is the CloudEvent source of everything this service publishes.
const Source = "service-booking"

// Topics.
const (
	TopicBookingEvents = "booking.events"
	TopicPaymentEvents = "payment.events"
)

// Booking lifecycle event types.
const (
	BookingCreated            = "booking.created"
	BookingConfirmed          = "booking.confirmed"
	BookingCancelled          = "booking.cancelled"
	BookingCompleted          = "booking.completed"
	BookingCompensationFailed = "booking.compensation_failed"
	PaymentCaptured           = "payment.captured"
)

// BookingCreatedEvent is published once seats are held.
type BookingCreatedEvent struct {
	BookingID     uuid.UUID `json:"booking_id"`
	TripID        uuid.UUID `json:"trip_id"`
	RiderID       uuid.UUID `json:"rider_id"`
	SeatsBooked   int       `json:"seats_booked"`
	MaxPriceCents *int64    `json:"max_price_cents,omitempty"`
	HoldExpiresAt time.Time `json:"hold_expires_at"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// BookingConfirmedEvent is published after capture and confirmation.
type BookingConfirmedEvent struct {
	BookingID   uuid.UUID `json:"booking_id"`
	TripID      uuid.UUID `json:"trip_id"`
	RiderID     uuid.UUID `json:"rider_id"`
	SeatsBooked int       `json:"seats_booked"`
	PaymentID   uuid.UUID `json:"payment_id"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// BookingCancelledEvent is published when compensation has finished.
type BookingCancelledEvent struct {
	BookingID   uuid.UUID `json:"booking_id"`
	TripID      uuid.UUID `json:"trip_id"`
	RiderID     uuid.UUID `json:"rider_id"`
	SeatsBooked int       `json:"seats_booked"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// BookingCompletedEvent is published when the ride has happened.
type BookingCompletedEvent struct {
	BookingID  uuid.UUID `json:"booking_id"`
	TripID     uuid.UUID `json:"trip_id"`
	RiderID    uuid.UUID `json:"rider_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CompensationFailedEvent flags a booking stuck in cancelling.
type CompensationFailedEvent struct {
	BookingID  uuid.UUID `json:"booking_id"`
	Step       string    `json:"step"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PaymentCapturedEvent is consumed from the payment topic (relayed
// authorizer notifications).
type PaymentCapturedEvent struct {
	IntentID   string     `json:"intent_id"`
	BookingID  *uuid.UUID `json:"booking_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}
