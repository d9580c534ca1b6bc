package booking

import (
	"fmt"
	"time"

	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
)

// MaxSeatsPerBooking bounds seats_booked.
const MaxSeatsPerBooking = 8

// Booking is the aggregate root for a rider's seats on a trip.
type Booking struct {
	id               uuid.UUID
	tripID           uuid.UUID
	riderID          uuid.UUID
	seatsBooked      int
	reservationToken uuid.UUID
	status           BookingStatus

	holdExpiresAt     time.Time
	confirmedAt       *time.Time
	completedAt       *time.Time
	cancelledAt       *time.Time
	cancelReason      string
	compensationError string

	version   int64
	createdAt time.Time
	updatedAt time.Time
}

// ValidateSeats checks the requested seat count before any side effect.
func ValidateSeats(seats int) error {
	if seats < 1 || seats > MaxSeatsPerBooking {
		return domain.NewValidationError(fmt.Sprintf("seats_booked must be between 1 and %d", MaxSeatsPerBooking))
	}
	return nil
}

// NewBooking creates a pending booking backed by an existing seat reservation.
func NewBooking(
	tripID uuid.UUID,
	riderID uuid.UUID,
	seats int,
	reservationToken uuid.UUID,
	holdExpiresAt time.Time,
) (*Booking, error) {
	if tripID == uuid.Nil {
		return nil, domain.NewValidationError("trip ID is required")
	}
	if riderID == uuid.Nil {
		return nil, domain.NewValidationError("rider ID is required")
	}
	if err := ValidateSeats(seats); err != nil {
		return nil, err
	}
	if reservationToken == uuid.Nil {
		return nil, domain.NewValidationError("reservation token is required")
	}

	now := time.Now().UTC()
	return &Booking{
		id:               uuid.New(),
		tripID:           tripID,
		riderID:          riderID,
		seatsBooked:      seats,
		reservationToken: reservationToken,
		status:           StatusPending,
		holdExpiresAt:    holdExpiresAt.UTC(),
		version:          1,
		createdAt:        now,
		updatedAt:        now,
	}, nil
}

// ReconstructBooking rebuilds a Booking from persistence data (no validation).
func ReconstructBooking(
	id uuid.UUID,
	tripID uuid.UUID,
	riderID uuid.UUID,
	seatsBooked int,
	reservationToken uuid.UUID,
	status BookingStatus,
	holdExpiresAt time.Time,
	confirmedAt *time.Time,
	completedAt *time.Time,
	cancelledAt *time.Time,
	cancelReason string,
	compensationError string,
	version int64,
	createdAt time.Time,
	updatedAt time.Time,
) *Booking {
	return &Booking{
		id:                id,
		tripID:            tripID,
		riderID:           riderID,
		seatsBooked:       seatsBooked,
		reservationToken:  reservationToken,
		status:            status,
		holdExpiresAt:     holdExpiresAt,
		confirmedAt:       confirmedAt,
		completedAt:       completedAt,
		cancelledAt:       cancelledAt,
		cancelReason:      cancelReason,
		compensationError: compensationError,
		version:           version,
		createdAt:         createdAt,
		updatedAt:         updatedAt,
	}
}

// --- Getters ---

// ID returns the booking's unique identifier.
func (b *Booking) ID() uuid.UUID { return b.id }

// TripID returns the booked trip.
func (b *Booking) TripID() uuid.UUID { return b.tripID }

// RiderID returns the rider who owns the booking.
func (b *Booking) RiderID() uuid.UUID { return b.riderID }

// SeatsBooked returns the number of seats held by this booking.
func (b *Booking) SeatsBooked() int { return b.seatsBooked }

// ReservationToken returns the seat ledger token backing the booking.
func (b *Booking) ReservationToken() uuid.UUID { return b.reservationToken }

// Status returns the current booking status.
func (b *Booking) Status() BookingStatus { return b.status }

// HoldExpiresAt returns when an unpaid booking stops holding its seats.
func (b *Booking) HoldExpiresAt() time.Time { return b.holdExpiresAt }

// ConfirmedAt returns when payment was settled.
func (b *Booking) ConfirmedAt() *time.Time { return b.confirmedAt }

// CompletedAt returns when the ride was completed.
func (b *Booking) CompletedAt() *time.Time { return b.completedAt }

// CancelledAt returns when cancellation finished.
func (b *Booking) CancelledAt() *time.Time { return b.cancelledAt }

// CancelReason returns the reason given for cancellation.
func (b *Booking) CancelReason() string { return b.cancelReason }

// CompensationError returns the last compensation failure, if any.
func (b *Booking) CompensationError() string { return b.compensationError }

// Version returns the entity version for optimistic locking.
func (b *Booking) Version() int64 { return b.version }

// CreatedAt returns the creation timestamp.
func (b *Booking) CreatedAt() time.Time { return b.createdAt }

// UpdatedAt returns the last-updated timestamp.
func (b *Booking) UpdatedAt() time.Time { return b.updatedAt }

// HoldExpired reports whether a pending booking outlived its seat hold.
func (b *Booking) HoldExpired(now time.Time) bool {
	return b.status == StatusPending && now.After(b.holdExpiresAt)
}

// --- Behavior ---

// Confirm transitions pending to confirmed. The caller must have verified a
// captured payment.
func (b *Booking) Confirm() error {
	if !b.status.CanTransitionTo(StatusConfirmed) {
		return domain.NewInvalidStateError(string(b.status), string(StatusConfirmed))
	}
	now := time.Now().UTC()
	b.status = StatusConfirmed
	b.confirmedAt = &now
	b.updatedAt = now
	return nil
}

// Complete transitions confirmed to completed once the trip has departed.
func (b *Booking) Complete(departed bool) error {
	if !b.status.CanTransitionTo(StatusCompleted) {
		return domain.NewInvalidStateError(string(b.status), string(StatusCompleted))
	}
	if !departed {
		return domain.NewValidationError("trip has not departed yet")
	}
	now := time.Now().UTC()
	b.status = StatusCompleted
	b.completedAt = &now
	b.updatedAt = now
	return nil
}

// BeginCancel moves a pending or confirmed booking into cancelling.
func (b *Booking) BeginCancel(reason string) error {
	if !b.status.CanBeCancelled() {
		return domain.NewInvalidStateError(string(b.status), string(StatusCancelled))
	}
	b.status = StatusCancelling
	b.cancelReason = reason
	b.updatedAt = time.Now().UTC()
	return nil
}

// RecordCompensationFailure keeps the booking in cancelling and stores why.
func (b *Booking) RecordCompensationFailure(msg string) {
	b.compensationError = msg
	b.updatedAt = time.Now().UTC()
}

// FinishCancel completes a cancellation after every compensation succeeded.
func (b *Booking) FinishCancel() error {
	if !b.status.CanTransitionTo(StatusCancelled) {
		return domain.NewInvalidStateError(string(b.status), string(StatusCancelled))
	}
	now := time.Now().UTC()
	b.status = StatusCancelled
	b.cancelledAt = &now
	b.compensationError = ""
	b.updatedAt = now
	return nil
}

// IncrementVersion bumps the version for optimistic locking.
func (b *Booking) IncrementVersion() {
	b.version++
	b.updatedAt = time.Now().UTC()
}
