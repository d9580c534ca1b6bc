package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BookingRepository defines the persistence contract for booking aggregates.
type BookingRepository interface {
	// FindByID retrieves a booking by its unique identifier.
	FindByID(ctx context.Context, id uuid.UUID) (*Booking, error)

	// FindByRiderID retrieves bookings belonging to a rider with pagination.
	FindByRiderID(ctx context.Context, riderID uuid.UUID, page, limit int) ([]*Booking, int64, error)

	// FindByReservationToken retrieves the booking backed by a seat reservation.
	FindByReservationToken(ctx context.Context, token uuid.UUID) (*Booking, error)

	// FindByTripID retrieves every booking on a trip.
	FindByTripID(ctx context.Context, tripID uuid.UUID) ([]*Booking, error)

	// FindExpiredPending returns pending bookings whose hold expired before now.
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Booking, error)

	// FindByStatus returns bookings in a status, oldest update first.
	FindByStatus(ctx context.Context, status BookingStatus, limit int) ([]*Booking, error)

	// ListAll retrieves bookings with pagination, optionally filtered by status (admin).
	ListAll(ctx context.Context, status string, page, limit int) ([]*Booking, int64, error)

	// CountByStatus returns booking counts grouped by status (admin).
	CountByStatus(ctx context.Context) (map[string]int64, error)

	// Save persists a new booking.
	Save(ctx context.Context, booking *Booking) error

	// Update persists changes to an existing booking with optimistic locking.
	Update(ctx context.Context, booking *Booking) error
}
