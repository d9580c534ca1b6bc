package trip

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReservationStatus tracks a seat hold from reserve to commit or release.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationCommitted ReservationStatus = "committed"
	ReservationReleased  ReservationStatus = "released"
)

// Reservation is the token for seats removed from a trip's available count.
type Reservation struct {
	Token     uuid.UUID         `json:"token"`
	TripID    uuid.UUID         `json:"trip_id"`
	Seats     int               `json:"seats"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// Expired reports whether an uncommitted hold outlived its TTL at now.
func (r Reservation) Expired(now time.Time) bool {
	return r.Status == ReservationHeld && now.After(r.ExpiresAt)
}

// SeatLedger serializes every seat-count mutation of a trip.
//
// Reserve decrements seats_available atomically and fails with
// InsufficientSeats or TripNotActive without side effects. Release credits
// the seats back at most once per token. Commit marks a hold permanent and
// changes no count. Implementations report outcomes and never compensate.
type SeatLedger interface {
	Reserve(ctx context.Context, tripID uuid.UUID, seats int, holdTTL time.Duration) (*Reservation, error)
	Release(ctx context.Context, token uuid.UUID) error
	Commit(ctx context.Context, token uuid.UUID) error
	Available(ctx context.Context, tripID uuid.UUID) (int, error)
	// ExpiredHolds lists held reservations whose TTL lapsed before now.
	ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// TripRepository persists trips. It never writes seats_available after
// insertion; that belongs to the SeatLedger.
type TripRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Trip, error)
	FindByDriverID(ctx context.Context, driverID uuid.UUID, page, limit int) ([]*Trip, int64, error)
	Save(ctx context.Context, t *Trip) error
}
