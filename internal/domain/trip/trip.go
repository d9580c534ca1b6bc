package trip

import (
	"fmt"
	"time"

	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
)

// MaxSeats bounds the seats a single vehicle can offer.
const MaxSeats = 8

// Location is an address with its geo-point.
type Location struct {
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the address and coordinate ranges.
func (l Location) Validate(field string) error {
	if l.Address == "" {
		return domain.NewValidationError(field + " address is required")
	}
	if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
		return domain.NewValidationError(field + " coordinates out of range")
	}
	return nil
}

// Trip is a driver's offered ride. Seat counts are read here but mutated
// only by the SeatLedger.
type Trip struct {
	id             uuid.UUID
	driverID       uuid.UUID
	origin         Location
	destination    Location
	departureAt    time.Time
	seatsTotal     int
	seatsAvailable int
	status         Status
	recurrence     Recurrence
	version        int64
	createdAt      time.Time
	updatedAt      time.Time
}

// NewTrip creates an active trip with all seats available.
func NewTrip(
	driverID uuid.UUID,
	origin, destination Location,
	departureAt time.Time,
	seats int,
	recurrence Recurrence,
) (*Trip, error) {
	if driverID == uuid.Nil {
		return nil, domain.NewValidationError("driver ID is required")
	}
	if err := origin.Validate("origin"); err != nil {
		return nil, err
	}
	if err := destination.Validate("destination"); err != nil {
		return nil, err
	}
	if seats < 1 || seats > MaxSeats {
		return nil, domain.NewValidationError(fmt.Sprintf("seats must be between 1 and %d", MaxSeats))
	}
	if departureAt.IsZero() {
		return nil, domain.NewValidationError("departure time is required")
	}
	if recurrence == "" {
		recurrence = RecurrenceNone
	}
	if !recurrence.IsValid() {
		return nil, domain.NewValidationError(fmt.Sprintf("invalid recurrence: %s", recurrence))
	}

	now := time.Now().UTC()
	return &Trip{
		id:             uuid.New(),
		driverID:       driverID,
		origin:         origin,
		destination:    destination,
		departureAt:    departureAt.UTC(),
		seatsTotal:     seats,
		seatsAvailable: seats,
		status:         StatusActive,
		recurrence:     recurrence,
		version:        1,
		createdAt:      now,
		updatedAt:      now,
	}, nil
}

// ReconstructTrip rebuilds a Trip from persistence data (no validation).
func ReconstructTrip(
	id, driverID uuid.UUID,
	origin, destination Location,
	departureAt time.Time,
	seatsTotal, seatsAvailable int,
	status Status,
	recurrence Recurrence,
	version int64,
	createdAt, updatedAt time.Time,
) *Trip {
	return &Trip{
		id:             id,
		driverID:       driverID,
		origin:         origin,
		destination:    destination,
		departureAt:    departureAt,
		seatsTotal:     seatsTotal,
		seatsAvailable: seatsAvailable,
		status:         status,
		recurrence:     recurrence,
		version:        version,
		createdAt:      createdAt,
		updatedAt:      updatedAt,
	}
}

// --- Getters ---

func (t *Trip) ID() uuid.UUID { return t.id }
func (t *Trip) DriverID() uuid.UUID { return t.driverID }
func (t *Trip) Origin() Location { return t.origin }
func (t *Trip) Destination() Location { return t.destination }
func (t *Trip) DepartureAt() time.Time { return t.departureAt }
func (t *Trip) SeatsTotal() int { return t.seatsTotal }
func (t *Trip) SeatsAvailable() int { return t.seatsAvailable }
func (t *Trip) Status() Status { return t.status }
func (t *Trip) Recurrence() Recurrence { return t.recurrence }
func (t *Trip) Version() int64 { return t.version }
func (t *Trip) CreatedAt() time.Time { return t.createdAt }
func (t *Trip) UpdatedAt() time.Time { return t.updatedAt }

// IsActive reports whether the trip still accepts reservations.
func (t *Trip) IsActive() bool { return t.status == StatusActive }

// HasDeparted reports whether the departure time has passed at now.
func (t *Trip) HasDeparted(now time.Time) bool { return !now.Before(t.departureAt) }
