package application

import (
	"context"
	"fmt"
	"time"

	tripDomain "github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateTripRequest holds the data needed to publish a trip.
type CreateTripRequest struct {
	Origin      tripDomain.Location `json:"origin" binding:"required"`
	Destination tripDomain.Location `json:"destination" binding:"required"`
	DepartureAt time.Time           `json:"departure_at" binding:"required"`
	Seats       int                 `json:"seats" binding:"required"`
	Recurrence  string              `json:"recurrence"`
}

// TripDTO is the response representation of a trip.
type TripDTO struct {
	ID             uuid.UUID           `json:"id"`
	DriverID       uuid.UUID           `json:"driver_id"`
	Origin         tripDomain.Location `json:"origin"`
	Destination    tripDomain.Location `json:"destination"`
	DepartureAt    time.Time           `json:"departure_at"`
	SeatsTotal     int                 `json:"seats_total"`
	SeatsAvailable int                 `json:"seats_available"`
	Status         string              `json:"status"`
	Recurrence     string              `json:"recurrence"`
	CreatedAt      time.Time           `json:"created_at"`
}

// TripService manages the trips bookings are made against.
type TripService struct {
	repo   tripDomain.TripRepository
	logger *zap.Logger
}

// NewTripService creates a new TripService.
func NewTripService(repo tripDomain.TripRepository, logger *zap.Logger) *TripService {
	return &TripService{repo: repo, logger: logger}
}

// CreateTrip publishes a new trip for a driver.
func (s *TripService) CreateTrip(ctx context.Context, driverID uuid.UUID, req CreateTripRequest) (*TripDTO, error) {
	if !req.DepartureAt.After(time.Now()) {
		return nil, domain.NewValidationError("departure_at must be in the future")
	}
	t, err := tripDomain.NewTrip(driverID, req.Origin, req.Destination, req.DepartureAt, req.Seats, tripDomain.Recurrence(req.Recurrence))
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to save trip: %w", err)
	}

	s.logger.Info("trip created",
		zap.String("trip_id", t.ID().String()),
		zap.String("driver_id", driverID.String()),
		zap.Int("seats", t.SeatsTotal()),
	)
	result := toTripDTO(t)
	return &result, nil
}

// GetTrip retrieves a trip by ID.
func (s *TripService) GetTrip(ctx context.Context, id uuid.UUID) (*TripDTO, error) {
	t, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	result := toTripDTO(t)
	return &result, nil
}

// ListDriverTrips retrieves paginated trips for a driver.
func (s *TripService) ListDriverTrips(ctx context.Context, driverID uuid.UUID, page, limit int) (*domain.PaginatedResult[TripDTO], error) {
	trips, total, err := s.repo.FindByDriverID(ctx, driverID, page, limit)
	if err != nil {
		return nil, err
	}
	dtos := make([]TripDTO, len(trips))
	for i, t := range trips {
		dtos[i] = toTripDTO(t)
	}
	result := domain.NewPaginatedResult(dtos, total, page, limit)
	return &result, nil
}

func toTripDTO(t *tripDomain.Trip) TripDTO {
	return TripDTO{
		ID:             t.ID(),
		DriverID:       t.DriverID(),
		Origin:         t.Origin(),
		Destination:    t.Destination(),
		DepartureAt:    t.DepartureAt(),
		SeatsTotal:     t.SeatsTotal(),
		SeatsAvailable: t.SeatsAvailable(),
		Status:         string(t.Status()),
		Recurrence:     string(t.Recurrence()),
		CreatedAt:      t.CreatedAt(),
	}
}
