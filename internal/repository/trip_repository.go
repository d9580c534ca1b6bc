package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	tripDomain "github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TripModel is the GORM model for the trips table.
type TripModel struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	DriverID       uuid.UUID       `gorm:"type:uuid;index;not null"`
	Origin         json.RawMessage `gorm:"type:jsonb;not null"`
	Destination    json.RawMessage `gorm:"type:jsonb;not null"`
	DepartureAt    time.Time       `gorm:"not null;index"`
	SeatsTotal     int             `gorm:"not null"`
	SeatsAvailable int             `gorm:"not null"`
	Status         string          `gorm:"not null;size:20;index"`
	Recurrence     string          `gorm:"not null;size:10;default:'none'"`
	Version        int64           `gorm:"not null;default:1"`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
}

func (TripModel) TableName() string { return "trips" }

// GormTripRepository implements TripRepository using GORM. Seat counts are
// written only by GormSeatLedger.
type GormTripRepository struct {
	db *gorm.DB
}

func NewGormTripRepository(db *gorm.DB) *GormTripRepository {
	return &GormTripRepository{db: db}
}

func (r *GormTripRepository) FindByID(ctx context.Context, id uuid.UUID) (*tripDomain.Trip, error) {
	var model TripModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Trip", id.String())
		}
		return nil, fmt.Errorf("failed to find trip by ID: %w", err)
	}
	return toDomainTrip(&model)
}

func (r *GormTripRepository) FindByDriverID(ctx context.Context, driverID uuid.UUID, page, limit int) ([]*tripDomain.Trip, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&TripModel{}).Where("driver_id = ?", driverID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count driver trips: %w", err)
	}

	var models []TripModel
	if err := r.db.WithContext(ctx).
		Where("driver_id = ?", driverID).
		Order("departure_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find driver trips: %w", err)
	}

	trips := make([]*tripDomain.Trip, len(models))
	for i := range models {
		t, err := toDomainTrip(&models[i])
		if err != nil {
			return nil, 0, err
		}
		trips[i] = t
	}
	return trips, total, nil
}

func (r *GormTripRepository) Save(ctx context.Context, t *tripDomain.Trip) error {
	model, err := toTripModel(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to save trip: %w", err)
	}
	return nil
}

func toTripModel(t *tripDomain.Trip) (*TripModel, error) {
	origin, err := json.Marshal(t.Origin())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal origin: %w", err)
	}
	destination, err := json.Marshal(t.Destination())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal destination: %w", err)
	}
	return &TripModel{
		ID:             t.ID(),
		DriverID:       t.DriverID(),
		Origin:         origin,
		Destination:    destination,
		DepartureAt:    t.DepartureAt(),
		SeatsTotal:     t.SeatsTotal(),
		SeatsAvailable: t.SeatsAvailable(),
		Status:         string(t.Status()),
		Recurrence:     string(t.Recurrence()),
		Version:        t.Version(),
		CreatedAt:      t.CreatedAt(),
		UpdatedAt:      t.UpdatedAt(),
	}, nil
}

func toDomainTrip(m *TripModel) (*tripDomain.Trip, error) {
	var origin, destination tripDomain.Location
	if err := json.Unmarshal(m.Origin, &origin); err != nil {
		return nil, fmt.Errorf("failed to unmarshal origin: %w", err)
	}
	if err := json.Unmarshal(m.Destination, &destination); err != nil {
		return nil, fmt.Errorf("failed to unmarshal destination: %w", err)
	}
	status, err := tripDomain.ParseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	return tripDomain.ReconstructTrip(
		m.ID, m.DriverID,
		origin, destination,
		m.DepartureAt,
		m.SeatsTotal, m.SeatsAvailable,
		status,
		tripDomain.Recurrence(m.Recurrence),
		m.Version,
		m.CreatedAt, m.UpdatedAt,
	), nil
}
