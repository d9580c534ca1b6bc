package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	tripDomain "github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReservationModel is the GORM model for the seat_reservations table.
type ReservationModel struct {
	Token      uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TripID     uuid.UUID  `gorm:"type:uuid;index;not null"`
	Seats      int        `gorm:"not null"`
	Status     string     `gorm:"not null;size:20;index"`
	ExpiresAt  time.Time  `gorm:"not null;index"`
	ReleasedAt *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null"`
	UpdatedAt  time.Time  `gorm:"not null"`
}

// TableName returns the table name for the GORM model.
func (ReservationModel) TableName() string {
	return "seat_reservations"
}

// GormSeatLedger is the only writer of trips.seats_available. Every seat
// movement is a conditional update in the same transaction as the
// reservation row that explains it.
type GormSeatLedger struct {
	db *gorm.DB
}

// NewGormSeatLedger creates a new GormSeatLedger.
func NewGormSeatLedger(db *gorm.DB) *GormSeatLedger {
	return &GormSeatLedger{db: db}
}

// Reserve decrements the trip's available seats by n and records a held
// reservation. It never takes seats below zero.
func (l *GormSeatLedger) Reserve(ctx context.Context, tripID uuid.UUID, seats int, holdTTL time.Duration) (*tripDomain.Reservation, error) {
	if seats < 1 {
		return nil, domain.NewValidationError("seats must be positive")
	}

	now := time.Now().UTC()
	res := &tripDomain.Reservation{
		Token:     uuid.New(),
		TripID:    tripID,
		Seats:     seats,
		Status:    tripDomain.ReservationHeld,
		ExpiresAt: now.Add(holdTTL),
		CreatedAt: now,
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&TripModel{}).
			Where("id = ? AND status = ? AND seats_available >= ?", tripID, string(tripDomain.StatusActive), seats).
			Updates(map[string]interface{}{
				"seats_available": gorm.Expr("seats_available - ?", seats),
				"updated_at":      now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to reserve seats: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return classifyReserveMiss(tx, tripID, seats)
		}

		if err := tx.Create(toReservationModel(res, now)).Error; err != nil {
			return fmt.Errorf("failed to record reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// classifyReserveMiss explains why the conditional update matched nothing.
func classifyReserveMiss(tx *gorm.DB, tripID uuid.UUID, seats int) error {
	var model TripModel
	if err := tx.Select("id", "status", "seats_available").Where("id = ?", tripID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.NewNotFoundError("Trip", tripID.String())
		}
		return fmt.Errorf("failed to read trip: %w", err)
	}
	if model.Status != string(tripDomain.StatusActive) {
		return domain.NewTripNotActiveError(model.Status)
	}
	return domain.NewInsufficientSeatsError(seats, model.SeatsAvailable)
}

// Release returns the reservation's seats to the trip. Releasing a token
// twice credits seats once; the second call is a no-op.
func (l *GormSeatLedger) Release(ctx context.Context, token uuid.UUID) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := findReservation(tx, token)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		result := tx.Model(&ReservationModel{}).
			Where("token = ? AND status IN ?", token, []string{
				string(tripDomain.ReservationHeld),
				string(tripDomain.ReservationCommitted),
			}).
			Updates(map[string]interface{}{
				"status":      string(tripDomain.ReservationReleased),
				"released_at": now,
				"updated_at":  now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to release reservation: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		credit := tx.Model(&TripModel{}).
			Where("id = ? AND seats_available + ? <= seats_total", model.TripID, model.Seats).
			Updates(map[string]interface{}{
				"seats_available": gorm.Expr("seats_available + ?", model.Seats),
				"updated_at":      now,
			})
		if credit.Error != nil {
			return fmt.Errorf("failed to credit seats: %w", credit.Error)
		}
		if credit.RowsAffected == 0 {
			return fmt.Errorf("crediting %d seats to trip %s would exceed its capacity", model.Seats, model.TripID)
		}
		return nil
	})
}

// Commit marks a held reservation as backing a confirmed booking.
func (l *GormSeatLedger) Commit(ctx context.Context, token uuid.UUID) error {
	db := l.db.WithContext(ctx)
	result := db.Model(&ReservationModel{}).
		Where("token = ? AND status = ?", token, string(tripDomain.ReservationHeld)).
		Updates(map[string]interface{}{
			"status":     string(tripDomain.ReservationCommitted),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to commit reservation: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return nil
	}

	model, err := findReservation(db, token)
	if err != nil {
		return err
	}
	if model.Status == string(tripDomain.ReservationCommitted) {
		return nil
	}
	return domain.NewInvalidStateError(model.Status, string(tripDomain.ReservationCommitted))
}

// Available reads the trip's current seat count.
func (l *GormSeatLedger) Available(ctx context.Context, tripID uuid.UUID) (int, error) {
	var model TripModel
	if err := l.db.WithContext(ctx).Select("id", "seats_available").Where("id = ?", tripID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.NewNotFoundError("Trip", tripID.String())
		}
		return 0, fmt.Errorf("failed to read seats: %w", err)
	}
	return model.SeatsAvailable, nil
}

// ExpiredHolds lists held reservations whose TTL lapsed before now.
func (l *GormSeatLedger) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]tripDomain.Reservation, error) {
	var models []ReservationModel
	if err := l.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(tripDomain.ReservationHeld), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to find expired holds: %w", err)
	}

	holds := make([]tripDomain.Reservation, len(models))
	for i, m := range models {
		holds[i] = toDomainReservation(&m)
	}
	return holds, nil
}

func findReservation(tx *gorm.DB, token uuid.UUID) (*ReservationModel, error) {
	var model ReservationModel
	if err := tx.Where("token = ?", token).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Reservation", token.String())
		}
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return &model, nil
}

func toReservationModel(r *tripDomain.Reservation, now time.Time) *ReservationModel {
	return &ReservationModel{
		Token:     r.Token,
		TripID:    r.TripID,
		Seats:     r.Seats,
		Status:    string(r.Status),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func toDomainReservation(m *ReservationModel) tripDomain.Reservation {
	return tripDomain.Reservation{
		Token:     m.Token,
		TripID:    m.TripID,
		Seats:     m.Seats,
		Status:    tripDomain.ReservationStatus(m.Status),
		ExpiresAt: m.ExpiresAt,
		CreatedAt: m.CreatedAt,
	}
}
