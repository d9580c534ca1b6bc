package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BookingModel is the GORM model for the bookings table.
type BookingModel struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TripID            uuid.UUID  `gorm:"type:uuid;index;not null"`
	RiderID           uuid.UUID  `gorm:"type:uuid;index;not null"`
	SeatsBooked       int        `gorm:"not null"`
	ReservationToken  uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	Status            string     `gorm:"not null;size:20;index"`
	HoldExpiresAt     time.Time  `gorm:"not null;index"`
	ConfirmedAt       *time.Time `gorm:""`
	CompletedAt       *time.Time `gorm:""`
	CancelledAt       *time.Time `gorm:""`
	CancelReason      string     `gorm:"size:500"`
	CompensationError string     `gorm:"size:1000"`
	Version           int64      `gorm:"not null;default:1"`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

// TableName returns the table name for the GORM model.
func (BookingModel) TableName() string {
	return "bookings"
}

// GormBookingRepository is the GORM-based implementation of BookingRepository.
type GormBookingRepository struct {
	db *gorm.DB
}

// NewGormBookingRepository creates a new GormBookingRepository.
func NewGormBookingRepository(db *gorm.DB) *GormBookingRepository {
	return &GormBookingRepository{db: db}
}

// FindByID retrieves a booking by its unique identifier.
func (r *GormBookingRepository) FindByID(ctx context.Context, id uuid.UUID) (*bookingDomain.Booking, error) {
	var model BookingModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Booking", id.String())
		}
		return nil, fmt.Errorf("failed to find booking by ID: %w", err)
	}
	return toDomainBooking(&model)
}

// FindByReservationToken retrieves the booking holding a seat reservation.
func (r *GormBookingRepository) FindByReservationToken(ctx context.Context, token uuid.UUID) (*bookingDomain.Booking, error) {
	var model BookingModel
	if err := r.db.WithContext(ctx).Where("reservation_token = ?", token).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Booking", token.String())
		}
		return nil, fmt.Errorf("failed to find booking by reservation: %w", err)
	}
	return toDomainBooking(&model)
}

// FindByRiderID retrieves bookings for a rider with pagination.
func (r *GormBookingRepository) FindByRiderID(ctx context.Context, riderID uuid.UUID, page, limit int) ([]*bookingDomain.Booking, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&BookingModel{}).Where("rider_id = ?", riderID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rider bookings: %w", err)
	}

	var models []BookingModel
	offset := (page - 1) * limit
	if err := r.db.WithContext(ctx).
		Where("rider_id = ?", riderID).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to find rider bookings: %w", err)
	}

	bookings, err := toDomainBookings(models)
	if err != nil {
		return nil, 0, err
	}
	return bookings, total, nil
}

// FindByTripID retrieves every booking on a trip, oldest first.
func (r *GormBookingRepository) FindByTripID(ctx context.Context, tripID uuid.UUID) ([]*bookingDomain.Booking, error) {
	var models []BookingModel
	if err := r.db.WithContext(ctx).
		Where("trip_id = ?", tripID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to find trip bookings: %w", err)
	}
	return toDomainBookings(models)
}

// FindExpiredPending returns pending bookings whose seat hold lapsed before now.
func (r *GormBookingRepository) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]*bookingDomain.Booking, error) {
	var models []BookingModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND hold_expires_at < ?", string(bookingDomain.StatusPending), now).
		Order("hold_expires_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to find expired pending bookings: %w", err)
	}
	return toDomainBookings(models)
}

// FindByStatus returns up to limit bookings in the given status, least recently updated first.
func (r *GormBookingRepository) FindByStatus(ctx context.Context, status bookingDomain.BookingStatus, limit int) ([]*bookingDomain.Booking, error) {
	var models []BookingModel
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to find bookings by status: %w", err)
	}
	return toDomainBookings(models)
}

// Save persists a new booking.
func (r *GormBookingRepository) Save(ctx context.Context, bk *bookingDomain.Booking) error {
	model := toBookingModel(bk)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

// Update persists changes to an existing booking with optimistic locking.
func (r *GormBookingRepository) Update(ctx context.Context, bk *bookingDomain.Booking) error {
	model := toBookingModel(bk)

	// IncrementVersion was called by the caller, so the stored row is one behind.
	expectedVersion := bk.Version() - 1
	result := r.db.WithContext(ctx).
		Model(&BookingModel{}).
		Where("id = ? AND version = ?", model.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":             model.Status,
			"confirmed_at":       model.ConfirmedAt,
			"completed_at":       model.CompletedAt,
			"cancelled_at":       model.CancelledAt,
			"cancel_reason":      model.CancelReason,
			"compensation_error": model.CompensationError,
			"version":            model.Version,
			"updated_at":         model.UpdatedAt,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update booking: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.NewConflictError("booking was modified by another transaction")
	}

	return nil
}

// ListAll retrieves all bookings with pagination, optionally filtered by status (admin).
func (r *GormBookingRepository) ListAll(ctx context.Context, status string, page, limit int) ([]*bookingDomain.Booking, int64, error) {
	byStatus := func(db *gorm.DB) *gorm.DB {
		if status != "" {
			return db.Where("status = ?", status)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&BookingModel{}).Scopes(byStatus).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count bookings: %w", err)
	}

	var models []BookingModel
	offset := (page - 1) * limit
	if err := r.db.WithContext(ctx).
		Scopes(byStatus).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list bookings: %w", err)
	}

	bookings, err := toDomainBookings(models)
	if err != nil {
		return nil, 0, err
	}
	return bookings, total, nil
}

// CountByStatus returns booking counts grouped by status (admin).
func (r *GormBookingRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var results []statusCount
	if err := r.db.WithContext(ctx).Model(&BookingModel{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}

	counts := make(map[string]int64)
	for _, sc := range results {
		counts[sc.Status] = sc.Count
	}
	return counts, nil
}

// --- Conversion Helpers ---

func toBookingModel(bk *bookingDomain.Booking) *BookingModel {
	return &BookingModel{
		ID:                bk.ID(),
		TripID:            bk.TripID(),
		RiderID:           bk.RiderID(),
		SeatsBooked:       bk.SeatsBooked(),
		ReservationToken:  bk.ReservationToken(),
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

func toDomainBooking(m *BookingModel) (*bookingDomain.Booking, error) {
	status, err := bookingDomain.ParseBookingStatus(m.Status)
	if err != nil {
		return nil, err
	}

	return bookingDomain.ReconstructBooking(
		m.ID,
		m.TripID,
		m.RiderID,
		m.SeatsBooked,
		m.ReservationToken,
		status,
		m.HoldExpiresAt,
		m.ConfirmedAt,
		m.CompletedAt,
		m.CancelledAt,
		m.CancelReason,
		m.CompensationError,
		m.Version,
		m.CreatedAt,
		m.UpdatedAt,
	), nil
}

func toDomainBookings(models []BookingModel) ([]*bookingDomain.Booking, error) {
	bookings := make([]*bookingDomain.Booking, len(models))
	for i := range models {
		bk, err := toDomainBooking(&models[i])
		if err != nil {
			return nil, err
		}
		bookings[i] = bk
	}
	return bookings, nil
}
