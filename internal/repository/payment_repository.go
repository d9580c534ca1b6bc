package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PaymentModel is the GORM model for the payments table.
type PaymentModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	BookingID     uuid.UUID  `gorm:"type:uuid;uniqueIndex;not null"`
	IntentID      *string    `gorm:"size:100;uniqueIndex"`
	AmountCents   int64      `gorm:"not null"`
	Currency      string     `gorm:"not null;size:3;default:'USD'"`
	Status        string     `gorm:"not null;size:20;index"`
	Attempt       int        `gorm:"not null;default:1"`
	FailureReason string     `gorm:"size:500"`
	CapturedAt    *time.Time `gorm:""`
	RefundedAt    *time.Time `gorm:""`
	Version       int64      `gorm:"not null;default:1"`
	CreatedAt     time.Time  `gorm:"not null"`
	UpdatedAt     time.Time  `gorm:"not null"`
}

// TableName returns the table name for the GORM model.
func (PaymentModel) TableName() string {
	return "payments"
}

// GormPaymentRepository is the GORM-based implementation of PaymentRepository.
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewGormPaymentRepository creates a new GormPaymentRepository.
func NewGormPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// FindByBookingID retrieves the payment for a booking.
func (r *GormPaymentRepository) FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*paymentDomain.Payment, error) {
	return r.findOne(ctx, "booking_id = ?", bookingID, "Payment", bookingID.String())
}

// FindByIntentID retrieves the payment tracking an authorizer intent.
func (r *GormPaymentRepository) FindByIntentID(ctx context.Context, intentID string) (*paymentDomain.Payment, error) {
	return r.findOne(ctx, "intent_id = ?", intentID, "Payment", intentID)
}

func (r *GormPaymentRepository) findOne(ctx context.Context, where string, arg interface{}, entity, id string) (*paymentDomain.Payment, error) {
	var model PaymentModel
	if err := r.db.WithContext(ctx).Where(where, arg).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError(entity, id)
		}
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return toDomainPayment(&model)
}

// Save persists a new payment. A second payment for the same booking is a Conflict.
func (r *GormPaymentRepository) Save(ctx context.Context, p *paymentDomain.Payment) error {
	if err := r.db.WithContext(ctx).Create(toPaymentModel(p)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.NewConflictError("booking already has a payment")
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

// Update persists changes to an existing payment with optimistic locking.
func (r *GormPaymentRepository) Update(ctx context.Context, p *paymentDomain.Payment) error {
	model := toPaymentModel(p)

	expectedVersion := p.Version() - 1
	result := r.db.WithContext(ctx).
		Model(&PaymentModel{}).
		Where("id = ? AND version = ?", model.ID, expectedVersion).
		Updates(map[string]interface{}{
			"intent_id":      model.IntentID,
			"amount_cents":   model.AmountCents,
			"status":         model.Status,
			"attempt":        model.Attempt,
			"failure_reason": model.FailureReason,
			"captured_at":    model.CapturedAt,
			"refunded_at":    model.RefundedAt,
			"version":        model.Version,
			"updated_at":     model.UpdatedAt,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to update payment: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return domain.NewConflictError("payment was modified by another transaction")
	}

	return nil
}

// --- Conversion Helpers ---

func toPaymentModel(p *paymentDomain.Payment) *PaymentModel {
	var intentID *string
	if p.HasIntent() {
		id := p.IntentID()
		intentID = &id
	}
	return &PaymentModel{
		ID:            p.ID(),
		BookingID:     p.BookingID(),
		IntentID:      intentID,
		AmountCents:   p.AmountCents(),
		Currency:      p.Currency(),
		Status:        string(p.Status()),
		Attempt:       p.Attempt(),
		FailureReason: p.FailureReason(),
		CapturedAt:    p.CapturedAt(),
		RefundedAt:    p.RefundedAt(),
		Version:       p.Version(),
		CreatedAt:     p.CreatedAt(),
		UpdatedAt:     p.UpdatedAt(),
	}
}

func toDomainPayment(m *PaymentModel) (*paymentDomain.Payment, error) {
	status, err := paymentDomain.ParseStatus(m.Status)
	if err != nil {
		return nil, err
	}
	var intentID string
	if m.IntentID != nil {
		intentID = *m.IntentID
	}
	return paymentDomain.ReconstructPayment(
		m.ID,
		m.BookingID,
		intentID,
		m.AmountCents,
		m.Currency,
		status,
		m.Attempt,
		m.FailureReason,
		m.CapturedAt,
		m.RefundedAt,
		m.Version,
		m.CreatedAt,
		m.UpdatedAt,
	), nil
}
