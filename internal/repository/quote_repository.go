package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	quoteDomain "github.com/campusride/service-booking/internal/domain/quote"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QuoteModel is the GORM model for the quotes table.
type QuoteModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	BookingID       uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`
	MaxPriceCents   int64     `gorm:"not null"`
	FinalPriceCents *int64    `gorm:""`
	Currency        string    `gorm:"not null;size:3;default:'USD'"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (QuoteModel) TableName() string { return "quotes" }

// GormQuoteRepository implements QuoteRepository using GORM.
type GormQuoteRepository struct {
	db *gorm.DB
}

func NewGormQuoteRepository(db *gorm.DB) *GormQuoteRepository {
	return &GormQuoteRepository{db: db}
}

func (r *GormQuoteRepository) FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*quoteDomain.Quote, error) {
	var m QuoteModel
	if err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("Quote", bookingID.String())
		}
		return nil, fmt.Errorf("failed to find quote: %w", err)
	}
	return quoteDomain.ReconstructQuote(m.ID, m.BookingID, m.MaxPriceCents, m.FinalPriceCents, m.Currency, m.CreatedAt, m.UpdatedAt), nil
}

// Save inserts a quote. A booking has at most one; a second insert is a Conflict.
func (r *GormQuoteRepository) Save(ctx context.Context, q *quoteDomain.Quote) error {
	m := &QuoteModel{
		ID:              q.ID(),
		BookingID:       q.BookingID(),
		MaxPriceCents:   q.MaxPriceCents(),
		FinalPriceCents: q.FinalPriceCents(),
		Currency:        q.Currency(),
		CreatedAt:       q.CreatedAt(),
		UpdatedAt:       q.UpdatedAt(),
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.NewConflictError("booking already has a quote")
		}
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

// SetFinalPrice writes final_price_cents once. Rewriting the same value
// succeeds; a different value is a Conflict.
func (r *GormQuoteRepository) SetFinalPrice(ctx context.Context, q *quoteDomain.Quote) error {
	final := q.FinalPriceCents()
	if final == nil {
		return domain.NewValidationError("quote has no final price")
	}
	result := r.db.WithContext(ctx).
		Model(&QuoteModel{}).
		Where("id = ? AND (final_price_cents IS NULL OR final_price_cents = ?)", q.ID(), *final).
		Updates(map[string]interface{}{
			"final_price_cents": *final,
			"updated_at":        q.UpdatedAt(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set final price: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NewConflictError("quote final price is already set")
	}
	return nil
}
