package payment

import (
	"context"

	"github.com/google/uuid"
)

// PaymentRepository persists payments; at most one row per booking.
type PaymentRepository interface {
	FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*Payment, error)
	Save(ctx context.Context, p *Payment) error
	// Update persists changes with optimistic locking on version.
	Update(ctx context.Context, p *Payment) error
}
