package quote

import (
	"context"
	"errors"
	"time"

	"github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/google/uuid"
)

// ErrUnavailable is returned by an Engine that could not produce a price.
var ErrUnavailable = errors.New("quote engine unavailable")

// Quote is the price ceiling agreed for a booking.
type Quote struct {
	id              uuid.UUID
	bookingID       uuid.UUID
	maxPriceCents   int64
	finalPriceCents *int64
	currency        string
	createdAt       time.Time
	updatedAt       time.Time
}

// NewQuote creates a quote for a booking.
func NewQuote(bookingID uuid.UUID, maxPriceCents int64, currency string) (*Quote, error) {
	if bookingID == uuid.Nil {
		return nil, domain.NewValidationError("booking ID is required")
	}
	if maxPriceCents <= 0 {
		return nil, domain.NewValidationError("max price must be positive")
	}
	now := time.Now().UTC()
	return &Quote{
		id:            uuid.New(),
		bookingID:     bookingID,
		maxPriceCents: maxPriceCents,
		currency:      currency,
		createdAt:     now,
		updatedAt:     now,
	}, nil
}

// ReconstructQuote rebuilds a Quote from persistence data (no validation).
func ReconstructQuote(
	id, bookingID uuid.UUID,
	maxPriceCents int64,
	finalPriceCents *int64,
	currency string,
	createdAt, updatedAt time.Time,
) *Quote {
	return &Quote{
		id:              id,
		bookingID:       bookingID,
		maxPriceCents:   maxPriceCents,
		finalPriceCents: finalPriceCents,
		currency:        currency,
		createdAt:       createdAt,
		updatedAt:       updatedAt,
	}
}

func (q *Quote) ID() uuid.UUID { return q.id }
func (q *Quote) BookingID() uuid.UUID { return q.bookingID }
func (q *Quote) MaxPriceCents() int64 { return q.maxPriceCents }
func (q *Quote) FinalPriceCents() *int64 { return q.finalPriceCents }
func (q *Quote) Currency() string { return q.currency }
func (q *Quote) CreatedAt() time.Time { return q.createdAt }
func (q *Quote) UpdatedAt() time.Time { return q.updatedAt }

// Allows reports whether amount fits under the quoted ceiling.
func (q *Quote) Allows(amountCents int64) bool {
	return amountCents <= q.maxPriceCents
}

// Finalize sets the final price once. Setting the same value again is a
// no-op; a different value is rejected.
func (q *Quote) Finalize(finalPriceCents int64) error {
	if q.finalPriceCents != nil {
		if *q.finalPriceCents == finalPriceCents {
			return nil
		}
		return domain.NewConflictError("quote final price is already set")
	}
	if finalPriceCents <= 0 || finalPriceCents > q.maxPriceCents {
		return domain.NewValidationError("final price must be positive and within the quoted maximum")
	}
	q.finalPriceCents = &finalPriceCents
	q.updatedAt = time.Now().UTC()
	return nil
}

// Request is what the Quote Engine prices.
type Request struct {
	TripID      uuid.UUID
	Origin      trip.Location
	Destination trip.Location
	Riders      int
}

// Engine prices a trip for a number of riders. It is a pure function
// behind network latency; failures wrap ErrUnavailable.
type Engine interface {
	Estimate(ctx context.Context, req Request) (int64, error)
}

// QuoteRepository persists quotes.
type QuoteRepository interface {
	FindByBookingID(ctx context.Context, bookingID uuid.UUID) (*Quote, error)
	Save(ctx context.Context, q *Quote) error
	SetFinalPrice(ctx context.Context, q *Quote) error
}
