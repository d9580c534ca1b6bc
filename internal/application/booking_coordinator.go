package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	quoteDomain "github.com/campusride/service-booking/internal/domain/quote"
	tripDomain "github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/campusride/service-booking/pkg/events"
	"github.com/campusride/service-booking/pkg/kafka"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxUpdateRetries bounds how often a lost optimistic-lock race is re-read
// and re-decided before giving up with a Conflict.
const maxUpdateRetries = 3

// EventPublisher publishes CloudEvents. *kafka.Producer implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, event kafka.CloudEvent) error
}

// CoordinatorConfig tunes the booking saga.
type CoordinatorConfig struct {
	HoldTTL        time.Duration
	QuoteTimeout   time.Duration
	PaymentTimeout time.Duration
	SweepBatch     int
	Currency       string
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.HoldTTL <= 0 {
		c.HoldTTL = 15 * time.Minute
	}
	if c.QuoteTimeout <= 0 {
		c.QuoteTimeout = 2 * time.Second
	}
	if c.PaymentTimeout <= 0 {
		c.PaymentTimeout = 5 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.Currency == "" {
		c.Currency = domain.CurrencyUSD
	}
	return c
}

// CoordinatorDeps are the collaborators of the BookingCoordinator.
type CoordinatorDeps struct {
	Bookings   bookingDomain.BookingRepository
	Trips      tripDomain.TripRepository
	Ledger     tripDomain.SeatLedger
	Quotes     quoteDomain.QuoteRepository
	Payments   paymentDomain.PaymentRepository
	Engine     quoteDomain.Engine
	Authorizer paymentDomain.Authorizer
	Publisher  EventPublisher
}

// BookingCoordinator runs the booking saga: seat reservation, quote,
// payment authorization and the compensations that keep the three
// consistent without a shared transaction.
type BookingCoordinator struct {
	bookings   bookingDomain.BookingRepository
	trips      tripDomain.TripRepository
	ledger     tripDomain.SeatLedger
	quotes     quoteDomain.QuoteRepository
	payments   paymentDomain.PaymentRepository
	engine     quoteDomain.Engine
	authorizer paymentDomain.Authorizer
	publisher  EventPublisher
	cfg        CoordinatorConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewBookingCoordinator creates a new BookingCoordinator.
func NewBookingCoordinator(deps CoordinatorDeps, cfg CoordinatorConfig, logger *zap.Logger) *BookingCoordinator {
	return &BookingCoordinator{
		bookings:   deps.Bookings,
		trips:      deps.Trips,
		ledger:     deps.Ledger,
		quotes:     deps.Quotes,
		payments:   deps.Payments,
		engine:     deps.Engine,
		authorizer: deps.Authorizer,
		publisher:  deps.Publisher,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateBooking holds seats for a rider and asks for a quote. A quote
// outage does not fail the booking; no payment intent is created here.
func (s *BookingCoordinator) CreateBooking(ctx context.Context, actor Actor, req CreateBookingRequest) (*BookingDTO, error) {
	if err := bookingDomain.ValidateSeats(req.SeatsBooked); err != nil {
		return nil, err
	}

	t, err := s.trips.FindByID(ctx, req.TripID)
	if err != nil {
		return nil, err
	}
	if t.DriverID() == actor.UserID {
		return nil, domain.NewForbiddenError("drivers cannot book their own trip")
	}
	if t.HasDeparted(s.now()) {
		return nil, domain.NewTripNotActiveError("departed")
	}

	res, err := s.ledger.Reserve(ctx, t.ID(), req.SeatsBooked, s.cfg.HoldTTL)
	if err != nil {
		return nil, err
	}

	bk, err := bookingDomain.NewBooking(t.ID(), actor.UserID, req.SeatsBooked, res.Token, res.ExpiresAt)
	if err == nil {
		err = s.bookings.Save(ctx, bk)
	}
	if err != nil {
		if relErr := s.ledger.Release(ctx, res.Token); relErr != nil {
			// The sweeper reclaims the orphaned hold once it expires.
			s.logger.Error("failed to release reservation after booking insert failure",
				zap.String("reservation_token", res.Token.String()),
				zap.String("trip_id", t.ID().String()),
				zap.Error(relErr),
			)
		}
		return nil, fmt.Errorf("failed to save booking: %w", err)
	}

	s.logger.Info("booking created",
		zap.String("booking_id", bk.ID().String()),
		zap.String("trip_id", t.ID().String()),
		zap.Int("seats", bk.SeatsBooked()),
	)

	q, qerr := s.requestQuote(ctx, bk, t)
	if qerr != nil {
		s.logger.Warn("quote unavailable, booking kept without quote",
			zap.String("booking_id", bk.ID().String()),
			zap.Error(qerr),
		)
	}

	evt := events.BookingCreatedEvent{
		BookingID:     bk.ID(),
		TripID:        bk.TripID(),
		RiderID:       bk.RiderID(),
		SeatsBooked:   bk.SeatsBooked(),
		HoldExpiresAt: bk.HoldExpiresAt(),
		OccurredAt:    s.now(),
	}
	if q != nil {
		maxPrice := q.MaxPriceCents()
		evt.MaxPriceCents = &maxPrice
	}
	s.publishEvent(ctx, events.TopicBookingEvents, events.BookingCreated, bk.ID().String(), evt)

	result := toBookingDTO(bk)
	result.Quote = toQuoteDTO(q)
	return &result, nil
}

// RetryQuote fetches a quote for a booking created during a Quote Engine
// outage. Seats are not touched.
func (s *BookingCoordinator) RetryQuote(ctx context.Context, actor Actor, bookingID uuid.UUID) (*BookingDTO, error) {
	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRider(actor, bk); err != nil {
		return nil, err
	}

	q, err := s.findQuote(ctx, bk.ID())
	if err != nil {
		return nil, err
	}
	if q == nil {
		if bk.Status() != bookingDomain.StatusPending {
			return nil, domain.NewInvalidStateError(string(bk.Status()), "quoted")
		}
		t, err := s.trips.FindByID(ctx, bk.TripID())
		if err != nil {
			return nil, err
		}
		q, err = s.requestQuote(ctx, bk, t)
		if err != nil {
			if errors.Is(err, quoteDomain.ErrUnavailable) {
				return nil, domain.NewUpstreamError("quote engine", err)
			}
			return nil, err
		}
	}

	result := toBookingDTO(bk)
	result.Quote = toQuoteDTO(q)
	return &result, nil
}

// requestQuote asks the engine under the quote timeout and stores the result.
func (s *BookingCoordinator) requestQuote(ctx context.Context, bk *bookingDomain.Booking, t *tripDomain.Trip) (*quoteDomain.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteTimeout)
	defer cancel()

	price, err := s.engine.Estimate(qctx, quoteDomain.Request{
		TripID:      t.ID(),
		Origin:      t.Origin(),
		Destination: t.Destination(),
		Riders:      bk.SeatsBooked(),
	})
	if err != nil {
		if !errors.Is(err, quoteDomain.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", quoteDomain.ErrUnavailable, err)
		}
		return nil, err
	}

	q, err := quoteDomain.NewQuote(bk.ID(), price, s.cfg.Currency)
	if err != nil {
		return nil, err
	}
	if err := s.quotes.Save(ctx, q); err != nil {
		if domain.HasCode(err, domain.CodeConflict) {
			return s.quotes.FindByBookingID(ctx, bk.ID())
		}
		return nil, err
	}
	return q, nil
}

// findQuote returns the booking's quote or nil if none was stored.
func (s *BookingCoordinator) findQuote(ctx context.Context, bookingID uuid.UUID) (*quoteDomain.Quote, error) {
	q, err := s.quotes.FindByBookingID(ctx, bookingID)
	if err != nil {
		if domain.HasCode(err, domain.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return q, nil
}

// findPayment returns the booking's payment or nil if none exists.
func (s *BookingCoordinator) findPayment(ctx context.Context, bookingID uuid.UUID) (*paymentDomain.Payment, error) {
	p, err := s.payments.FindByBookingID(ctx, bookingID)
	if err != nil {
		if domain.HasCode(err, domain.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// Complete marks a confirmed booking as ridden once the trip has departed.
func (s *BookingCoordinator) Complete(ctx context.Context, actor Actor, bookingID uuid.UUID) (*BookingDTO, error) {
	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	t, err := s.trips.FindByID(ctx, bk.TripID())
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && t.DriverID() != actor.UserID {
		return nil, domain.NewForbiddenError("only the trip's driver can complete a booking")
	}

	if err := bk.Complete(t.HasDeparted(s.now())); err != nil {
		return nil, err
	}
	bk.IncrementVersion()
	if err := s.bookings.Update(ctx, bk); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, events.TopicBookingEvents, events.BookingCompleted, bk.ID().String(), events.BookingCompletedEvent{
		BookingID:  bk.ID(),
		TripID:     bk.TripID(),
		RiderID:    bk.RiderID(),
		OccurredAt: s.now(),
	})

	return s.detailedDTO(ctx, bk)
}

// GetBooking returns a booking with its quote and payment.
func (s *BookingCoordinator) GetBooking(ctx context.Context, actor Actor, bookingID uuid.UUID) (*BookingDTO, error) {
	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeViewer(ctx, actor, bk); err != nil {
		return nil, err
	}
	return s.detailedDTO(ctx, bk)
}

// ListRiderBookings retrieves paginated bookings for a rider.
func (s *BookingCoordinator) ListRiderBookings(ctx context.Context, riderID uuid.UUID, page, limit int) (*domain.PaginatedResult[BookingDTO], error) {
	bookings, total, err := s.bookings.FindByRiderID(ctx, riderID, page, limit)
	if err != nil {
		return nil, err
	}

	dtos := make([]BookingDTO, len(bookings))
	for i, bk := range bookings {
		dtos[i] = toBookingDTO(bk)
	}

	result := domain.NewPaginatedResult(dtos, total, page, limit)
	return &result, nil
}

// ListTripBookings returns every booking on a trip for its driver.
func (s *BookingCoordinator) ListTripBookings(ctx context.Context, actor Actor, tripID uuid.UUID) ([]BookingDTO, error) {
	t, err := s.trips.FindByID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && t.DriverID() != actor.UserID {
		return nil, domain.NewForbiddenError("trip does not belong to this driver")
	}

	bookings, err := s.bookings.FindByTripID(ctx, tripID)
	if err != nil {
		return nil, err
	}
	dtos := make([]BookingDTO, len(bookings))
	for i, bk := range bookings {
		dtos[i] = toBookingDTO(bk)
	}
	return dtos, nil
}

// --- Admin methods ---

// ListAllBookings returns a paginated list of all bookings (admin).
func (s *BookingCoordinator) ListAllBookings(ctx context.Context, status string, page, limit int) ([]BookingDTO, int64, error) {
	if status != "" {
		if _, err := bookingDomain.ParseBookingStatus(status); err != nil {
			return nil, 0, domain.NewValidationError(err.Error())
		}
	}
	bookings, total, err := s.bookings.ListAll(ctx, status, page, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list bookings: %w", err)
	}

	dtos := make([]BookingDTO, len(bookings))
	for i, bk := range bookings {
		dtos[i] = toBookingDTO(bk)
	}
	return dtos, total, nil
}

// GetBookingStats returns aggregate booking statistics (admin).
func (s *BookingCoordinator) GetBookingStats(ctx context.Context) (*BookingStatsDTO, error) {
	counts, err := s.bookings.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking stats: %w", err)
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	return &BookingStatsDTO{
		TotalBookings: total,
		ByStatus:      counts,
	}, nil
}

// --- Helpers ---

func (s *BookingCoordinator) authorizeRider(actor Actor, bk *bookingDomain.Booking) error {
	if actor.IsAdmin() || bk.RiderID() == actor.UserID {
		return nil
	}
	return domain.NewForbiddenError("booking does not belong to this user")
}

func (s *BookingCoordinator) authorizeViewer(ctx context.Context, actor Actor, bk *bookingDomain.Booking) error {
	if actor.IsAdmin() || bk.RiderID() == actor.UserID {
		return nil
	}
	t, err := s.trips.FindByID(ctx, bk.TripID())
	if err != nil {
		return err
	}
	if t.DriverID() == actor.UserID {
		return nil
	}
	return domain.NewForbiddenError("booking does not belong to this user")
}

func (s *BookingCoordinator) detailedDTO(ctx context.Context, bk *bookingDomain.Booking) (*BookingDTO, error) {
	q, err := s.findQuote(ctx, bk.ID())
	if err != nil {
		return nil, err
	}
	p, err := s.findPayment(ctx, bk.ID())
	if err != nil {
		return nil, err
	}
	result := toBookingDTO(bk)
	result.Quote = toQuoteDTO(q)
	result.Payment = toPaymentDTO(p)
	return &result, nil
}

// paymentCtx bounds one authorizer call.
func (s *BookingCoordinator) paymentCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.PaymentTimeout)
}

func (s *BookingCoordinator) publishEvent(ctx context.Context, topic, eventType, key string, data interface{}) {
	if s.publisher == nil {
		return
	}
	cloudEvent, err := kafka.NewCloudEvent(events.Source, eventType, data)
	if err != nil {
		s.logger.Error("failed to create cloud event",
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return
	}
	cloudEvent.Subject = key

	if err := s.publisher.PublishEvent(ctx, topic, cloudEvent); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}
