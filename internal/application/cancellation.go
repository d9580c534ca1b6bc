package application

import (
	"context"
	"fmt"
	"time"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/campusride/service-booking/pkg/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const holdExpiredReason = "seat hold expired"

// Cancel cancels a pending or confirmed booking. The payment is compensated
// first (intent voided or refunded), then the seats are released. If a
// compensation step fails the booking stays cancelling with the error
// recorded and the reconciler finishes it later. Cancelling a cancelled
// booking returns it unchanged.
func (s *BookingCoordinator) Cancel(ctx context.Context, actor Actor, bookingID uuid.UUID, reason string) (*BookingDTO, error) {
	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRider(actor, bk); err != nil {
		return nil, err
	}

	if bk, err = s.beginCancel(ctx, bk, reason); err != nil {
		return nil, err
	}
	if bk.Status() == bookingDomain.StatusCancelling {
		if bk, err = s.compensate(ctx, bk); err != nil {
			return nil, err
		}
	}
	return s.detailedDTO(ctx, bk)
}

// beginCancel moves the booking to cancelling and persists it before any
// compensation runs.
func (s *BookingCoordinator) beginCancel(ctx context.Context, bk *bookingDomain.Booking, reason string) (*bookingDomain.Booking, error) {
	for attempt := 1; ; attempt++ {
		switch bk.Status() {
		case bookingDomain.StatusCancelled, bookingDomain.StatusCancelling:
			return bk, nil
		}
		if err := bk.BeginCancel(reason); err != nil {
			return nil, err
		}
		bk.IncrementVersion()
		err := s.bookings.Update(ctx, bk)
		if err == nil {
			s.logger.Info("booking cancelling",
				zap.String("booking_id", bk.ID().String()),
				zap.String("reason", reason),
			)
			return bk, nil
		}
		if !domain.HasCode(err, domain.CodeConflict) || attempt >= maxUpdateRetries {
			return nil, err
		}
		if bk, err = s.bookings.FindByID(ctx, bk.ID()); err != nil {
			return nil, err
		}
	}
}

// compensate runs the backward steps for a cancelling booking. Collaborator
// failures are recorded on the booking, not returned; only failures to read
// or write the booking itself are errors.
func (s *BookingCoordinator) compensate(ctx context.Context, bk *bookingDomain.Booking) (*bookingDomain.Booking, error) {
	if err := s.compensatePayment(ctx, bk.ID()); err != nil {
		return s.recordCompensationFailure(ctx, bk, "payment", err)
	}
	if err := s.ledger.Release(ctx, bk.ReservationToken()); err != nil && !domain.HasCode(err, domain.CodeNotFound) {
		return s.recordCompensationFailure(ctx, bk, "seats", err)
	}
	return s.finishCancel(ctx, bk)
}

func (s *BookingCoordinator) finishCancel(ctx context.Context, bk *bookingDomain.Booking) (*bookingDomain.Booking, error) {
	for attempt := 1; ; attempt++ {
		if bk.Status() == bookingDomain.StatusCancelled {
			return bk, nil
		}
		if err := bk.FinishCancel(); err != nil {
			return nil, err
		}
		bk.IncrementVersion()
		err := s.bookings.Update(ctx, bk)
		if err == nil {
			break
		}
		if !domain.HasCode(err, domain.CodeConflict) || attempt >= maxUpdateRetries {
			return nil, err
		}
		if bk, err = s.bookings.FindByID(ctx, bk.ID()); err != nil {
			return nil, err
		}
	}

	s.logger.Info("booking cancelled",
		zap.String("booking_id", bk.ID().String()),
		zap.Int("seats_released", bk.SeatsBooked()),
	)
	s.publishEvent(ctx, events.TopicBookingEvents, events.BookingCancelled, bk.ID().String(), events.BookingCancelledEvent{
		BookingID:   bk.ID(),
		TripID:      bk.TripID(),
		RiderID:     bk.RiderID(),
		SeatsBooked: bk.SeatsBooked(),
		Reason:      bk.CancelReason(),
		OccurredAt:  s.now(),
	})
	return bk, nil
}

func (s *BookingCoordinator) recordCompensationFailure(ctx context.Context, bk *bookingDomain.Booking, step string, cause error) (*bookingDomain.Booking, error) {
	s.logger.Error("compensation failed, booking left cancelling",
		zap.String("booking_id", bk.ID().String()),
		zap.String("step", step),
		zap.Error(cause),
	)

	msg := fmt.Sprintf("%s: %v", step, cause)
	for attempt := 1; ; attempt++ {
		if bk.Status() != bookingDomain.StatusCancelling {
			return bk, nil
		}
		bk.RecordCompensationFailure(msg)
		bk.IncrementVersion()
		err := s.bookings.Update(ctx, bk)
		if err == nil {
			break
		}
		if !domain.HasCode(err, domain.CodeConflict) || attempt >= maxUpdateRetries {
			return nil, err
		}
		if bk, err = s.bookings.FindByID(ctx, bk.ID()); err != nil {
			return nil, err
		}
	}

	s.publishEvent(ctx, events.TopicBookingEvents, events.BookingCompensationFailed, bk.ID().String(), events.CompensationFailedEvent{
		BookingID:  bk.ID(),
		Step:       step,
		Error:      cause.Error(),
		OccurredAt: s.now(),
	})
	return bk, nil
}

// compensatePayment makes sure no money is held for the booking. It is safe
// to run any number of times and concurrently with a capture.
func (s *BookingCoordinator) compensatePayment(ctx context.Context, bookingID uuid.UUID) error {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		p, err := s.findPayment(ctx, bookingID)
		if err != nil || p == nil {
			return err
		}
		err = s.unwindPayment(ctx, p)
		if err == nil || !domain.HasCode(err, domain.CodeConflict) {
			return err
		}
	}
	return domain.NewConflictError("payment was modified concurrently")
}

func (s *BookingCoordinator) unwindPayment(ctx context.Context, p *paymentDomain.Payment) error {
	switch p.Status() {
	case paymentDomain.StatusRefunded, paymentDomain.StatusCancelled, paymentDomain.StatusFailed:
		return nil
	case paymentDomain.StatusCaptured:
		return s.refund(ctx, p)
	}

	intentID := p.IntentID()
	if intentID == "" {
		intent, err := s.lookupIntent(ctx, p.IdempotencyKey())
		if err != nil {
			if paymentDomain.KindOf(err) == paymentDomain.ErrorNotFound {
				return s.savePayment(ctx, p, p.MarkCancelled)
			}
			return err
		}
		intentID = intent.ID
		if err := p.AttachIntent(intentID); err != nil {
			return err
		}
	}

	intent, err := s.cancelIntent(ctx, intentID, p.IdempotencyKey())
	if err != nil {
		switch paymentDomain.KindOf(err) {
		case paymentDomain.ErrorNotFound:
			return s.savePayment(ctx, p, p.MarkCancelled)
		case paymentDomain.ErrorInvalidState, paymentDomain.ErrorTimeout:
			if intent, err = s.getIntent(ctx, intentID); err != nil {
				return err
			}
		default:
			return err
		}
	}

	switch intent.Status {
	case paymentDomain.IntentCancelled, paymentDomain.IntentFailed:
		return s.savePayment(ctx, p, p.MarkCancelled)
	case paymentDomain.IntentCaptured:
		// The capture won the race; refund it.
		if err := s.savePayment(ctx, p, p.MarkCaptured); err != nil {
			return err
		}
		return s.refund(ctx, p)
	case paymentDomain.IntentRefunded:
		return s.savePayment(ctx, p, func() error {
			if err := p.MarkCaptured(); err != nil {
				return err
			}
			return p.MarkRefunded()
		})
	default:
		return fmt.Errorf("intent %s still %s after cancel", intentID, intent.Status)
	}
}

func (s *BookingCoordinator) refund(ctx context.Context, p *paymentDomain.Payment) error {
	intent, err := s.refundIntent(ctx, p.IntentID(), p.IdempotencyKey())
	if err != nil {
		switch paymentDomain.KindOf(err) {
		case paymentDomain.ErrorTimeout, paymentDomain.ErrorInvalidState:
			if intent, err = s.getIntent(ctx, p.IntentID()); err != nil {
				return err
			}
		default:
			return err
		}
	}
	if intent.Status != paymentDomain.IntentRefunded {
		return fmt.Errorf("refund of intent %s not applied, status %s", p.IntentID(), intent.Status)
	}
	if err := s.savePayment(ctx, p, p.MarkRefunded); err != nil {
		return err
	}
	s.logger.Info("payment refunded",
		zap.String("payment_id", p.ID().String()),
		zap.String("booking_id", p.BookingID().String()),
	)
	return nil
}

// ExpireStaleHolds cancels pending bookings whose seat hold lapsed, confirms
// the ones whose payment was captured anyway, and releases held seats that
// never got a booking.
func (s *BookingCoordinator) ExpireStaleHolds(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	expired, err := s.bookings.FindExpiredPending(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return result, err
	}
	for _, bk := range expired {
		log := s.logger.With(zap.String("booking_id", bk.ID().String()))

		p, err := s.findPayment(ctx, bk.ID())
		if err != nil {
			log.Error("failed to load payment for expired hold", zap.Error(err))
			continue
		}
		if p != nil && p.Status() == paymentDomain.StatusCaptured {
			if _, err := s.settleCapture(ctx, p); err != nil {
				log.Error("failed to settle captured payment on expired hold", zap.Error(err))
				continue
			}
			result.Confirmed++
			continue
		}

		if bk, err = s.beginCancel(ctx, bk, holdExpiredReason); err != nil {
			log.Warn("failed to expire hold", zap.Error(err))
			continue
		}
		if bk.Status() == bookingDomain.StatusCancelling {
			if bk, err = s.compensate(ctx, bk); err != nil {
				log.Error("failed to compensate expired hold", zap.Error(err))
				continue
			}
		}
		if bk.Status() == bookingDomain.StatusCancelled {
			result.Cancelled++
		}
	}

	holds, err := s.ledger.ExpiredHolds(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return result, err
	}
	for _, h := range holds {
		bk, err := s.bookings.FindByReservationToken(ctx, h.Token)
		if err == nil {
			// Seats of a settled booking whose commit failed earlier.
			if bk.Status() != bookingDomain.StatusConfirmed && bk.Status() != bookingDomain.StatusCompleted {
				continue
			}
			if err := s.ledger.Commit(ctx, h.Token); err != nil {
				s.logger.Error("failed to commit seat reservation", zap.String("booking_id", bk.ID().String()), zap.Error(err))
				continue
			}
			s.logger.Info("committed seat reservation for settled booking",
				zap.String("booking_id", bk.ID().String()),
				zap.String("reservation_token", h.Token.String()),
			)
			result.Committed++
			continue
		}
		if !domain.HasCode(err, domain.CodeNotFound) {
			s.logger.Error("failed to look up booking for hold", zap.String("reservation_token", h.Token.String()), zap.Error(err))
			continue
		}
		if err := s.ledger.Release(ctx, h.Token); err != nil {
			s.logger.Error("failed to release orphaned hold", zap.String("reservation_token", h.Token.String()), zap.Error(err))
			continue
		}
		s.logger.Info("released orphaned seat hold",
			zap.String("reservation_token", h.Token.String()),
			zap.String("trip_id", h.TripID.String()),
			zap.Int("seats", h.Seats),
		)
		result.OrphansReleased++
	}

	return result, nil
}

// ReconcileCancelling retries compensation for bookings stuck in cancelling
// and returns how many reached cancelled.
func (s *BookingCoordinator) ReconcileCancelling(ctx context.Context) (int, error) {
	stuck, err := s.bookings.FindByStatus(ctx, bookingDomain.StatusCancelling, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}

	finished := 0
	for _, bk := range stuck {
		done, err := s.compensate(ctx, bk)
		if err != nil {
			s.logger.Error("reconciliation failed", zap.String("booking_id", bk.ID().String()), zap.Error(err))
			continue
		}
		if done.Status() == bookingDomain.StatusCancelled {
			finished++
		}
	}
	return finished, nil
}

// ReconcileBooking drives a single booking towards a consistent state
// (admin): it resumes compensation on cancelling bookings and confirms
// pending bookings whose payment was captured.
func (s *BookingCoordinator) ReconcileBooking(ctx context.Context, bookingID uuid.UUID) (*BookingDTO, error) {
	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	switch bk.Status() {
	case bookingDomain.StatusCancelling:
		if bk, err = s.compensate(ctx, bk); err != nil {
			return nil, err
		}
	case bookingDomain.StatusPending:
		p, err := s.findPayment(ctx, bk.ID())
		if err != nil {
			return nil, err
		}
		captured, err := s.capturedUpstream(ctx, p)
		if err != nil {
			return nil, err
		}
		if captured {
			if bk, err = s.settleCapture(ctx, p); err != nil {
				return nil, err
			}
		}
	}
	return s.detailedDTO(ctx, bk)
}
