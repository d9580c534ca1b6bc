package application

import (
	"context"
	"errors"
	"fmt"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/campusride/service-booking/pkg/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const authorizerName = "payment authorizer"

// ConfirmAndPay authorizes and captures the rider's payment and confirms the
// booking. Each step is awaited before the next: intent, booking re-read,
// capture, settle. A cancellation that lands in between is detected and the
// money is returned.
func (s *BookingCoordinator) ConfirmAndPay(ctx context.Context, actor Actor, bookingID uuid.UUID, req PayRequest) (*BookingDTO, error) {
	if req.AmountCents <= 0 {
		return nil, domain.NewValidationError("amount_cents must be positive")
	}

	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRider(actor, bk); err != nil {
		return nil, err
	}
	if bk.Status() != bookingDomain.StatusPending {
		return nil, domain.NewInvalidStateError(string(bk.Status()), string(bookingDomain.StatusConfirmed))
	}
	if bk.HoldExpired(s.now()) {
		return nil, domain.NewConflictError("seat hold has expired")
	}

	q, err := s.findQuote(ctx, bk.ID())
	if err != nil {
		return nil, err
	}
	if q != nil && !q.Allows(req.AmountCents) {
		return nil, domain.NewValidationError(fmt.Sprintf("amount %d exceeds the quoted maximum of %d", req.AmountCents, q.MaxPriceCents()))
	}

	p, err := s.preparePayment(ctx, bk, req.AmountCents)
	if err != nil {
		return nil, err
	}

	if p.Status() != paymentDomain.StatusCaptured {
		if p, err = s.ensureIntent(ctx, p); err != nil {
			return nil, err
		}

		current, err := s.bookings.FindByID(ctx, bk.ID())
		if err != nil {
			return nil, err
		}
		switch current.Status() {
		case bookingDomain.StatusPending:
		case bookingDomain.StatusConfirmed, bookingDomain.StatusCompleted:
			// A capture notification already settled this booking.
			return s.detailedDTO(ctx, current)
		default:
			if err := s.compensatePayment(ctx, bk.ID()); err != nil {
				s.logger.Error("failed to void intent for cancelled booking",
					zap.String("booking_id", bk.ID().String()),
					zap.Error(err),
				)
			}
			return nil, domain.NewInvalidStateError(string(current.Status()), string(bookingDomain.StatusConfirmed))
		}

		if p, err = s.capture(ctx, p); err != nil {
			return nil, err
		}
	}

	settled, err := s.settleCapture(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.detailedDTO(ctx, settled)
}

// Confirm moves a pending booking to confirmed when its payment has been
// captured, and fails with PaymentNotCaptured otherwise.
func (s *BookingCoordinator) Confirm(ctx context.Context, actor Actor, bookingID uuid.UUID) (*BookingDTO, error) {
	bk, err := s.bookings.FindByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeRider(actor, bk); err != nil {
		return nil, err
	}
	if bk.Status() != bookingDomain.StatusPending {
		return nil, domain.NewInvalidStateError(string(bk.Status()), string(bookingDomain.StatusConfirmed))
	}

	p, err := s.findPayment(ctx, bk.ID())
	if err != nil {
		return nil, err
	}
	captured, err := s.capturedUpstream(ctx, p)
	if err != nil {
		return nil, err
	}
	if !captured {
		return nil, domain.NewPaymentNotCapturedError(bk.ID().String())
	}

	settled, err := s.settleCapture(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.detailedDTO(ctx, settled)
}

// HandlePaymentCaptured converges a booking with an authorizer capture
// notification. The notification is verified against the authorizer before
// anything is written. Notifications for cancelled bookings trigger a refund
// and are acknowledged.
func (s *BookingCoordinator) HandlePaymentCaptured(ctx context.Context, n CaptureNotification) error {
	p, err := s.payments.FindByIntentID(ctx, n.IntentID)
	if err != nil {
		if !domain.HasCode(err, domain.CodeNotFound) {
			return err
		}
		if n.BookingID == nil {
			s.logger.Warn("capture notification for unknown intent", zap.String("intent_id", n.IntentID))
			return nil
		}
		if p, err = s.findPayment(ctx, *n.BookingID); err != nil {
			return err
		}
		if p == nil || (p.HasIntent() && p.IntentID() != n.IntentID) {
			s.logger.Warn("capture notification does not match booking payment",
				zap.String("intent_id", n.IntentID),
				zap.String("booking_id", n.BookingID.String()),
			)
			return nil
		}
	}

	intent, err := s.getIntent(ctx, n.IntentID)
	if err != nil {
		return domain.NewUpstreamError(authorizerName, err)
	}
	if intent.Status != paymentDomain.IntentCaptured {
		s.logger.Info("ignoring capture notification, intent not captured",
			zap.String("intent_id", n.IntentID),
			zap.String("intent_status", string(intent.Status)),
		)
		return nil
	}
	if !p.HasIntent() && p.Status() == paymentDomain.StatusPending {
		if err := p.AttachIntent(intent.ID); err != nil {
			return err
		}
	}

	if _, err := s.settleCapture(ctx, p); err != nil {
		if domain.HasCode(err, domain.CodeInvalidState) {
			return nil
		}
		return err
	}
	return nil
}

// preparePayment returns the booking's payment for this attempt, creating it
// or re-arming a failed one.
func (s *BookingCoordinator) preparePayment(ctx context.Context, bk *bookingDomain.Booking, amount int64) (*paymentDomain.Payment, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		p, err := s.findPayment(ctx, bk.ID())
		if err != nil {
			return nil, err
		}

		if p == nil {
			p, err = paymentDomain.NewPayment(bk.ID(), amount, s.cfg.Currency)
			if err != nil {
				return nil, err
			}
			if err := s.payments.Save(ctx, p); err != nil {
				if domain.HasCode(err, domain.CodeConflict) {
					continue
				}
				return nil, err
			}
			return p, nil
		}

		switch p.Status() {
		case paymentDomain.StatusPending:
			if p.AmountCents() != amount {
				return nil, domain.NewConflictError(fmt.Sprintf("a payment of %d is already in progress", p.AmountCents()))
			}
			return p, nil
		case paymentDomain.StatusCaptured:
			return p, nil
		case paymentDomain.StatusFailed:
			if err := p.Rearm(amount); err != nil {
				return nil, err
			}
			p.IncrementVersion()
			if err := s.payments.Update(ctx, p); err != nil {
				if domain.HasCode(err, domain.CodeConflict) {
					continue
				}
				return nil, err
			}
			return p, nil
		default:
			return nil, domain.NewInvalidStateError(string(p.Status()), string(paymentDomain.StatusPending))
		}
	}
	return nil, domain.NewConflictError("payment was modified concurrently")
}

// ensureIntent creates the authorizer intent for the current attempt unless
// one is already recorded.
func (s *BookingCoordinator) ensureIntent(ctx context.Context, p *paymentDomain.Payment) (*paymentDomain.Payment, error) {
	if p.HasIntent() {
		return p, nil
	}

	cctx, cancel := s.paymentCtx(ctx)
	intent, err := s.authorizer.CreateIntent(cctx, paymentDomain.IntentRequest{
		IdempotencyKey: p.IdempotencyKey(),
		BookingID:      p.BookingID(),
		AmountCents:    p.AmountCents(),
		Currency:       p.Currency(),
	})
	cancel()
	if err != nil {
		switch paymentDomain.KindOf(err) {
		case paymentDomain.ErrorTimeout:
			// The intent may exist; ask before doing anything else.
			if intent, err = s.lookupIntent(ctx, p.IdempotencyKey()); err != nil {
				if paymentDomain.KindOf(err) == paymentDomain.ErrorNotFound {
					return nil, domain.NewUpstreamError(authorizerName, fmt.Errorf("intent creation timed out and was not applied: %w", err))
				}
				return nil, domain.NewUpstreamError(authorizerName, err)
			}
		case paymentDomain.ErrorDeclined:
			return nil, s.failPayment(ctx, p, err)
		default:
			return nil, domain.NewUpstreamError(authorizerName, err)
		}
	}

	if err := p.AttachIntent(intent.ID); err != nil {
		return nil, err
	}
	p.IncrementVersion()
	if err := s.payments.Update(ctx, p); err != nil {
		if !domain.HasCode(err, domain.CodeConflict) {
			return nil, err
		}
		latest, lerr := s.payments.FindByBookingID(ctx, p.BookingID())
		if lerr != nil {
			return nil, lerr
		}
		if latest.IntentID() == intent.ID {
			return latest, nil
		}
		if latest.Status() == paymentDomain.StatusCancelled {
			// A cancellation won before the intent was recorded; void it.
			if _, cerr := s.cancelIntent(ctx, intent.ID, p.IdempotencyKey()); cerr != nil {
				s.logger.Error("failed to void orphaned intent",
					zap.String("intent_id", intent.ID),
					zap.Error(cerr),
				)
			}
			return nil, domain.NewInvalidStateError(string(latest.Status()), string(paymentDomain.StatusCaptured))
		}
		return nil, err
	}

	s.logger.Info("payment intent created",
		zap.String("payment_id", p.ID().String()),
		zap.String("booking_id", p.BookingID().String()),
		zap.String("intent_id", intent.ID),
		zap.Int("attempt", p.Attempt()),
	)
	return p, nil
}

// capture captures the intent. An ambiguous outcome is resolved by reading
// the intent back.
func (s *BookingCoordinator) capture(ctx context.Context, p *paymentDomain.Payment) (*paymentDomain.Payment, error) {
	cctx, cancel := s.paymentCtx(ctx)
	intent, err := s.authorizer.Capture(cctx, p.IntentID(), p.IdempotencyKey())
	cancel()
	if err != nil {
		switch paymentDomain.KindOf(err) {
		case paymentDomain.ErrorTimeout, paymentDomain.ErrorInvalidState:
			if intent, err = s.getIntent(ctx, p.IntentID()); err != nil {
				return nil, domain.NewUpstreamError(authorizerName, err)
			}
		case paymentDomain.ErrorDeclined:
			return nil, s.failPayment(ctx, p, err)
		default:
			return nil, domain.NewUpstreamError(authorizerName, err)
		}
	}

	switch intent.Status {
	case paymentDomain.IntentCaptured:
		return p, nil
	case paymentDomain.IntentFailed:
		return nil, s.failPayment(ctx, p, errors.New("intent failed at capture"))
	case paymentDomain.IntentCancelled, paymentDomain.IntentRefunded:
		// Voided by a concurrent cancellation, which owns the local record.
		return nil, domain.NewInvalidStateError(string(intent.Status), string(paymentDomain.StatusCaptured))
	default:
		return nil, domain.NewUpstreamError(authorizerName, fmt.Errorf("capture of intent %s still %s", intent.ID, intent.Status))
	}
}

// settleCapture records a captured payment, finalizes the quote and confirms
// the booking. If the booking was cancelled while the capture was in flight
// the payment is refunded and the seats released instead.
func (s *BookingCoordinator) settleCapture(ctx context.Context, p *paymentDomain.Payment) (*bookingDomain.Booking, error) {
	p, err := s.markCaptured(ctx, p)
	if err != nil {
		return nil, err
	}
	if p.Status() == paymentDomain.StatusCaptured {
		s.finalizeQuote(ctx, p)
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		bk, err := s.bookings.FindByID(ctx, p.BookingID())
		if err != nil {
			return nil, err
		}

		switch bk.Status() {
		case bookingDomain.StatusConfirmed, bookingDomain.StatusCompleted:
			return bk, nil

		case bookingDomain.StatusPending:
			if p.Status() != paymentDomain.StatusCaptured {
				return nil, domain.NewPaymentNotCapturedError(bk.ID().String())
			}
			if err := bk.Confirm(); err != nil {
				return nil, err
			}
			bk.IncrementVersion()
			if err := s.bookings.Update(ctx, bk); err != nil {
				if domain.HasCode(err, domain.CodeConflict) {
					continue
				}
				return nil, err
			}
			if err := s.ledger.Commit(ctx, bk.ReservationToken()); err != nil {
				s.logger.Error("failed to commit seat reservation",
					zap.String("booking_id", bk.ID().String()),
					zap.String("reservation_token", bk.ReservationToken().String()),
					zap.Error(err),
				)
			}

			s.logger.Info("booking confirmed",
				zap.String("booking_id", bk.ID().String()),
				zap.String("payment_id", p.ID().String()),
			)
			s.publishEvent(ctx, events.TopicBookingEvents, events.BookingConfirmed, bk.ID().String(), events.BookingConfirmedEvent{
				BookingID:   bk.ID(),
				TripID:      bk.TripID(),
				RiderID:     bk.RiderID(),
				SeatsBooked: bk.SeatsBooked(),
				PaymentID:   p.ID(),
				AmountCents: p.AmountCents(),
				Currency:    p.Currency(),
				OccurredAt:  s.now(),
			})
			return bk, nil

		default:
			s.logger.Warn("booking cancelled while payment was captured, compensating",
				zap.String("booking_id", bk.ID().String()),
				zap.String("booking_status", string(bk.Status())),
			)
			if bk.Status() == bookingDomain.StatusCancelling {
				if _, err := s.compensate(ctx, bk); err != nil {
					return nil, err
				}
			} else {
				if err := s.compensatePayment(ctx, bk.ID()); err != nil {
					s.logger.Error("failed to refund capture for cancelled booking",
						zap.String("booking_id", bk.ID().String()),
						zap.Error(err),
					)
				}
				if err := s.ledger.Release(ctx, bk.ReservationToken()); err != nil && !domain.HasCode(err, domain.CodeNotFound) {
					s.logger.Error("failed to release seats for cancelled booking",
						zap.String("booking_id", bk.ID().String()),
						zap.Error(err),
					)
				}
			}
			return nil, domain.NewInvalidStateError(string(bk.Status()), string(bookingDomain.StatusConfirmed))
		}
	}
	return nil, domain.NewConflictError("booking was modified concurrently")
}

// markCaptured persists the capture. Captured and refunded payments are
// returned as they are.
func (s *BookingCoordinator) markCaptured(ctx context.Context, p *paymentDomain.Payment) (*paymentDomain.Payment, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		switch p.Status() {
		case paymentDomain.StatusCaptured, paymentDomain.StatusRefunded:
			return p, nil
		case paymentDomain.StatusPending:
			if err := p.MarkCaptured(); err != nil {
				return nil, err
			}
			p.IncrementVersion()
			err := s.payments.Update(ctx, p)
			if err == nil {
				s.logger.Info("payment captured",
					zap.String("payment_id", p.ID().String()),
					zap.String("booking_id", p.BookingID().String()),
					zap.Int64("amount_cents", p.AmountCents()),
				)
				return p, nil
			}
			if !domain.HasCode(err, domain.CodeConflict) {
				return nil, err
			}
		default:
			s.logger.Error("upstream capture on a payment closed locally",
				zap.String("payment_id", p.ID().String()),
				zap.String("payment_status", string(p.Status())),
				zap.String("intent_id", p.IntentID()),
			)
			return nil, domain.NewInvalidStateError(string(p.Status()), string(paymentDomain.StatusCaptured))
		}

		latest, err := s.payments.FindByBookingID(ctx, p.BookingID())
		if err != nil {
			return nil, err
		}
		p = latest
	}
	return nil, domain.NewConflictError("payment was modified concurrently")
}

// finalizeQuote writes the captured amount as the quote's final price.
func (s *BookingCoordinator) finalizeQuote(ctx context.Context, p *paymentDomain.Payment) {
	q, err := s.findQuote(ctx, p.BookingID())
	if err != nil || q == nil {
		if err != nil {
			s.logger.Warn("failed to load quote for finalization", zap.String("booking_id", p.BookingID().String()), zap.Error(err))
		}
		return
	}
	if q.FinalPriceCents() != nil && *q.FinalPriceCents() == p.AmountCents() {
		return
	}
	if err := q.Finalize(p.AmountCents()); err != nil {
		s.logger.Error("captured amount cannot finalize quote",
			zap.String("booking_id", p.BookingID().String()),
			zap.Int64("amount_cents", p.AmountCents()),
			zap.Error(err),
		)
		return
	}
	if err := s.quotes.SetFinalPrice(ctx, q); err != nil {
		s.logger.Error("failed to store final price", zap.String("booking_id", p.BookingID().String()), zap.Error(err))
	}
}

// failPayment records a definitive decline and returns it as PaymentDeclined.
func (s *BookingCoordinator) failPayment(ctx context.Context, p *paymentDomain.Payment, cause error) error {
	reason := cause.Error()
	if err := s.savePayment(ctx, p, func() error { return p.MarkFailed(reason) }); err != nil {
		s.logger.Error("failed to record declined payment",
			zap.String("payment_id", p.ID().String()),
			zap.Error(err),
		)
	}
	return domain.NewPaymentDeclinedError(reason)
}

// capturedUpstream reports whether money has been taken for p, asking the
// authorizer when the local record is still pending.
func (s *BookingCoordinator) capturedUpstream(ctx context.Context, p *paymentDomain.Payment) (bool, error) {
	if p == nil {
		return false, nil
	}
	switch p.Status() {
	case paymentDomain.StatusCaptured:
		return true, nil
	case paymentDomain.StatusPending:
		if !p.HasIntent() {
			return false, nil
		}
		intent, err := s.getIntent(ctx, p.IntentID())
		if err != nil {
			return false, domain.NewUpstreamError(authorizerName, err)
		}
		return intent.Status == paymentDomain.IntentCaptured, nil
	default:
		return false, nil
	}
}

func (s *BookingCoordinator) savePayment(ctx context.Context, p *paymentDomain.Payment, mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	p.IncrementVersion()
	return s.payments.Update(ctx, p)
}

func (s *BookingCoordinator) getIntent(ctx context.Context, intentID string) (*paymentDomain.Intent, error) {
	cctx, cancel := s.paymentCtx(ctx)
	defer cancel()
	return s.authorizer.Get(cctx, intentID)
}

func (s *BookingCoordinator) lookupIntent(ctx context.Context, key string) (*paymentDomain.Intent, error) {
	cctx, cancel := s.paymentCtx(ctx)
	defer cancel()
	return s.authorizer.Lookup(cctx, key)
}

func (s *BookingCoordinator) cancelIntent(ctx context.Context, intentID, key string) (*paymentDomain.Intent, error) {
	cctx, cancel := s.paymentCtx(ctx)
	defer cancel()
	return s.authorizer.Cancel(cctx, intentID, key)
}

func (s *BookingCoordinator) refundIntent(ctx context.Context, intentID, key string) (*paymentDomain.Intent, error) {
	cctx, cancel := s.paymentCtx(ctx)
	defer cancel()
	return s.authorizer.Refund(cctx, intentID, key)
}
