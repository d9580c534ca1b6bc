package application

import (
	"context"
	"testing"
	"time"

	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	paymentDomain "github.com/campusride/service-booking/internal/domain/payment"
	tripDomain "github.com/campusride/service-booking/internal/domain/trip"
	"github.com/campusride/service-booking/pkg/domain"
	"github.com/campusride/service-booking/pkg/events"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfirmAndPay_HappyPath(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 3)
	rider := newRider()
	dto := h.book(t, rider, trip, 2)

	result, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: 900})
	require.NoError(t, err)

	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)
	assert.NotNil(t, result.ConfirmedAt)
	require.NotNil(t, result.Payment)
	assert.Equal(t, string(paymentDomain.StatusCaptured), result.Payment.Status)
	assert.Equal(t, int64(900), result.Payment.AmountCents)
	require.NotNil(t, result.Quote)
	require.NotNil(t, result.Quote.FinalPriceCents)
	assert.Equal(t, int64(900), *result.Quote.FinalPriceCents)

	bk := h.booking(t, dto.ID)
	assert.Equal(t, tripDomain.ReservationCommitted, h.ledger.reservation(bk.ReservationToken()).Status)
	assert.Equal(t, 1, h.ledger.seats(trip.ID()))
	assert.Equal(t, paymentDomain.IntentCaptured, h.authorizer.status(result.Payment.IntentID))
	assert.Equal(t, 1, h.authorizer.count("create"))
	assert.Equal(t, 1, h.authorizer.count("capture"))
	assert.Equal(t, 1, h.publisher.count(events.BookingConfirmed))
}

func TestConfirmAndPay_Preconditions(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 4)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	ctx := context.Background()

	t.Run("non-positive amount", func(t *testing.T) {
		_, err := h.coord.ConfirmAndPay(ctx, rider, dto.ID, PayRequest{AmountCents: 0})
		assertCode(t, err, domain.CodeValidation)
	})

	t.Run("amount above quote", func(t *testing.T) {
		_, err := h.coord.ConfirmAndPay(ctx, rider, dto.ID, PayRequest{AmountCents: pricePerRider + 1})
		assertCode(t, err, domain.CodeValidation)
	})

	t.Run("other rider", func(t *testing.T) {
		_, err := h.coord.ConfirmAndPay(ctx, newRider(), dto.ID, PayRequest{AmountCents: pricePerRider})
		assertCode(t, err, domain.CodeForbidden)
	})

	t.Run("unknown booking", func(t *testing.T) {
		_, err := h.coord.ConfirmAndPay(ctx, rider, uuid.New(), PayRequest{AmountCents: pricePerRider})
		assertCode(t, err, domain.CodeNotFound)
	})

	assert.Equal(t, 0, h.authorizer.count("create"))
	assert.Nil(t, h.payments.get(dto.ID))
}

func TestConfirmAndPay_ExpiredHoldIsRejected(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.clock.Advance(16 * time.Minute)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})

	assertCode(t, err, domain.CodeConflict)
	assert.Equal(t, 0, h.authorizer.count("create"))
}

func TestConfirmAndPay_AlreadyConfirmed(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	require.NoError(t, err)

	_, err = h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeInvalidState)

	_, err = h.coord.Confirm(context.Background(), rider, dto.ID)
	assertCode(t, err, domain.CodeInvalidState)

	assert.Equal(t, 1, h.authorizer.count("capture"))
	assert.Equal(t, 1, h.publisher.count(events.BookingConfirmed))
}

func TestConfirmAndPay_DeclineThenRetryWithNewAttempt(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("create", paymentDomain.ErrorDeclined, false)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodePaymentDeclined)

	p := h.payments.get(dto.ID)
	require.NotNil(t, p)
	assert.Equal(t, paymentDomain.StatusFailed, p.Status())
	assert.Equal(t, bookingDomain.StatusPending, h.booking(t, dto.ID).Status())
	assert.Equal(t, 1, h.ledger.seats(trip.ID()), "a decline keeps the hold")
	firstKey := p.IdempotencyKey()

	result, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)

	p = h.payments.get(dto.ID)
	assert.Equal(t, 2, p.Attempt())
	assert.NotEqual(t, firstKey, p.IdempotencyKey())
	assert.Empty(t, p.FailureReason())
}

func TestConfirmAndPay_CaptureDeclined(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorDeclined, false)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})

	assertCode(t, err, domain.CodePaymentDeclined)
	assert.Equal(t, paymentDomain.StatusFailed, h.payments.get(dto.ID).Status())
	assert.Equal(t, bookingDomain.StatusPending, h.booking(t, dto.ID).Status())
}

func TestConfirmAndPay_CreateTimeoutResolvedByLookup(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("create", paymentDomain.ErrorTimeout, true)

	result, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})

	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)
	assert.Equal(t, 1, h.authorizer.count("lookup"))
	assert.Equal(t, 1, h.authorizer.intentCount(), "the timed-out intent is reused, not duplicated")
}

func TestConfirmAndPay_CreateTimeoutNotAppliedIsRetryable(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("create", paymentDomain.ErrorTimeout, false)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})

	assertCode(t, err, domain.CodeUpstreamFailure)
	p := h.payments.get(dto.ID)
	assert.Equal(t, paymentDomain.StatusPending, p.Status())
	assert.False(t, p.HasIntent())
	assert.Equal(t, 0, h.authorizer.intentCount())

	result, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)
	assert.Equal(t, 1, h.authorizer.intentCount())
}

func TestConfirmAndPay_PendingPaymentWithDifferentAmount(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorUnavailable, false)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeUpstreamFailure)

	_, err = h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider - 100})
	assertCode(t, err, domain.CodeConflict)
}

func TestConfirmAndPay_CaptureTimeoutResolvedByGet(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorTimeout, true)

	result, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})

	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)
	assert.Equal(t, 1, h.authorizer.count("get"))
}

func TestConfirmAndPay_CaptureUnavailableThenRetry(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorUnavailable, false)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeUpstreamFailure)

	p := h.payments.get(dto.ID)
	require.True(t, p.HasIntent())
	assert.Equal(t, paymentDomain.StatusPending, p.Status())
	assert.Equal(t, bookingDomain.StatusPending, h.booking(t, dto.ID).Status())

	_, err = h.coord.Confirm(context.Background(), rider, dto.ID)
	assertCode(t, err, domain.CodePaymentNotCaptured)

	result, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)
	assert.Equal(t, p.IntentID(), result.Payment.IntentID, "the retry captures the same intent")
	assert.Equal(t, 1, h.authorizer.intentCount())
}

func TestConfirm_WithoutPaymentFails(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)

	_, err := h.coord.Confirm(context.Background(), rider, dto.ID)

	assertCode(t, err, domain.CodePaymentNotCaptured)
	assert.Equal(t, bookingDomain.StatusPending, h.booking(t, dto.ID).Status())
}

func TestConfirm_AfterUpstreamCapture(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorUnavailable, true)

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeUpstreamFailure)

	result, err := h.coord.Confirm(context.Background(), rider, dto.ID)
	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusConfirmed), result.Status)
	assert.Equal(t, string(paymentDomain.StatusCaptured), result.Payment.Status)
}

func TestConfirmAndPay_CancelBeforeCaptureVoidsIntent(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 2)

	h.authorizer.beforeCapture = func() {
		h.authorizer.beforeCapture = nil
		_, err := h.coord.Cancel(context.Background(), rider, dto.ID, "changed plans")
		require.NoError(t, err)
	}

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: 2 * pricePerRider})

	assertCode(t, err, domain.CodeInvalidState)
	assert.Equal(t, bookingDomain.StatusCancelled, h.booking(t, dto.ID).Status())
	p := h.payments.get(dto.ID)
	assert.Equal(t, paymentDomain.StatusCancelled, p.Status())
	assert.Equal(t, paymentDomain.IntentCancelled, h.authorizer.status(p.IntentID()))
	assert.Equal(t, 2, h.ledger.seats(trip.ID()))
	assert.Equal(t, 0, h.publisher.count(events.BookingConfirmed))
}

func TestConfirmAndPay_CancelAfterCaptureRefunds(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 2)

	h.authorizer.afterCapture = func() {
		h.authorizer.afterCapture = nil
		_, err := h.coord.Cancel(context.Background(), rider, dto.ID, "changed plans")
		require.NoError(t, err)
	}

	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: 2 * pricePerRider})

	assertCode(t, err, domain.CodeInvalidState)
	assert.Equal(t, bookingDomain.StatusCancelled, h.booking(t, dto.ID).Status())
	p := h.payments.get(dto.ID)
	assert.Equal(t, paymentDomain.StatusRefunded, p.Status())
	assert.Equal(t, paymentDomain.IntentRefunded, h.authorizer.status(p.IntentID()))
	assert.Equal(t, 1, h.authorizer.count("refund"))
	assert.Equal(t, 2, h.ledger.seats(trip.ID()))
	assert.Equal(t, 0, h.publisher.count(events.BookingConfirmed))
}

func TestHandlePaymentCaptured_ConvergesPendingBooking(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorUnavailable, true)
	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeUpstreamFailure)
	intentID := h.payments.get(dto.ID).IntentID()

	require.NoError(t, h.coord.HandlePaymentCaptured(context.Background(), CaptureNotification{IntentID: intentID}))
	require.NoError(t, h.coord.HandlePaymentCaptured(context.Background(), CaptureNotification{IntentID: intentID}))

	assert.Equal(t, bookingDomain.StatusConfirmed, h.booking(t, dto.ID).Status())
	assert.Equal(t, paymentDomain.StatusCaptured, h.payments.get(dto.ID).Status())
	assert.Equal(t, 1, h.publisher.count(events.BookingConfirmed), "duplicate notifications confirm once")
}

func TestHandlePaymentCaptured_UnverifiedNoticeIgnored(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorUnavailable, false)
	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeUpstreamFailure)
	intentID := h.payments.get(dto.ID).IntentID()

	require.NoError(t, h.coord.HandlePaymentCaptured(context.Background(), CaptureNotification{IntentID: intentID}))

	assert.Equal(t, bookingDomain.StatusPending, h.booking(t, dto.ID).Status())
	assert.Equal(t, paymentDomain.StatusPending, h.payments.get(dto.ID).Status())
}

func TestHandlePaymentCaptured_UnknownIntent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.coord.HandlePaymentCaptured(context.Background(), CaptureNotification{IntentID: "pi_unknown"}))

	bookingID := uuid.New()
	require.NoError(t, h.coord.HandlePaymentCaptured(context.Background(), CaptureNotification{IntentID: "pi_unknown", BookingID: &bookingID}))
	assert.Equal(t, 0, h.authorizer.count("get"))
}

func TestHandlePaymentCaptured_CancelledBookingStaysRefunded(t *testing.T) {
	h := newHarness(t)
	trip := h.seedTrip(t, 2)
	rider := newRider()
	dto := h.book(t, rider, trip, 1)
	h.authorizer.failNext("capture", paymentDomain.ErrorUnavailable, true)
	_, err := h.coord.ConfirmAndPay(context.Background(), rider, dto.ID, PayRequest{AmountCents: pricePerRider})
	assertCode(t, err, domain.CodeUpstreamFailure)
	intentID := h.payments.get(dto.ID).IntentID()

	cancelled, err := h.coord.Cancel(context.Background(), rider, dto.ID, "")
	require.NoError(t, err)
	assert.Equal(t, string(bookingDomain.StatusCancelled), cancelled.Status)

	require.NoError(t, h.coord.HandlePaymentCaptured(context.Background(), CaptureNotification{IntentID: intentID}))

	assert.Equal(t, bookingDomain.StatusCancelled, h.booking(t, dto.ID).Status())
	assert.Equal(t, paymentDomain.StatusRefunded, h.payments.get(dto.ID).Status())
	assert.Equal(t, 1, h.authorizer.count("refund"))
	assert.Equal(t, 2, h.ledger.seats(trip.ID()))
}
