package events

import (
	"context"

	"github.com/campusride/service-booking/internal/application"
	"github.com/campusride/service-booking/pkg/events"
	"github.com/campusride/service-booking/pkg/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CaptureHandler converges a booking with a captured payment.
// *application.BookingCoordinator implements it.
type CaptureHandler interface {
	HandlePaymentCaptured(ctx context.Context, n application.CaptureNotification) error
}

// PaymentEventConsumer listens to payment events and confirms bookings
// whose payment was captured outside the request path.
type PaymentEventConsumer struct {
	consumer *kafka.Consumer
	handler  CaptureHandler
	logger   *zap.Logger
}

// NewPaymentEventConsumer creates a new PaymentEventConsumer.
func NewPaymentEventConsumer(
	brokers []string,
	groupID string,
	handler CaptureHandler,
	logger *zap.Logger,
) *PaymentEventConsumer {
	consumer := kafka.NewConsumer(brokers, groupID, events.TopicPaymentEvents, logger)
	return &PaymentEventConsumer{
		consumer: consumer,
		handler:  handler,
		logger:   logger,
	}
}

// Start begins consuming payment events. This blocks until the context is cancelled.
func (c *PaymentEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Consume(ctx, c.handleMessage)
}

// Close closes the underlying Kafka consumer.
func (c *PaymentEventConsumer) Close() error {
	return c.consumer.Close()
}

func (c *PaymentEventConsumer) handleMessage(ctx context.Context, msg kafkago.Message) error {
	cloudEvent, err := kafka.ParseCloudEvent(msg.Value)
	if err != nil {
		c.logger.Error("failed to parse cloud event from payment topic",
			zap.Error(err),
			zap.String("raw", string(msg.Value)),
		)
		return nil // Don't retry malformed messages
	}

	switch cloudEvent.Type {
	case events.PaymentCaptured:
		return c.handlePaymentCaptured(ctx, cloudEvent)
	default:
		c.logger.Debug("ignoring unhandled payment event type",
			zap.String("type", cloudEvent.Type),
		)
		return nil
	}
}

func (c *PaymentEventConsumer) handlePaymentCaptured(ctx context.Context, cloudEvent kafka.CloudEvent) error {
	var evt events.PaymentCapturedEvent
	if err := cloudEvent.ParseData(&evt); err != nil || evt.IntentID == "" {
		c.logger.Error("failed to parse PaymentCapturedEvent data",
			zap.String("event_id", cloudEvent.ID),
			zap.Error(err),
		)
		return nil // Don't retry malformed data
	}

	c.logger.Info("processing payment captured event",
		zap.String("intent_id", evt.IntentID),
	)

	err := c.handler.HandlePaymentCaptured(ctx, application.CaptureNotification{
		IntentID:  evt.IntentID,
		BookingID: evt.BookingID,
	})
	if err != nil {
		c.logger.Error("failed to settle captured payment",
			zap.String("intent_id", evt.IntentID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
