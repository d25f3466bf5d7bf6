package workers

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"storefront/internal/metrics"
	"storefront/internal/notify"
	"storefront/internal/rabbitmq"
	"storefront/models"
	"storefront/pkg/logger"
)

const deliveryTimeout = 10 * time.Second

// NotificationWorker pushes stored notifications to recipients. The
// notification is already persisted, so a failed push is logged and counted
// and the message is acked.
type NotificationWorker struct {
	consumer  *rabbitmq.Consumer
	deliverer notify.Deliverer
	queueName string
	log       zerolog.Logger
}

func NewNotificationWorker(consumer *rabbitmq.Consumer, deliverer notify.Deliverer, queueName string) *NotificationWorker {
	return &NotificationWorker{
		consumer:  consumer,
		deliverer: deliverer,
		queueName: queueName,
		log:       logger.With("notification_worker"),
	}
}

func (w *NotificationWorker) Start(ctx context.Context) error {
	w.log.Info().Str("queue", w.queueName).Msg("starting notification worker")
	return w.consumer.ConsumeQueue(ctx, w.queueName, []string{models.TopicNotificationCreated}, w.HandleMessage)
}

func (w *NotificationWorker) HandleMessage(ctx context.Context, msg amqp.Delivery) error {
	var n models.NotificationMessage
	if err := rabbitmq.ParseJSON(msg.Body, &n); err != nil {
		return fmt.Errorf("failed to unmarshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	err := w.deliverer.Deliver(ctx, n)
	metrics.RecordDelivery(err)
	if err != nil {
		w.log.Warn().Err(err).
			Str("notification_id", n.NotificationID.String()).
			Str("user_id", n.UserID.String()).
			Msg("notification delivery failed")
	}
	return nil
}
