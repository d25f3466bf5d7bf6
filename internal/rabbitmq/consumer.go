package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"storefront/config"
	"storefront/pkg/logger"
)

// ErrPoison marks a delivery that can never be handled, such as a malformed
// body. It is rejected without requeue instead of being redelivered.
var ErrPoison = errors.New("poison message")

// Handler processes one delivery. A nil return acks it, ErrPoison drops it and
// any other error requeues it.
type Handler func(ctx context.Context, msg amqp.Delivery) error

type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  config.RabbitMQConfig
	log     zerolog.Logger
}

func NewConsumer(cfg config.RabbitMQConfig) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(cfg.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareExchange(channel, cfg.Exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		config:  cfg,
		log:     logger.With("rabbitmq_consumer"),
	}, nil
}

func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

func declareExchange(ch *amqp.Channel, name string) error {
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	return nil
}

// ConsumeQueue declares a durable queue, binds it to the exchange for each
// routing key and feeds its deliveries to handler until ctx is done or the
// channel closes.
func (c *Consumer) ConsumeQueue(ctx context.Context, queueName string, routingKeys []string, handler Handler) error {
	_, err := c.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range routingKeys {
		if err := c.channel.QueueBind(queueName, key, c.config.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", queueName, key, err)
		}
	}

	msgs, err := c.channel.Consume(
		queueName,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.log.Info().Str("queue", queueName).Strs("routing_keys", routingKeys).Msg("started consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel for %s closed", queueName)
			}
			c.dispatch(ctx, queueName, msg, handler)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, queueName string, msg amqp.Delivery, handler Handler) {
	err := handler(ctx, msg)
	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			c.log.Error().Err(ackErr).Str("queue", queueName).Msg("ack failed")
		}
	case errors.Is(err, ErrPoison):
		c.log.Warn().Err(err).Str("queue", queueName).Str("message_id", msg.MessageId).Msg("dropping message")
		_ = msg.Reject(false)
	default:
		c.log.Error().Err(err).Str("queue", queueName).Str("message_id", msg.MessageId).Msg("error processing message")
		_ = msg.Nack(false, true)
	}
}

// ParseJSON decodes a delivery body, reporting malformed input as ErrPoison.
func ParseJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrPoison, err)
	}
	return nil
}
