package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"storefront/config"
	"storefront/pkg/logger"
)

// breaker trips after this many consecutive publish failures.
const breakerFailureThreshold = 5

type sendFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) error

// Publisher sends persistent JSON messages to the topic exchange with
// publisher confirms. Calls fail fast while the broker is unreachable.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	send     sendFunc
	breaker  *gobreaker.CircuitBreaker[any]
	log      zerolog.Logger

	mu sync.Mutex
}

func NewPublisher(cfg config.RabbitMQConfig) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchange(channel, cfg.Exchange); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	if err := channel.Confirm(false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p := newPublisher(cfg.Exchange, nil)
	p.conn = conn
	p.channel = channel
	p.send = p.sendConfirmed
	return p, nil
}

func newPublisher(exchange string, send sendFunc) *Publisher {
	p := &Publisher{
		exchange: exchange,
		send:     send,
		log:      logger.With("rabbitmq_publisher"),
	}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "rabbitmq-publish",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return p
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Publish routes body to the exchange under topic. id becomes the message id
// so consumers can drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, topic, id string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.send(ctx, p.exchange, topic, msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Reply answers a request-reply command on the default exchange.
func (p *Publisher) Reply(ctx context.Context, replyTo, correlationID string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.send(ctx, "", replyTo, msg)
	})
	if err != nil {
		return fmt.Errorf("reply to %s: %w", replyTo, err)
	}
	return nil
}

// BreakerState reports the publish circuit breaker state for health checks.
func (p *Publisher) BreakerState() string {
	return p.breaker.State().String()
}

func (p *Publisher) sendConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked message %s", msg.MessageId)
	}
	return nil
}
