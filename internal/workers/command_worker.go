package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"storefront/internal/apperr"
	"storefront/internal/lifecycle"
	"storefront/internal/rabbitmq"
	"storefront/internal/review"
	"storefront/models"
	"storefront/pkg/logger"
)

// Replier answers request-reply commands. *rabbitmq.Publisher implements it.
type Replier interface {
	Reply(ctx context.Context, replyTo, correlationID string, body []byte) error
}

// CommandWorker executes lifecycle commands taken off the command queue and
// replies to the caller when the delivery names a reply queue. Every command
// result, failures included, is acked once replied: retries are the
// caller's decision, made with an idempotency key.
type CommandWorker struct {
	consumer  *rabbitmq.Consumer
	orders    *lifecycle.Orchestrator
	reviews   *review.Service
	replier   Replier
	queueName string
	timeout   time.Duration
	log       zerolog.Logger
}

func NewCommandWorker(consumer *rabbitmq.Consumer, orders *lifecycle.Orchestrator, reviews *review.Service, replier Replier, queueName string, timeout time.Duration) *CommandWorker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CommandWorker{
		consumer:  consumer,
		orders:    orders,
		reviews:   reviews,
		replier:   replier,
		queueName: queueName,
		timeout:   timeout,
		log:       logger.With("command_worker"),
	}
}

func (w *CommandWorker) Start(ctx context.Context) error {
	w.log.Info().Str("queue", w.queueName).Msg("starting command worker")
	return w.consumer.ConsumeQueue(ctx, w.queueName, nil, w.HandleMessage)
}

func (w *CommandWorker) HandleMessage(ctx context.Context, msg amqp.Delivery) error {
	var env models.CommandEnvelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		w.reply(ctx, msg, nil, apperr.Invalid("command", "malformed command envelope"))
		return fmt.Errorf("%w: %v", rabbitmq.ErrPoison, err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, err := w.Execute(cmdCtx, env)
	if err != nil && !apperr.IsDomain(err) {
		w.log.Error().Err(err).Str("command", env.Command).Str("message_id", msg.MessageId).Msg("command failed")
	}
	w.reply(ctx, msg, result, err)
	return nil
}

// Execute decodes the payload of env and runs the named command as its actor.
func (w *CommandWorker) Execute(ctx context.Context, env models.CommandEnvelope) (any, error) {
	switch env.Command {
	case models.CommandCreateOrder:
		var in lifecycle.CreateOrderInput
		if err := decodePayload(env.Payload, &in); err != nil {
			return nil, err
		}
		in.UserID = env.Actor.UserID
		return w.orders.CreateOrder(ctx, in)

	case models.CommandCancelOrder:
		var in lifecycle.CancelOrderInput
		if err := decodePayload(env.Payload, &in); err != nil {
			return nil, err
		}
		return w.orders.CancelOrder(ctx, env.Actor, in)

	case models.CommandUpdateOrderStatus:
		var in lifecycle.UpdateStatusInput
		if err := decodePayload(env.Payload, &in); err != nil {
			return nil, err
		}
		return w.orders.UpdateOrderStatus(ctx, env.Actor, in)

	case models.CommandProcessRefund:
		var in lifecycle.RefundRequest
		if err := decodePayload(env.Payload, &in); err != nil {
			return nil, err
		}
		return w.orders.ProcessRefund(ctx, env.Actor, in)

	case models.CommandSubmitReview:
		var in review.SubmitInput
		if err := decodePayload(env.Payload, &in); err != nil {
			return nil, err
		}
		return w.reviews.Submit(ctx, env.Actor, in)

	default:
		return nil, apperr.Invalid("command", "unknown command %q", env.Command)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.Invalid("payload", "is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Invalid("payload", "malformed: %v", err)
	}
	return nil
}

// ReplyOf builds the wire reply for a command result. Internal error
// details stay in the log.
func ReplyOf(result any, err error) (models.CommandReply, error) {
	if err != nil {
		reply := models.CommandReply{Code: apperr.Code(err), Message: err.Error()}
		if !apperr.IsDomain(err) && !errors.Is(err, apperr.ErrStorageConflict) {
			reply.Message = "internal error"
		}
		return reply, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return models.CommandReply{}, fmt.Errorf("encode command result: %w", err)
	}
	return models.CommandReply{OK: true, Data: data}, nil
}

func (w *CommandWorker) reply(ctx context.Context, msg amqp.Delivery, result any, cmdErr error) {
	if msg.ReplyTo == "" {
		return
	}
	reply, err := ReplyOf(result, cmdErr)
	if err != nil {
		reply = models.CommandReply{Code: apperr.Code(err), Message: err.Error()}
	}
	body, err := json.Marshal(reply)
	if err != nil {
		w.log.Error().Err(err).Msg("encode command reply")
		return
	}
	if err := w.replier.Reply(ctx, msg.ReplyTo, msg.CorrelationId, body); err != nil {
		w.log.Error().Err(err).Str("reply_to", msg.ReplyTo).Str("correlation_id", msg.CorrelationId).Msg("reply failed")
	}
}
