package workers

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"storefront/internal/clickhouse"
	"storefront/internal/metrics"
	"storefront/internal/rabbitmq"
	"storefront/models"
	"storefront/pkg/logger"
)

// RevenueSink stores revenue deltas. *clickhouse.Client implements it.
type RevenueSink interface {
	InsertRevenueDelta(ctx context.Context, d clickhouse.RevenueDelta) error
}

// RevenueWorker turns ledger status changes into signed revenue deltas for
// the warehouse. Redelivered events carry the same event id and collapse in
// the fact table.
type RevenueWorker struct {
	consumer  *rabbitmq.Consumer
	sink      RevenueSink
	queueName string
	log       zerolog.Logger
}

func NewRevenueWorker(consumer *rabbitmq.Consumer, sink RevenueSink, queueName string) *RevenueWorker {
	return &RevenueWorker{
		consumer:  consumer,
		sink:      sink,
		queueName: queueName,
		log:       logger.With("revenue_worker"),
	}
}

func (w *RevenueWorker) Start(ctx context.Context) error {
	w.log.Info().Str("queue", w.queueName).Msg("starting revenue worker")
	return w.consumer.ConsumeQueue(ctx, w.queueName, []string{models.TopicLedgerChanged}, w.HandleMessage)
}

func (w *RevenueWorker) HandleMessage(ctx context.Context, msg amqp.Delivery) error {
	var evt models.LedgerEvent
	if err := rabbitmq.ParseJSON(msg.Body, &evt); err != nil {
		return fmt.Errorf("failed to unmarshal ledger event: %w", err)
	}

	delta, err := RevenueDeltaOf(evt)
	if err != nil {
		return err
	}

	w.log.Debug().
		Str("order_id", evt.OrderID.String()).
		Str("from", string(evt.From)).
		Str("to", string(evt.To)).
		Msg("processing ledger event")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := w.sink.InsertRevenueDelta(ctx, delta); err != nil {
		return fmt.Errorf("insert revenue delta for order %s: %w", evt.OrderID, err)
	}
	metrics.RevenueDeltasWritten.WithLabelValues(string(evt.To)).Inc()
	return nil
}

// RevenueDeltaOf computes the fact row for one ledger event: the amount
// leaves the From status column and enters the To column. Revenue counts
// pending and completed amounts.
func RevenueDeltaOf(evt models.LedgerEvent) (clickhouse.RevenueDelta, error) {
	dateKey, err := dateKeyOf(evt.Bucket)
	if err != nil {
		return clickhouse.RevenueDelta{}, err
	}

	d := clickhouse.RevenueDelta{
		EventID:    evt.EventID,
		OrderID:    evt.OrderID,
		UserID:     evt.UserID,
		DateKey:    dateKey,
		FromStatus: string(evt.From),
		ToStatus:   string(evt.To),
		EventTime:  evt.OccurredAt.UTC(),
	}
	if evt.From == "" {
		d.DeltaOrders = 1
	}
	if err := addToStatus(&d, evt.From, evt.Amount.Neg()); err != nil {
		return clickhouse.RevenueDelta{}, err
	}
	if err := addToStatus(&d, evt.To, evt.Amount); err != nil {
		return clickhouse.RevenueDelta{}, err
	}
	return d, nil
}

func dateKeyOf(bucket string) (uint32, error) {
	if _, err := time.Parse("2006-01-02", bucket); err != nil {
		return 0, fmt.Errorf("%w: bucket %q", rabbitmq.ErrPoison, bucket)
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(bucket, "-", ""), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bucket %q", rabbitmq.ErrPoison, bucket)
	}
	return uint32(n), nil
}

func addToStatus(d *clickhouse.RevenueDelta, status models.LedgerStatus, amount decimal.Decimal) error {
	switch status {
	case "":
		return nil
	case models.LedgerPending:
		d.DeltaPending = d.DeltaPending.Add(amount)
		d.DeltaRevenue = d.DeltaRevenue.Add(amount)
	case models.LedgerCompleted:
		d.DeltaCompleted = d.DeltaCompleted.Add(amount)
		d.DeltaRevenue = d.DeltaRevenue.Add(amount)
	case models.LedgerCancelled:
		d.DeltaCancelled = d.DeltaCancelled.Add(amount)
	case models.LedgerRefunded:
		d.DeltaRefunded = d.DeltaRefunded.Add(amount)
	default:
		return fmt.Errorf("%w: ledger status %q", rabbitmq.ErrPoison, status)
	}
	return nil
}
