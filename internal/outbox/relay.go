package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"storefront/internal/metrics"
	"storefront/internal/store"
	"storefront/models"
	"storefront/pkg/logger"
)

// Publisher sends one encoded message to the broker. The topic is the
// routing key; id is the message id consumers deduplicate on.
type Publisher interface {
	Publish(ctx context.Context, topic, id string, body []byte) error
}

// Relay moves committed outbox rows to the broker. Delivery is at least
// once: a crash between publish and marking a row sent republishes it.
type Relay struct {
	store       store.Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	interval    time.Duration
	log         zerolog.Logger
}

type RelayConfig struct {
	BatchSize    int
	MaxAttempts  int
	PollInterval time.Duration
}

func NewRelay(s store.Store, p Publisher, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Relay{
		store:       s,
		publisher:   p,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.PollInterval,
		log:         logger.With("outbox_relay"),
	}
}

// RunOnce publishes at most one batch and reports how many messages were sent.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	sent, err := r.store.RelayOutbox(ctx, r.batchSize, r.maxAttempts, func(m models.OutboxMessage) error {
		err := r.publisher.Publish(ctx, m.Topic, m.ID.String(), m.Payload)
		metrics.RecordPublish(m.Topic, err)
		if err != nil {
			r.log.Warn().Err(err).
				Str("message_id", m.ID.String()).
				Str("topic", m.Topic).
				Int("attempt", m.Attempts+1).
				Msg("outbox publish failed")
		}
		return err
	})
	if err != nil {
		return sent, fmt.Errorf("relay outbox: %w", err)
	}
	return sent, nil
}

// Run drains the outbox until ctx is cancelled. A full batch is followed
// immediately by the next one; otherwise the relay sleeps for the poll
// interval.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info().Int("batch_size", r.batchSize).Dur("interval", r.interval).Msg("outbox relay started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("outbox relay stopped")
			return nil
		case <-timer.C:
		}

		sent, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("outbox relay batch failed")
		}
		if sent > 0 {
			r.log.Debug().Int("sent", sent).Msg("outbox batch published")
		}

		next := r.interval
		if err == nil && sent >= r.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}
