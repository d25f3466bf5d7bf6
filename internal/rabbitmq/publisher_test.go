package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func TestPublishRoutesToExchange(t *testing.T) {
	var got []sent
	p := newPublisher("storefront.events", func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
		got = append(got, sent{exchange, key, msg})
		return nil
	})

	require.NoError(t, p.Publish(context.Background(), "ledger.changed", "m-1", []byte(`{"a":1}`)))
	require.Len(t, got, 1)
	assert.Equal(t, "storefront.events", got[0].exchange)
	assert.Equal(t, "ledger.changed", got[0].key)
	assert.Equal(t, "m-1", got[0].msg.MessageId)
	assert.Equal(t, amqp.Persistent, got[0].msg.DeliveryMode)
	assert.Equal(t, "application/json", got[0].msg.ContentType)
}

func TestReplyUsesDefaultExchange(t *testing.T) {
	var got []sent
	p := newPublisher("storefront.events", func(_ context.Context, exchange, key string, msg amqp.Publishing) error {
		got = append(got, sent{exchange, key, msg})
		return nil
	})

	require.NoError(t, p.Reply(context.Background(), "amq.rabbitmq.reply-to.x", "corr-7", []byte(`{}`)))
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].exchange)
	assert.Equal(t, "amq.rabbitmq.reply-to.x", got[0].key)
	assert.Equal(t, "corr-7", got[0].msg.CorrelationId)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	p := newPublisher("x", func(context.Context, string, string, amqp.Publishing) error {
		calls++
		return errors.New("connection reset")
	})

	for i := 0; i < breakerFailureThreshold; i++ {
		assert.Error(t, p.Publish(context.Background(), "t", "id", nil))
	}
	assert.Equal(t, "open", p.BreakerState())

	err := p.Publish(context.Background(), "t", "id", nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, breakerFailureThreshold, calls)
}

func TestParseJSONPoison(t *testing.T) {
	var v struct{ A int }
	err := ParseJSON([]byte("{not json"), &v)
	assert.ErrorIs(t, err, ErrPoison)

	require.NoError(t, ParseJSON([]byte(`{"A":3}`), &v))
	assert.Equal(t, 3, v.A)
}
