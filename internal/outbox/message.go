// Package outbox builds outbox rows and relays them to the broker.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront/models"
)

// NewMessage encodes payload as a pending outbox row.
func NewMessage(topic string, aggregateID uuid.UUID, payload any, at time.Time) (models.OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.OutboxMessage{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return models.OutboxMessage{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     body,
		Status:      models.OutboxPending,
		CreatedAt:   at,
	}, nil
}
