package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outbox topics double as RabbitMQ routing keys.
const (
	TopicNotificationCreated = "notification.created"
	TopicLedgerChanged       = "ledger.changed"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxDead    OutboxStatus = "dead"
)

// OutboxMessage is written in the same transaction as the state change it
// describes and published afterwards by the relay.
type OutboxMessage struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Topic       string       `gorm:"size:64;not null" json:"topic"`
	AggregateID uuid.UUID    `gorm:"type:uuid;not null;index" json:"aggregate_id"`
	Payload     []byte       `gorm:"type:bytea;not null" json:"payload"`
	Status      OutboxStatus `gorm:"size:8;not null;index:idx_outbox_status_created,priority:1" json:"status"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;index:idx_outbox_status_created,priority:2" json:"created_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// NotificationMessage is the payload published for push delivery of a stored
// notification.
type NotificationMessage struct {
	NotificationID uuid.UUID        `json:"notification_id"`
	UserID         uuid.UUID        `json:"user_id"`
	Audience       Audience         `json:"audience"`
	OrderID        *uuid.UUID       `json:"order_id,omitempty"`
	ProductID      *uuid.UUID       `json:"product_id,omitempty"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Type           NotificationType `json:"type"`
	CreatedAt      time.Time        `json:"created_at"`
}

// LedgerEvent describes one ledger entry status change. From is empty when the
// entry was created.
type LedgerEvent struct {
	EventID    uuid.UUID       `json:"event_id"`
	OrderID    uuid.UUID       `json:"order_id"`
	UserID     uuid.UUID       `json:"user_id"`
	Bucket     string          `json:"bucket"`
	From       LedgerStatus    `json:"from,omitempty"`
	To         LedgerStatus    `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Command names accepted on the command queue.
const (
	CommandCreateOrder       = "create_order"
	CommandCancelOrder       = "cancel_order"
	CommandUpdateOrderStatus = "update_order_status"
	CommandProcessRefund     = "process_refund"
	CommandSubmitReview      = "submit_review"
)

// Role of the caller as asserted by the authentication collaborator.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Actor identifies who issued a command.
type Actor struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// CommandEnvelope is the message body on the command queue.
type CommandEnvelope struct {
	Command string          `json:"command"`
	Actor   Actor           `json:"actor"`
	Payload json.RawMessage `json:"payload"`
}

// CommandReply is published to the ReplyTo queue of a command, when set.
type CommandReply struct {
	OK      bool            `json:"ok"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
