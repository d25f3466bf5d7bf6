package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationOrderUpdate    NotificationType = "order_update"
	NotificationOrderDelivered NotificationType = "order_delivered"
	NotificationPromotion      NotificationType = "promotion"
	NotificationGeneral        NotificationType = "general"
	NotificationReviewReminder NotificationType = "review_reminder"
)

// Audience separates customer inbox entries from the admin console feed.
type Audience string

const (
	AudienceUser  Audience = "user"
	AudienceAdmin Audience = "admin"
)

// Notification is observational. DedupKey, when set, is unique and keeps a
// lifecycle event from being recorded twice.
type Notification struct {
	ID        uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID        `gorm:"type:uuid;not null;index" json:"user_id"`
	Audience  Audience         `gorm:"size:8;not null;default:user;index" json:"audience"`
	OrderID   *uuid.UUID       `gorm:"type:uuid;index" json:"order_id,omitempty"`
	ProductID *uuid.UUID       `gorm:"type:uuid" json:"product_id,omitempty"`
	Title     string           `gorm:"size:255;not null" json:"title"`
	Message   string           `gorm:"type:text;not null" json:"message"`
	Type      NotificationType `gorm:"size:32;not null" json:"type"`
	Read      bool             `gorm:"not null;default:false" json:"read"`
	DedupKey  *string          `gorm:"size:255;uniqueIndex:idx_notifications_dedup" json:"-"`
	CreatedAt time.Time        `gorm:"not null;index" json:"created_at"`
}

type NotificationFilter struct {
	UserID   *uuid.UUID
	Audience Audience
	Limit    int
}
