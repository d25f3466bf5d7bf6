package models

import (
	"time"

	"github.com/google/uuid"
)

// Review is unique per (product, user, order).
type Review struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProductID  uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_reviews_product_user_order,priority:1" json:"product_id"`
	UserID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_reviews_product_user_order,priority:2;index" json:"user_id"`
	OrderID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_reviews_product_user_order,priority:3" json:"order_id"`
	Rating     int        `gorm:"not null;check:chk_reviews_rating,rating BETWEEN 1 AND 5" json:"rating"`
	Comment    string     `gorm:"type:text" json:"comment"`
	AdminReply string     `gorm:"type:text" json:"admin_reply,omitempty"`
	RepliedAt  *time.Time `json:"replied_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
}
