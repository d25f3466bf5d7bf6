package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryRecord is the available stock of one catalog product.
type InventoryRecord struct {
	ProductID uuid.UUID `gorm:"type:uuid;primaryKey" json:"product_id"`
	Available int       `gorm:"not null;default:0;check:chk_inventory_available,available >= 0" json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (InventoryRecord) TableName() string {
	return "inventory_records"
}
