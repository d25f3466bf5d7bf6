package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderConfirmed  OrderStatus = "confirmed"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderPending, OrderConfirmed, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled,
}

func (s OrderStatus) Valid() bool {
	for _, v := range OrderStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "card"
	PaymentPayPal PaymentMethod = "paypal"
	PaymentCOD    PaymentMethod = "cod"
)

// Order is one checkout. Line items, address and prices are snapshots taken at
// creation time and never follow later catalog edits.
type Order struct {
	ID              uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID       `gorm:"type:uuid;not null;index;uniqueIndex:idx_orders_user_idempotency,priority:1" json:"user_id"`
	IdempotencyKey  *string         `gorm:"size:128;uniqueIndex:idx_orders_user_idempotency,priority:2" json:"idempotency_key,omitempty"`
	OrderNumber     string          `gorm:"size:64;not null;uniqueIndex:idx_orders_order_number" json:"order_number"`
	Items           []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:RESTRICT" json:"items"`
	ShippingAddress ShippingAddress `gorm:"embedded;embeddedPrefix:ship_" json:"shipping_address"`
	PaymentMethod   PaymentMethod   `gorm:"size:16;not null" json:"payment_method"`
	PaymentIntentID string          `gorm:"size:128" json:"payment_intent_id,omitempty"`
	Subtotal        decimal.Decimal `gorm:"type:numeric(14,2);not null;check:chk_orders_subtotal,subtotal >= 0" json:"subtotal"`
	Shipping        decimal.Decimal `gorm:"type:numeric(14,2);not null;check:chk_orders_shipping,shipping >= 0" json:"shipping"`
	Tax             decimal.Decimal `gorm:"type:numeric(14,2);not null;check:chk_orders_tax,tax >= 0" json:"tax"`
	Total           decimal.Decimal `gorm:"type:numeric(14,2);not null;check:chk_orders_total,total >= 0" json:"total"`
	Status          OrderStatus     `gorm:"size:16;not null;index" json:"status"`
	CreatedAt       time.Time       `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null" json:"updated_at"`
}

// OrderItem is a line item snapshot.
type OrderItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	Position  int             `gorm:"not null" json:"position"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null;index" json:"product_id"`
	Name      string          `gorm:"size:255;not null" json:"name"`
	Price     decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"price"`
	Quantity  int             `gorm:"not null;check:chk_order_items_quantity,quantity > 0" json:"quantity"`
	Size      string          `gorm:"size:32;not null" json:"size"`
	Image     string          `gorm:"size:1024" json:"image"`
}

// DefaultCountry is used when a shipping address names no country.
const DefaultCountry = "United States"

type ShippingAddress struct {
	FirstName string `gorm:"size:100" json:"first_name" validate:"required,max=100"`
	LastName  string `gorm:"size:100" json:"last_name" validate:"required,max=100"`
	Email     string `gorm:"size:255" json:"email" validate:"required,email,max=255"`
	Phone     string `gorm:"size:50" json:"phone" validate:"required,max=50"`
	Address   string `gorm:"size:255" json:"address" validate:"required,max=255"`
	Apartment string `gorm:"size:100" json:"apartment,omitempty" validate:"max=100"`
	City      string `gorm:"size:100" json:"city" validate:"required,max=100"`
	State     string `gorm:"size:100" json:"state" validate:"required,max=100"`
	Country   string `gorm:"size:100" json:"country" validate:"required,max=100"`
	ZipCode   string `gorm:"size:20" json:"zip_code" validate:"required,max=20"`
}

// CustomerName is the display name captured on ledger entries.
func (a ShippingAddress) CustomerName() string {
	switch {
	case a.FirstName == "":
		return a.LastName
	case a.LastName == "":
		return a.FirstName
	default:
		return a.FirstName + " " + a.LastName
	}
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	if o.IdempotencyKey != nil {
		k := *o.IdempotencyKey
		c.IdempotencyKey = &k
	}
	return &c
}

// OrderFilter selects orders for listing. A nil UserID lists every user's orders.
type OrderFilter struct {
	UserID *uuid.UUID
	Status OrderStatus
	Limit  int
	Offset int
}

// DashboardStats is the admin overview.
type DashboardStats struct {
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	CompletedAmount decimal.Decimal `json:"completed_amount"`
	PendingAmount   decimal.Decimal `json:"pending_amount"`
	TotalOrders     int64           `json:"total_orders"`
	PendingOrders   int64           `json:"pending_orders"`
	DeliveredOrders int64           `json:"delivered_orders"`
	SuccessRate     float64         `json:"success_rate"`
}
