package lifecycle

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/models"
)

// ItemInput is one checkout line. Name, price and image are the catalog
// values at checkout time and are stored as the order's snapshot.
type ItemInput struct {
	ProductID uuid.UUID       `json:"product_id" validate:"required"`
	Name      string          `json:"name" validate:"required,max=255"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	Quantity  int             `json:"quantity" validate:"min=1,max=1000"`
	Size      string          `json:"size" validate:"required,max=32"`
	Image     string          `json:"image" validate:"max=1024"`
}

type CreateOrderInput struct {
	UserID uuid.UUID `json:"user_id" validate:"required"`
	// IdempotencyKey makes a retried checkout return the order it created
	// the first time.
	IdempotencyKey  string                 `json:"idempotency_key,omitempty" validate:"max=128"`
	Items           []ItemInput            `json:"items" validate:"min=1,max=100,dive"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	PaymentMethod   models.PaymentMethod   `json:"payment_method" validate:"required,oneof=card paypal cod"`
	PaymentIntentID string                 `json:"payment_intent_id,omitempty" validate:"max=128"`
	// PaymentCaptured is set by the payment collaborator when the charge
	// already succeeded; the order then starts confirmed.
	PaymentCaptured bool            `json:"payment_captured"`
	Subtotal        decimal.Decimal `json:"subtotal" validate:"gte=0"`
	Shipping        decimal.Decimal `json:"shipping" validate:"gte=0"`
	Tax             decimal.Decimal `json:"tax" validate:"gte=0"`
	Total           decimal.Decimal `json:"total" validate:"gte=0"`
}

type CancelOrderInput struct {
	OrderID uuid.UUID `json:"order_id" validate:"required"`
}

type UpdateStatusInput struct {
	OrderID uuid.UUID          `json:"order_id" validate:"required"`
	Status  models.OrderStatus `json:"status" validate:"required"`
}

// RefundRequest has no user field: the refund goes to the owner recorded on
// the ledger entry. OrderNumber is optional and, when given, must match.
type RefundRequest struct {
	OrderID     uuid.UUID       `json:"order_id" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	OrderNumber string          `json:"order_number,omitempty"`
}

type RefundResult struct {
	Order       *models.Order            `json:"order"`
	Entry       models.LedgerEntry       `json:"ledger_entry"`
	Transaction models.WalletTransaction `json:"transaction"`
}

type SetStockInput struct {
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Available int       `json:"available" validate:"min=0"`
}

// SendNotificationInput addresses a user directly or the owner of an order.
type SendNotificationInput struct {
	UserID  *uuid.UUID              `json:"user_id,omitempty"`
	OrderID *uuid.UUID              `json:"order_id,omitempty"`
	Title   string                  `json:"title" validate:"required,max=255"`
	Message string                  `json:"message" validate:"required"`
	Type    models.NotificationType `json:"type" validate:"omitempty,oneof=order_update order_delivered promotion general review_reminder"`
}

// Page bounds a listing.
type Page struct {
	Limit  int `json:"limit" validate:"min=0,max=500"`
	Offset int `json:"offset" validate:"min=0"`
}
