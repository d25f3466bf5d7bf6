// Package notify turns lifecycle outcomes into notification records.
//
// Records are written in the command transaction together with one outbox
// message each; delivery happens after commit and never affects the command.
// Lifecycle notifications carry a dedup key so a retried or repeated command
// cannot record the same event twice.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/outbox"
	"storefront/internal/store"
	"storefront/models"
)

type Emitter struct {
	now func() time.Time
}

func NewEmitter(now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{now: now}
}

func dedupKey(orderID uuid.UUID, suffix string) *string {
	k := fmt.Sprintf("order:%s:%s", orderID, suffix)
	return &k
}

func (e *Emitter) build(userID uuid.UUID, orderID *uuid.UUID, typ models.NotificationType, title, message string) models.Notification {
	return models.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Audience:  models.AudienceUser,
		OrderID:   orderID,
		Title:     title,
		Message:   message,
		Type:      typ,
		CreatedAt: e.now(),
	}
}

// OrderPlaced is the confirmation sent on order creation.
func (e *Emitter) OrderPlaced(o *models.Order) []models.Notification {
	n := e.build(o.UserID, &o.ID, models.NotificationOrderUpdate,
		"Order Placed Successfully",
		fmt.Sprintf("Your order #%s has been placed successfully and is being processed.", o.OrderNumber))
	n.DedupKey = dedupKey(o.ID, "placed")
	return []models.Notification{n}
}

// StatusChanged returns the notifications for an order that just entered its
// current status.
func (e *Emitter) StatusChanged(o *models.Order) []models.Notification {
	switch o.Status {
	case models.OrderCancelled:
		return e.cancelled(o)
	case models.OrderDelivered:
		return e.delivered(o)
	}

	title := "Order Status Updated"
	message := fmt.Sprintf("Your order #%s status has been updated to %s.", o.OrderNumber, o.Status)
	if o.Status == models.OrderShipped {
		title = "Order Shipped"
		message = fmt.Sprintf("Your order #%s has been shipped and is on its way to you. You can track your package using the tracking information.", o.OrderNumber)
	}
	n := e.build(o.UserID, &o.ID, models.NotificationOrderUpdate, title, message)
	n.DedupKey = dedupKey(o.ID, "status:"+string(o.Status))
	return []models.Notification{n}
}

func (e *Emitter) cancelled(o *models.Order) []models.Notification {
	user := e.build(o.UserID, &o.ID, models.NotificationOrderUpdate,
		"Order Cancelled",
		fmt.Sprintf("Your order #%s has been cancelled successfully. Refund will be processed within 3-5 business days.", o.OrderNumber))
	user.DedupKey = dedupKey(o.ID, "status:cancelled")

	// The admin feed entry names the customer through UserID.
	admin := e.build(o.UserID, &o.ID, models.NotificationGeneral,
		"Refund Request",
		fmt.Sprintf("A refund request has been initiated for order #%s. Amount to be refunded: Rs.%s", o.OrderNumber, o.Total.StringFixed(2)))
	admin.Audience = models.AudienceAdmin
	admin.DedupKey = dedupKey(o.ID, "refund_request")

	return []models.Notification{user, admin}
}

func (e *Emitter) delivered(o *models.Order) []models.Notification {
	out := make([]models.Notification, 0, len(o.Items)+1)

	n := e.build(o.UserID, &o.ID, models.NotificationOrderDelivered,
		"Order Delivered!",
		fmt.Sprintf("Great news! Your order #%s has been delivered successfully. Thank you for shopping with us!", o.OrderNumber))
	n.DedupKey = dedupKey(o.ID, "status:delivered")
	out = append(out, n)

	for i, it := range o.Items {
		productID := it.ProductID
		r := e.build(o.UserID, &o.ID, models.NotificationReviewReminder,
			fmt.Sprintf("How was your %s?", it.Name),
			"Click here to review the product and share your experience.")
		r.ProductID = &productID
		r.DedupKey = dedupKey(o.ID, fmt.Sprintf("review:%d", i))
		out = append(out, r)
	}
	return out
}

// RefundProcessed tells the ledger entry owner the wallet was credited.
func (e *Emitter) RefundProcessed(entry models.LedgerEntry, amount decimal.Decimal) []models.Notification {
	orderID := entry.OrderID
	n := e.build(entry.UserID, &orderID, models.NotificationGeneral,
		"Refund Processed",
		fmt.Sprintf("Your refund of Rs.%s for order #%s has been processed successfully. The amount has been added to your wallet.", amount.StringFixed(2), entry.OrderNumber))
	n.DedupKey = dedupKey(entry.OrderID, "refunded")
	return []models.Notification{n}
}

// Direct is an operator-authored notification. It has no dedup key.
func (e *Emitter) Direct(userID uuid.UUID, orderID *uuid.UUID, typ models.NotificationType, title, message string) models.Notification {
	return e.build(userID, orderID, typ, title, message)
}

// Record stores ns and enqueues a delivery message for every record actually
// written. Records whose dedup key already exists are skipped silently.
func (e *Emitter) Record(ctx context.Context, tx store.Tx, ns []models.Notification) ([]models.Notification, error) {
	if len(ns) == 0 {
		return nil, nil
	}
	inserted, err := tx.InsertNotifications(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("insert notifications: %w", err)
	}
	if len(inserted) == 0 {
		return inserted, nil
	}

	msgs := make([]models.OutboxMessage, 0, len(inserted))
	for _, n := range inserted {
		m, err := outbox.NewMessage(models.TopicNotificationCreated, n.ID, Message(n), n.CreatedAt)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := tx.EnqueueOutbox(ctx, msgs); err != nil {
		return nil, fmt.Errorf("enqueue notification messages: %w", err)
	}
	return inserted, nil
}

// Message is the broker payload of a stored notification.
func Message(n models.Notification) models.NotificationMessage {
	return models.NotificationMessage{
		NotificationID: n.ID,
		UserID:         n.UserID,
		Audience:       n.Audience,
		OrderID:        n.OrderID,
		ProductID:      n.ProductID,
		Title:          n.Title,
		Message:        n.Message,
		Type:           n.Type,
		CreatedAt:      n.CreatedAt,
	}
}
