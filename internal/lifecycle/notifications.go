package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"storefront/internal/apperr"
	"storefront/internal/store"
	"storefront/internal/validation"
	"storefront/models"
)

func notFound(what string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, apperr.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

// ListNotifications returns the latest notifications of a user.
func (o *Orchestrator) ListNotifications(ctx context.Context, userID uuid.UUID) ([]models.Notification, error) {
	return o.store.ListNotifications(ctx, models.NotificationFilter{
		UserID:   &userID,
		Audience: models.AudienceUser,
		Limit:    maxNotificationsListed,
	})
}

// ListAllNotifications is the admin feed: every notification, or only the
// admin audience when adminOnly is set.
func (o *Orchestrator) ListAllNotifications(ctx context.Context, actor models.Actor, adminOnly bool) ([]models.Notification, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("list all notifications: %w", apperr.ErrForbidden)
	}
	f := models.NotificationFilter{}
	if adminOnly {
		f.Audience = models.AudienceAdmin
	}
	return o.store.ListNotifications(ctx, f)
}

func (o *Orchestrator) MarkNotificationRead(ctx context.Context, userID, id uuid.UUID) error {
	if err := o.store.MarkNotificationRead(ctx, id, userID); err != nil {
		return notFound("notification", id, err)
	}
	return nil
}

func (o *Orchestrator) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	return o.store.MarkAllNotificationsRead(ctx, userID)
}

func (o *Orchestrator) DeleteNotification(ctx context.Context, userID, id uuid.UUID) error {
	if err := o.store.DeleteNotification(ctx, id, userID); err != nil {
		return notFound("notification", id, err)
	}
	return nil
}

// SendNotification records an operator notification for a user, or for the
// owner of an order when only the order is given. It goes through the
// outbox like lifecycle notifications.
func (o *Orchestrator) SendNotification(ctx context.Context, actor models.Actor, in SendNotificationInput) (*models.Notification, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("send notification: %w", apperr.ErrForbidden)
	}
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if in.UserID == nil && in.OrderID == nil {
		return nil, apperr.Invalid("user_id", "user_id or order_id is required")
	}
	if in.Type == "" {
		in.Type = models.NotificationGeneral
	}

	var out models.Notification
	err := o.store.WithinTx(ctx, func(tx store.Tx) error {
		userID := uuid.Nil
		if in.UserID != nil {
			userID = *in.UserID
		} else {
			order, err := tx.GetOrder(ctx, *in.OrderID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("order %s: %w", *in.OrderID, apperr.ErrOrderNotFound)
				}
				return fmt.Errorf("get order %s: %w", *in.OrderID, err)
			}
			userID = order.UserID
		}

		n := o.notifier.Direct(userID, in.OrderID, in.Type, in.Title, in.Message)
		if _, err := o.notifier.Record(ctx, tx, []models.Notification{n}); err != nil {
			return err
		}
		out = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
