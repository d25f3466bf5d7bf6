package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/apperr"
	"storefront/internal/inventory"
	"storefront/internal/orderstate"
	"storefront/internal/store"
	"storefront/internal/validation"
	"storefront/models"
)

// CreateOrder reserves stock for every item, stores the order and its
// ledger entry, and records the confirmation notification. A repeated
// idempotency key returns the order created first without new effects.
func (o *Orchestrator) CreateOrder(ctx context.Context, in CreateOrderInput) (_ *models.Order, err error) {
	defer o.observe(models.CommandCreateOrder, time.Now(), &err)

	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.ShippingAddress.Country == "" {
		in.ShippingAddress.Country = models.DefaultCountry
	}
	if err := validateCreate(&in); err != nil {
		return nil, err
	}

	var out *models.Order
	err = o.run(ctx, models.CommandCreateOrder, func(tx store.Tx) error {
		if in.IdempotencyKey != "" {
			existing, err := tx.FindOrderByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("find order by idempotency key: %w", err)
			}
		}

		order := o.newOrder(in)
		if err := inventory.Reserve(ctx, tx, order.Items); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		change, err := o.projector.Reconcile(ctx, tx, order)
		if err != nil {
			return err
		}
		if err := o.projector.Publish(ctx, tx, change); err != nil {
			return err
		}
		if _, err := o.notifier.Record(ctx, tx, o.notifier.OrderPlaced(order)); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info().
		Str("order_id", out.ID.String()).
		Str("order_number", out.OrderNumber).
		Str("status", string(out.Status)).
		Msg("order created")
	return out, nil
}

func validateCreate(in *CreateOrderInput) error {
	if err := validation.Struct(in); err != nil {
		return err
	}
	for i, it := range in.Items {
		if err := checkCents(fmt.Sprintf("items[%d].price", i), it.Price); err != nil {
			return err
		}
	}
	for _, f := range []struct {
		name   string
		amount decimal.Decimal
	}{{"subtotal", in.Subtotal}, {"shipping", in.Shipping}, {"tax", in.Tax}, {"total", in.Total}} {
		if err := checkCents(f.name, f.amount); err != nil {
			return err
		}
	}
	if !in.Total.Equal(in.Subtotal.Add(in.Shipping).Add(in.Tax)) {
		return apperr.Invalid("total", "must equal subtotal + shipping + tax")
	}
	subtotal := decimal.Zero
	for _, it := range in.Items {
		subtotal = subtotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	if !subtotal.Equal(in.Subtotal) {
		return apperr.Invalid("subtotal", "must equal the sum of item price * quantity (%s)", subtotal.StringFixed(2))
	}
	return nil
}

// checkCents rejects amounts finer than a cent. Money columns keep two
// decimal places and would round anything finer on write.
func checkCents(field string, d decimal.Decimal) error {
	if !d.Equal(d.Truncate(2)) {
		return apperr.Invalid(field, "must have at most 2 decimal places")
	}
	return nil
}

func (o *Orchestrator) newOrder(in CreateOrderInput) *models.Order {
	now := o.now()
	status := models.OrderPending
	if in.PaymentCaptured {
		status = models.OrderConfirmed
	}

	order := &models.Order{
		ID:              uuid.New(),
		UserID:          in.UserID,
		OrderNumber:     o.orderNumber(now),
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		PaymentIntentID: in.PaymentIntentID,
		Subtotal:        in.Subtotal,
		Shipping:        in.Shipping,
		Tax:             in.Tax,
		Total:           in.Total,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		order.IdempotencyKey = &key
	}
	order.Items = make([]models.OrderItem, 0, len(in.Items))
	for i, it := range in.Items {
		order.Items = append(order.Items, models.OrderItem{
			ID:        uuid.New(),
			OrderID:   order.ID,
			Position:  i,
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			Size:      it.Size,
			Image:     it.Image,
		})
	}
	return order
}

// lockOwnedOrder locks an order the actor may act on. Orders of other users
// are reported as missing.
func lockOwnedOrder(ctx context.Context, tx store.Tx, actor models.Actor, id uuid.UUID) (*models.Order, error) {
	order, err := tx.LockOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", id, err)
	}
	if !actor.IsAdmin() && order.UserID != actor.UserID {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrOrderNotFound)
	}
	return order, nil
}

// CancelOrder cancels a pending or confirmed order. Cancelling an order that
// is already cancelled returns it unchanged.
func (o *Orchestrator) CancelOrder(ctx context.Context, actor models.Actor, in CancelOrderInput) (_ *models.Order, err error) {
	defer o.observe(models.CommandCancelOrder, time.Now(), &err)

	if err := validation.Struct(&in); err != nil {
		return nil, err
	}

	var out *models.Order
	var changed bool
	err = o.run(ctx, models.CommandCancelOrder, func(tx store.Tx) error {
		order, err := lockOwnedOrder(ctx, tx, actor, in.OrderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderCancelled {
			out, changed = order, false
			return nil
		}
		if !orderstate.Cancellable(order.Status) {
			return fmt.Errorf("order %s is %s: %w", order.OrderNumber, order.Status, apperr.ErrCancellationNotAllowed)
		}
		if err := o.transition(ctx, tx, order, models.OrderCancelled); err != nil {
			return err
		}
		out, changed = order, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		o.log.Info().
			Str("order_id", out.ID.String()).
			Str("order_number", out.OrderNumber).
			Str("actor", actor.UserID.String()).
			Msg("order cancelled")
	}
	return out, nil
}

// UpdateOrderStatus moves an order to status. Requesting the current status
// is a no-op.
func (o *Orchestrator) UpdateOrderStatus(ctx context.Context, actor models.Actor, in UpdateStatusInput) (_ *models.Order, err error) {
	defer o.observe(models.CommandUpdateOrderStatus, time.Now(), &err)

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("update order status: %w", apperr.ErrForbidden)
	}
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if !in.Status.Valid() {
		return nil, apperr.Invalid("status", "unknown status %q", in.Status)
	}

	var out *models.Order
	var from models.OrderStatus
	err = o.run(ctx, models.CommandUpdateOrderStatus, func(tx store.Tx) error {
		order, err := lockOwnedOrder(ctx, tx, actor, in.OrderID)
		if err != nil {
			return err
		}
		from = order.Status
		if order.Status == in.Status {
			out = order
			return nil
		}
		if err := orderstate.Validate(order.Status, in.Status); err != nil {
			return err
		}
		if err := o.transition(ctx, tx, order, in.Status); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from != out.Status {
		o.log.Info().
			Str("order_id", out.ID.String()).
			Str("order_number", out.OrderNumber).
			Str("from", string(from)).
			Str("status", string(out.Status)).
			Msg("order status updated")
	}
	return out, nil
}

// transition applies the side effects of entering to. The caller holds the
// order lock and has validated the move.
func (o *Orchestrator) transition(ctx context.Context, tx store.Tx, order *models.Order, to models.OrderStatus) error {
	if to == models.OrderCancelled {
		if err := inventory.Release(ctx, tx, order.Items); err != nil {
			return err
		}
	}

	now := o.now()
	if err := tx.SetOrderStatus(ctx, order.ID, to, now); err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	order.Status = to
	order.UpdatedAt = now

	change, err := o.projector.Reconcile(ctx, tx, order)
	if err != nil {
		return err
	}
	if err := o.projector.Publish(ctx, tx, change); err != nil {
		return err
	}
	_, err = o.notifier.Record(ctx, tx, o.notifier.StatusChanged(order))
	return err
}

// ProcessRefund refunds a cancelled order into the wallet of the user on
// its ledger entry. An entry can be refunded once.
func (o *Orchestrator) ProcessRefund(ctx context.Context, actor models.Actor, in RefundRequest) (_ *RefundResult, err error) {
	defer o.observe(models.CommandProcessRefund, time.Now(), &err)

	if !actor.IsAdmin() {
		return nil, fmt.Errorf("process refund: %w", apperr.ErrForbidden)
	}
	if err := validation.Struct(&in); err != nil {
		return nil, err
	}
	if err := checkCents("amount", in.Amount); err != nil {
		return nil, err
	}
	in.OrderNumber = strings.TrimSpace(in.OrderNumber)

	var out *RefundResult
	err = o.run(ctx, models.CommandProcessRefund, func(tx store.Tx) error {
		order, err := tx.LockOrder(ctx, in.OrderID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("order %s: %w", in.OrderID, apperr.ErrLedgerEntryNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock order %s: %w", in.OrderID, err)
		}
		if in.OrderNumber != "" && in.OrderNumber != order.OrderNumber {
			return apperr.Invalid("order_number", "does not match order %s", in.OrderID)
		}

		change, err := o.projector.MarkRefunded(ctx, tx, order)
		if err != nil {
			return err
		}
		if in.Amount.GreaterThan(change.Entry.Amount) {
			return apperr.Invalid("amount", "must not exceed the order amount %s", change.Entry.Amount.StringFixed(2))
		}
		if err := o.projector.Publish(ctx, tx, change); err != nil {
			return err
		}

		wt, err := o.wallets.CreditRefund(ctx, tx, change.Entry, in.Amount)
		if err != nil {
			return err
		}
		if _, err := o.notifier.Record(ctx, tx, o.notifier.RefundProcessed(change.Entry, in.Amount)); err != nil {
			return err
		}
		out = &RefundResult{Order: order, Entry: change.Entry, Transaction: wt}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.log.Info().
		Str("order_id", out.Order.ID.String()).
		Str("order_number", out.Order.OrderNumber).
		Str("user_id", out.Entry.UserID.String()).
		Str("amount", in.Amount.StringFixed(2)).
		Msg("refund processed")
	return out, nil
}
