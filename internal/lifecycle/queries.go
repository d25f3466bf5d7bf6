package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/apperr"
	"storefront/internal/ledger"
	"storefront/internal/store"
	"storefront/internal/validation"
	"storefront/internal/wallet"
	"storefront/models"
)

// GetOrder returns an order of the actor, or any order for an admin.
func (o *Orchestrator) GetOrder(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.Order, error) {
	order, err := o.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if !actor.IsAdmin() && order.UserID != actor.UserID {
		return nil, fmt.Errorf("order %s: %w", id, apperr.ErrOrderNotFound)
	}
	return order, nil
}

// ListOrdersForUser lists the user's orders, newest first.
func (o *Orchestrator) ListOrdersForUser(ctx context.Context, userID uuid.UUID, p Page) ([]models.Order, error) {
	if err := validation.Struct(&p); err != nil {
		return nil, err
	}
	orders, err := o.store.ListOrders(ctx, models.OrderFilter{UserID: &userID, Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		return nil, fmt.Errorf("list orders of user %s: %w", userID, err)
	}
	return orders, nil
}

// ListAllOrders lists every order, newest first, optionally by status.
func (o *Orchestrator) ListAllOrders(ctx context.Context, actor models.Actor, status models.OrderStatus, p Page) ([]models.Order, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("list all orders: %w", apperr.ErrForbidden)
	}
	if status != "" && !status.Valid() {
		return nil, apperr.Invalid("status", "unknown status %q", status)
	}
	if err := validation.Struct(&p); err != nil {
		return nil, err
	}
	orders, err := o.store.ListOrders(ctx, models.OrderFilter{Status: status, Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// GetAdminLedgerSnapshot returns the ledger totals over the optional date
// range together with the most recent entries. The range covers whole UTC
// days so the entries listed are exactly those counted in the totals.
func (o *Orchestrator) GetAdminLedgerSnapshot(ctx context.Context, actor models.Actor, q models.LedgerQuery) (*models.LedgerSnapshot, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("ledger snapshot: %w", apperr.ErrForbidden)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return nil, apperr.Invalid("from", "must not be after to")
	}
	if q.Limit <= 0 || q.Limit > o.entryLimit {
		q.Limit = o.entryLimit
	}
	q = q.WholeDays()
	snap, err := o.store.LedgerSnapshot(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ledger snapshot: %w", err)
	}
	return snap, nil
}

// GetUserWallet returns the wallet of userID.
func (o *Orchestrator) GetUserWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	return wallet.Get(ctx, o.store, userID)
}

// DashboardStats combines ledger totals with order counts.
func (o *Orchestrator) DashboardStats(ctx context.Context, actor models.Actor) (*models.DashboardStats, error) {
	if !actor.IsAdmin() {
		return nil, fmt.Errorf("dashboard stats: %w", apperr.ErrForbidden)
	}
	snap, err := o.store.LedgerSnapshot(ctx, models.LedgerQuery{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("ledger snapshot: %w", err)
	}
	counts, err := o.store.CountOrdersByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	stats := &models.DashboardStats{
		TotalRevenue:    snap.TotalRevenue,
		CompletedAmount: snap.CompletedAmount,
		PendingAmount:   snap.PendingAmount,
		PendingOrders:   counts[models.OrderPending],
		DeliveredOrders: counts[models.OrderDelivered],
	}
	for _, n := range counts {
		stats.TotalOrders += n
	}
	if stats.TotalOrders > 0 {
		stats.SuccessRate, _ = decimal.NewFromInt(stats.DeliveredOrders * 100).
			Div(decimal.NewFromInt(stats.TotalOrders)).
			Round(2).
			Float64()
	}
	return stats, nil
}

// RebuildLedger recomputes every bucket aggregate from its entries.
func (o *Orchestrator) RebuildLedger(ctx context.Context, actor models.Actor) (int, error) {
	if !actor.IsAdmin() {
		return 0, fmt.Errorf("rebuild ledger: %w", apperr.ErrForbidden)
	}
	n, err := ledger.Rebuild(ctx, o.store)
	if err != nil {
		return 0, err
	}
	o.log.Info().Int("buckets", n).Msg("ledger rebuilt")
	return n, nil
}

// SetStock overwrites the available quantity of a product. It is the
// catalog collaborator's entry point for restocking.
func (o *Orchestrator) SetStock(ctx context.Context, actor models.Actor, in SetStockInput) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("set stock: %w", apperr.ErrForbidden)
	}
	if err := validation.Struct(&in); err != nil {
		return err
	}
	if err := o.store.SetStock(ctx, in.ProductID, in.Available); err != nil {
		return fmt.Errorf("set stock of %s: %w", in.ProductID, err)
	}
	return nil
}

// GetStock returns the available quantity of a product.
func (o *Orchestrator) GetStock(ctx context.Context, productID uuid.UUID) (int, error) {
	n, err := o.store.GetStock(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("stock of %s: %w", productID, apperr.ErrNotFound)
	}
	return n, err
}
