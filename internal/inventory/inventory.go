// Package inventory reserves and releases stock for order line items.
package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"storefront/internal/apperr"
	"storefront/internal/store"
	"storefront/models"
)

// Line is the total quantity of one product across an order's items.
type Line struct {
	ProductID uuid.UUID
	Quantity  int
}

// Lines merges items per product and orders them by product id, so that
// concurrent reservations touch inventory rows in the same order.
func Lines(items []models.OrderItem) []Line {
	totals := make(map[uuid.UUID]int, len(items))
	for _, it := range items {
		totals[it.ProductID] += it.Quantity
	}
	lines := make([]Line, 0, len(totals))
	for id, qty := range totals {
		lines = append(lines, Line{ProductID: id, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductID.String() < lines[j].ProductID.String()
	})
	return lines
}

// Reserve decrements stock for every line or fails with
// *apperr.InsufficientStockError. Earlier decrements are undone by the
// transaction rollback, never by compensation.
func Reserve(ctx context.Context, tx store.Tx, items []models.OrderItem) error {
	for _, l := range Lines(items) {
		ok, err := tx.ReserveStock(ctx, l.ProductID, l.Quantity)
		if err != nil {
			return fmt.Errorf("reserve product %s: %w", l.ProductID, err)
		}
		if !ok {
			return &apperr.InsufficientStockError{ProductID: l.ProductID, Requested: l.Quantity}
		}
	}
	return nil
}

// Release returns every line's quantity to stock.
func Release(ctx context.Context, tx store.Tx, items []models.OrderItem) error {
	for _, l := range Lines(items) {
		if err := tx.ReleaseStock(ctx, l.ProductID, l.Quantity); err != nil {
			return fmt.Errorf("release product %s: %w", l.ProductID, err)
		}
	}
	return nil
}
