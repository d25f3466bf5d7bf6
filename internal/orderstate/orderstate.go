// Package orderstate holds the order lifecycle transition table.
package orderstate

import (
	"storefront/internal/apperr"
	"storefront/models"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending:    {models.OrderConfirmed, models.OrderCancelled},
	models.OrderConfirmed:  {models.OrderProcessing, models.OrderCancelled},
	models.OrderProcessing: {models.OrderShipped},
	models.OrderShipped:    {models.OrderDelivered},
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.OrderStatus) bool {
	return s == models.OrderDelivered || s == models.OrderCancelled
}

// Cancellable reports whether an order in s may still be cancelled.
func Cancellable(s models.OrderStatus) bool {
	return s == models.OrderPending || s == models.OrderConfirmed
}

// Validate checks a transition from -> to. Callers short-circuit from == to
// before calling.
func Validate(from, to models.OrderStatus) error {
	if !to.Valid() {
		return apperr.Invalid("status", "unknown status %q", to)
	}
	if IsTerminal(from) {
		return &apperr.TransitionError{From: string(from), To: string(to), Terminal: true}
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &apperr.TransitionError{From: string(from), To: string(to)}
}

// LedgerStatus projects an order status onto its ledger entry status.
func LedgerStatus(s models.OrderStatus) models.LedgerStatus {
	switch s {
	case models.OrderDelivered:
		return models.LedgerCompleted
	case models.OrderCancelled:
		return models.LedgerCancelled
	default:
		return models.LedgerPending
	}
}
