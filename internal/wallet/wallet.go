// Package wallet maintains per-user wallet balances and their append-only
// transaction log.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/apperr"
	"storefront/internal/store"
	"storefront/models"
)

type Ledger struct {
	now func() time.Time
}

func New(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now}
}

// CreditRefund appends a completed refund transaction for the owner of entry
// and raises the balance by amount. The owner comes from the ledger entry
// only. A second refund for the same order is rejected by the storage
// uniqueness guard and surfaces as ErrNotRefundable.
func (l *Ledger) CreditRefund(ctx context.Context, tx store.Tx, entry models.LedgerEntry, amount decimal.Decimal) (models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return models.WalletTransaction{}, apperr.Invalid("amount", "must be positive")
	}

	w, err := tx.LockWallet(ctx, entry.UserID)
	if err != nil {
		return models.WalletTransaction{}, fmt.Errorf("lock wallet %s: %w", entry.UserID, err)
	}

	now := l.now()
	wt := models.WalletTransaction{
		ID:          uuid.New(),
		UserID:      entry.UserID,
		OrderID:     entry.OrderID,
		OrderNumber: entry.OrderNumber,
		Amount:      amount,
		Type:        models.WalletRefund,
		Status:      models.WalletTxCompleted,
		Description: fmt.Sprintf("Refund for order #%s", entry.OrderNumber),
		CreatedAt:   now,
	}
	if err := tx.AppendWalletTransaction(ctx, &wt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return models.WalletTransaction{}, fmt.Errorf("order %s already refunded: %w", entry.OrderNumber, apperr.ErrNotRefundable)
		}
		return models.WalletTransaction{}, fmt.Errorf("append wallet transaction: %w", err)
	}

	if err := tx.SetWalletBalance(ctx, entry.UserID, w.Balance.Add(wt.Signed()), now); err != nil {
		return models.WalletTransaction{}, fmt.Errorf("update wallet balance: %w", err)
	}
	return wt, nil
}

// Get returns the wallet of userID. A user without transactions has an empty
// wallet with a zero balance.
func Get(ctx context.Context, s store.Store, userID uuid.UUID) (*models.Wallet, error) {
	w, err := s.GetWallet(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.Wallet{UserID: userID, Balance: decimal.Zero, Transactions: []models.WalletTransaction{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	return w, nil
}
