package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WalletTransactionType string

const (
	WalletRefund WalletTransactionType = "refund"
	WalletDebit  WalletTransactionType = "debit"
)

type WalletTransactionStatus string

const WalletTxCompleted WalletTransactionStatus = "completed"

// Wallet caches the signed sum of a user's completed transactions in Balance.
type Wallet struct {
	UserID       uuid.UUID           `gorm:"type:uuid;primaryKey" json:"user_id"`
	Balance      decimal.Decimal     `gorm:"type:numeric(14,2);not null;default:0" json:"balance"`
	Transactions []WalletTransaction `gorm:"foreignKey:UserID;references:UserID" json:"transactions"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// WalletTransaction is append-only. At most one transaction of each type exists
// per order.
type WalletTransaction struct {
	ID          uuid.UUID               `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID               `gorm:"type:uuid;not null;index" json:"user_id"`
	OrderID     uuid.UUID               `gorm:"type:uuid;not null;uniqueIndex:idx_wallet_tx_order_type,priority:1" json:"order_id"`
	OrderNumber string                  `gorm:"size:64" json:"order_number"`
	Amount      decimal.Decimal         `gorm:"type:numeric(14,2);not null" json:"amount"`
	Type        WalletTransactionType   `gorm:"size:16;not null;uniqueIndex:idx_wallet_tx_order_type,priority:2" json:"type"`
	Status      WalletTransactionStatus `gorm:"size:16;not null" json:"status"`
	Description string                  `gorm:"size:255" json:"description"`
	CreatedAt   time.Time               `gorm:"not null;index" json:"created_at"`
}

// Signed returns the amount with its balance effect applied.
func (t WalletTransaction) Signed() decimal.Decimal {
	if t.Type == WalletDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// RecomputeBalance derives the balance from completed transactions.
func RecomputeBalance(txs []WalletTransaction) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txs {
		if t.Status == WalletTxCompleted {
			sum = sum.Add(t.Signed())
		}
	}
	return sum
}
