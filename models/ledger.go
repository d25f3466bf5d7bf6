package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
	LedgerCancelled LedgerStatus = "cancelled"
	LedgerRefunded  LedgerStatus = "refunded"
)

// LedgerEntry is the platform revenue record of one order. OrderID is unique.
type LedgerEntry struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:idx_ledger_entries_order" json:"order_id"`
	UserID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	OrderNumber   string          `gorm:"size:64;not null" json:"order_number"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	Amount        decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"amount"`
	PaymentMethod PaymentMethod   `gorm:"size:16;not null" json:"payment_method"`
	Status        LedgerStatus    `gorm:"size:16;not null;index" json:"status"`
	// Bucket is the UTC day (YYYY-MM-DD) of the order's creation; it keys the
	// aggregate row this entry contributes to.
	Bucket    string    `gorm:"size:10;not null;index" json:"bucket"`
	Date      time.Time `gorm:"not null;index" json:"date"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// LedgerAggregate holds the derived totals of one bucket. Rows are only ever
// written by recomputation from entries.
type LedgerAggregate struct {
	Bucket          string          `gorm:"size:10;primaryKey" json:"bucket"`
	TotalRevenue    decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0" json:"total_revenue"`
	PendingAmount   decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0" json:"pending_amount"`
	CompletedAmount decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0" json:"completed_amount"`
	CancelledAmount decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0" json:"cancelled_amount"`
	RefundedAmount  decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0" json:"refunded_amount"`
	EntryCount      int64           `gorm:"not null;default:0" json:"entry_count"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BucketOf returns the aggregate bucket key for a timestamp.
func BucketOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SumEntries recomputes an aggregate from entries.
func SumEntries(bucket string, entries []LedgerEntry) LedgerAggregate {
	agg := LedgerAggregate{Bucket: bucket}
	for _, e := range entries {
		agg.Add(e.Status, e.Amount, 1)
	}
	agg.TotalRevenue = agg.CompletedAmount.Add(agg.PendingAmount)
	return agg
}

// Add accumulates amount under status. TotalRevenue is not touched.
func (a *LedgerAggregate) Add(status LedgerStatus, amount decimal.Decimal, count int64) {
	switch status {
	case LedgerPending:
		a.PendingAmount = a.PendingAmount.Add(amount)
	case LedgerCompleted:
		a.CompletedAmount = a.CompletedAmount.Add(amount)
	case LedgerCancelled:
		a.CancelledAmount = a.CancelledAmount.Add(amount)
	case LedgerRefunded:
		a.RefundedAmount = a.RefundedAmount.Add(amount)
	}
	a.EntryCount += count
}

// Merge folds another bucket into a running total.
func (a *LedgerAggregate) Merge(o LedgerAggregate) {
	a.PendingAmount = a.PendingAmount.Add(o.PendingAmount)
	a.CompletedAmount = a.CompletedAmount.Add(o.CompletedAmount)
	a.CancelledAmount = a.CancelledAmount.Add(o.CancelledAmount)
	a.RefundedAmount = a.RefundedAmount.Add(o.RefundedAmount)
	a.TotalRevenue = a.CompletedAmount.Add(a.PendingAmount)
	a.EntryCount += o.EntryCount
}

// LedgerQuery selects a snapshot window. Zero times are open ends. Totals
// come from daily buckets, so the window has day granularity.
type LedgerQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

// WholeDays widens From to the start of its UTC day and To to the last
// instant of its UTC day, matching the buckets the totals are read from.
func (q LedgerQuery) WholeDays() LedgerQuery {
	if !q.From.IsZero() {
		y, m, d := q.From.UTC().Date()
		q.From = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	if !q.To.IsZero() {
		y, m, d := q.To.UTC().Date()
		q.To = time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
	}
	return q
}

type LedgerSnapshot struct {
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	PendingAmount   decimal.Decimal `json:"pending_amount"`
	CompletedAmount decimal.Decimal `json:"completed_amount"`
	CancelledAmount decimal.Decimal `json:"cancelled_amount"`
	RefundedAmount  decimal.Decimal `json:"refunded_amount"`
	EntryCount      int64           `json:"entry_count"`
	Entries         []LedgerEntry   `json:"entries"`
}
