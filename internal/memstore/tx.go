package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/store"
	"storefront/models"
)

// tx mutates a staged copy; the Lock* methods have nothing to lock because
// WithinTx already runs transactions one at a time.
type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) ReserveStock(_ context.Context, productID uuid.UUID, qty int) (bool, error) {
	rec, ok := t.st.inventory[productID]
	if !ok || rec.Available < qty {
		return false, nil
	}
	rec.Available -= qty
	rec.UpdatedAt = t.now()
	t.st.inventory[productID] = rec
	return true, nil
}

func (t *tx) ReleaseStock(_ context.Context, productID uuid.UUID, qty int) error {
	rec := t.st.inventory[productID]
	rec.ProductID = productID
	rec.Available += qty
	rec.UpdatedAt = t.now()
	t.st.inventory[productID] = rec
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *models.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, store.ErrDuplicate)
	}
	if _, ok := t.st.orderNumbers[o.OrderNumber]; ok {
		return fmt.Errorf("order number %s: %w", o.OrderNumber, store.ErrOrderNumberTaken)
	}
	if o.IdempotencyKey != nil {
		k := idemKey{userID: o.UserID, key: *o.IdempotencyKey}
		if _, ok := t.st.idempotency[k]; ok {
			return fmt.Errorf("idempotency key %s: %w", *o.IdempotencyKey, store.ErrDuplicate)
		}
		t.st.idempotency[k] = o.ID
	}
	t.st.orders[o.ID] = *o.Clone()
	t.st.orderNumbers[o.OrderNumber] = o.ID
	return nil
}

func (t *tx) LockOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	return getOrder(t.st, id)
}

func (t *tx) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	return getOrder(t.st, id)
}

func (t *tx) FindOrderByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	id, ok := t.st.idempotency[idemKey{userID: userID, key: key}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return getOrder(t.st, id)
}

func (t *tx) SetOrderStatus(_ context.Context, id uuid.UUID, status models.OrderStatus, at time.Time) error {
	o, ok := t.st.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	t.st.orders[id] = o
	return nil
}

func (t *tx) LockLedgerBucket(_ context.Context, bucket string) error {
	if _, ok := t.st.aggregates[bucket]; !ok {
		t.st.aggregates[bucket] = models.LedgerAggregate{Bucket: bucket, UpdatedAt: t.now()}
	}
	return nil
}

func (t *tx) LockLedgerEntry(_ context.Context, orderID uuid.UUID) (*models.LedgerEntry, error) {
	e, ok := t.st.ledger[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (t *tx) UpsertLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	if existing, ok := t.st.ledger[e.OrderID]; ok {
		existing.Status = e.Status
		existing.Amount = e.Amount
		existing.UpdatedAt = e.UpdatedAt
		t.st.ledger[e.OrderID] = existing
		*e = existing
		return nil
	}
	t.st.ledger[e.OrderID] = *e
	return nil
}

func (t *tx) RecomputeLedgerBucket(_ context.Context, bucket string) (models.LedgerAggregate, error) {
	entries := make([]models.LedgerEntry, 0)
	for _, e := range t.st.ledger {
		if e.Bucket == bucket {
			entries = append(entries, e)
		}
	}
	agg := models.SumEntries(bucket, entries)
	agg.UpdatedAt = t.now()
	t.st.aggregates[bucket] = agg
	return agg, nil
}

func (t *tx) LockWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	w, ok := t.st.wallets[userID]
	if !ok {
		w = models.Wallet{UserID: userID, Balance: decimal.Zero, UpdatedAt: t.now()}
		t.st.wallets[userID] = w
	}
	return &w, nil
}

func (t *tx) AppendWalletTransaction(_ context.Context, wt *models.WalletTransaction) error {
	for _, existing := range t.st.walletTxs {
		if existing.OrderID == wt.OrderID && existing.Type == wt.Type {
			return fmt.Errorf("wallet %s transaction for order %s: %w", wt.Type, wt.OrderID, store.ErrDuplicate)
		}
	}
	t.st.walletTxs = append(t.st.walletTxs, *wt)
	return nil
}

func (t *tx) SetWalletBalance(_ context.Context, userID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	w, ok := t.st.wallets[userID]
	if !ok {
		return store.ErrNotFound
	}
	w.Balance = balance
	w.UpdatedAt = at
	t.st.wallets[userID] = w
	return nil
}

func (t *tx) InsertNotifications(_ context.Context, ns []models.Notification) ([]models.Notification, error) {
	inserted := make([]models.Notification, 0, len(ns))
	for _, n := range ns {
		if n.DedupKey != nil {
			if _, dup := t.st.dedup[*n.DedupKey]; dup {
				continue
			}
			t.st.dedup[*n.DedupKey] = struct{}{}
		}
		t.st.notifications = append(t.st.notifications, n)
		inserted = append(inserted, n)
	}
	return inserted, nil
}

func (t *tx) EnqueueOutbox(_ context.Context, msgs []models.OutboxMessage) error {
	t.st.outbox = append(t.st.outbox, msgs...)
	return nil
}

func (t *tx) ReviewExists(_ context.Context, productID, userID, orderID uuid.UUID) (bool, error) {
	for _, r := range t.st.reviews {
		if r.ProductID == productID && r.UserID == userID && r.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertReview(ctx context.Context, r *models.Review) error {
	exists, _ := t.ReviewExists(ctx, r.ProductID, r.UserID, r.OrderID)
	if exists {
		return fmt.Errorf("review for product %s order %s: %w", r.ProductID, r.OrderID, store.ErrDuplicate)
	}
	t.st.reviews = append(t.st.reviews, *r)
	return nil
}
