// Package ledger projects order state onto the platform revenue ledger.
//
// Each order owns exactly one entry. Entries are upserted by order id and every
// entry write is followed, under the same bucket lock, by recomputation of the
// bucket aggregate from its entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront/internal/apperr"
	"storefront/internal/orderstate"
	"storefront/internal/outbox"
	"storefront/internal/store"
	"storefront/models"
)

type Projector struct {
	now func() time.Time
}

func NewProjector(now func() time.Time) *Projector {
	if now == nil {
		now = time.Now
	}
	return &Projector{now: now}
}

// Change is the outcome of a projection. Changed is false when the entry
// already carried the projected status.
type Change struct {
	Entry     models.LedgerEntry
	From      models.LedgerStatus
	Aggregate models.LedgerAggregate
	Changed   bool
}

// Event describes the change for the outbox.
func (c Change) Event(at time.Time) models.LedgerEvent {
	return models.LedgerEvent{
		EventID:    uuid.New(),
		OrderID:    c.Entry.OrderID,
		UserID:     c.Entry.UserID,
		Bucket:     c.Entry.Bucket,
		From:       c.From,
		To:         c.Entry.Status,
		Amount:     c.Entry.Amount,
		OccurredAt: at,
	}
}

// Reconcile creates or updates the entry of order so that its status matches
// the order status. A refunded entry is final and left untouched.
func (p *Projector) Reconcile(ctx context.Context, tx store.Tx, order *models.Order) (Change, error) {
	bucket := models.BucketOf(order.CreatedAt)
	if err := tx.LockLedgerBucket(ctx, bucket); err != nil {
		return Change{}, fmt.Errorf("lock ledger bucket %s: %w", bucket, err)
	}

	existing, err := tx.LockLedgerEntry(ctx, order.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Change{}, fmt.Errorf("load ledger entry: %w", err)
	}

	target := orderstate.LedgerStatus(order.Status)
	var from models.LedgerStatus
	if existing != nil {
		if existing.Status == target || existing.Status == models.LedgerRefunded {
			return Change{Entry: *existing, From: existing.Status}, nil
		}
		from = existing.Status
	}

	now := p.now()
	entry := models.LedgerEntry{
		ID:            uuid.New(),
		OrderID:       order.ID,
		UserID:        order.UserID,
		OrderNumber:   order.OrderNumber,
		CustomerName:  order.ShippingAddress.CustomerName(),
		Amount:        order.Total,
		PaymentMethod: order.PaymentMethod,
		Status:        target,
		Bucket:        bucket,
		Date:          order.CreatedAt,
		UpdatedAt:     now,
	}
	return p.write(ctx, tx, entry, from)
}

// MarkRefunded moves a cancelled entry to refunded. The caller holds the
// order lock.
func (p *Projector) MarkRefunded(ctx context.Context, tx store.Tx, order *models.Order) (Change, error) {
	bucket := models.BucketOf(order.CreatedAt)
	if err := tx.LockLedgerBucket(ctx, bucket); err != nil {
		return Change{}, fmt.Errorf("lock ledger bucket %s: %w", bucket, err)
	}

	entry, err := tx.LockLedgerEntry(ctx, order.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Change{}, fmt.Errorf("order %s: %w", order.OrderNumber, apperr.ErrLedgerEntryNotFound)
	}
	if err != nil {
		return Change{}, fmt.Errorf("load ledger entry: %w", err)
	}
	if entry.Status != models.LedgerCancelled {
		return Change{}, fmt.Errorf("ledger entry of order %s is %s: %w", entry.OrderNumber, entry.Status, apperr.ErrNotRefundable)
	}

	updated := *entry
	updated.Status = models.LedgerRefunded
	updated.UpdatedAt = p.now()
	return p.write(ctx, tx, updated, entry.Status)
}

func (p *Projector) write(ctx context.Context, tx store.Tx, entry models.LedgerEntry, from models.LedgerStatus) (Change, error) {
	if err := tx.UpsertLedgerEntry(ctx, &entry); err != nil {
		return Change{}, fmt.Errorf("upsert ledger entry: %w", err)
	}
	agg, err := tx.RecomputeLedgerBucket(ctx, entry.Bucket)
	if err != nil {
		return Change{}, fmt.Errorf("recompute ledger bucket %s: %w", entry.Bucket, err)
	}
	return Change{Entry: entry, From: from, Aggregate: agg, Changed: true}, nil
}

// Publish enqueues the change event. Unchanged projections publish nothing.
func (p *Projector) Publish(ctx context.Context, tx store.Tx, c Change) error {
	if !c.Changed {
		return nil
	}
	at := p.now()
	msg, err := outbox.NewMessage(models.TopicLedgerChanged, c.Entry.OrderID, c.Event(at), at)
	if err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, []models.OutboxMessage{msg})
}

// Rebuild recomputes the aggregate of every bucket from its entries.
func Rebuild(ctx context.Context, s store.Store) (int, error) {
	buckets, err := s.LedgerBuckets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ledger buckets: %w", err)
	}
	for _, b := range buckets {
		err := s.WithinTx(ctx, func(tx store.Tx) error {
			if err := tx.LockLedgerBucket(ctx, b); err != nil {
				return err
			}
			_, err := tx.RecomputeLedgerBucket(ctx, b)
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("rebuild ledger bucket %s: %w", b, err)
		}
	}
	return len(buckets), nil
}
