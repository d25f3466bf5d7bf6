// Package store declares the persistence boundary of the lifecycle engine.
//
// Every multi-collection mutation runs inside Store.WithinTx. Implementations
// guarantee that a Tx either commits as a whole or leaves no visible effect,
// and that the Lock* methods serialize concurrent transactions on the locked
// row until commit.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is a transient failure (serialization failure, deadlock,
	// lock timeout). The whole transaction may be retried.
	ErrConflict = errors.New("store: conflict")
	// ErrDuplicate is a unique constraint violation.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrOrderNumberTaken is the unique violation on orders.order_number.
	ErrOrderNumberTaken = errors.New("store: order number taken")
)

// Tx is the transactional view handed to WithinTx callbacks.
type Tx interface {
	// ReserveStock decrements available stock by qty only if at least qty is
	// available. It reports false, without error, when stock is short or the
	// product has no inventory record.
	ReserveStock(ctx context.Context, productID uuid.UUID, qty int) (bool, error)
	ReleaseStock(ctx context.Context, productID uuid.UUID, qty int) error

	InsertOrder(ctx context.Context, o *models.Order) error
	// LockOrder loads an order with its items and holds its row lock.
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error)
	SetOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus, at time.Time) error

	// LockLedgerBucket creates the aggregate row of bucket if missing and
	// holds its lock. Entry writes and recomputation of that bucket happen
	// under this lock.
	LockLedgerBucket(ctx context.Context, bucket string) error
	LockLedgerEntry(ctx context.Context, orderID uuid.UUID) (*models.LedgerEntry, error)
	// UpsertLedgerEntry inserts the entry or updates the existing entry of the
	// same order in place.
	UpsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	// RecomputeLedgerBucket rewrites the aggregate row from the entries of
	// bucket and returns it.
	RecomputeLedgerBucket(ctx context.Context, bucket string) (models.LedgerAggregate, error)

	// LockWallet creates the wallet if missing and holds its lock.
	LockWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	AppendWalletTransaction(ctx context.Context, t *models.WalletTransaction) error
	SetWalletBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal, at time.Time) error

	// InsertNotifications skips records whose DedupKey already exists and
	// returns the records actually written.
	InsertNotifications(ctx context.Context, ns []models.Notification) ([]models.Notification, error)
	EnqueueOutbox(ctx context.Context, msgs []models.OutboxMessage) error

	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ReviewExists(ctx context.Context, productID, userID, orderID uuid.UUID) (bool, error)
	InsertReview(ctx context.Context, r *models.Review) error
}

// Store is the full persistence API: transactions plus the read paths and the
// non-transactional maintenance operations.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error)
	CountOrdersByStatus(ctx context.Context) (map[models.OrderStatus]int64, error)

	// LedgerSnapshot reads aggregates and the most recent entries from a
	// single consistent view.
	LedgerSnapshot(ctx context.Context, q models.LedgerQuery) (*models.LedgerSnapshot, error)
	LedgerEntryCount(ctx context.Context, orderID uuid.UUID) (int64, error)
	LedgerBuckets(ctx context.Context) ([]string, error)

	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)

	GetStock(ctx context.Context, productID uuid.UUID) (int, error)
	SetStock(ctx context.Context, productID uuid.UUID, available int) error

	ListNotifications(ctx context.Context, f models.NotificationFilter) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int64, error)
	DeleteNotification(ctx context.Context, id, userID uuid.UUID) error

	ListReviews(ctx context.Context, f ReviewFilter) ([]models.Review, error)
	ReplyToReview(ctx context.Context, id uuid.UUID, reply string, at time.Time) (*models.Review, error)

	// RelayOutbox hands up to limit pending messages, oldest first, to fn.
	// Messages fn accepts are marked sent; rejected ones record the error and
	// become dead after maxAttempts.
	RelayOutbox(ctx context.Context, limit, maxAttempts int, fn func(models.OutboxMessage) error) (sent int, err error)

	Close() error
}

type ReviewFilter struct {
	ProductID *uuid.UUID
	UserID    *uuid.UUID
}
