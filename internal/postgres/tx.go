package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storefront/internal/store"
	"storefront/models"
)

type tx struct {
	db  *gorm.DB
	now func() time.Time
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

func (t *tx) ReserveStock(ctx context.Context, productID uuid.UUID, qty int) (bool, error) {
	// The row lock taken by UPDATE makes a concurrent reservation re-check
	// available after this transaction commits.
	res := t.db.WithContext(ctx).
		Model(&models.InventoryRecord{}).
		Where("product_id = ? AND available >= ?", productID, qty).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available - ?", qty),
			"updated_at": t.now(),
		})
	if res.Error != nil {
		return false, mapErr(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *tx) ReleaseStock(ctx context.Context, productID uuid.UUID, qty int) error {
	now := t.now()
	rec := models.InventoryRecord{ProductID: productID, Available: qty, UpdatedAt: now}
	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"available":  gorm.Expr("inventory_records.available + ?", qty),
				"updated_at": now,
			}),
		}).
		Create(&rec).Error
	return mapErr(err)
}

func (t *tx) InsertOrder(ctx context.Context, o *models.Order) error {
	return mapErr(t.db.WithContext(ctx).Create(o).Error)
}

func (t *tx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := t.db.WithContext(ctx).Clauses(forUpdate).Take(&o, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := loadItems(ctx, t.db, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *tx) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return getOrder(ctx, t.db, id)
}

func (t *tx) FindOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*models.Order, error) {
	var o models.Order
	err := t.db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).Take(&o).Error
	if err != nil {
		return nil, mapErr(err)
	}
	if err := loadItems(ctx, t.db, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *tx) SetOrderStatus(ctx context.Context, id uuid.UUID, status models.OrderStatus, at time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": status, "updated_at": at})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) LockLedgerBucket(ctx context.Context, bucket string) error {
	db := t.db.WithContext(ctx)
	seed := models.LedgerAggregate{Bucket: bucket, UpdatedAt: t.now()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return mapErr(err)
	}
	var agg models.LedgerAggregate
	return mapErr(db.Clauses(forUpdate).Take(&agg, "bucket = ?", bucket).Error)
}

func (t *tx) LockLedgerEntry(ctx context.Context, orderID uuid.UUID) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	if err := t.db.WithContext(ctx).Clauses(forUpdate).Take(&e, "order_id = ?", orderID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (t *tx) UpsertLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	db := t.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "amount", "updated_at"}),
	}).Create(e).Error
	if err != nil {
		return mapErr(err)
	}
	// On conflict the stored row keeps its own id.
	return mapErr(db.Take(e, "order_id = ?", e.OrderID).Error)
}

func (t *tx) RecomputeLedgerBucket(ctx context.Context, bucket string) (models.LedgerAggregate, error) {
	type statusSum struct {
		Status models.LedgerStatus
		Amount decimal.Decimal
		Count  int64
	}

	db := t.db.WithContext(ctx)
	var rows []statusSum
	err := db.Model(&models.LedgerEntry{}).
		Select("status, COALESCE(SUM(amount), 0) AS amount, COUNT(*) AS count").
		Where("bucket = ?", bucket).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.LedgerAggregate{}, mapErr(err)
	}

	agg := models.LedgerAggregate{Bucket: bucket}
	for _, r := range rows {
		agg.Add(r.Status, r.Amount, r.Count)
	}
	agg.TotalRevenue = agg.CompletedAmount.Add(agg.PendingAmount)
	agg.UpdatedAt = t.now()

	if err := db.Save(&agg).Error; err != nil {
		return models.LedgerAggregate{}, mapErr(err)
	}
	return agg, nil
}

func (t *tx) LockWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	db := t.db.WithContext(ctx)
	seed := models.Wallet{UserID: userID, Balance: decimal.Zero, UpdatedAt: t.now()}
	if err := db.Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, mapErr(err)
	}
	var w models.Wallet
	if err := db.Clauses(forUpdate).Take(&w, "user_id = ?", userID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (t *tx) AppendWalletTransaction(ctx context.Context, wt *models.WalletTransaction) error {
	return mapErr(t.db.WithContext(ctx).Create(wt).Error)
}

func (t *tx) SetWalletBalance(ctx context.Context, userID uuid.UUID, balance decimal.Decimal, at time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"balance": balance, "updated_at": at})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) InsertNotifications(ctx context.Context, ns []models.Notification) ([]models.Notification, error) {
	db := t.db.WithContext(ctx)
	inserted := make([]models.Notification, 0, len(ns))
	for i := range ns {
		n := ns[i]
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).Create(&n)
		if res.Error != nil {
			return nil, mapErr(res.Error)
		}
		if res.RowsAffected == 1 {
			inserted = append(inserted, n)
		}
	}
	return inserted, nil
}

func (t *tx) EnqueueOutbox(ctx context.Context, msgs []models.OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return mapErr(t.db.WithContext(ctx).Create(&msgs).Error)
}

func (t *tx) ReviewExists(ctx context.Context, productID, userID, orderID uuid.UUID) (bool, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&models.Review{}).
		Where("product_id = ? AND user_id = ? AND order_id = ?", productID, userID, orderID).
		Count(&n).Error
	return n > 0, mapErr(err)
}

func (t *tx) InsertReview(ctx context.Context, r *models.Review) error {
	return mapErr(t.db.WithContext(ctx).Create(r).Error)
}
