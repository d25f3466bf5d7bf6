package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storefront/internal/store"
	"storefront/models"
)

// Store implements store.Store on Postgres. Row locks (SELECT ... FOR UPDATE)
// serialize commands on the same order, ledger bucket and wallet; commands on
// different rows run in parallel.
type Store struct {
	client *Client
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func NewStore(client *Client) *Store {
	return &Store{client: client, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) db(ctx context.Context) *gorm.DB {
	return s.client.DB().WithContext(ctx)
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.db(ctx).Transaction(func(g *gorm.DB) error {
		return fn(&tx{db: g, now: s.now})
	})
	return mapErr(err)
}

func loadItems(ctx context.Context, db *gorm.DB, o *models.Order) error {
	err := db.WithContext(ctx).Where("order_id = ?", o.ID).Order("position").Find(&o.Items).Error
	return mapErr(err)
}

func getOrder(ctx context.Context, db *gorm.DB, id uuid.UUID) (*models.Order, error) {
	var o models.Order
	if err := db.WithContext(ctx).Take(&o, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := loadItems(ctx, db, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return getOrder(ctx, s.client.DB(), id)
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	q := s.db(ctx).Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") })
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	orders := make([]models.Order, 0)
	if err := q.Order("created_at DESC").Order("order_number DESC").Find(&orders).Error; err != nil {
		return nil, mapErr(err)
	}
	return orders, nil
}

func (s *Store) CountOrdersByStatus(ctx context.Context) (map[models.OrderStatus]int64, error) {
	type statusCount struct {
		Status models.OrderStatus
		Count  int64
	}
	var rows []statusCount
	err := s.db(ctx).Model(&models.Order{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}

	counts := make(map[models.OrderStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

func (s *Store) LedgerSnapshot(ctx context.Context, q models.LedgerQuery) (*models.LedgerSnapshot, error) {
	snap := &models.LedgerSnapshot{Entries: make([]models.LedgerEntry, 0)}

	err := s.db(ctx).Transaction(func(g *gorm.DB) error {
		aggQ := g.Model(&models.LedgerAggregate{}).Select(
			"COALESCE(SUM(pending_amount), 0) AS pending_amount, " +
				"COALESCE(SUM(completed_amount), 0) AS completed_amount, " +
				"COALESCE(SUM(cancelled_amount), 0) AS cancelled_amount, " +
				"COALESCE(SUM(refunded_amount), 0) AS refunded_amount, " +
				"COALESCE(SUM(entry_count), 0) AS entry_count")
		entryQ := g.Model(&models.LedgerEntry{})
		if !q.From.IsZero() {
			aggQ = aggQ.Where("bucket >= ?", models.BucketOf(q.From))
			entryQ = entryQ.Where("date >= ?", q.From)
		}
		if !q.To.IsZero() {
			aggQ = aggQ.Where("bucket <= ?", models.BucketOf(q.To))
			entryQ = entryQ.Where("date <= ?", q.To)
		}

		var total models.LedgerAggregate
		if err := aggQ.Scan(&total).Error; err != nil {
			return err
		}
		snap.PendingAmount = total.PendingAmount
		snap.CompletedAmount = total.CompletedAmount
		snap.CancelledAmount = total.CancelledAmount
		snap.RefundedAmount = total.RefundedAmount
		snap.TotalRevenue = total.CompletedAmount.Add(total.PendingAmount)
		snap.EntryCount = total.EntryCount

		if q.Limit > 0 {
			entryQ = entryQ.Limit(q.Limit)
		}
		return entryQ.Order("date DESC").Find(&snap.Entries).Error
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, mapErr(err)
	}
	return snap, nil
}

func (s *Store) LedgerEntryCount(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var n int64
	err := s.db(ctx).Model(&models.LedgerEntry{}).Where("order_id = ?", orderID).Count(&n).Error
	return n, mapErr(err)
}

func (s *Store) LedgerBuckets(ctx context.Context) ([]string, error) {
	var fromEntries, fromAggregates []string
	if err := s.db(ctx).Model(&models.LedgerEntry{}).Distinct().Pluck("bucket", &fromEntries).Error; err != nil {
		return nil, mapErr(err)
	}
	if err := s.db(ctx).Model(&models.LedgerAggregate{}).Pluck("bucket", &fromAggregates).Error; err != nil {
		return nil, mapErr(err)
	}

	seen := make(map[string]struct{}, len(fromEntries)+len(fromAggregates))
	out := make([]string, 0, len(seen))
	for _, b := range append(fromEntries, fromAggregates...) {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db(ctx).Take(&w, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.Wallet{UserID: userID, Balance: decimal.Zero, Transactions: []models.WalletTransaction{}}, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}

	w.Transactions = make([]models.WalletTransaction, 0)
	err = s.db(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&w.Transactions).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (s *Store) GetStock(ctx context.Context, productID uuid.UUID) (int, error) {
	var rec models.InventoryRecord
	if err := s.db(ctx).Take(&rec, "product_id = ?", productID).Error; err != nil {
		return 0, mapErr(err)
	}
	return rec.Available, nil
}

func (s *Store) SetStock(ctx context.Context, productID uuid.UUID, available int) error {
	rec := models.InventoryRecord{ProductID: productID, Available: available, UpdatedAt: s.now()}
	err := s.db(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"available", "updated_at"}),
	}).Create(&rec).Error
	return mapErr(err)
}

func (s *Store) ListNotifications(ctx context.Context, f models.NotificationFilter) ([]models.Notification, error) {
	q := s.db(ctx)
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Audience != "" {
		q = q.Where("audience = ?", f.Audience)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	out := make([]models.Notification, 0)
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID) error {
	res := s.db(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("read", true)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	res := s.db(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Update("read", true)
	return res.RowsAffected, mapErr(res.Error)
}

func (s *Store) DeleteNotification(ctx context.Context, id, userID uuid.UUID) error {
	res := s.db(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&models.Notification{})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListReviews(ctx context.Context, f store.ReviewFilter) ([]models.Review, error) {
	q := s.db(ctx)
	if f.ProductID != nil {
		q = q.Where("product_id = ?", *f.ProductID)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}

	out := make([]models.Review, 0)
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

func (s *Store) ReplyToReview(ctx context.Context, id uuid.UUID, reply string, at time.Time) (*models.Review, error) {
	res := s.db(ctx).Model(&models.Review{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"admin_reply": reply, "replied_at": at})
	if res.Error != nil {
		return nil, mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, store.ErrNotFound
	}

	var r models.Review
	if err := s.db(ctx).Take(&r, "id = ?", id).Error; err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (s *Store) RelayOutbox(ctx context.Context, limit, maxAttempts int, fn func(models.OutboxMessage) error) (int, error) {
	sent := 0
	err := s.db(ctx).Transaction(func(g *gorm.DB) error {
		var batch []models.OutboxMessage
		err := g.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.OutboxPending).
			Order("created_at").
			Limit(limit).
			Find(&batch).Error
		if err != nil {
			return err
		}

		for _, m := range batch {
			updates := map[string]interface{}{}
			if pubErr := fn(m); pubErr != nil {
				updates["attempts"] = m.Attempts + 1
				updates["last_error"] = pubErr.Error()
				if m.Attempts+1 >= maxAttempts {
					updates["status"] = models.OutboxDead
				}
			} else {
				updates["status"] = models.OutboxSent
				updates["sent_at"] = s.now()
				sent++
			}
			if err := g.Model(&models.OutboxMessage{}).Where("id = ?", m.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return sent, mapErr(err)
}
