// Package memstore is an in-memory store.Store.
//
// Transactions run one at a time against a private copy of the state that
// replaces the live state only when the callback returns nil. It backs the
// test suites and STORE_DRIVER=memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"storefront/internal/store"
	"storefront/models"
)

type idemKey struct {
	userID uuid.UUID
	key    string
}

type state struct {
	inventory     map[uuid.UUID]models.InventoryRecord
	orders        map[uuid.UUID]models.Order
	orderNumbers  map[string]uuid.UUID
	idempotency   map[idemKey]uuid.UUID
	ledger        map[uuid.UUID]models.LedgerEntry
	aggregates    map[string]models.LedgerAggregate
	wallets       map[uuid.UUID]models.Wallet
	walletTxs     []models.WalletTransaction
	notifications []models.Notification
	dedup         map[string]struct{}
	outbox        []models.OutboxMessage
	reviews       []models.Review
}

func newState() *state {
	return &state{
		inventory:    make(map[uuid.UUID]models.InventoryRecord),
		orders:       make(map[uuid.UUID]models.Order),
		orderNumbers: make(map[string]uuid.UUID),
		idempotency:  make(map[idemKey]uuid.UUID),
		ledger:       make(map[uuid.UUID]models.LedgerEntry),
		aggregates:   make(map[string]models.LedgerAggregate),
		wallets:      make(map[uuid.UUID]models.Wallet),
		dedup:        make(map[string]struct{}),
	}
}

func (s *state) clone() *state {
	c := &state{
		inventory:     make(map[uuid.UUID]models.InventoryRecord, len(s.inventory)),
		orders:        make(map[uuid.UUID]models.Order, len(s.orders)),
		orderNumbers:  make(map[string]uuid.UUID, len(s.orderNumbers)),
		idempotency:   make(map[idemKey]uuid.UUID, len(s.idempotency)),
		ledger:        make(map[uuid.UUID]models.LedgerEntry, len(s.ledger)),
		aggregates:    make(map[string]models.LedgerAggregate, len(s.aggregates)),
		wallets:       make(map[uuid.UUID]models.Wallet, len(s.wallets)),
		dedup:         make(map[string]struct{}, len(s.dedup)),
		walletTxs:     append([]models.WalletTransaction(nil), s.walletTxs...),
		notifications: append([]models.Notification(nil), s.notifications...),
		outbox:        append([]models.OutboxMessage(nil), s.outbox...),
		reviews:       append([]models.Review(nil), s.reviews...),
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderNumbers {
		c.orderNumbers[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	for k, v := range s.aggregates {
		c.aggregates[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k := range s.dedup {
		c.dedup[k] = struct{}{}
	}
	return c
}

type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
	// inflight holds outbox ids handed to a relay and not yet settled.
	inflight map[uuid.UUID]bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), now: time.Now, inflight: map[uuid.UUID]bool{}}
}

func (s *Store) Close() error { return nil }

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := s.st.clone()
	if err := fn(&tx{st: staged, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = staged
	return nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getOrder(s.st, id)
}

func getOrder(st *state, id uuid.UUID) (*models.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) ListOrders(_ context.Context, f models.OrderFilter) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Order, 0)
	for _, o := range s.st.orders {
		if f.UserID != nil && o.UserID != *f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderNumber > out[j].OrderNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, f.Offset, f.Limit), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) CountOrdersByStatus(_ context.Context) (map[models.OrderStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.OrderStatus]int64)
	for _, o := range s.st.orders {
		counts[o.Status]++
	}
	return counts, nil
}

func (s *Store) LedgerSnapshot(_ context.Context, q models.LedgerQuery) (*models.LedgerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total models.LedgerAggregate
	for bucket, agg := range s.st.aggregates {
		if inBucketRange(bucket, q) {
			total.Merge(agg)
		}
	}

	entries := make([]models.LedgerEntry, 0)
	for _, e := range s.st.ledger {
		if !q.From.IsZero() && e.Date.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.Date.After(q.To) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Date.After(entries[j].Date) })

	return &models.LedgerSnapshot{
		TotalRevenue:    total.TotalRevenue,
		PendingAmount:   total.PendingAmount,
		CompletedAmount: total.CompletedAmount,
		CancelledAmount: total.CancelledAmount,
		RefundedAmount:  total.RefundedAmount,
		EntryCount:      total.EntryCount,
		Entries:         page(entries, 0, q.Limit),
	}, nil
}

func inBucketRange(bucket string, q models.LedgerQuery) bool {
	if !q.From.IsZero() && bucket < models.BucketOf(q.From) {
		return false
	}
	if !q.To.IsZero() && bucket > models.BucketOf(q.To) {
		return false
	}
	return true
}

func (s *Store) LedgerEntryCount(_ context.Context, orderID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.ledger[orderID]; ok {
		return 1, nil
	}
	return 0, nil
}

func (s *Store) LedgerBuckets(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range s.st.ledger {
		seen[e.Bucket] = struct{}{}
	}
	for b := range s.st.aggregates {
		seen[b] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetWallet(_ context.Context, userID uuid.UUID) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.st.wallets[userID]
	if !ok {
		return &models.Wallet{UserID: userID, Balance: decimal.Zero, Transactions: []models.WalletTransaction{}}, nil
	}
	w.Transactions = make([]models.WalletTransaction, 0)
	for _, t := range s.st.walletTxs {
		if t.UserID == userID {
			w.Transactions = append(w.Transactions, t)
		}
	}
	sort.SliceStable(w.Transactions, func(i, j int) bool {
		return w.Transactions[i].CreatedAt.After(w.Transactions[j].CreatedAt)
	})
	return &w, nil
}

func (s *Store) GetStock(_ context.Context, productID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.inventory[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	return rec.Available, nil
}

func (s *Store) SetStock(_ context.Context, productID uuid.UUID, available int) error {
	if available < 0 {
		return fmt.Errorf("memstore: negative stock %d for product %s", available, productID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.inventory[productID] = models.InventoryRecord{ProductID: productID, Available: available, UpdatedAt: s.now()}
	return nil
}

func (s *Store) ListNotifications(_ context.Context, f models.NotificationFilter) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Notification, 0)
	for _, n := range s.st.notifications {
		if f.UserID != nil && n.UserID != *f.UserID {
			continue
		}
		if f.Audience != "" && n.Audience != f.Audience {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, 0, f.Limit), nil
}

func (s *Store) MarkNotificationRead(_ context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.st.notifications {
		n := &s.st.notifications[i]
		if n.ID == id && n.UserID == userID {
			n.Read = true
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.st.notifications {
		if s.st.notifications[i].UserID == userID && !s.st.notifications[i].Read {
			s.st.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (s *Store) DeleteNotification(_ context.Context, id, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.st.notifications {
		if n.ID == id && n.UserID == userID {
			s.st.notifications = append(s.st.notifications[:i:i], s.st.notifications[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) ListReviews(_ context.Context, f store.ReviewFilter) ([]models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Review, 0)
	for _, r := range s.st.reviews {
		if f.ProductID != nil && r.ProductID != *f.ProductID {
			continue
		}
		if f.UserID != nil && r.UserID != *f.UserID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReplyToReview(_ context.Context, id uuid.UUID, reply string, at time.Time) (*models.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.st.reviews {
		r := &s.st.reviews[i]
		if r.ID == id {
			r.AdminReply = reply
			r.RepliedAt = &at
			out := *r
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

// RelayOutbox claims pending messages under the lock and hands them to fn
// without it, so a slow publish never blocks transactions. Claimed messages
// are skipped by concurrent relays until their outcome is recorded.
func (s *Store) RelayOutbox(ctx context.Context, limit, maxAttempts int, fn func(models.OutboxMessage) error) (int, error) {
	s.mu.Lock()
	var claimed []models.OutboxMessage
	for _, m := range s.st.outbox {
		if len(claimed) >= limit {
			break
		}
		if m.Status != models.OutboxPending || s.inflight[m.ID] {
			continue
		}
		s.inflight[m.ID] = true
		claimed = append(claimed, m)
	}
	s.mu.Unlock()

	results := make(map[uuid.UUID]error, len(claimed))
	var ctxErr error
	for _, m := range claimed {
		if ctxErr = ctx.Err(); ctxErr != nil {
			break
		}
		results[m.ID] = fn(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for _, m := range claimed {
		delete(s.inflight, m.ID)
	}
	for i := range s.st.outbox {
		m := &s.st.outbox[i]
		err, done := results[m.ID]
		if !done {
			continue
		}
		if err != nil {
			m.Attempts++
			m.LastError = err.Error()
			if m.Attempts >= maxAttempts {
				m.Status = models.OutboxDead
			}
			continue
		}
		at := s.now()
		m.Status = models.OutboxSent
		m.SentAt = &at
		sent++
	}
	return sent, ctxErr
}

// Outbox returns a copy of every outbox message, for tests and diagnostics.
func (s *Store) Outbox() []models.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.OutboxMessage(nil), s.st.outbox...)
}
