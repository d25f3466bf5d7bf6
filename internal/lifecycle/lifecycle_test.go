package lifecycle

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/apperr"
	"storefront/internal/memstore"
	"storefront/internal/store"
	"storefront/models"
)

var admin = models.Actor{UserID: uuid.New(), Role: models.RoleAdmin}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *memstore.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memstore.New()
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: s,
		orch:  New(s, Options{RetryInterval: time.Millisecond}),
	}
}

func (f *fixture) product(stock int) uuid.UUID {
	f.t.Helper()
	id := uuid.New()
	require.NoError(f.t, f.orch.SetStock(f.ctx, admin, SetStockInput{ProductID: id, Available: stock}))
	return id
}

func (f *fixture) stock(id uuid.UUID) int {
	f.t.Helper()
	n, err := f.orch.GetStock(f.ctx, id)
	require.NoError(f.t, err)
	return n
}

func item(productID uuid.UUID, qty int, price string) ItemInput {
	return ItemInput{
		ProductID: productID,
		Name:      "Item " + productID.String()[:4],
		Price:     decimal.RequireFromString(price),
		Quantity:  qty,
		Size:      "M",
		Image:     "https://cdn.example.com/p.png",
	}
}

func checkout(userID uuid.UUID, items ...ItemInput) CreateOrderInput {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	shipping := decimal.RequireFromString("5")
	tax := decimal.RequireFromString("1.25")
	return CreateOrderInput{
		UserID: userID,
		Items:  items,
		ShippingAddress: models.ShippingAddress{
			FirstName: "Grace",
			LastName:  "Hopper",
			Email:     "grace@example.com",
			Phone:     "+1 555 0100",
			Address:   "1 Navy Way",
			City:      "Arlington",
			State:     "VA",
			ZipCode:   "22201",
		},
		PaymentMethod: models.PaymentCOD,
		Subtotal:      subtotal,
		Shipping:      shipping,
		Tax:           tax,
		Total:         subtotal.Add(shipping).Add(tax),
	}
}

func (f *fixture) create(in CreateOrderInput) *models.Order {
	f.t.Helper()
	o, err := f.orch.CreateOrder(f.ctx, in)
	require.NoError(f.t, err)
	return o
}

func (f *fixture) advance(id uuid.UUID, statuses ...models.OrderStatus) *models.Order {
	f.t.Helper()
	var o *models.Order
	for _, s := range statuses {
		var err error
		o, err = f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: id, Status: s})
		require.NoError(f.t, err, "to %s", s)
	}
	return o
}

func (f *fixture) entry(orderID uuid.UUID) models.LedgerEntry {
	f.t.Helper()
	snap, err := f.store.LedgerSnapshot(f.ctx, models.LedgerQuery{})
	require.NoError(f.t, err)
	for _, e := range snap.Entries {
		if e.OrderID == orderID {
			return e
		}
	}
	f.t.Fatalf("no ledger entry for order %s", orderID)
	return models.LedgerEntry{}
}

func (f *fixture) notifications(userID uuid.UUID) []models.Notification {
	f.t.Helper()
	ns, err := f.store.ListNotifications(f.ctx, models.NotificationFilter{UserID: &userID})
	require.NoError(f.t, err)
	return ns
}

func countTitle(ns []models.Notification, title string) int {
	n := 0
	for _, x := range ns {
		if x.Title == title {
			n++
		}
	}
	return n
}

// checkLedger asserts the aggregate invariants against the current entries.
func (f *fixture) checkLedger() {
	f.t.Helper()
	snap, err := f.store.LedgerSnapshot(f.ctx, models.LedgerQuery{})
	require.NoError(f.t, err)

	sums := map[models.LedgerStatus]decimal.Decimal{}
	seen := map[uuid.UUID]bool{}
	for _, e := range snap.Entries {
		require.False(f.t, seen[e.OrderID], "second ledger entry for order %s", e.OrderID)
		seen[e.OrderID] = true
		sums[e.Status] = sums[e.Status].Add(e.Amount)
	}

	assert.True(f.t, snap.PendingAmount.Equal(sums[models.LedgerPending]), "pending %s != %s", snap.PendingAmount, sums[models.LedgerPending])
	assert.True(f.t, snap.CompletedAmount.Equal(sums[models.LedgerCompleted]), "completed %s != %s", snap.CompletedAmount, sums[models.LedgerCompleted])
	assert.True(f.t, snap.CancelledAmount.Equal(sums[models.LedgerCancelled]))
	assert.True(f.t, snap.RefundedAmount.Equal(sums[models.LedgerRefunded]))
	assert.True(f.t, snap.TotalRevenue.Equal(snap.CompletedAmount.Add(snap.PendingAmount)))
	assert.EqualValues(f.t, len(snap.Entries), snap.EntryCount)
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	p := f.product(5)
	user := uuid.New()

	o := f.create(checkout(user, item(p, 2, "19.99")))

	assert.Equal(t, models.OrderPending, o.Status)
	assert.Regexp(t, regexp.MustCompile(`^ORD-\d+-\d{1,3}$`), o.OrderNumber)
	assert.Equal(t, models.DefaultCountry, o.ShippingAddress.Country)
	assert.Equal(t, 3, f.stock(p))

	e := f.entry(o.ID)
	assert.Equal(t, models.LedgerPending, e.Status)
	assert.True(t, e.Amount.Equal(o.Total))
	assert.Equal(t, "Grace Hopper", e.CustomerName)
	f.checkLedger()

	ns := f.notifications(user)
	require.Len(t, ns, 1)
	assert.Equal(t, "Order Placed Successfully", ns[0].Title)
	assert.Len(t, f.store.Outbox(), 2, "ledger event and notification message")
}

func TestCreateOrderWithCapturedPaymentStartsConfirmed(t *testing.T) {
	f := newFixture(t)
	in := checkout(uuid.New(), item(f.product(1), 1, "10"))
	in.PaymentMethod = models.PaymentCard
	in.PaymentIntentID = "pi_123"
	in.PaymentCaptured = true

	o := f.create(in)
	assert.Equal(t, models.OrderConfirmed, o.Status)
	assert.Equal(t, models.LedgerPending, f.entry(o.ID).Status)
}

func TestCreateOrderInsufficientStockReservesNothing(t *testing.T) {
	f := newFixture(t)
	plenty, scarce := f.product(10), f.product(1)
	user := uuid.New()

	_, err := f.orch.CreateOrder(f.ctx, checkout(user, item(plenty, 3, "1"), item(scarce, 2, "1")))
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, "insufficient_stock", apperr.Code(err))

	assert.Equal(t, 10, f.stock(plenty))
	assert.Equal(t, 1, f.stock(scarce))

	orders, err := f.orch.ListOrdersForUser(f.ctx, user, Page{})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, f.notifications(user))
	assert.Empty(t, f.store.Outbox())
}

func TestCreateOrderUnknownProductIsInsufficientStock(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreateOrder(f.ctx, checkout(uuid.New(), item(uuid.New(), 1, "1")))
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	p := f.product(100)

	tests := []struct {
		name   string
		mutate func(*CreateOrderInput)
		field  string
	}{
		{"no items", func(in *CreateOrderInput) { in.Items = nil }, "items"},
		{"zero quantity", func(in *CreateOrderInput) { in.Items[0].Quantity = 0 }, "items[0].quantity"},
		{"unknown payment method", func(in *CreateOrderInput) { in.PaymentMethod = "cash" }, "payment_method"},
		{"missing email", func(in *CreateOrderInput) { in.ShippingAddress.Email = "" }, "shipping_address.email"},
		{"negative tax", func(in *CreateOrderInput) {
			in.Tax = decimal.NewFromInt(-1)
			in.Total = in.Subtotal.Add(in.Shipping).Add(in.Tax)
		}, "tax"},
		{"total mismatch", func(in *CreateOrderInput) { in.Total = in.Total.Add(decimal.NewFromInt(1)) }, "total"},
		{"subtotal mismatch", func(in *CreateOrderInput) {
			in.Subtotal = in.Subtotal.Add(decimal.NewFromInt(1))
			in.Total = in.Subtotal.Add(in.Shipping).Add(in.Tax)
		}, "subtotal"},
		{"missing user", func(in *CreateOrderInput) { in.UserID = uuid.Nil }, "user_id"},
		{"sub-cent price", func(in *CreateOrderInput) {
			in.Items[0].Price = decimal.RequireFromString("10.005")
			in.Subtotal = in.Items[0].Price
			in.Total = in.Subtotal.Add(in.Shipping).Add(in.Tax)
		}, "items[0].price"},
		{"sub-cent tax", func(in *CreateOrderInput) {
			in.Tax = decimal.RequireFromString("1.251")
			in.Total = in.Subtotal.Add(in.Shipping).Add(in.Tax)
		}, "tax"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := checkout(uuid.New(), item(p, 1, "10"))
			tt.mutate(&in)

			_, err := f.orch.CreateOrder(f.ctx, in)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			require.NotEmpty(t, ve.Fields)
			assert.Equal(t, tt.field, ve.Fields[0].Field)
		})
	}
	assert.Equal(t, 100, f.stock(p))
}

func TestCreateOrderAcceptsTrailingZeroes(t *testing.T) {
	f := newFixture(t)
	in := checkout(uuid.New(), item(f.product(1), 1, "10.5000"))
	o := f.create(in)
	assert.Equal(t, "16.75", o.Total.StringFixed(2))
}

func TestRefundRejectsSubCentAmount(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "10")))
	_, err := f.orch.CancelOrder(f.ctx, models.Actor{UserID: user, Role: models.RoleCustomer}, CancelOrderInput{OrderID: o.ID})
	require.NoError(t, err)

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: decimal.RequireFromString("0.001")})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "amount", ve.Fields[0].Field)
	assert.Equal(t, models.LedgerCancelled, f.entry(o.ID).Status)
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	p := f.product(5)
	user := uuid.New()
	in := checkout(user, item(p, 2, "4"))
	in.IdempotencyKey = "checkout-7f3a"

	first := f.create(in)
	second := f.create(in)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.OrderNumber, second.OrderNumber)
	assert.Equal(t, 3, f.stock(p))
	assert.Len(t, f.notifications(user), 1)

	other := checkout(uuid.New(), item(p, 1, "4"))
	other.IdempotencyKey = in.IdempotencyKey
	third := f.create(other)
	assert.NotEqual(t, first.ID, third.ID, "keys are scoped per user")
}

func TestCreateOrderRetriesOrderNumberCollision(t *testing.T) {
	s := memstore.New()
	var calls atomic.Int32
	numbers := []string{"ORD-1-1", "ORD-1-1", "ORD-1-2"}
	orch := New(s, Options{
		RetryInterval: time.Millisecond,
		OrderNumber: func(time.Time) string {
			return numbers[int(calls.Add(1))-1]
		},
	})
	ctx := context.Background()
	p := uuid.New()
	require.NoError(t, s.SetStock(ctx, p, 2))

	first, err := orch.CreateOrder(ctx, checkout(uuid.New(), item(p, 1, "3")))
	require.NoError(t, err)
	second, err := orch.CreateOrder(ctx, checkout(uuid.New(), item(p, 1, "3")))
	require.NoError(t, err)

	assert.Equal(t, "ORD-1-1", first.OrderNumber)
	assert.Equal(t, "ORD-1-2", second.OrderNumber)
	assert.EqualValues(t, 3, calls.Load())

	left, err := s.GetStock(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, left, "the failed attempt left no reservation behind")
}

func TestLastUnitsScenario(t *testing.T) {
	f := newFixture(t)
	p := f.product(2)

	f.create(checkout(uuid.New(), item(p, 2, "8")))
	assert.Equal(t, 0, f.stock(p))

	_, err := f.orch.CreateOrder(f.ctx, checkout(uuid.New(), item(p, 1, "8")))
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 0, f.stock(p))
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newFixture(t)
	p := f.product(3)

	const buyers = 12
	var wg sync.WaitGroup
	var won, lost atomic.Int32
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.CreateOrder(f.ctx, checkout(uuid.New(), item(p, 1, "2")))
			switch {
			case err == nil:
				won.Add(1)
			case apperr.Code(err) == "insufficient_stock":
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 3, won.Load())
	assert.EqualValues(t, buyers-3, lost.Load())
	assert.Equal(t, 0, f.stock(p))
	f.checkLedger()
}

func TestLifecycleToDelivered(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(4), 1, "30"), item(f.product(4), 2, "7.5")))

	o = f.advance(o.ID, models.OrderConfirmed, models.OrderProcessing, models.OrderShipped, models.OrderDelivered)
	assert.Equal(t, models.OrderDelivered, o.Status)

	e := f.entry(o.ID)
	assert.Equal(t, models.LedgerCompleted, e.Status)
	n, err := f.store.LedgerEntryCount(f.ctx, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	f.checkLedger()

	ns := f.notifications(user)
	reminders := 0
	for _, x := range ns {
		if x.Type == models.NotificationReviewReminder {
			reminders++
		}
	}
	assert.Equal(t, len(o.Items), reminders)
	assert.Equal(t, 1, countTitle(ns, "Order Shipped"))
	assert.Equal(t, 1, countTitle(ns, "Order Delivered!"))
	assert.Equal(t, 2, countTitle(ns, "Order Status Updated"))

	_, err = f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: o.ID, Status: models.OrderCancelled})
	assert.ErrorIs(t, err, apperr.ErrTerminalState)
	assert.Equal(t, "terminal_state_violation", apperr.Code(err))
}

func TestUpdateStatusToCurrentIsNoop(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "12")))
	f.advance(o.ID, models.OrderConfirmed)

	notes := len(f.notifications(user))
	outbox := len(f.store.Outbox())

	again := f.advance(o.ID, models.OrderConfirmed)
	assert.Equal(t, models.OrderConfirmed, again.Status)
	assert.Len(t, f.notifications(user), notes)
	assert.Len(t, f.store.Outbox(), outbox)

	n, err := f.store.LedgerEntryCount(f.ctx, o.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestUpdateStatusConcurrentSameTarget(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "12")))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: o.ID, Status: models.OrderConfirmed})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, countTitle(f.notifications(user), "Order Status Updated"))
	f.checkLedger()
}

func TestCancelRacesStatusUpdate(t *testing.T) {
	f := newFixture(t)
	for round := 0; round < 20; round++ {
		user := uuid.New()
		p := f.product(3)
		in := checkout(user, item(p, 2, "7"))
		in.PaymentCaptured = true
		o := f.create(in)

		var wg sync.WaitGroup
		var cancelErr, updateErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = f.orch.CancelOrder(f.ctx, models.Actor{UserID: user, Role: models.RoleCustomer}, CancelOrderInput{OrderID: o.ID})
		}()
		go func() {
			defer wg.Done()
			_, updateErr = f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: o.ID, Status: models.OrderProcessing})
		}()
		wg.Wait()

		require.True(t, (cancelErr == nil) != (updateErr == nil), "cancel: %v, update: %v", cancelErr, updateErr)
		if cancelErr == nil {
			assert.ErrorIs(t, updateErr, apperr.ErrTerminalState)
			assert.Equal(t, 3, f.stock(p))
			assert.Equal(t, models.LedgerCancelled, f.entry(o.ID).Status)
		} else {
			assert.ErrorIs(t, cancelErr, apperr.ErrCancellationNotAllowed)
			assert.Equal(t, 1, f.stock(p))
			assert.Equal(t, models.LedgerPending, f.entry(o.ID).Status)
		}
		f.checkLedger()
	}
}

func TestConcurrentRefundsCreditOnce(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "30")))
	_, err := f.orch.CancelOrder(f.ctx, admin, CancelOrderInput{OrderID: o.ID})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: o.Total})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrNotRefundable)
	}
	assert.Equal(t, 1, ok)

	w, err := f.orch.GetUserWallet(f.ctx, user)
	require.NoError(t, err)
	require.Len(t, w.Transactions, 1)
	assert.Equal(t, models.WalletRefund, w.Transactions[0].Type)
	assert.True(t, w.Balance.Equal(o.Total))
}

func TestUpdateStatusRejections(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "12")))

	_, err := f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: o.ID, Status: models.OrderShipped})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: o.ID, Status: "lost"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.orch.UpdateOrderStatus(f.ctx, models.Actor{UserID: user, Role: models.RoleCustomer}, UpdateStatusInput{OrderID: o.ID, Status: models.OrderConfirmed})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: uuid.New(), Status: models.OrderConfirmed})
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	got, err := f.orch.GetOrder(f.ctx, admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)
}

func TestCancelPendingRestoresStockOnce(t *testing.T) {
	f := newFixture(t)
	p := f.product(4)
	user := uuid.New()
	customer := models.Actor{UserID: user, Role: models.RoleCustomer}
	o := f.create(checkout(user, item(p, 3, "6")))
	require.Equal(t, 1, f.stock(p))

	first, err := f.orch.CancelOrder(f.ctx, customer, CancelOrderInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, first.Status)
	assert.Equal(t, 4, f.stock(p))

	second, err := f.orch.CancelOrder(f.ctx, customer, CancelOrderInput{OrderID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, second.Status)
	assert.Equal(t, 4, f.stock(p), "second cancel releases nothing")

	ns := f.notifications(user)
	assert.Equal(t, 1, countTitle(ns, "Order Cancelled"))

	adminFeed, err := f.orch.ListAllNotifications(f.ctx, admin, true)
	require.NoError(t, err)
	assert.Equal(t, 1, countTitle(adminFeed, "Refund Request"))

	assert.Equal(t, models.LedgerCancelled, f.entry(o.ID).Status)
	f.checkLedger()
}

func TestCancelNotAllowedOnceProcessing(t *testing.T) {
	f := newFixture(t)
	p := f.product(1)
	o := f.create(checkout(uuid.New(), item(p, 1, "6")))
	f.advance(o.ID, models.OrderConfirmed, models.OrderProcessing)

	_, err := f.orch.CancelOrder(f.ctx, admin, CancelOrderInput{OrderID: o.ID})
	assert.ErrorIs(t, err, apperr.ErrCancellationNotAllowed)
	assert.Equal(t, 0, f.stock(p))
}

func TestCancelOtherUsersOrderIsNotFound(t *testing.T) {
	f := newFixture(t)
	o := f.create(checkout(uuid.New(), item(f.product(1), 1, "6")))
	stranger := models.Actor{UserID: uuid.New(), Role: models.RoleCustomer}

	_, err := f.orch.CancelOrder(f.ctx, stranger, CancelOrderInput{OrderID: o.ID})
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)

	_, err = f.orch.GetOrder(f.ctx, stranger, o.ID)
	assert.ErrorIs(t, err, apperr.ErrOrderNotFound)
}

func TestRefundAfterCancellation(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(2), 2, "20")))
	f.advance(o.ID, models.OrderConfirmed)
	_, err := f.orch.CancelOrder(f.ctx, models.Actor{UserID: user, Role: models.RoleCustomer}, CancelOrderInput{OrderID: o.ID})
	require.NoError(t, err)

	res, err := f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: o.Total, OrderNumber: o.OrderNumber})
	require.NoError(t, err)
	assert.Equal(t, user, res.Entry.UserID)
	assert.Equal(t, models.LedgerRefunded, res.Entry.Status)
	assert.Equal(t, models.WalletRefund, res.Transaction.Type)

	w, err := f.orch.GetUserWallet(f.ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(o.Total), "balance %s", w.Balance)
	require.Len(t, w.Transactions, 1)
	assert.True(t, w.Balance.Equal(models.RecomputeBalance(w.Transactions)))

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: o.Total})
	assert.ErrorIs(t, err, apperr.ErrNotRefundable)

	w, err = f.orch.GetUserWallet(f.ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(o.Total))

	snap, err := f.orch.GetAdminLedgerSnapshot(f.ctx, admin, models.LedgerQuery{})
	require.NoError(t, err)
	assert.True(t, snap.RefundedAmount.Equal(o.Total))
	assert.Equal(t, 1, countTitle(f.notifications(user), "Refund Processed"))
	f.checkLedger()
}

func TestRefundRejectedUnlessCancelled(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	pending := f.create(checkout(user, item(f.product(1), 1, "9")))
	delivered := f.create(checkout(user, item(f.product(1), 1, "9")))
	f.advance(delivered.ID, models.OrderConfirmed, models.OrderProcessing, models.OrderShipped, models.OrderDelivered)

	before, err := f.store.LedgerSnapshot(f.ctx, models.LedgerQuery{})
	require.NoError(t, err)

	for _, o := range []*models.Order{pending, delivered} {
		_, err := f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: decimal.NewFromInt(1)})
		assert.ErrorIs(t, err, apperr.ErrNotRefundable)
	}

	after, err := f.store.LedgerSnapshot(f.ctx, models.LedgerQuery{})
	require.NoError(t, err)
	assert.True(t, before.TotalRevenue.Equal(after.TotalRevenue))
	assert.True(t, before.CompletedAmount.Equal(after.CompletedAmount))
	assert.True(t, before.PendingAmount.Equal(after.PendingAmount))

	w, err := f.orch.GetUserWallet(f.ctx, user)
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
	assert.Empty(t, w.Transactions)
}

func TestRefundPreconditions(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "9")))
	_, err := f.orch.CancelOrder(f.ctx, admin, CancelOrderInput{OrderID: o.ID})
	require.NoError(t, err)

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: uuid.New(), Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, apperr.ErrLedgerEntryNotFound)

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: o.Total.Add(decimal.NewFromInt(1))})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: decimal.Zero})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: o.Total, OrderNumber: "ORD-0-0"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.orch.ProcessRefund(f.ctx, models.Actor{UserID: user, Role: models.RoleCustomer}, RefundRequest{OrderID: o.ID, Amount: o.Total})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	assert.Equal(t, models.LedgerCancelled, f.entry(o.ID).Status, "failed refunds leave the entry refundable")

	_, err = f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: decimal.RequireFromString("2.5")})
	require.NoError(t, err)
	w, err := f.orch.GetUserWallet(f.ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "2.5", w.Balance.String())
}

// conflictingStore fails the first n transactions with a storage conflict.
type conflictingStore struct {
	store.Store
	remaining atomic.Int32
}

func (s *conflictingStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.remaining.Add(-1) >= 0 {
		return fmt.Errorf("commit: %w", store.ErrConflict)
	}
	return s.Store.WithinTx(ctx, fn)
}

func TestStorageConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	s := &conflictingStore{Store: mem}
	s.remaining.Store(2)
	orch := New(s, Options{RetryInterval: time.Millisecond, ConflictRetries: 3})
	p := uuid.New()
	require.NoError(t, mem.SetStock(ctx, p, 1))

	o, err := orch.CreateOrder(ctx, checkout(uuid.New(), item(p, 1, "1")))
	require.NoError(t, err)
	assert.NotNil(t, o)

	left, err := mem.GetStock(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}

func TestStorageConflictExhausted(t *testing.T) {
	ctx := context.Background()
	mem := memstore.New()
	s := &conflictingStore{Store: mem}
	s.remaining.Store(100)
	orch := New(s, Options{RetryInterval: time.Millisecond, ConflictRetries: 2})
	p := uuid.New()
	require.NoError(t, mem.SetStock(ctx, p, 1))

	_, err := orch.CreateOrder(ctx, checkout(uuid.New(), item(p, 1, "1")))
	require.ErrorIs(t, err, apperr.ErrStorageConflict)
	assert.False(t, apperr.IsDomain(err))
	assert.EqualValues(t, 100-3, s.remaining.Load(), "one attempt plus two retries")
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	a := f.create(checkout(user, item(f.product(1), 1, "10")))
	b := f.create(checkout(user, item(f.product(1), 1, "20")))
	f.create(checkout(user, item(f.product(1), 1, "30")))
	f.create(checkout(user, item(f.product(1), 1, "40")))
	f.advance(a.ID, models.OrderConfirmed, models.OrderProcessing, models.OrderShipped, models.OrderDelivered)
	_, err := f.orch.CancelOrder(f.ctx, admin, CancelOrderInput{OrderID: b.ID})
	require.NoError(t, err)

	stats, err := f.orch.DashboardStats(f.ctx, admin)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.TotalOrders)
	assert.EqualValues(t, 2, stats.PendingOrders)
	assert.EqualValues(t, 1, stats.DeliveredOrders)
	assert.InDelta(t, 25.0, stats.SuccessRate, 0.001)
	assert.Equal(t, "16.25", stats.CompletedAmount.String())
	assert.True(t, stats.TotalRevenue.Equal(stats.CompletedAmount.Add(stats.PendingAmount)))

	_, err = f.orch.DashboardStats(f.ctx, models.Actor{UserID: user, Role: models.RoleCustomer})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestLedgerSnapshotRange(t *testing.T) {
	f := newFixture(t)
	f.create(checkout(uuid.New(), item(f.product(1), 1, "10")))

	future := time.Now().Add(48 * time.Hour)
	snap, err := f.orch.GetAdminLedgerSnapshot(f.ctx, admin, models.LedgerQuery{From: future})
	require.NoError(t, err)
	assert.True(t, snap.TotalRevenue.IsZero())
	assert.Empty(t, snap.Entries)

	_, err = f.orch.GetAdminLedgerSnapshot(f.ctx, admin, models.LedgerQuery{From: future, To: time.Now()})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLedgerSnapshotRangeCoversWholeDays(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	orch := New(s, Options{Now: func() time.Time { return at }, RetryInterval: time.Millisecond})
	p := uuid.New()
	require.NoError(t, orch.SetStock(ctx, admin, SetStockInput{ProductID: p, Available: 1}))
	_, err := orch.CreateOrder(ctx, checkout(uuid.New(), item(p, 1, "10")))
	require.NoError(t, err)

	windows := []models.LedgerQuery{
		{From: at.Add(5 * time.Hour)},
		{To: at.Add(-time.Hour)},
		{From: at.Add(time.Minute), To: at.Add(2 * time.Minute)},
	}
	for _, q := range windows {
		snap, err := orch.GetAdminLedgerSnapshot(ctx, admin, q)
		require.NoError(t, err)
		assert.EqualValues(t, 1, snap.EntryCount)
		assert.Len(t, snap.Entries, int(snap.EntryCount), "entries listed must match the totals")
	}

	snap, err := orch.GetAdminLedgerSnapshot(ctx, admin, models.LedgerQuery{From: at.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, snap.EntryCount)
	assert.Empty(t, snap.Entries)
}

func TestRebuildLedger(t *testing.T) {
	f := newFixture(t)
	f.create(checkout(uuid.New(), item(f.product(1), 1, "10")))

	n, err := f.orch.RebuildLedger(f.ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.checkLedger()
}

func TestSendNotificationToOrderOwner(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	o := f.create(checkout(user, item(f.product(1), 1, "10")))

	n, err := f.orch.SendNotification(f.ctx, admin, SendNotificationInput{OrderID: &o.ID, Title: "Heads up", Message: "Your parcel is delayed."})
	require.NoError(t, err)
	assert.Equal(t, user, n.UserID)
	assert.Equal(t, models.NotificationGeneral, n.Type)

	_, err = f.orch.SendNotification(f.ctx, admin, SendNotificationInput{Title: "x", Message: "y"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	ns, err := f.orch.ListNotifications(f.ctx, user)
	require.NoError(t, err)
	require.Len(t, ns, 2)

	require.NoError(t, f.orch.MarkNotificationRead(f.ctx, user, n.ID))
	marked, err := f.orch.MarkAllNotificationsRead(f.ctx, user)
	require.NoError(t, err)
	assert.EqualValues(t, 1, marked)

	require.NoError(t, f.orch.DeleteNotification(f.ctx, user, n.ID))
	assert.ErrorIs(t, f.orch.DeleteNotification(f.ctx, user, n.ID), apperr.ErrNotFound)
}
