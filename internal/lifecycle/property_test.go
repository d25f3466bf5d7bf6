package lifecycle

import (
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/internal/apperr"
	"storefront/models"
)

// TestRandomCommandSequences drives random command sequences and checks
// after every command that stock is conserved, each order has exactly one
// ledger entry, aggregates equal the sums over entries and wallet balances
// equal the refunds granted.
func TestRandomCommandSequences(t *testing.T) {
	for seed := uint64(1); seed <= 8; seed++ {
		t.Run("", func(t *testing.T) {
			runRandomSequence(t, seed, 150)
		})
	}
}

func runRandomSequence(t *testing.T, seed uint64, steps int) {
	rng := rand.New(rand.NewPCG(seed, seed*7919))
	f := newFixture(t)

	initial := map[uuid.UUID]int{}
	products := make([]uuid.UUID, 4)
	for i := range products {
		n := 3 + rng.IntN(6)
		products[i] = f.product(n)
		initial[products[i]] = n
	}
	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var orders []*models.Order
	refunded := map[uuid.UUID]decimal.Decimal{}

	for step := 0; step < steps; step++ {
		switch op := rng.IntN(10); {
		case op < 4 || len(orders) == 0:
			user := users[rng.IntN(len(users))]
			var items []ItemInput
			for _, p := range products {
				if rng.IntN(3) == 0 {
					items = append(items, item(p, 1+rng.IntN(3), "2.5"))
				}
			}
			if len(items) == 0 {
				items = append(items, item(products[0], 1, "2.5"))
			}
			o, err := f.orch.CreateOrder(f.ctx, checkout(user, items...))
			if err != nil {
				require.ErrorIs(t, err, apperr.ErrInsufficientStock)
				break
			}
			orders = append(orders, o)

		case op < 7:
			o := orders[rng.IntN(len(orders))]
			target := models.OrderStatuses[rng.IntN(len(models.OrderStatuses))]
			_, err := f.orch.UpdateOrderStatus(f.ctx, admin, UpdateStatusInput{OrderID: o.ID, Status: target})
			if err != nil {
				require.True(t, apperr.IsDomain(err), "unexpected error: %v", err)
			}

		case op < 9:
			o := orders[rng.IntN(len(orders))]
			actor := models.Actor{UserID: o.UserID, Role: models.RoleCustomer}
			_, err := f.orch.CancelOrder(f.ctx, actor, CancelOrderInput{OrderID: o.ID})
			if err != nil {
				require.ErrorIs(t, err, apperr.ErrCancellationNotAllowed)
			}

		default:
			o := orders[rng.IntN(len(orders))]
			res, err := f.orch.ProcessRefund(f.ctx, admin, RefundRequest{OrderID: o.ID, Amount: o.Total})
			if err != nil {
				require.ErrorIs(t, err, apperr.ErrNotRefundable)
				break
			}
			refunded[res.Entry.UserID] = refunded[res.Entry.UserID].Add(o.Total)
		}

		f.checkLedger()
		checkStock(t, f, initial)
		checkWallets(t, f, users, refunded)
	}
}

func checkStock(t *testing.T, f *fixture, initial map[uuid.UUID]int) {
	t.Helper()
	held := map[uuid.UUID]int{}
	orders, err := f.store.ListOrders(f.ctx, models.OrderFilter{})
	require.NoError(t, err)
	for _, o := range orders {
		n, err := f.store.LedgerEntryCount(f.ctx, o.ID)
		require.NoError(t, err)
		require.EqualValues(t, 1, n, "order %s", o.OrderNumber)
		if o.Status == models.OrderCancelled {
			continue
		}
		for _, it := range o.Items {
			held[it.ProductID] += it.Quantity
		}
	}
	for p, start := range initial {
		left := f.stock(p)
		assert.GreaterOrEqual(t, left, 0)
		assert.Equal(t, start, left+held[p], "product %s", p)
	}
}

func checkWallets(t *testing.T, f *fixture, users []uuid.UUID, refunded map[uuid.UUID]decimal.Decimal) {
	t.Helper()
	for _, u := range users {
		w, err := f.orch.GetUserWallet(f.ctx, u)
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(refunded[u]), "user %s balance %s want %s", u, w.Balance, refunded[u])
		assert.True(t, w.Balance.Equal(models.RecomputeBalance(w.Transactions)))
	}
}
