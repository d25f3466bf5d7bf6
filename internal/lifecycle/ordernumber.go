package lifecycle

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// NewOrderNumber returns ORD-<unix millis>-<0..999>. The number is not unique
// by construction; the orders.order_number index rejects collisions and the
// create is retried with a fresh number.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%d-%d", now.UnixMilli(), rand.IntN(1000))
}
