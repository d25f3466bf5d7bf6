// Package lifecycle sequences order lifecycle commands.
//
// Each command runs in one storage transaction that locks the order row
// first, then the ledger bucket and entry, then the wallet. Inventory,
// order state, ledger, wallet and the notification outbox commit together
// or not at all. Transient storage conflicts retry the whole transaction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"storefront/internal/apperr"
	"storefront/internal/ledger"
	"storefront/internal/metrics"
	"storefront/internal/notify"
	"storefront/internal/store"
	"storefront/internal/wallet"
	"storefront/pkg/logger"
)

const (
	defaultConflictRetries  = 5
	defaultLedgerEntryLimit = 100
	maxNotificationsListed  = 50
)

type Options struct {
	Now func() time.Time
	// OrderNumber generates candidate order numbers. Defaults to
	// NewOrderNumber.
	OrderNumber      func(time.Time) string
	ConflictRetries  int
	LedgerEntryLimit int
	// RetryInterval is the first backoff delay after a conflict.
	RetryInterval time.Duration
}

type Orchestrator struct {
	store     store.Store
	projector *ledger.Projector
	wallets   *wallet.Ledger
	notifier  *notify.Emitter

	now         func() time.Time
	orderNumber func(time.Time) string
	retries     int
	entryLimit  int
	retryWait   time.Duration
	log         zerolog.Logger
}

func New(s store.Store, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.OrderNumber == nil {
		opts.OrderNumber = NewOrderNumber
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	if opts.LedgerEntryLimit <= 0 {
		opts.LedgerEntryLimit = defaultLedgerEntryLimit
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 20 * time.Millisecond
	}
	return &Orchestrator{
		store:       s,
		projector:   ledger.NewProjector(opts.Now),
		wallets:     wallet.New(opts.Now),
		notifier:    notify.NewEmitter(opts.Now),
		now:         opts.Now,
		orderNumber: opts.OrderNumber,
		retries:     opts.ConflictRetries,
		entryLimit:  opts.LedgerEntryLimit,
		retryWait:   opts.RetryInterval,
		log:         logger.With("lifecycle"),
	}
}

// retryable reports whether a failed transaction may be run again from the
// start. Order number collisions and idempotency key races are retried: the
// next attempt draws a new number or finds the winning order.
func retryable(err error) bool {
	return errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrOrderNumberTaken) ||
		errors.Is(err, store.ErrDuplicate)
}

// run executes fn in a transaction, retrying transient failures with
// exponential backoff. Exhausted conflicts surface as ErrStorageConflict.
func (o *Orchestrator) run(ctx context.Context, command string, fn func(tx store.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryWait
	b.MaxInterval = 50 * o.retryWait
	b.MaxElapsedTime = 0

	op := func() error {
		err := o.store.WithinTx(ctx, fn)
		if err == nil || (retryable(err) && !apperr.IsDomain(err)) {
			return err
		}
		return backoff.Permanent(err)
	}
	notifyRetry := func(err error, wait time.Duration) {
		metrics.RecordConflictRetry(command)
		o.log.Debug().Err(err).Str("command", command).Dur("wait", wait).Msg("retrying transaction")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.retries)), ctx), notifyRetry)
	if err != nil && retryable(err) && !apperr.IsDomain(err) {
		return fmt.Errorf("%s: %w: %v", command, apperr.ErrStorageConflict, err)
	}
	return err
}

// observe records the outcome of a command. Domain rule violations are
// logged at info; everything else that fails at error.
func (o *Orchestrator) observe(command string, start time.Time, errp *error) {
	err := *errp
	code := apperr.Code(err)
	metrics.RecordCommand(command, code, time.Since(start))
	switch {
	case err == nil:
	case apperr.IsDomain(err):
		o.log.Info().Str("command", command).Str("code", code).Msg(err.Error())
	default:
		o.log.Error().Err(err).Str("command", command).Msg("command failed")
	}
}
