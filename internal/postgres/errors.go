package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"storefront/internal/store"
)

// SQLSTATE codes mapped onto store errors.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

const orderNumberIndex = "idx_orders_order_number"

// mapErr translates driver errors into store errors. Anything it does not
// recognise, including domain errors returned from transaction callbacks,
// passes through unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		if pgErr.ConstraintName == orderNumberIndex {
			return fmt.Errorf("%w: %s", store.ErrOrderNumberTaken, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	}
	return err
}
