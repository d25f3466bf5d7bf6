// Package apperr defines the error taxonomy surfaced by lifecycle commands.
//
// Domain-rule violations are returned verbatim and never retried. Only
// ErrStorageConflict is transient.
package apperr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrTerminalState          = errors.New("order is in a terminal state")
	ErrCancellationNotAllowed = errors.New("order cannot be cancelled at this stage")
	ErrNotRefundable          = errors.New("order is not refundable")
	ErrLedgerEntryNotFound    = errors.New("ledger entry not found")
	ErrNotEligible            = errors.New("not eligible to review")
	ErrDuplicateReview        = errors.New("review already submitted")
	ErrStorageConflict        = errors.New("storage conflict")
	ErrOrderNotFound          = errors.New("order not found")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
)

// FieldError is one failed input rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries user-correctable input problems.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a single-field ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// InsufficientStockError names the first product that could not be reserved.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (requested %d)", e.ProductID, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// TransitionError reports a rejected status change. It unwraps to
// ErrInvalidTransition or ErrTerminalState.
type TransitionError struct {
	From, To string
	Terminal bool
}

func (e *TransitionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("order is %s and accepts no further transitions (requested %s)", e.From, e.To)
	}
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	if e.Terminal {
		return ErrTerminalState
	}
	return ErrInvalidTransition
}

var codes = []struct {
	err  error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrInsufficientStock, "insufficient_stock"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrTerminalState, "terminal_state_violation"},
	{ErrCancellationNotAllowed, "cancellation_not_allowed"},
	{ErrNotRefundable, "not_refundable"},
	{ErrLedgerEntryNotFound, "ledger_entry_not_found"},
	{ErrNotEligible, "not_eligible"},
	{ErrDuplicateReview, "duplicate_review"},
	{ErrStorageConflict, "storage_conflict"},
	{ErrOrderNotFound, "order_not_found"},
	{ErrNotFound, "not_found"},
	{ErrForbidden, "forbidden"},
}

// Code maps an error to its stable wire code. Unknown errors map to "internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// IsDomain reports whether err is a rule violation that must not be retried.
func IsDomain(err error) bool {
	switch Code(err) {
	case "", "internal", "storage_conflict":
		return false
	}
	return true
}
