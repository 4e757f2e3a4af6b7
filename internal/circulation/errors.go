// internal/circulation/errors.go
package circulation

import (
	"errors"

	"libracirc/internal/eventlog"
	"libracirc/internal/fines"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrLoanNotFound         = errors.New("loan not found")
	ErrMemberIneligible     = errors.New("member ineligible")
	ErrItemUnavailable      = errors.New("item unavailable")
	ErrDuplicateActiveLoan  = errors.New("duplicate active loan")
	ErrInvalidDueDate       = errors.New("invalid due date")
	ErrAlreadyReturned      = errors.New("already returned")
	ErrInvalidReturnDate    = errors.New("invalid return date")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidAmount        = fines.ErrInvalidAmount
	ErrNoOutstandingBalance = fines.ErrNoOutstandingBalance
	ErrAmountExceedsBalance = fines.ErrAmountExceedsBalance
	ErrConcurrencyConflict  = eventlog.ErrConcurrencyConflict
	ErrTransient            = errors.New("transient failure, try again")
)

// RejectionError is an expected, user-facing refusal of an operation.
// It unwraps to the sentinel identifying its kind.
type RejectionError struct {
	Kind   error
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }
func (e *RejectionError) Unwrap() error { return e.Kind }

func reject(kind error, reason string) error {
	return &RejectionError{Kind: kind, Reason: reason}
}

// IsRejection reports whether err is a validation outcome rather than a failure.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

var kindCodes = []struct {
	err  error
	code string
}{
	{ErrMemberIneligible, "member_ineligible"},
	{ErrItemUnavailable, "item_unavailable"},
	{ErrDuplicateActiveLoan, "duplicate_active_loan"},
	{ErrInvalidDueDate, "invalid_due_date"},
	{ErrAlreadyReturned, "already_returned"},
	{ErrInvalidReturnDate, "invalid_return_date"},
	{ErrInvalidPaymentMethod, "invalid_payment_method"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrNoOutstandingBalance, "no_outstanding_balance"},
	{ErrAmountExceedsBalance, "amount_exceeds_balance"},
	{ErrNotFound, "not_found"},
	{ErrTransient, "transient"},
	{ErrConcurrencyConflict, "concurrency_conflict"},
}

// KindOf returns a stable code for err, or "internal".
func KindOf(err error) string {
	for _, k := range kindCodes {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}
