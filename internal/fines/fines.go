// internal/fines/fines.go
package fines

import (
	"errors"
	"fmt"
	"time"

	"libracirc/internal/calendar"
	"libracirc/internal/money"
)

var (
	ErrInvalidAmount        = errors.New("invalid payment amount")
	ErrNoOutstandingBalance = errors.New("no outstanding balance")
	ErrAmountExceedsBalance = errors.New("amount exceeds outstanding balance")
)

// PaymentError is a rejected payment. It unwraps to one of the sentinel errors above.
type PaymentError struct {
	Err    error
	Reason string
}

func (e *PaymentError) Error() string { return e.Reason }
func (e *PaymentError) Unwrap() error { return e.Err }

// Ledger is the monetary state of a single loan.
// FinePaid never exceeds FineAssessed.
type Ledger struct {
	FineAssessed money.Money `json:"fine_assessed" db:"fine_assessed"`
	FinePaid     money.Money `json:"fine_paid" db:"fine_paid"`
}

// Outstanding is FineAssessed - FinePaid.
func (l Ledger) Outstanding() money.Money {
	return l.FineAssessed.Sub(l.FinePaid)
}

// HasUnpaid reports whether any balance remains.
func (l Ledger) HasUnpaid() bool {
	return l.Outstanding().IsPositive()
}

// Accrue returns the fine owed for the whole days between dueDate and asOf at
// rate per day, or zero when asOf is not past dueDate.
func Accrue(dueDate, asOf time.Time, rate money.Money) money.Money {
	days := calendar.DaysBetween(dueDate, asOf)
	if days <= 0 {
		return money.Zero
	}
	return rate.Mul(int64(days))
}

// Reassess replaces the assessed fine. It is floored at FinePaid so a
// recomputation can never leave the ledger overpaid.
func (l *Ledger) Reassess(amount money.Money) {
	l.FineAssessed = money.Max(amount, l.FinePaid)
}

// RecordPayment applies amount against the outstanding balance and returns
// the new balance. On rejection the ledger is unchanged.
func (l *Ledger) RecordPayment(amount money.Money) (money.Money, error) {
	if !amount.IsPositive() {
		return l.Outstanding(), &PaymentError{Err: ErrInvalidAmount, Reason: "amount must be greater than zero"}
	}
	balance := l.Outstanding()
	if !balance.IsPositive() {
		return balance, &PaymentError{Err: ErrNoOutstandingBalance, Reason: "loan has no outstanding fines"}
	}
	if amount.GreaterThan(balance) {
		return balance, &PaymentError{
			Err:    ErrAmountExceedsBalance,
			Reason: fmt.Sprintf("amount cannot exceed outstanding balance of %s", balance),
		}
	}
	l.FinePaid = l.FinePaid.Add(amount)
	return l.Outstanding(), nil
}
