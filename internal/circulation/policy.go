// internal/circulation/policy.go
package circulation

import (
	"errors"

	"libracirc/internal/money"
)

// Policy holds the lending rules a service is constructed with.
type Policy struct {
	LoanPeriodDays       int         `json:"loan_period_days"`
	MaxActiveLoans       int         `json:"max_active_loans"`
	FineRatePerDay       money.Money `json:"fine_rate_per_day"`
	MaxDueDateWindowDays int         `json:"max_due_date_window_days"`
}

// DefaultPolicy is 14-day loans, five at a time, 1.00 per overdue day,
// explicit due dates up to 90 days out.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriodDays:       14,
		MaxActiveLoans:       5,
		FineRatePerDay:       money.MustParse("1.00"),
		MaxDueDateWindowDays: 90,
	}
}

// Validate rejects non-positive periods and limits and a negative fine rate.
func (p Policy) Validate() error {
	var errs []error
	if p.LoanPeriodDays <= 0 {
		errs = append(errs, errors.New("loan period must be positive"))
	}
	if p.MaxActiveLoans <= 0 {
		errs = append(errs, errors.New("max active loans must be positive"))
	}
	if p.FineRatePerDay.IsNegative() {
		errs = append(errs, errors.New("fine rate must not be negative"))
	}
	if p.MaxDueDateWindowDays <= 0 {
		errs = append(errs, errors.New("due date window must be positive"))
	}
	return errors.Join(errs...)
}
