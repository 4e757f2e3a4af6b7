// internal/circulation/lifecycle.go
package circulation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/calendar"
	"libracirc/internal/catalog"
	"libracirc/internal/eligibility"
	"libracirc/internal/fines"
	"libracirc/internal/inventory"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

// IssueFacts is what the store knows about an item and member at issue time.
// It must be read inside the same transaction that creates the loan.
type IssueFacts struct {
	Item              catalog.Item
	Member            membership.Member
	ItemOpenLoans     int
	MemberOpenLoans   int
	MemberHasOverdue  bool
	MemberOutstanding money.Money
	HasDuplicate      bool
}

// Issue validates a new loan against the eligibility gate, the inventory
// tracker and the duplicate rule, in that order, and builds it.
func Issue(facts IssueFacts, today time.Time, dueDate *time.Time, policy Policy) (Loan, error) {
	decision := eligibility.CanBorrow(eligibility.Input{
		Status:           facts.Member.Status,
		OpenLoans:        facts.MemberOpenLoans,
		HasOverdueLoans:  facts.MemberHasOverdue,
		OutstandingFines: facts.MemberOutstanding,
		MaxActiveLoans:   policy.MaxActiveLoans,
	})
	if !decision.Allowed {
		return Loan{}, reject(ErrMemberIneligible, decision.Reason)
	}

	if !inventory.IsAvailable(facts.Item, facts.ItemOpenLoans) {
		return Loan{}, reject(ErrItemUnavailable, "item is currently unavailable")
	}

	if facts.HasDuplicate {
		return Loan{}, reject(ErrDuplicateActiveLoan, "member already has an active loan for this item")
	}

	borrowDate := calendar.Day(today)
	due := calendar.AddDays(borrowDate, policy.LoanPeriodDays)
	if dueDate != nil {
		explicit := calendar.Day(*dueDate)
		if explicit.Before(borrowDate) {
			return Loan{}, reject(ErrInvalidDueDate, "due date cannot be before the borrow date")
		}
		if explicit.After(calendar.AddDays(borrowDate, policy.MaxDueDateWindowDays)) {
			return Loan{}, reject(ErrInvalidDueDate,
				fmt.Sprintf("due date cannot be more than %d days after the borrow date", policy.MaxDueDateWindowDays))
		}
		due = explicit
	}

	return Loan{
		ID:         uuid.New(),
		ItemID:     facts.Item.ID,
		MemberID:   facts.Member.ID,
		BorrowDate: borrowDate,
		DueDate:    due,
		State:      StateOpen,
		Ledger:     fines.Ledger{FineAssessed: money.Zero, FinePaid: money.Zero},
		Version:    1,
	}, nil
}

// Return closes loan as of returnDate (today when nil) and reassesses its fine
// from the return date. The return-date computation overwrites any fine accrued
// while open, floored at what has already been paid.
func Return(loan *Loan, today time.Time, returnDate *time.Time, rate money.Money) error {
	if !loan.IsOpen() {
		return reject(ErrAlreadyReturned, "loan has already been returned")
	}

	today = calendar.Day(today)
	effective := today
	if returnDate != nil {
		effective = calendar.Day(*returnDate)
	}
	if effective.Before(loan.BorrowDate) {
		return reject(ErrInvalidReturnDate, "return date cannot be before borrow date")
	}
	if effective.After(today) {
		return reject(ErrInvalidReturnDate, "return date cannot be in the future")
	}

	loan.ReturnDate = &effective
	loan.State = StateClosed

	if effective.After(loan.DueDate) {
		loan.Reassess(fines.Accrue(loan.DueDate, effective, rate))
	}
	return nil
}

// AccrueFine recomputes the fine of an open overdue loan as of today and
// reports whether it changed. Closed loans keep their return-time fine. The
// assessed fine of an open loan never decreases.
func AccrueFine(loan *Loan, today time.Time, rate money.Money) bool {
	if !loan.IsOpen() || !loan.IsOverdue(today) {
		return false
	}
	accrued := money.Max(fines.Accrue(loan.DueDate, today, rate), loan.FineAssessed)
	if accrued.Equal(loan.FineAssessed) {
		return false
	}
	loan.Reassess(accrued)
	return true
}

// RecordPayment applies amount to the loan's fine and returns the new balance.
func RecordPayment(loan *Loan, amount money.Money) (money.Money, error) {
	balance, err := loan.Ledger.RecordPayment(amount)
	if err != nil {
		if pe, ok := err.(*fines.PaymentError); ok {
			return balance, reject(pe.Err, pe.Reason)
		}
		return balance, err
	}
	return balance, nil
}

func appendNote(notes, line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return notes
	}
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}
