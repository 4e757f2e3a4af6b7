// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"

	"libracirc/internal/calendar"
	"libracirc/internal/eligibility"
	"libracirc/internal/fines"
	"libracirc/internal/money"
)

// State is where a loan is in its lifecycle.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// Loan represents a copy of an item lent to a member.
type Loan struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	ItemID     uuid.UUID  `json:"item_id" db:"item_id"`
	MemberID   uuid.UUID  `json:"member_id" db:"member_id"`
	BorrowDate time.Time  `json:"borrow_date" db:"borrow_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
	State      State      `json:"state" db:"state"`
	fines.Ledger
	Notes   string `json:"notes,omitempty" db:"notes"`
	Version int    `json:"version" db:"version"`
}

// IsOpen reports whether the loan still counts against availability.
func (l Loan) IsOpen() bool {
	return l.State == StateOpen
}

// IsOverdue reports whether the loan is open and past its due date on asOf.
func (l Loan) IsOverdue(asOf time.Time) bool {
	return l.IsOpen() && calendar.DaysBetween(l.DueDate, asOf) > 0
}

// DaysOverdue counts days past due: up to asOf while open, up to the return date once closed.
func (l Loan) DaysOverdue(asOf time.Time) int {
	end := asOf
	if l.ReturnDate != nil {
		end = *l.ReturnDate
	}
	days := calendar.DaysBetween(l.DueDate, end)
	if days < 0 {
		return 0
	}
	return days
}

// Balance is the unpaid part of the fine.
func (l Loan) Balance() money.Money {
	return l.Outstanding()
}

// PaymentMethod is how a fine payment was tendered.
type PaymentMethod string

const (
	PaymentCash  PaymentMethod = "cash"
	PaymentCard  PaymentMethod = "card"
	PaymentCheck PaymentMethod = "check"
	PaymentOther PaymentMethod = "other"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentCheck, PaymentOther:
		return true
	}
	return false
}

// IssueRequest asks for a new loan. DueDate overrides the policy loan period.
type IssueRequest struct {
	ItemID   uuid.UUID
	MemberID uuid.UUID
	Today    time.Time
	DueDate  *time.Time
	Notes    string
}

// ReturnRequest closes a loan. ReturnDate defaults to Today.
type ReturnRequest struct {
	LoanID     uuid.UUID
	Today      time.Time
	ReturnDate *time.Time
	Notes      string
}

// PaymentRequest records a fine payment. Method defaults to cash.
type PaymentRequest struct {
	LoanID uuid.UUID
	Amount money.Money
	Method PaymentMethod
	Notes  string
}

// Receipt confirms a recorded payment.
type Receipt struct {
	LoanID         uuid.UUID     `json:"loan_id"`
	Amount         money.Money   `json:"amount"`
	PreviouslyPaid money.Money   `json:"previously_paid"`
	FineAssessed   money.Money   `json:"fine_assessed"`
	FinePaid       money.Money   `json:"fine_paid"`
	Balance        money.Money   `json:"balance"`
	Method         PaymentMethod `json:"method"`
	PaidAt         time.Time     `json:"paid_at"`
}

// AccrualReport summarizes an overdue scan.
type AccrualReport struct {
	AsOf    time.Time   `json:"as_of"`
	Scanned int         `json:"scanned"`
	Updated int         `json:"updated"`
	Total   money.Money `json:"total_assessed"`
}

// MemberFines lists a member's loans that carry a fine.
type MemberFines struct {
	MemberID         uuid.UUID   `json:"member_id"`
	Loans            []Loan      `json:"loans"`
	TotalAssessed    money.Money `json:"total_assessed"`
	TotalPaid        money.Money `json:"total_paid"`
	TotalOutstanding money.Money `json:"total_outstanding"`
}

// MemberHistory is a member's borrowing record, newest first.
type MemberHistory struct {
	MemberID          uuid.UUID `json:"member_id"`
	TotalBorrowed     int       `json:"total_borrowed"`
	CurrentlyBorrowed int       `json:"currently_borrowed"`
	Overdue           int       `json:"overdue"`
	Loans             []Loan    `json:"loans"`
}

// ItemHistory is an item's lending record, newest first.
type ItemHistory struct {
	ItemID          uuid.UUID `json:"item_id"`
	TimesBorrowed   int       `json:"times_borrowed"`
	CurrentlyOnLoan int       `json:"currently_on_loan"`
	Loans           []Loan    `json:"loans"`
}

// EligibilityReport explains whether a member may borrow on AsOf.
type EligibilityReport struct {
	MemberID         uuid.UUID   `json:"member_id"`
	AsOf             time.Time   `json:"as_of"`
	OpenLoans        int         `json:"open_loans"`
	HasOverdueLoans  bool        `json:"has_overdue_loans"`
	OutstandingFines money.Money `json:"outstanding_fines"`
	eligibility.Decision
}

// InvariantReport counts rows that break the loan invariants. All zero is healthy.
type InvariantReport struct {
	OverCommittedItems int `json:"over_committed_items"`
	OverpaidLoans      int `json:"overpaid_loans"`
	StateMismatches    int `json:"state_mismatches"`
	DuplicateOpenLoans int `json:"duplicate_open_loans"`
}

// Total is the number of violations of any kind.
func (r InvariantReport) Total() int {
	return r.OverCommittedItems + r.OverpaidLoans + r.StateMismatches + r.DuplicateOpenLoans
}

const aggregateType = "loan"

const (
	EventLoanIssued   = "LoanIssued"
	EventLoanReturned = "LoanReturned"
	EventFineAccrued  = "FineAccrued"
	EventFinePaid     = "FinePaid"
)

// LoanIssuedEvent is recorded when a loan is created.
type LoanIssuedEvent struct {
	LoanID     uuid.UUID `json:"loan_id"`
	ItemID     uuid.UUID `json:"item_id"`
	MemberID   uuid.UUID `json:"member_id"`
	BorrowDate string    `json:"borrow_date"`
	DueDate    string    `json:"due_date"`
}

// LoanReturnedEvent is recorded when a loan is closed.
type LoanReturnedEvent struct {
	LoanID       uuid.UUID   `json:"loan_id"`
	ReturnDate   string      `json:"return_date"`
	DaysOverdue  int         `json:"days_overdue"`
	FineAssessed money.Money `json:"fine_assessed"`
}

// FineAccruedEvent is recorded when an overdue scan raises a fine.
type FineAccruedEvent struct {
	LoanID       uuid.UUID   `json:"loan_id"`
	AsOf         string      `json:"as_of"`
	FineAssessed money.Money `json:"fine_assessed"`
}

// FinePaidEvent is recorded for every accepted payment.
type FinePaidEvent struct {
	LoanID  uuid.UUID     `json:"loan_id"`
	Amount  money.Money   `json:"amount"`
	Method  PaymentMethod `json:"method"`
	Balance money.Money   `json:"balance"`
	Notes   string        `json:"notes,omitempty"`
}
