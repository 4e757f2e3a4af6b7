// internal/circulation/repository.go
package circulation

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/catalog"
	"libracirc/internal/eventlog"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

// TxOptions configures a unit of work.
type TxOptions struct {
	ReadOnly bool
}

// Tx is the view of persistent state inside one atomic unit of work. Reads
// made through a writable Tx are isolated from concurrent writers until it
// commits, so checks and the mutations they guard cannot interleave.
type Tx interface {
	catalog.Reader
	membership.Reader

	GetLoan(ctx context.Context, id uuid.UUID) (Loan, error)
	CreateLoan(ctx context.Context, loan Loan) error
	// UpdateLoan persists loan if the stored version is loan.Version-1 and
	// fails with ErrConcurrencyConflict otherwise.
	UpdateLoan(ctx context.Context, loan Loan) error

	CountOpenLoansForItem(ctx context.Context, itemID uuid.UUID) (int, error)
	CountOpenLoansForMember(ctx context.Context, memberID uuid.UUID) (int, error)
	FindOpenLoan(ctx context.Context, itemID, memberID uuid.UUID) (Loan, bool, error)
	HasOverdueLoans(ctx context.Context, memberID uuid.UUID, asOf time.Time) (bool, error)
	SumOutstandingFinesForMember(ctx context.Context, memberID uuid.UUID) (money.Money, error)

	AppendEvents(ctx context.Context, loanID uuid.UUID, expectedVersion int, events []eventlog.Event) error
}

// LoanFilter narrows ListLoans. uuid.Nil leaves a field unset.
type LoanFilter struct {
	ItemID    uuid.UUID
	MemberID  uuid.UUID
	WithFines bool
}

// Store runs units of work and answers read-only queries.
type Store interface {
	// WithinTx runs fn in one transaction. fn's error rolls everything back.
	WithinTx(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx Tx) error) error
	// ListOpenLoansOverdueAsOf yields open loans due before asOf, oldest due first.
	ListOpenLoansOverdueAsOf(ctx context.Context, asOf time.Time) iter.Seq2[Loan, error]
	// ListLoans returns loans matching filter, newest borrow first.
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)
	LoanEvents(ctx context.Context, loanID uuid.UUID) ([]eventlog.Event, error)
}

// InvariantChecker audits stored loans.
type InvariantChecker interface {
	CheckInvariants(ctx context.Context) (InvariantReport, error)
}
