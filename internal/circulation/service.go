// internal/circulation/service.go
package circulation

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/eventlog"
	"libracirc/internal/inventory"
)

// Service defines the interface for the circulation service.
type Service interface {
	IssueLoan(ctx context.Context, req IssueRequest) (Loan, error)
	ReturnLoan(ctx context.Context, req ReturnRequest) (Loan, error)
	RecordPayment(ctx context.Context, req PaymentRequest) (Receipt, error)
	// ListOverdue yields open loans past due on asOf. The query runs each
	// time the sequence is ranged over.
	ListOverdue(ctx context.Context, asOf time.Time) iter.Seq2[Loan, error]
	// AccrueOverdue raises the fine of every open overdue loan to its value on asOf.
	AccrueOverdue(ctx context.Context, asOf time.Time) (AccrualReport, error)

	GetLoan(ctx context.Context, id uuid.UUID) (Loan, error)
	LoanEvents(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error)
	Availability(ctx context.Context, itemID uuid.UUID) (inventory.Availability, error)
	Eligibility(ctx context.Context, memberID uuid.UUID, asOf time.Time) (EligibilityReport, error)
	MemberFines(ctx context.Context, memberID uuid.UUID) (MemberFines, error)
	MemberHistory(ctx context.Context, memberID uuid.UUID, asOf time.Time) (MemberHistory, error)
	ItemHistory(ctx context.Context, itemID uuid.UUID) (ItemHistory, error)
}
