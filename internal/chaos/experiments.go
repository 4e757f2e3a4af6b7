// internal/chaos/experiments.go
package chaos

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"libracirc/internal/calendar"
	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/membership"
)

// Seeder creates the items and members an experiment borrows against.
type Seeder interface {
	PutItem(ctx context.Context, item catalog.Item) error
	PutMember(ctx context.Context, member membership.Member) error
}

// ConflictInjector makes the next n write transactions fail as if they lost
// a concurrent update.
type ConflictInjector interface {
	InjectConflicts(n int)
}

// Target is the system the experiments run against.
type Target struct {
	Service     circulation.Service
	Invariants  circulation.InvariantChecker
	Seeder      Seeder
	Policy      circulation.Policy
	Concurrency int
}

func (t Target) concurrency() int {
	if t.Concurrency <= 0 {
		return 16
	}
	return t.Concurrency
}

// RegisterExperiments registers every experiment the target supports.
func (t Target) RegisterExperiments(e *Engine) {
	e.Register(t.ConcurrentIssueExperiment())
	e.Register(t.ConcurrentPaymentExperiment())
	if injector, ok := t.Seeder.(ConflictInjector); ok {
		e.Register(t.ConflictRetryExperiment(injector))
	}
}

// storeInvariants fails when the store audit finds any broken loan invariant.
func (t Target) storeInvariants() Probe {
	return Probe{
		Name: "store_invariants",
		Check: func(ctx context.Context) error {
			report, err := t.Invariants.CheckInvariants(ctx)
			if err != nil {
				return err
			}
			if report.Total() > 0 {
				return fmt.Errorf("%+v", report)
			}
			return nil
		},
	}
}

func (t Target) seedItem(ctx context.Context, title string, copies int) (catalog.Item, error) {
	item := catalog.Item{ID: uuid.New(), Title: title, TotalCopies: copies}
	return item, t.Seeder.PutItem(ctx, item)
}

func (t Target) seedMember(ctx context.Context, name string) (membership.Member, error) {
	member := membership.Member{ID: uuid.New(), Name: name, Status: membership.StatusActive}
	return member, t.Seeder.PutMember(ctx, member)
}

func succeeded(want int) func(context.Context, Tally) error {
	return func(_ context.Context, tally Tally) error {
		if got := tally.Succeeded(); got != want {
			return fmt.Errorf("%d attempts succeeded, want %d", got, want)
		}
		return nil
	}
}

// ConcurrentIssueExperiment races many members for the last copy of an item.
func (t Target) ConcurrentIssueExperiment() Experiment {
	var (
		item    catalog.Item
		members []membership.Member
	)

	return Experiment{
		Name:       "concurrent-issue-last-copy",
		Hypothesis: "Exactly one of many simultaneous borrowers gets the last copy",
		Prepare: func(ctx context.Context) error {
			var err error
			if item, err = t.seedItem(ctx, "Chaos Copy", 1); err != nil {
				return err
			}
			members = make([]membership.Member, t.concurrency())
			for i := range members {
				if members[i], err = t.seedMember(ctx, fmt.Sprintf("borrower-%d", i)); err != nil {
					return err
				}
			}
			return nil
		},
		Attempts: t.concurrency(),
		Attempt: func(ctx context.Context, i int) error {
			_, err := t.Service.IssueLoan(ctx, circulation.IssueRequest{ItemID: item.ID, MemberID: members[i].ID})
			return err
		},
		Tolerate: []string{"item_unavailable"},
		Probes: []Probe{
			t.storeInvariants(),
			{
				Name: "item_not_oversold",
				Check: func(ctx context.Context) error {
					availability, err := t.Service.Availability(ctx, item.ID)
					if err != nil {
						return err
					}
					if availability.OpenLoans > availability.Item.TotalCopies {
						return fmt.Errorf("%d open loans on %d copies", availability.OpenLoans, availability.Item.TotalCopies)
					}
					return nil
				},
			},
		},
		Expect: []Expectation{
			{Description: "one borrower wins the copy", Check: succeeded(1)},
			{
				Description: "no copies left",
				Check: func(ctx context.Context, _ Tally) error {
					availability, err := t.Service.Availability(ctx, item.ID)
					if err != nil {
						return err
					}
					if availability.Available != 0 {
						return fmt.Errorf("%d copies still available", availability.Available)
					}
					return nil
				},
			},
		},
	}
}

// ConcurrentPaymentExperiment pays down one fine from many goroutines at once.
func (t Target) ConcurrentPaymentExperiment() Experiment {
	const daysLate = 10
	fine := t.Policy.FineRatePerDay.Mul(daysLate)
	installment := t.Policy.FineRatePerDay.Mul(3)

	// Installments that fit in the fine; the rest must be rejected.
	fits := 0
	if installment.IsPositive() {
		fits = int(fine.Cents() / installment.Cents())
	}
	expected := installment.Mul(int64(fits))

	var loanID uuid.UUID
	paid := func(ctx context.Context) (circulation.Loan, error) {
		return t.Service.GetLoan(ctx, loanID)
	}

	return Experiment{
		Name:       "concurrent-fine-payments",
		Hypothesis: "Simultaneous payments never push a loan's paid amount past its fine",
		Prepare: func(ctx context.Context) error {
			item, err := t.seedItem(ctx, "Chaos Fine", 1)
			if err != nil {
				return err
			}
			member, err := t.seedMember(ctx, "late-returner")
			if err != nil {
				return err
			}
			loan, err := t.Service.IssueLoan(ctx, circulation.IssueRequest{
				ItemID: item.ID, MemberID: member.ID, Today: calendar.Today(),
			})
			if err != nil {
				return err
			}
			loanID = loan.ID
			_, err = t.Service.ReturnLoan(ctx, circulation.ReturnRequest{
				LoanID: loan.ID, Today: calendar.AddDays(loan.DueDate, daysLate),
			})
			return err
		},
		Attempts: t.concurrency(),
		Attempt: func(ctx context.Context, _ int) error {
			_, err := t.Service.RecordPayment(ctx, circulation.PaymentRequest{
				LoanID: loanID, Amount: installment, Method: circulation.PaymentCard,
			})
			return err
		},
		Tolerate: []string{"amount_exceeds_balance", "no_outstanding_balance"},
		Probes: []Probe{
			t.storeInvariants(),
			{
				Name: "paid_within_fine",
				Check: func(ctx context.Context) error {
					loan, err := paid(ctx)
					if err != nil {
						return err
					}
					if loan.FinePaid.GreaterThan(loan.FineAssessed) {
						return fmt.Errorf("paid %s against a fine of %s", loan.FinePaid, loan.FineAssessed)
					}
					return nil
				},
			},
		},
		Expect: []Expectation{
			{Description: "every installment that fits is accepted", Check: succeeded(fits)},
			{
				Description: fmt.Sprintf("%s paid against a fine of %s", expected, fine),
				Check: func(ctx context.Context, _ Tally) error {
					loan, err := paid(ctx)
					if err != nil {
						return err
					}
					if !loan.FinePaid.Equal(expected) {
						return fmt.Errorf("paid %s", loan.FinePaid)
					}
					return nil
				},
			},
		},
	}
}

// ConflictRetryExperiment makes the store report a lost update on the first
// attempt of a loan issue and expects the service to retry past it.
func (t Target) ConflictRetryExperiment(injector ConflictInjector) Experiment {
	var (
		item   catalog.Item
		member membership.Member
	)

	return Experiment{
		Name:       "transient-conflict-retry",
		Hypothesis: "A single serialization conflict is absorbed by the retry policy",
		Prepare: func(ctx context.Context) error {
			var err error
			if item, err = t.seedItem(ctx, "Chaos Retry", 1); err != nil {
				return err
			}
			member, err = t.seedMember(ctx, "retrier")
			return err
		},
		Fault: func(context.Context) (func(), error) {
			injector.InjectConflicts(1)
			return func() { injector.InjectConflicts(0) }, nil
		},
		Attempts: 1,
		Attempt: func(ctx context.Context, _ int) error {
			_, err := t.Service.IssueLoan(ctx, circulation.IssueRequest{ItemID: item.ID, MemberID: member.ID})
			return err
		},
		Probes: []Probe{t.storeInvariants()},
		Expect: []Expectation{
			{Description: "the retried issue succeeds", Check: succeeded(1)},
			{
				Description: "exactly one open loan",
				Check: func(ctx context.Context, _ Tally) error {
					availability, err := t.Service.Availability(ctx, item.ID)
					if err != nil {
						return err
					}
					if availability.OpenLoans != 1 {
						return fmt.Errorf("%d open loans", availability.OpenLoans)
					}
					return nil
				},
			},
		},
	}
}
