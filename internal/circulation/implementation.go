// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/calendar"
	"libracirc/internal/eligibility"
	"libracirc/internal/eventlog"
	"libracirc/internal/inventory"
	"libracirc/internal/money"
)

// maxAttempts is the first try plus one retry after a concurrency conflict.
const maxAttempts = 2

type serviceMetrics struct {
	issued     metric.Int64Counter
	returned   metric.Int64Counter
	payments   metric.Int64Counter
	rejections metric.Int64Counter
	retries    metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) (serviceMetrics, error) {
	var m serviceMetrics
	var errs [5]error
	m.issued, errs[0] = meter.Int64Counter("circulation.loans.issued",
		metric.WithDescription("Loans issued"))
	m.returned, errs[1] = meter.Int64Counter("circulation.loans.returned",
		metric.WithDescription("Loans returned"))
	m.payments, errs[2] = meter.Int64Counter("circulation.payments.recorded",
		metric.WithDescription("Fine payments recorded"))
	m.rejections, errs[3] = meter.Int64Counter("circulation.rejections",
		metric.WithDescription("Operations refused by a business rule"))
	m.retries, errs[4] = meter.Int64Counter("circulation.retries",
		metric.WithDescription("Operations retried after a concurrency conflict"))
	return m, errors.Join(errs[:]...)
}

// service implements the Service interface.
type service struct {
	store   Store
	policy  Policy
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics serviceMetrics
	now     func() time.Time
	backoff func() backoff.BackOff
}

// Option configures a service.
type Option func(*service)

// WithLogger sets the service logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// WithClock replaces time.Now, used when a request carries no explicit date.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithRetryBackOff sets the wait before the retry that follows a conflict.
func WithRetryBackOff(b func() backoff.BackOff) Option {
	return func(s *service) { s.backoff = b }
}

// NewService creates a new circulation service instance.
func NewService(store Store, policy Policy, opts ...Option) (Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	s := &service{
		store:  store,
		policy: policy,
		logger: slog.Default(),
		tracer: otel.Tracer("libracirc/circulation"),
		now:    time.Now,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Millisecond
			b.MaxInterval = 100 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics, err := newServiceMetrics(otel.Meter("libracirc/circulation"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	s.metrics = metrics
	return s, nil
}

func (s *service) today(t time.Time) time.Time {
	if t.IsZero() {
		return calendar.Day(s.now())
	}
	return calendar.Day(t)
}

// atomically runs fn in a writable transaction, retrying once on a concurrency
// conflict. fn must derive all of its state from tx since it may run twice.
func (s *service) atomically(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.store.WithinTx(ctx, TxOptions{}, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrConcurrencyConflict):
			if attempt < maxAttempts {
				s.metrics.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
				s.logger.WarnContext(ctx, "concurrency conflict, retrying",
					slog.String("operation", op),
					slog.Int("attempt", attempt),
					slog.Any("error", err),
				)
			}
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(s.backoff()), backoff.WithMaxTries(maxAttempts))

	if err != nil && errors.Is(err, ErrConcurrencyConflict) {
		return errors.Join(ErrTransient, err)
	}
	return err
}

func (s *service) readOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.store.WithinTx(ctx, TxOptions{ReadOnly: true}, fn)
}

// fail records err on span and logs it at the level its kind deserves.
func (s *service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	kind := KindOf(err)
	span.SetAttributes(attribute.String("outcome", kind))
	switch {
	case IsRejection(err):
		s.metrics.rejections.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("kind", kind),
		))
		s.logger.InfoContext(ctx, "operation rejected",
			slog.String("operation", op),
			slog.String("kind", kind),
			slog.String("reason", err.Error()),
		)
	case errors.Is(err, ErrNotFound):
		s.logger.InfoContext(ctx, "not found",
			slog.String("operation", op),
			slog.String("error", err.Error()),
		)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.ErrorContext(ctx, "operation failed",
			slog.String("operation", op),
			slog.String("kind", kind),
			slog.Any("error", err),
		)
	}
	return err
}

func appendLoanEvent(ctx context.Context, tx Tx, loanID uuid.UUID, expectedVersion int, eventType string, payload any) error {
	event, err := eventlog.NewEvent(loanID, aggregateType, eventType, payload)
	if err != nil {
		return err
	}
	if err := tx.AppendEvents(ctx, loanID, expectedVersion, []eventlog.Event{event}); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

// gatherIssueFacts reads everything Issue decides on. The item is read first
// so writable stores lock item before member in every issue.
func gatherIssueFacts(ctx context.Context, tx Tx, itemID, memberID uuid.UUID, today time.Time) (IssueFacts, error) {
	var facts IssueFacts
	var err error

	if facts.Item, err = tx.GetItem(ctx, itemID); err != nil {
		return facts, err
	}
	if facts.Member, err = tx.GetMember(ctx, memberID); err != nil {
		return facts, err
	}
	if facts.ItemOpenLoans, err = tx.CountOpenLoansForItem(ctx, itemID); err != nil {
		return facts, err
	}
	if facts.MemberOpenLoans, err = tx.CountOpenLoansForMember(ctx, memberID); err != nil {
		return facts, err
	}
	if facts.MemberHasOverdue, err = tx.HasOverdueLoans(ctx, memberID, today); err != nil {
		return facts, err
	}
	if facts.MemberOutstanding, err = tx.SumOutstandingFinesForMember(ctx, memberID); err != nil {
		return facts, err
	}
	if _, facts.HasDuplicate, err = tx.FindOpenLoan(ctx, itemID, memberID); err != nil {
		return facts, err
	}
	return facts, nil
}

// IssueLoan checks eligibility, availability and duplicates and creates the
// loan in one atomic unit.
func (s *service) IssueLoan(ctx context.Context, req IssueRequest) (Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.IssueLoan", trace.WithAttributes(
		attribute.String("item.id", req.ItemID.String()),
		attribute.String("member.id", req.MemberID.String()),
	))
	defer span.End()

	today := s.today(req.Today)
	var loan Loan
	err := s.atomically(ctx, "issue_loan", func(ctx context.Context, tx Tx) error {
		facts, err := gatherIssueFacts(ctx, tx, req.ItemID, req.MemberID, today)
		if err != nil {
			return err
		}
		issued, err := Issue(facts, today, req.DueDate, s.policy)
		if err != nil {
			return err
		}
		issued.Notes = strings.TrimSpace(req.Notes)

		if err := tx.CreateLoan(ctx, issued); err != nil {
			return err
		}
		if err := appendLoanEvent(ctx, tx, issued.ID, 0, EventLoanIssued, LoanIssuedEvent{
			LoanID:     issued.ID,
			ItemID:     issued.ItemID,
			MemberID:   issued.MemberID,
			BorrowDate: calendar.Format(issued.BorrowDate),
			DueDate:    calendar.Format(issued.DueDate),
		}); err != nil {
			return err
		}
		loan = issued
		return nil
	})
	if err != nil {
		return Loan{}, s.fail(ctx, span, "issue_loan", err)
	}

	span.SetAttributes(attribute.String("loan.id", loan.ID.String()), attribute.String("outcome", "issued"))
	s.metrics.issued.Add(ctx, 1)
	s.logger.InfoContext(ctx, "loan issued",
		slog.String("loan_id", loan.ID.String()),
		slog.String("item_id", loan.ItemID.String()),
		slog.String("member_id", loan.MemberID.String()),
		slog.String("due_date", calendar.Format(loan.DueDate)),
	)
	return loan, nil
}

// ReturnLoan closes the loan and assesses its fine as of the return date.
func (s *service) ReturnLoan(ctx context.Context, req ReturnRequest) (Loan, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.ReturnLoan", trace.WithAttributes(
		attribute.String("loan.id", req.LoanID.String()),
	))
	defer span.End()

	today := s.today(req.Today)
	var loan Loan
	err := s.atomically(ctx, "return_loan", func(ctx context.Context, tx Tx) error {
		current, err := tx.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		expected := current.Version
		if err := Return(&current, today, req.ReturnDate, s.policy.FineRatePerDay); err != nil {
			return err
		}
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			current.Notes = appendNote(current.Notes, "Return: "+notes)
		}
		current.Version++

		if err := tx.UpdateLoan(ctx, current); err != nil {
			return err
		}
		if err := appendLoanEvent(ctx, tx, current.ID, expected, EventLoanReturned, LoanReturnedEvent{
			LoanID:       current.ID,
			ReturnDate:   calendar.Format(*current.ReturnDate),
			DaysOverdue:  current.DaysOverdue(today),
			FineAssessed: current.FineAssessed,
		}); err != nil {
			return err
		}
		loan = current
		return nil
	})
	if err != nil {
		return Loan{}, s.fail(ctx, span, "return_loan", err)
	}

	span.SetAttributes(attribute.String("outcome", "returned"))
	s.metrics.returned.Add(ctx, 1)
	s.logger.InfoContext(ctx, "loan returned",
		slog.String("loan_id", loan.ID.String()),
		slog.String("return_date", calendar.Format(*loan.ReturnDate)),
		slog.String("fine_assessed", loan.FineAssessed.String()),
	)
	return loan, nil
}

// RecordPayment applies a payment against one loan's fine.
func (s *service) RecordPayment(ctx context.Context, req PaymentRequest) (Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.RecordPayment", trace.WithAttributes(
		attribute.String("loan.id", req.LoanID.String()),
		attribute.String("amount", req.Amount.String()),
	))
	defer span.End()

	method := req.Method
	if method == "" {
		method = PaymentCash
	}
	if !method.Valid() {
		return Receipt{}, s.fail(ctx, span, "record_payment",
			reject(ErrInvalidPaymentMethod, fmt.Sprintf("unknown payment method %q", method)))
	}

	var receipt Receipt
	err := s.atomically(ctx, "record_payment", func(ctx context.Context, tx Tx) error {
		current, err := tx.GetLoan(ctx, req.LoanID)
		if err != nil {
			return err
		}
		expected := current.Version
		previouslyPaid := current.FinePaid

		balance, err := RecordPayment(&current, req.Amount)
		if err != nil {
			return err
		}
		paidAt := s.now().UTC()
		if notes := strings.TrimSpace(req.Notes); notes != "" {
			current.Notes = appendNote(current.Notes,
				fmt.Sprintf("Payment %s: %s", paidAt.Format("2006-01-02 15:04"), notes))
		}
		current.Version++

		if err := tx.UpdateLoan(ctx, current); err != nil {
			return err
		}
		if err := appendLoanEvent(ctx, tx, current.ID, expected, EventFinePaid, FinePaidEvent{
			LoanID:  current.ID,
			Amount:  req.Amount,
			Method:  method,
			Balance: balance,
			Notes:   strings.TrimSpace(req.Notes),
		}); err != nil {
			return err
		}
		receipt = Receipt{
			LoanID:         current.ID,
			Amount:         req.Amount,
			PreviouslyPaid: previouslyPaid,
			FineAssessed:   current.FineAssessed,
			FinePaid:       current.FinePaid,
			Balance:        balance,
			Method:         method,
			PaidAt:         paidAt,
		}
		return nil
	})
	if err != nil {
		return Receipt{}, s.fail(ctx, span, "record_payment", err)
	}

	span.SetAttributes(attribute.String("outcome", "paid"))
	s.metrics.payments.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(method))))
	s.logger.InfoContext(ctx, "payment recorded",
		slog.String("loan_id", receipt.LoanID.String()),
		slog.String("amount", receipt.Amount.String()),
		slog.String("balance", receipt.Balance.String()),
		slog.String("method", string(method)),
	)
	return receipt, nil
}

// ListOverdue streams open loans due before asOf without touching their fines.
func (s *service) ListOverdue(ctx context.Context, asOf time.Time) iter.Seq2[Loan, error] {
	asOf = s.today(asOf)
	return func(yield func(Loan, error) bool) {
		for loan, err := range s.store.ListOpenLoansOverdueAsOf(ctx, asOf) {
			if err != nil {
				s.logger.ErrorContext(ctx, "overdue listing failed", slog.Any("error", err))
				yield(Loan{}, fmt.Errorf("failed to list overdue loans: %w", err))
				return
			}
			if !yield(loan, nil) {
				return
			}
		}
	}
}

// AccrueOverdue runs AccrueFine on every open overdue loan, one transaction
// per loan. A failure on one loan does not stop the scan.
func (s *service) AccrueOverdue(ctx context.Context, asOf time.Time) (AccrualReport, error) {
	ctx, span := s.tracer.Start(ctx, "circulation.AccrueOverdue")
	defer span.End()

	asOf = s.today(asOf)
	report := AccrualReport{AsOf: asOf, Total: money.Zero}

	var ids []uuid.UUID
	for loan, err := range s.store.ListOpenLoansOverdueAsOf(ctx, asOf) {
		if err != nil {
			return report, s.fail(ctx, span, "accrue_overdue", fmt.Errorf("failed to list overdue loans: %w", err))
		}
		ids = append(ids, loan.ID)
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var (
			assessed money.Money
			changed  bool
		)
		err := s.atomically(ctx, "accrue_fine", func(ctx context.Context, tx Tx) error {
			current, err := tx.GetLoan(ctx, id)
			if err != nil {
				return err
			}
			assessed = current.FineAssessed
			expected := current.Version
			changed = AccrueFine(&current, asOf, s.policy.FineRatePerDay)
			if !changed {
				return nil
			}
			current.Version++
			if err := tx.UpdateLoan(ctx, current); err != nil {
				return err
			}
			assessed = current.FineAssessed
			return appendLoanEvent(ctx, tx, current.ID, expected, EventFineAccrued, FineAccruedEvent{
				LoanID:       current.ID,
				AsOf:         calendar.Format(asOf),
				FineAssessed: current.FineAssessed,
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("loan %s: %w", id, err))
			continue
		}
		report.Scanned++
		report.Total = report.Total.Add(assessed)
		if changed {
			report.Updated++
		}
	}

	span.SetAttributes(
		attribute.Int("loans.scanned", report.Scanned),
		attribute.Int("loans.updated", report.Updated),
	)
	s.logger.InfoContext(ctx, "overdue accrual finished",
		slog.String("as_of", calendar.Format(asOf)),
		slog.Int("scanned", report.Scanned),
		slog.Int("updated", report.Updated),
		slog.String("total_assessed", report.Total.String()),
	)
	if err := errors.Join(errs...); err != nil {
		return report, s.fail(ctx, span, "accrue_overdue", err)
	}
	return report, nil
}

func (s *service) GetLoan(ctx context.Context, id uuid.UUID) (Loan, error) {
	var loan Loan
	err := s.readOnly(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		loan, err = tx.GetLoan(ctx, id)
		return err
	})
	return loan, err
}

func (s *service) LoanEvents(ctx context.Context, id uuid.UUID) ([]eventlog.Event, error) {
	if _, err := s.GetLoan(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.LoanEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load loan events: %w", err)
	}
	return events, nil
}

// Availability reports the copies of an item not on loan.
func (s *service) Availability(ctx context.Context, itemID uuid.UUID) (inventory.Availability, error) {
	var availability inventory.Availability
	err := s.readOnly(ctx, func(ctx context.Context, tx Tx) error {
		item, err := tx.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		open, err := tx.CountOpenLoansForItem(ctx, itemID)
		if err != nil {
			return err
		}
		availability = inventory.Snapshot(item, open)
		return nil
	})
	return availability, err
}

// Eligibility evaluates the borrowing rules for a member without issuing anything.
func (s *service) Eligibility(ctx context.Context, memberID uuid.UUID, asOf time.Time) (EligibilityReport, error) {
	asOf = s.today(asOf)
	report := EligibilityReport{MemberID: memberID, AsOf: asOf}
	err := s.readOnly(ctx, func(ctx context.Context, tx Tx) error {
		member, err := tx.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if report.OpenLoans, err = tx.CountOpenLoansForMember(ctx, memberID); err != nil {
			return err
		}
		if report.HasOverdueLoans, err = tx.HasOverdueLoans(ctx, memberID, asOf); err != nil {
			return err
		}
		if report.OutstandingFines, err = tx.SumOutstandingFinesForMember(ctx, memberID); err != nil {
			return err
		}
		report.Decision = eligibility.CanBorrow(eligibility.Input{
			Status:           member.Status,
			OpenLoans:        report.OpenLoans,
			HasOverdueLoans:  report.HasOverdueLoans,
			OutstandingFines: report.OutstandingFines,
			MaxActiveLoans:   s.policy.MaxActiveLoans,
		})
		return nil
	})
	if err != nil {
		return EligibilityReport{}, err
	}
	return report, nil
}

func (s *service) requireMember(ctx context.Context, memberID uuid.UUID) error {
	return s.readOnly(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetMember(ctx, memberID)
		return err
	})
}

// MemberFines totals the fines across a member's loans.
func (s *service) MemberFines(ctx context.Context, memberID uuid.UUID) (MemberFines, error) {
	if err := s.requireMember(ctx, memberID); err != nil {
		return MemberFines{}, err
	}
	loans, err := s.store.ListLoans(ctx, LoanFilter{MemberID: memberID, WithFines: true})
	if err != nil {
		return MemberFines{}, fmt.Errorf("failed to list member fines: %w", err)
	}

	summary := MemberFines{
		MemberID:         memberID,
		Loans:            loans,
		TotalAssessed:    money.Zero,
		TotalPaid:        money.Zero,
		TotalOutstanding: money.Zero,
	}
	for _, loan := range loans {
		summary.TotalAssessed = summary.TotalAssessed.Add(loan.FineAssessed)
		summary.TotalPaid = summary.TotalPaid.Add(loan.FinePaid)
		summary.TotalOutstanding = summary.TotalOutstanding.Add(loan.Outstanding())
	}
	return summary, nil
}

func (s *service) MemberHistory(ctx context.Context, memberID uuid.UUID, asOf time.Time) (MemberHistory, error) {
	if err := s.requireMember(ctx, memberID); err != nil {
		return MemberHistory{}, err
	}
	loans, err := s.store.ListLoans(ctx, LoanFilter{MemberID: memberID})
	if err != nil {
		return MemberHistory{}, fmt.Errorf("failed to list member loans: %w", err)
	}

	asOf = s.today(asOf)
	history := MemberHistory{MemberID: memberID, TotalBorrowed: len(loans), Loans: loans}
	for _, loan := range loans {
		if loan.IsOpen() {
			history.CurrentlyBorrowed++
		}
		if loan.IsOverdue(asOf) {
			history.Overdue++
		}
	}
	return history, nil
}

func (s *service) ItemHistory(ctx context.Context, itemID uuid.UUID) (ItemHistory, error) {
	err := s.readOnly(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.GetItem(ctx, itemID)
		return err
	})
	if err != nil {
		return ItemHistory{}, err
	}
	loans, err := s.store.ListLoans(ctx, LoanFilter{ItemID: itemID})
	if err != nil {
		return ItemHistory{}, fmt.Errorf("failed to list item loans: %w", err)
	}

	history := ItemHistory{ItemID: itemID, TimesBorrowed: len(loans), Loans: loans}
	for _, loan := range loans {
		if loan.IsOpen() {
			history.CurrentlyOnLoan++
		}
	}
	return history, nil
}
