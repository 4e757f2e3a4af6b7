package circulation

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libracirc/internal/calendar"
	"libracirc/internal/catalog"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

var (
	march1    = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	dailyRate = money.MustParse("1.00")
)

func goodFacts() IssueFacts {
	return IssueFacts{
		Item:              catalog.Item{ID: uuid.New(), Title: "Dune", TotalCopies: 2},
		Member:            membership.Member{ID: uuid.New(), Name: "Ada", Status: membership.StatusActive},
		MemberOutstanding: money.Zero,
	}
}

func TestIssueDefaultsDueDate(t *testing.T) {
	loan, err := Issue(goodFacts(), march1.Add(15*time.Hour), nil, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, march1, loan.BorrowDate)
	assert.Equal(t, "2025-03-15", calendar.Format(loan.DueDate))
	assert.Equal(t, StateOpen, loan.State)
	assert.True(t, loan.FineAssessed.IsZero())
	assert.Equal(t, 1, loan.Version)
	assert.NotEqual(t, uuid.Nil, loan.ID)
}

func TestIssueRejections(t *testing.T) {
	policy := DefaultPolicy()
	tooFar := march1.AddDate(0, 0, 91)
	before := march1.AddDate(0, 0, -1)
	edge := march1.AddDate(0, 0, 90)

	tests := []struct {
		name   string
		mutate func(*IssueFacts)
		due    *time.Time
		want   error
		reason string
	}{
		{
			name:   "suspended member",
			mutate: func(f *IssueFacts) { f.Member.Status = membership.StatusSuspended },
			want:   ErrMemberIneligible,
			reason: "member is not active",
		},
		{
			name: "ineligible wins over unavailable",
			mutate: func(f *IssueFacts) {
				f.Member.Status = membership.StatusExpired
				f.ItemOpenLoans = 2
			},
			want: ErrMemberIneligible,
		},
		{
			name:   "no copies left",
			mutate: func(f *IssueFacts) { f.ItemOpenLoans = 2 },
			want:   ErrItemUnavailable,
		},
		{
			name: "unavailable wins over duplicate",
			mutate: func(f *IssueFacts) {
				f.ItemOpenLoans = 2
				f.HasDuplicate = true
			},
			want: ErrItemUnavailable,
		},
		{
			name:   "duplicate",
			mutate: func(f *IssueFacts) { f.HasDuplicate = true },
			want:   ErrDuplicateActiveLoan,
		},
		{
			name:   "due before borrow",
			mutate: func(*IssueFacts) {},
			due:    &before,
			want:   ErrInvalidDueDate,
			reason: "due date cannot be before the borrow date",
		},
		{
			name:   "due beyond window",
			mutate: func(*IssueFacts) {},
			due:    &tooFar,
			want:   ErrInvalidDueDate,
			reason: "due date cannot be more than 90 days after the borrow date",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := goodFacts()
			tt.mutate(&facts)
			_, err := Issue(facts, march1, tt.due, policy)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsRejection(err))
			if tt.reason != "" {
				assert.EqualError(t, err, tt.reason)
			}
		})
	}

	loan, err := Issue(goodFacts(), march1, &edge, policy)
	require.NoError(t, err)
	assert.Equal(t, edge, loan.DueDate)
}

func TestReturnAssessesFine(t *testing.T) {
	tests := []struct {
		name     string
		after    int
		wantFine string
	}{
		{"same day", 0, "0.00"},
		{"on due date", 14, "0.00"},
		{"three days late", 17, "3.00"},
		{"twenty days", 20, "6.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loan, err := Issue(goodFacts(), march1, nil, DefaultPolicy())
			require.NoError(t, err)

			today := march1.AddDate(0, 0, tt.after)
			require.NoError(t, Return(&loan, today, nil, dailyRate))
			assert.Equal(t, StateClosed, loan.State)
			require.NotNil(t, loan.ReturnDate)
			assert.Equal(t, today, *loan.ReturnDate)
			assert.Equal(t, tt.wantFine, loan.FineAssessed.String())
		})
	}
}

func TestReturnRejections(t *testing.T) {
	loan, err := Issue(goodFacts(), march1, nil, DefaultPolicy())
	require.NoError(t, err)

	today := march1.AddDate(0, 0, 5)
	beforeBorrow := march1.AddDate(0, 0, -1)
	future := today.AddDate(0, 0, 1)

	err = Return(&loan, today, &beforeBorrow, dailyRate)
	require.ErrorIs(t, err, ErrInvalidReturnDate)
	assert.EqualError(t, err, "return date cannot be before borrow date")

	err = Return(&loan, today, &future, dailyRate)
	require.ErrorIs(t, err, ErrInvalidReturnDate)
	assert.EqualError(t, err, "return date cannot be in the future")
	assert.True(t, loan.IsOpen(), "rejected return leaves the loan open")

	require.NoError(t, Return(&loan, today, nil, dailyRate))
	assert.ErrorIs(t, Return(&loan, today, nil, dailyRate), ErrAlreadyReturned)
}

func TestReturnOverwritesAccruedFineFlooredAtPaid(t *testing.T) {
	loan, err := Issue(goodFacts(), march1, nil, DefaultPolicy())
	require.NoError(t, err)

	// Accrued 10 days late, paid 8, then returned with a backdated date 3 days late.
	require.True(t, AccrueFine(&loan, loan.DueDate.AddDate(0, 0, 10), dailyRate))
	_, err = RecordPayment(&loan, money.MustParse("8.00"))
	require.NoError(t, err)

	backdated := loan.DueDate.AddDate(0, 0, 3)
	require.NoError(t, Return(&loan, loan.DueDate.AddDate(0, 0, 10), &backdated, dailyRate))
	assert.Equal(t, "8.00", loan.FineAssessed.String())
	assert.True(t, loan.Outstanding().IsZero())
}

func TestAccrueFine(t *testing.T) {
	loan, err := Issue(goodFacts(), march1, nil, DefaultPolicy())
	require.NoError(t, err)

	assert.False(t, AccrueFine(&loan, loan.DueDate, dailyRate), "not overdue on the due date")

	later := loan.DueDate.AddDate(0, 0, 4)
	assert.True(t, AccrueFine(&loan, later, dailyRate))
	assert.Equal(t, "4.00", loan.FineAssessed.String())
	assert.False(t, AccrueFine(&loan, later, dailyRate), "same day is idempotent")

	assert.False(t, AccrueFine(&loan, loan.DueDate.AddDate(0, 0, 2), dailyRate), "never lowers an open loan's fine")
	assert.Equal(t, "4.00", loan.FineAssessed.String())

	require.NoError(t, Return(&loan, later, nil, dailyRate))
	assert.False(t, AccrueFine(&loan, later.AddDate(0, 0, 30), dailyRate), "closed loans are not re-accrued")
	assert.Equal(t, "4.00", loan.FineAssessed.String())
}

func TestRecordPaymentRejections(t *testing.T) {
	loan := Loan{State: StateClosed}
	loan.FineAssessed = money.MustParse("10.00")

	_, err := RecordPayment(&loan, money.MustParse("15.00"))
	require.ErrorIs(t, err, ErrAmountExceedsBalance)
	assert.True(t, IsRejection(err))
	assert.EqualError(t, err, "amount cannot exceed outstanding balance of 10.00")

	_, err = RecordPayment(&loan, money.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	balance, err := RecordPayment(&loan, money.MustParse("10.00"))
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = RecordPayment(&loan, money.MustParse("0.01"))
	assert.ErrorIs(t, err, ErrNoOutstandingBalance)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "item_unavailable", KindOf(reject(ErrItemUnavailable, "x")))
	assert.Equal(t, "transient", KindOf(errors.Join(ErrTransient, ErrConcurrencyConflict)))
	assert.Equal(t, "not_found", KindOf(ErrNotFound))
	assert.Equal(t, "internal", KindOf(errors.New("disk on fire")))
}

func TestLifecycleInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		loan, err := Issue(goodFacts(), march1, nil, DefaultPolicy())
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		today := march1
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for range steps {
			today = today.AddDate(0, 0, rapid.IntRange(0, 5).Draw(t, "advance"))
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				AccrueFine(&loan, today, dailyRate)
			case 1:
				cents := rapid.Int64Range(-100, 3000).Draw(t, "cents")
				_, _ = RecordPayment(&loan, money.FromCents(cents))
			case 2:
				back := rapid.IntRange(0, calendar.DaysBetween(loan.BorrowDate, today)).Draw(t, "back")
				ret := today.AddDate(0, 0, -back)
				_ = Return(&loan, today, &ret, dailyRate)
			}

			if loan.FinePaid.GreaterThan(loan.FineAssessed) {
				t.Fatalf("overpaid: paid %s > assessed %s", loan.FinePaid, loan.FineAssessed)
			}
			if (loan.State == StateClosed) != (loan.ReturnDate != nil) {
				t.Fatalf("state %s with return date %v", loan.State, loan.ReturnDate)
			}
			if loan.FineAssessed.IsNegative() {
				t.Fatalf("negative fine %s", loan.FineAssessed)
			}
		}
	})
}
