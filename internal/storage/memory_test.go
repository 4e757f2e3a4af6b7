package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/eventlog"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func seedMemory(t *testing.T) (*Memory, catalog.Item, membership.Member) {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()
	item := catalog.Item{ID: uuid.New(), Title: "Dune", TotalCopies: 2}
	member := membership.Member{ID: uuid.New(), Name: "Ada", Status: membership.StatusActive}
	require.NoError(t, m.PutItem(ctx, item))
	require.NoError(t, m.PutMember(ctx, member))
	return m, item, member
}

func openLoan(item catalog.Item, member membership.Member, due time.Time) circulation.Loan {
	return circulation.Loan{
		ID:         uuid.New(),
		ItemID:     item.ID,
		MemberID:   member.ID,
		BorrowDate: day0,
		DueDate:    due,
		State:      circulation.StateOpen,
		Version:    1,
	}
}

func TestMemoryRollbackOnError(t *testing.T) {
	ctx := context.Background()
	m, item, member := seedMemory(t)
	boom := errors.New("boom")

	err := m.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.CreateLoan(ctx, openLoan(item, member, day0.AddDate(0, 0, 14))))
		n, err := tx.CountOpenLoansForItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "staged writes are visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	loans, err := m.ListLoans(ctx, circulation.LoanFilter{ItemID: item.ID})
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestMemoryInjectedConflict(t *testing.T) {
	ctx := context.Background()
	m, item, member := seedMemory(t)
	m.InjectConflicts(1)

	create := func(ctx context.Context, tx circulation.Tx) error {
		return tx.CreateLoan(ctx, openLoan(item, member, day0.AddDate(0, 0, 14)))
	}
	err := m.WithinTx(ctx, circulation.TxOptions{}, create)
	require.ErrorIs(t, err, circulation.ErrConcurrencyConflict)

	require.NoError(t, m.WithinTx(ctx, circulation.TxOptions{}, create))
	loans, err := m.ListLoans(ctx, circulation.LoanFilter{})
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestMemoryUpdateLoanChecksVersion(t *testing.T) {
	ctx := context.Background()
	m, item, member := seedMemory(t)
	loan := openLoan(item, member, day0.AddDate(0, 0, 14))
	require.NoError(t, m.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.CreateLoan(ctx, loan)
	}))

	stale := loan
	stale.Version = 5
	err := m.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.UpdateLoan(ctx, stale)
	})
	assert.ErrorIs(t, err, circulation.ErrConcurrencyConflict)

	next := loan
	next.Version = 2
	next.Notes = "checked"
	require.NoError(t, m.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.UpdateLoan(ctx, next)
	}))
}

func TestMemoryReadOnlyRejectsWrites(t *testing.T) {
	ctx := context.Background()
	m, item, member := seedMemory(t)
	err := m.WithinTx(ctx, circulation.TxOptions{ReadOnly: true}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.CreateLoan(ctx, openLoan(item, member, day0))
	})
	assert.ErrorIs(t, err, errReadOnly)
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	err := m.WithinTx(ctx, circulation.TxOptions{ReadOnly: true}, func(ctx context.Context, tx circulation.Tx) error {
		_, err := tx.GetItem(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	assert.ErrorIs(t, err, catalog.ErrItemNotFound)
}

func TestMemoryMemberQueries(t *testing.T) {
	ctx := context.Background()
	m, item, member := seedMemory(t)

	overdue := openLoan(item, member, day0.AddDate(0, 0, 3))
	fined := openLoan(catalog.Item{ID: uuid.New()}, member, day0.AddDate(0, 0, 30))
	fined.FineAssessed = money.MustParse("4.50")
	fined.FinePaid = money.MustParse("1.00")

	err := m.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		require.NoError(t, tx.CreateLoan(ctx, overdue))
		require.NoError(t, tx.CreateLoan(ctx, fined))

		has, err := tx.HasOverdueLoans(ctx, member.ID, day0.AddDate(0, 0, 4))
		require.NoError(t, err)
		assert.True(t, has)

		has, err = tx.HasOverdueLoans(ctx, member.ID, day0.AddDate(0, 0, 3))
		require.NoError(t, err)
		assert.False(t, has, "due today is not overdue")

		total, err := tx.SumOutstandingFinesForMember(ctx, member.ID)
		require.NoError(t, err)
		assert.Equal(t, "3.50", total.String())

		_, found, err := tx.FindOpenLoan(ctx, item.ID, member.ID)
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})
	require.NoError(t, err)

	var listed []circulation.Loan
	for loan, err := range m.ListOpenLoansOverdueAsOf(ctx, day0.AddDate(0, 0, 10)) {
		require.NoError(t, err)
		listed = append(listed, loan)
	}
	require.Len(t, listed, 1)
	assert.Equal(t, overdue.ID, listed[0].ID)

	withFines, err := m.ListLoans(ctx, circulation.LoanFilter{MemberID: member.ID, WithFines: true})
	require.NoError(t, err)
	require.Len(t, withFines, 1)
	assert.Equal(t, fined.ID, withFines[0].ID)
}

func TestMemoryEventsAreVersioned(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	loanID := uuid.New()

	appendOne := func(expected int) error {
		return m.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
			event, err := eventlog.NewEvent(loanID, "loan", "Test", map[string]int{"n": expected})
			if err != nil {
				return err
			}
			return tx.AppendEvents(ctx, loanID, expected, []eventlog.Event{event})
		})
	}
	require.NoError(t, appendOne(0))
	require.NoError(t, appendOne(1))
	assert.ErrorIs(t, appendOne(1), eventlog.ErrConcurrencyConflict)

	events, err := m.LoanEvents(ctx, loanID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Version)
	assert.Equal(t, 2, events[1].Version)
	assert.Less(t, events[0].ID, events[1].ID)
}

func TestMemoryCheckInvariants(t *testing.T) {
	ctx := context.Background()
	m, item, member := seedMemory(t)
	other := membership.Member{ID: uuid.New(), Status: membership.StatusActive}
	third := membership.Member{ID: uuid.New(), Status: membership.StatusActive}

	bad := openLoan(item, member, day0)
	bad.FinePaid = money.MustParse("2.00")
	m.loans[bad.ID] = bad
	m.loans[uuid.New()] = openLoan(item, member, day0)
	m.loans[uuid.New()] = openLoan(item, other, day0)
	closed := openLoan(item, third, day0)
	closed.State = circulation.StateClosed
	m.loans[closed.ID] = closed

	report, err := m.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OverCommittedItems)
	assert.Equal(t, 1, report.OverpaidLoans)
	assert.Equal(t, 1, report.StateMismatches)
	assert.Equal(t, 1, report.DuplicateOpenLoans)
	assert.Equal(t, 4, report.Total())
}
