package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

// setupTestDB connects to the PostgreSQL database named by the PG* variables
// and applies the schema. It skips the test if no database is reachable.
func setupTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("PGHOST", "localhost"),
		getEnv("PGPORT", "5432"),
		getEnv("PGUSER", "user"),
		getEnv("PGPASSWORD", "password"),
		getEnv("PGDATABASE", "testdb"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := Open(ctx, connStr)
	if err != nil {
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	_, err = db.Exec("TRUNCATE TABLE loan_events, loans, members, items CASCADE")
	require.NoError(t, err)
	return db
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func seedPostgres(t *testing.T, store *Postgres, copies int) (catalog.Item, membership.Member) {
	t.Helper()
	ctx := context.Background()
	item := catalog.Item{ID: uuid.New(), Title: "Dune", Author: "Herbert", TotalCopies: copies}
	member := membership.Member{ID: uuid.New(), Name: "Ada", Status: membership.StatusActive}
	require.NoError(t, store.PutItem(ctx, item))
	require.NoError(t, store.PutMember(ctx, member))
	return item, member
}

func TestPostgresLoanRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgres(db)
	ctx := context.Background()
	item, member := seedPostgres(t, store, 2)

	loan := openLoan(item, member, day0.AddDate(0, 0, 14))
	require.NoError(t, store.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.CreateLoan(ctx, loan)
	}))

	returned := day0.AddDate(0, 0, 17)
	loan.ReturnDate = &returned
	loan.State = circulation.StateClosed
	loan.FineAssessed = money.MustParse("3.00")
	loan.Version = 2
	require.NoError(t, store.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.UpdateLoan(ctx, loan)
	}))

	var got circulation.Loan
	require.NoError(t, store.WithinTx(ctx, circulation.TxOptions{ReadOnly: true}, func(ctx context.Context, tx circulation.Tx) error {
		var err error
		got, err = tx.GetLoan(ctx, loan.ID)
		return err
	}))
	assert.Equal(t, day0, got.BorrowDate)
	require.NotNil(t, got.ReturnDate)
	assert.Equal(t, returned, *got.ReturnDate)
	assert.Equal(t, "3.00", got.FineAssessed.String())
	assert.Equal(t, circulation.StateClosed, got.State)

	// A second writer holding version 1 must lose.
	stale := loan
	stale.Version = 2
	stale.Notes = "stale"
	err := store.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		return tx.UpdateLoan(ctx, stale)
	})
	assert.ErrorIs(t, err, circulation.ErrConcurrencyConflict)
}

func TestPostgresNotFound(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgres(db)
	err := store.WithinTx(context.Background(), circulation.TxOptions{ReadOnly: true}, func(ctx context.Context, tx circulation.Tx) error {
		_, err := tx.GetMember(ctx, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, circulation.ErrNotFound)
	assert.ErrorIs(t, err, membership.ErrMemberNotFound)
}

func TestPostgresConcurrentIssueOfLastCopy(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgres(db)
	item, _ := seedPostgres(t, store, 1)

	svc, err := circulation.NewService(store, circulation.DefaultPolicy())
	require.NoError(t, err)

	const borrowers = 8
	members := make([]membership.Member, borrowers)
	for i := range members {
		members[i] = membership.Member{ID: uuid.New(), Name: fmt.Sprintf("m%d", i), Status: membership.StatusActive}
		require.NoError(t, store.PutMember(context.Background(), members[i]))
	}

	var wg sync.WaitGroup
	errs := make([]error, borrowers)
	for i := range members {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.IssueLoan(context.Background(), circulation.IssueRequest{
				ItemID:   item.ID,
				MemberID: members[i].ID,
				Today:    day0,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, circulation.ErrItemUnavailable)
	}
	assert.Equal(t, 1, succeeded)

	report, err := store.CheckInvariants(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}

func TestPostgresListings(t *testing.T) {
	db := setupTestDB(t)
	store := NewPostgres(db)
	ctx := context.Background()
	item, member := seedPostgres(t, store, 3)

	early := openLoan(item, member, day0.AddDate(0, 0, 2))
	other := membership.Member{ID: uuid.New(), Name: "Bo", Status: membership.StatusActive}
	require.NoError(t, store.PutMember(ctx, other))
	late := openLoan(item, other, day0.AddDate(0, 0, 5))
	late.FineAssessed = money.MustParse("1.00")

	require.NoError(t, store.WithinTx(ctx, circulation.TxOptions{}, func(ctx context.Context, tx circulation.Tx) error {
		if err := tx.CreateLoan(ctx, late); err != nil {
			return err
		}
		return tx.CreateLoan(ctx, early)
	}))

	var overdue []uuid.UUID
	for loan, err := range store.ListOpenLoansOverdueAsOf(ctx, day0.AddDate(0, 0, 10)) {
		require.NoError(t, err)
		overdue = append(overdue, loan.ID)
	}
	assert.Equal(t, []uuid.UUID{early.ID, late.ID}, overdue)

	fined, err := store.ListLoans(ctx, circulation.LoanFilter{ItemID: item.ID, WithFines: true})
	require.NoError(t, err)
	require.Len(t, fined, 1)
	assert.Equal(t, late.ID, fined[0].ID)
}
