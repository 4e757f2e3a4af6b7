// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"libracirc/internal/calendar"
	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/eventlog"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

//go:embed schema.sql
var schema string

const dialectPostgres = "postgres"

var loanColumns = []any{
	"id", "item_id", "member_id", "borrow_date", "due_date", "return_date",
	"state", "fine_assessed", "fine_paid", "notes", "version",
}

const loanSelect = `
	SELECT id, item_id, member_id, borrow_date, due_date, return_date,
	       state, fine_assessed, fine_paid, notes, version
	FROM loans`

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Postgres is the circulation store backed by PostgreSQL.
// Writable transactions run at READ COMMITTED and take row locks on the item,
// member and loan they read, so checks and writes on one aggregate serialize.
type Postgres struct {
	db      *sqlx.DB
	journal *eventlog.Journal
	tracer  trace.Tracer
}

// NewPostgres creates a store on db. The schema must already be applied.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{
		db:      db,
		journal: eventlog.NewJournal(),
		tracer:  otel.Tracer("libracirc/storage"),
	}
}

// conflictCodes are the SQLSTATEs a retry of the whole unit of work can cure.
var conflictCodes = map[string]bool{
	pgerrcode.SerializationFailure: true,
	pgerrcode.DeadlockDetected:     true,
	pgerrcode.UniqueViolation:      true,
}

// mapError tags err with ErrConcurrencyConflict when postgres reports a conflict.
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && conflictCodes[string(pqErr.Code)] {
		return fmt.Errorf("%w: %w", circulation.ErrConcurrencyConflict, err)
	}
	return err
}

func (p *Postgres) WithinTx(ctx context.Context, opts circulation.TxOptions, fn func(ctx context.Context, tx circulation.Tx) error) error {
	ctx, span := p.tracer.Start(ctx, "storage.WithinTx",
		trace.WithAttributes(attribute.Bool("tx.read_only", opts.ReadOnly)),
	)
	defer span.End()

	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: opts.ReadOnly})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(ctx, &pgTx{tx: tx, journal: p.journal, lock: !opts.ReadOnly}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

func (p *Postgres) ListOpenLoansOverdueAsOf(ctx context.Context, asOf time.Time) iter.Seq2[circulation.Loan, error] {
	return func(yield func(circulation.Loan, error) bool) {
		query, args, err := goqu.Dialect(dialectPostgres).
			From("loans").
			Prepared(true).
			Select(loanColumns...).
			Where(
				goqu.C("state").Eq(string(circulation.StateOpen)),
				goqu.C("due_date").Lt(goqu.L("?::date", calendar.Format(asOf))),
			).
			Order(goqu.C("due_date").Asc(), goqu.C("id").Asc()).
			ToSQL()
		if err != nil {
			yield(circulation.Loan{}, fmt.Errorf("failed to build overdue query: %w", err))
			return
		}

		rows, err := p.db.QueryxContext(ctx, query, args...)
		if err != nil {
			yield(circulation.Loan{}, fmt.Errorf("failed to query overdue loans: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var loan circulation.Loan
			if err := rows.StructScan(&loan); err != nil {
				yield(circulation.Loan{}, fmt.Errorf("failed to scan loan: %w", err))
				return
			}
			if !yield(normalize(loan), nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(circulation.Loan{}, fmt.Errorf("failed to iterate overdue loans: %w", err))
		}
	}
}

func (p *Postgres) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	ds := goqu.Dialect(dialectPostgres).
		From("loans").
		Prepared(true).
		Select(loanColumns...).
		Order(goqu.C("borrow_date").Desc(), goqu.C("created_at").Desc())
	if filter.ItemID != uuid.Nil {
		ds = ds.Where(goqu.C("item_id").Eq(filter.ItemID.String()))
	}
	if filter.MemberID != uuid.Nil {
		ds = ds.Where(goqu.C("member_id").Eq(filter.MemberID.String()))
	}
	if filter.WithFines {
		ds = ds.Where(goqu.C("fine_assessed").Gt(0))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build loan query: %w", err)
	}

	var loans []circulation.Loan
	if err := p.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	for i := range loans {
		loans[i] = normalize(loans[i])
	}
	return loans, nil
}

func (p *Postgres) LoanEvents(ctx context.Context, loanID uuid.UUID) ([]eventlog.Event, error) {
	return p.journal.Load(ctx, p.db, loanID)
}

// CheckInvariants counts rows that violate the loan invariants.
func (p *Postgres) CheckInvariants(ctx context.Context) (circulation.InvariantReport, error) {
	var report circulation.InvariantReport
	checks := []struct {
		dest  *int
		query string
	}{
		{&report.OverCommittedItems, `
			SELECT COUNT(*) FROM items i
			WHERE (SELECT COUNT(*) FROM loans l WHERE l.item_id = i.id AND l.state = 'open') > i.total_copies`},
		{&report.OverpaidLoans, `SELECT COUNT(*) FROM loans WHERE fine_paid > fine_assessed`},
		{&report.StateMismatches, `
			SELECT COUNT(*) FROM loans
			WHERE (state = 'closed') <> (return_date IS NOT NULL)`},
		{&report.DuplicateOpenLoans, `
			SELECT COUNT(*) FROM (
				SELECT item_id, member_id FROM loans
				WHERE state = 'open'
				GROUP BY item_id, member_id
				HAVING COUNT(*) > 1
			) d`},
	}
	for _, c := range checks {
		if err := p.db.GetContext(ctx, c.dest, c.query); err != nil {
			return report, fmt.Errorf("failed to check invariants: %w", err)
		}
	}
	return report, nil
}

// PutItem inserts or replaces an item.
func (p *Postgres) PutItem(ctx context.Context, item catalog.Item) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO items (id, title, author, total_copies)
		VALUES (:id, :title, :author, :total_copies)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, author = EXCLUDED.author,
		    total_copies = EXCLUDED.total_copies, updated_at = NOW()
	`, item)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// GetItem reads an item outside any transaction.
func (p *Postgres) GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error) {
	return getItem(ctx, p.db, itemSelect, id)
}

// GetMember reads a member outside any transaction.
func (p *Postgres) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	return getMember(ctx, p.db, memberSelect, id)
}

// PutMember inserts or replaces a member.
func (p *Postgres) PutMember(ctx context.Context, member membership.Member) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO members (id, name, status)
		VALUES (:id, :name, :status)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status, updated_at = NOW()
	`, member)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	return nil
}

// pgTx implements circulation.Tx. With lock set, entity reads take FOR UPDATE row locks.
type pgTx struct {
	tx      *sqlx.Tx
	journal *eventlog.Journal
	lock    bool
}

func (t *pgTx) forUpdate(query string) string {
	if t.lock {
		return query + " FOR UPDATE"
	}
	return query
}

const (
	itemSelect   = `SELECT id, title, author, total_copies FROM items WHERE id = $1`
	memberSelect = `SELECT id, name, status FROM members WHERE id = $1`
)

func getItem(ctx context.Context, q sqlx.QueryerContext, query string, id uuid.UUID) (catalog.Item, error) {
	var item catalog.Item
	err := sqlx.GetContext(ctx, q, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Item{}, itemNotFound(id)
	}
	if err != nil {
		return catalog.Item{}, fmt.Errorf("failed to get item: %w", mapError(err))
	}
	return item, nil
}

func getMember(ctx context.Context, q sqlx.QueryerContext, query string, id uuid.UUID) (membership.Member, error) {
	var member membership.Member
	err := sqlx.GetContext(ctx, q, &member, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return membership.Member{}, memberNotFound(id)
	}
	if err != nil {
		return membership.Member{}, fmt.Errorf("failed to get member: %w", mapError(err))
	}
	return member, nil
}

func (t *pgTx) GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error) {
	return getItem(ctx, t.tx, t.forUpdate(itemSelect), id)
}

func (t *pgTx) GetMember(ctx context.Context, id uuid.UUID) (membership.Member, error) {
	return getMember(ctx, t.tx, t.forUpdate(memberSelect), id)
}

func (t *pgTx) GetLoan(ctx context.Context, id uuid.UUID) (circulation.Loan, error) {
	var loan circulation.Loan
	err := t.tx.GetContext(ctx, &loan, t.forUpdate(loanSelect+` WHERE id = $1`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, loanNotFound(id)
	}
	if err != nil {
		return circulation.Loan{}, fmt.Errorf("failed to get loan: %w", mapError(err))
	}
	return normalize(loan), nil
}

func (t *pgTx) CreateLoan(ctx context.Context, loan circulation.Loan) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO loans (id, item_id, member_id, borrow_date, due_date, return_date,
		                   state, fine_assessed, fine_paid, notes, version)
		VALUES ($1, $2, $3, $4::date, $5::date, $6::date, $7, $8, $9, $10, $11)
	`, loan.ID, loan.ItemID, loan.MemberID,
		calendar.Format(loan.BorrowDate), calendar.Format(loan.DueDate), dateParam(loan.ReturnDate),
		loan.State, loan.FineAssessed, loan.FinePaid, loan.Notes, loan.Version)
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) UpdateLoan(ctx context.Context, loan circulation.Loan) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE loans
		SET return_date = $1::date, state = $2, fine_assessed = $3, fine_paid = $4,
		    notes = $5, version = $6, updated_at = NOW()
		WHERE id = $7 AND version = $8
	`, dateParam(loan.ReturnDate), loan.State, loan.FineAssessed, loan.FinePaid,
		loan.Notes, loan.Version, loan.ID, loan.Version-1)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", mapError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: loan %s changed since it was read", circulation.ErrConcurrencyConflict, loan.ID)
	}
	return nil
}

func (t *pgTx) CountOpenLoansForItem(ctx context.Context, itemID uuid.UUID) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM loans WHERE item_id = $1 AND state = 'open'`, itemID)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans for item: %w", mapError(err))
	}
	return n, nil
}

func (t *pgTx) CountOpenLoansForMember(ctx context.Context, memberID uuid.UUID) (int, error) {
	var n int
	err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM loans WHERE member_id = $1 AND state = 'open'`, memberID)
	if err != nil {
		return 0, fmt.Errorf("failed to count open loans for member: %w", mapError(err))
	}
	return n, nil
}

func (t *pgTx) FindOpenLoan(ctx context.Context, itemID, memberID uuid.UUID) (circulation.Loan, bool, error) {
	var loan circulation.Loan
	err := t.tx.GetContext(ctx, &loan,
		loanSelect+` WHERE item_id = $1 AND member_id = $2 AND state = 'open' LIMIT 1`, itemID, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, false, nil
	}
	if err != nil {
		return circulation.Loan{}, false, fmt.Errorf("failed to find open loan: %w", mapError(err))
	}
	return normalize(loan), true, nil
}

func (t *pgTx) HasOverdueLoans(ctx context.Context, memberID uuid.UUID, asOf time.Time) (bool, error) {
	var overdue bool
	err := t.tx.GetContext(ctx, &overdue, `
		SELECT EXISTS (
			SELECT 1 FROM loans
			WHERE member_id = $1 AND state = 'open' AND due_date < $2::date
		)`, memberID, calendar.Format(asOf))
	if err != nil {
		return false, fmt.Errorf("failed to check overdue loans: %w", mapError(err))
	}
	return overdue, nil
}

func (t *pgTx) SumOutstandingFinesForMember(ctx context.Context, memberID uuid.UUID) (money.Money, error) {
	var total money.Money
	err := t.tx.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(fine_assessed - fine_paid), 0)
		FROM loans
		WHERE member_id = $1 AND fine_assessed > fine_paid
	`, memberID)
	if err != nil {
		return money.Zero, fmt.Errorf("failed to sum outstanding fines: %w", mapError(err))
	}
	return total, nil
}

func (t *pgTx) AppendEvents(ctx context.Context, loanID uuid.UUID, expectedVersion int, events []eventlog.Event) error {
	return t.journal.Append(ctx, t.tx, loanID, expectedVersion, events)
}

func dateParam(day *time.Time) *string {
	if day == nil {
		return nil
	}
	s := calendar.Format(*day)
	return &s
}

// normalize maps scanned DATE columns onto UTC midnight.
func normalize(loan circulation.Loan) circulation.Loan {
	loan.BorrowDate = calendar.Day(loan.BorrowDate)
	loan.DueDate = calendar.Day(loan.DueDate)
	if loan.ReturnDate != nil {
		day := calendar.Day(*loan.ReturnDate)
		loan.ReturnDate = &day
	}
	return loan
}
