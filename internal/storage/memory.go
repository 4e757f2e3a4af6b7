// internal/storage/memory.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/eventlog"
	"libracirc/internal/membership"
	"libracirc/internal/money"
)

var errReadOnly = errors.New("write in read-only transaction")

func itemNotFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %w: %s", circulation.ErrNotFound, catalog.ErrItemNotFound, id)
}

func memberNotFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %w: %s", circulation.ErrNotFound, membership.ErrMemberNotFound, id)
}

func loanNotFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %w: %s", circulation.ErrNotFound, circulation.ErrLoanNotFound, id)
}

// Memory is an in-process store. Writable transactions run one at a time
// against a staged copy that is published on commit.
type Memory struct {
	mu        sync.RWMutex
	items     map[uuid.UUID]catalog.Item
	members   map[uuid.UUID]membership.Member
	loans     map[uuid.UUID]circulation.Loan
	events    map[uuid.UUID][]eventlog.Event
	conflicts int
	seq       int64
}

func NewMemory() *Memory {
	return &Memory{
		items:   make(map[uuid.UUID]catalog.Item),
		members: make(map[uuid.UUID]membership.Member),
		loans:   make(map[uuid.UUID]circulation.Loan),
		events:  make(map[uuid.UUID][]eventlog.Event),
	}
}

func (m *Memory) PutItem(_ context.Context, item catalog.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = item
	return nil
}

func (m *Memory) PutMember(_ context.Context, member membership.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
	return nil
}

func (m *Memory) GetItem(_ context.Context, id uuid.UUID) (catalog.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return catalog.Item{}, itemNotFound(id)
	}
	return item, nil
}

func (m *Memory) GetMember(_ context.Context, id uuid.UUID) (membership.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return membership.Member{}, memberNotFound(id)
	}
	return member, nil
}

// InjectConflicts makes the next n writable commits fail with
// ErrConcurrencyConflict after fn has run.
func (m *Memory) InjectConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = n
}

func (m *Memory) WithinTx(ctx context.Context, opts circulation.TxOptions, fn func(ctx context.Context, tx circulation.Tx) error) error {
	if opts.ReadOnly {
		m.mu.RLock()
		defer m.mu.RUnlock()
	} else {
		m.mu.Lock()
		defer m.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    m,
		readOnly: opts.ReadOnly,
		loans:    make(map[uuid.UUID]circulation.Loan),
		events:   make(map[uuid.UUID][]eventlog.Event),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if opts.ReadOnly {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.conflicts > 0 {
		m.conflicts--
		return fmt.Errorf("%w: injected", circulation.ErrConcurrencyConflict)
	}

	for id, loan := range tx.loans {
		m.loans[id] = loan
	}
	for id, events := range tx.events {
		for i := range events {
			m.seq++
			events[i].ID = m.seq
		}
		m.events[id] = append(m.events[id], events...)
	}
	return nil
}

// snapshot copies the committed loans matching keep, sorted by cmp.
func (m *Memory) snapshot(keep func(circulation.Loan) bool, cmp func(a, b circulation.Loan) int) []circulation.Loan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []circulation.Loan
	for _, loan := range m.loans {
		if keep(loan) {
			out = append(out, cloneLoan(loan))
		}
	}
	slices.SortFunc(out, cmp)
	return out
}

func (m *Memory) ListOpenLoansOverdueAsOf(ctx context.Context, asOf time.Time) iter.Seq2[circulation.Loan, error] {
	return func(yield func(circulation.Loan, error) bool) {
		loans := m.snapshot(func(l circulation.Loan) bool {
			return l.IsOverdue(asOf)
		}, func(a, b circulation.Loan) int {
			if c := a.DueDate.Compare(b.DueDate); c != 0 {
				return c
			}
			return slices.Compare(a.ID[:], b.ID[:])
		})
		for _, loan := range loans {
			if err := ctx.Err(); err != nil {
				yield(circulation.Loan{}, err)
				return
			}
			if !yield(loan, nil) {
				return
			}
		}
	}
}

func (m *Memory) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.snapshot(func(l circulation.Loan) bool {
		if filter.ItemID != uuid.Nil && l.ItemID != filter.ItemID {
			return false
		}
		if filter.MemberID != uuid.Nil && l.MemberID != filter.MemberID {
			return false
		}
		if filter.WithFines && !l.FineAssessed.IsPositive() {
			return false
		}
		return true
	}, func(a, b circulation.Loan) int {
		if c := b.BorrowDate.Compare(a.BorrowDate); c != 0 {
			return c
		}
		return slices.Compare(b.ID[:], a.ID[:])
	}), nil
}

func (m *Memory) LoanEvents(_ context.Context, loanID uuid.UUID) ([]eventlog.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events[loanID]), nil
}

func (m *Memory) CheckInvariants(_ context.Context) (circulation.InvariantReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var report circulation.InvariantReport
	openPerItem := make(map[uuid.UUID]int)
	openPerPair := make(map[[2]uuid.UUID]int)
	for _, loan := range m.loans {
		if loan.FinePaid.GreaterThan(loan.FineAssessed) {
			report.OverpaidLoans++
		}
		if (loan.State == circulation.StateClosed) != (loan.ReturnDate != nil) {
			report.StateMismatches++
		}
		if loan.IsOpen() {
			openPerItem[loan.ItemID]++
			openPerPair[[2]uuid.UUID{loan.ItemID, loan.MemberID}]++
		}
	}
	for id, open := range openPerItem {
		if open > m.items[id].TotalCopies {
			report.OverCommittedItems++
		}
	}
	for _, open := range openPerPair {
		if open > 1 {
			report.DuplicateOpenLoans++
		}
	}
	return report, nil
}

// memTx reads through staged writes to the committed maps. The store lock is
// held for its whole life.
type memTx struct {
	store    *Memory
	readOnly bool
	loans    map[uuid.UUID]circulation.Loan
	events   map[uuid.UUID][]eventlog.Event
}

func (t *memTx) loan(id uuid.UUID) (circulation.Loan, bool) {
	if loan, ok := t.loans[id]; ok {
		return loan, true
	}
	loan, ok := t.store.loans[id]
	return loan, ok
}

func (t *memTx) allLoans() iter.Seq[circulation.Loan] {
	return func(yield func(circulation.Loan) bool) {
		for id, loan := range t.store.loans {
			if staged, ok := t.loans[id]; ok {
				loan = staged
			}
			if !yield(loan) {
				return
			}
		}
		for id, loan := range t.loans {
			if _, committed := t.store.loans[id]; committed {
				continue
			}
			if !yield(loan) {
				return
			}
		}
	}
}

func (t *memTx) GetItem(_ context.Context, id uuid.UUID) (catalog.Item, error) {
	item, ok := t.store.items[id]
	if !ok {
		return catalog.Item{}, itemNotFound(id)
	}
	return item, nil
}

func (t *memTx) GetMember(_ context.Context, id uuid.UUID) (membership.Member, error) {
	member, ok := t.store.members[id]
	if !ok {
		return membership.Member{}, memberNotFound(id)
	}
	return member, nil
}

func (t *memTx) GetLoan(_ context.Context, id uuid.UUID) (circulation.Loan, error) {
	loan, ok := t.loan(id)
	if !ok {
		return circulation.Loan{}, loanNotFound(id)
	}
	return cloneLoan(loan), nil
}

func (t *memTx) CreateLoan(_ context.Context, loan circulation.Loan) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, exists := t.loan(loan.ID); exists {
		return fmt.Errorf("%w: loan %s already exists", circulation.ErrConcurrencyConflict, loan.ID)
	}
	t.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (t *memTx) UpdateLoan(_ context.Context, loan circulation.Loan) error {
	if t.readOnly {
		return errReadOnly
	}
	current, ok := t.loan(loan.ID)
	if !ok {
		return loanNotFound(loan.ID)
	}
	if current.Version != loan.Version-1 {
		return fmt.Errorf("%w: loan %s changed since it was read", circulation.ErrConcurrencyConflict, loan.ID)
	}
	t.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (t *memTx) CountOpenLoansForItem(_ context.Context, itemID uuid.UUID) (int, error) {
	n := 0
	for loan := range t.allLoans() {
		if loan.IsOpen() && loan.ItemID == itemID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountOpenLoansForMember(_ context.Context, memberID uuid.UUID) (int, error) {
	n := 0
	for loan := range t.allLoans() {
		if loan.IsOpen() && loan.MemberID == memberID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindOpenLoan(_ context.Context, itemID, memberID uuid.UUID) (circulation.Loan, bool, error) {
	for loan := range t.allLoans() {
		if loan.IsOpen() && loan.ItemID == itemID && loan.MemberID == memberID {
			return cloneLoan(loan), true, nil
		}
	}
	return circulation.Loan{}, false, nil
}

func (t *memTx) HasOverdueLoans(_ context.Context, memberID uuid.UUID, asOf time.Time) (bool, error) {
	for loan := range t.allLoans() {
		if loan.MemberID == memberID && loan.IsOverdue(asOf) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) SumOutstandingFinesForMember(_ context.Context, memberID uuid.UUID) (money.Money, error) {
	total := money.Zero
	for loan := range t.allLoans() {
		if loan.MemberID == memberID && loan.HasUnpaid() {
			total = total.Add(loan.Outstanding())
		}
	}
	return total, nil
}

func (t *memTx) AppendEvents(_ context.Context, loanID uuid.UUID, expectedVersion int, events []eventlog.Event) error {
	if t.readOnly {
		return errReadOnly
	}
	stream := append(slices.Clone(t.store.events[loanID]), t.events[loanID]...)
	current := 0
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	stamped, err := eventlog.Stamp(current, expectedVersion, events, time.Now().UTC())
	if err != nil {
		return err
	}
	t.events[loanID] = append(t.events[loanID], stamped...)
	return nil
}

func cloneLoan(loan circulation.Loan) circulation.Loan {
	if loan.ReturnDate != nil {
		day := *loan.ReturnDate
		loan.ReturnDate = &day
	}
	return loan
}
