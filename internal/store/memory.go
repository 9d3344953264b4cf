package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/elibrary/circulation/internal/models"
)

// Memory is an in-process Store. Transactions are serialized by a single mutex and
// rolled back by restoring a snapshot taken when they start.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	books    map[int64]models.Book
	users    map[string]models.User
	borrows  map[int64]models.BorrowRecord
	fines    map[int64]models.Fine
	actions  []models.FineAction
	statuses map[string]models.UserStatus
	reviews  map[int64]models.Review

	nextBookID   int64
	nextBorrowID int64
	nextFineID   int64
	nextActionID int64
	nextReviewID int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		books:    map[int64]models.Book{},
		users:    map[string]models.User{},
		borrows:  map[int64]models.BorrowRecord{},
		fines:    map[int64]models.Fine{},
		statuses: map[string]models.UserStatus{},
		reviews:  map[int64]models.Review{},
	}}
}

func (st *memState) clone() *memState {
	c := *st
	c.books = maps.Clone(st.books)
	c.users = maps.Clone(st.users)
	c.borrows = maps.Clone(st.borrows)
	c.fines = maps.Clone(st.fines)
	c.actions = slices.Clone(st.actions)
	c.statuses = maps.Clone(st.statuses)
	c.reviews = maps.Clone(st.reviews)
	return &c
}

func (m *Memory) InTx(ctx context.Context, fn func(Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memRepo{st: m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) View(ctx context.Context, fn func(Repository) error) error {
	return m.InTx(ctx, fn)
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// AddBook stores a catalogue entry and returns its id.
func (m *Memory) AddBook(b models.Book) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextBookID++
	b.ID = m.state.nextBookID
	m.state.books[b.ID] = b
	return b.ID
}

// AddUser stores borrower contact data.
func (m *Memory) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[u.ID] = u
}

type memRepo struct {
	st *memState
}

func (r *memRepo) GetBook(_ context.Context, id int64) (*models.Book, error) {
	b, ok := r.st.books[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r *memRepo) LockBook(ctx context.Context, id int64) (*models.Book, error) {
	return r.GetBook(ctx, id)
}

func (r *memRepo) TakeCopy(_ context.Context, bookID int64, now time.Time) (bool, error) {
	b, ok := r.st.books[bookID]
	if !ok || b.IsDeleted || b.AvailableQuantity <= 0 {
		return false, nil
	}
	b.AvailableQuantity--
	b.UpdatedAt = now
	r.st.books[bookID] = b
	return true, nil
}

func (r *memRepo) ReleaseCopy(_ context.Context, bookID int64, now time.Time) error {
	b, ok := r.st.books[bookID]
	if !ok {
		return nil
	}
	b.AvailableQuantity = min(b.AvailableQuantity+1, b.Quantity)
	b.UpdatedAt = now
	r.st.books[bookID] = b
	return nil
}

func (r *memRepo) GetUser(_ context.Context, id string) (*models.User, error) {
	u, ok := r.st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (r *memRepo) openLoanConflict(b *models.BorrowRecord) bool {
	if !b.Status.IsOpen() {
		return false
	}
	for id, other := range r.st.borrows {
		if id != b.ID && other.UserID == b.UserID && other.BookID == b.BookID && other.Status.IsOpen() {
			return true
		}
	}
	return false
}

func (r *memRepo) CreateBorrow(_ context.Context, b *models.BorrowRecord) error {
	if r.openLoanConflict(b) {
		return fmt.Errorf("%w: borrow_records_one_open_loan", ErrConflict)
	}
	r.st.nextBorrowID++
	b.ID = r.st.nextBorrowID
	r.st.borrows[b.ID] = *b
	return nil
}

func (r *memRepo) GetBorrow(_ context.Context, id int64) (*models.BorrowRecord, error) {
	b, ok := r.st.borrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r *memRepo) LockBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error) {
	return r.GetBorrow(ctx, id)
}

func (r *memRepo) UpdateBorrow(_ context.Context, b *models.BorrowRecord) error {
	cur, ok := r.st.borrows[b.ID]
	if !ok {
		return ErrNotFound
	}
	if r.openLoanConflict(b) {
		return fmt.Errorf("%w: borrow_records_one_open_loan", ErrConflict)
	}
	next := *b
	next.UserID, next.BookID, next.BorrowDate, next.CreatedAt = cur.UserID, cur.BookID, cur.BorrowDate, cur.CreatedAt
	r.st.borrows[b.ID] = next
	return nil
}

func (r *memRepo) HasOpenBorrow(_ context.Context, userID string, bookID int64) (bool, error) {
	for _, b := range r.st.borrows {
		if b.UserID == userID && b.BookID == bookID && b.Status.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListBorrows(_ context.Context, f BorrowFilter) ([]models.BorrowRecord, error) {
	out := []models.BorrowRecord{}
	for _, b := range r.st.borrows {
		if f.UserID != "" && b.UserID != f.UserID {
			continue
		}
		if f.BookID != 0 && b.BookID != f.BookID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, b.Status) {
			continue
		}
		if f.DueBefore != nil && !b.DueDate.Before(*f.DueBefore) {
			continue
		}
		if f.Unreturned && b.ReturnDate != nil {
			continue
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b models.BorrowRecord) int { return cmp.Compare(a.ID, b.ID) })
	if f.Limit > 0 && uint(len(out)) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) ListReminderCandidates(_ context.Context, now time.Time, ranges []TimeRange) ([]models.ReminderCandidate, error) {
	out := []models.ReminderCandidate{}
	for _, b := range r.st.borrows {
		if b.Status != models.BorrowStatusBorrowed || b.ReturnDate != nil || !b.DueDate.After(now) {
			continue
		}
		inWindow := false
		for _, tr := range ranges {
			if !b.DueDate.Before(tr.Start) && b.DueDate.Before(tr.End) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			continue
		}
		c := models.ReminderCandidate{BorrowRecord: b}
		if u, ok := r.st.users[b.UserID]; ok {
			c.Email, c.FirstName, c.LastName = u.Email, u.FirstName, u.LastName
		}
		if bk, ok := r.st.books[b.BookID]; ok {
			c.BookTitle = bk.Title
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.ReminderCandidate) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r *memRepo) AppendBorrowNote(_ context.Context, id int64, line string, now time.Time) error {
	b, ok := r.st.borrows[id]
	if !ok {
		return ErrNotFound
	}
	if b.Notes == "" {
		b.Notes = line
	} else {
		b.Notes = strings.Join([]string{b.Notes, line}, "\n")
	}
	b.UpdatedAt = now
	r.st.borrows[id] = b
	return nil
}

func (r *memRepo) pendingOverdueConflict(f *models.Fine) bool {
	if f.Kind != models.FineKindOverdue || f.Status != models.FineStatusPending || f.BorrowRecordID == nil {
		return false
	}
	for id, other := range r.st.fines {
		if id != f.ID && other.Kind == models.FineKindOverdue && other.Status == models.FineStatusPending &&
			other.BorrowRecordID != nil && *other.BorrowRecordID == *f.BorrowRecordID {
			return true
		}
	}
	return false
}

func (r *memRepo) CreateFine(_ context.Context, f *models.Fine) error {
	if r.pendingOverdueConflict(f) {
		return fmt.Errorf("%w: fines_one_pending_overdue", ErrConflict)
	}
	r.st.nextFineID++
	f.ID = r.st.nextFineID
	r.st.fines[f.ID] = *f
	return nil
}

func (r *memRepo) GetFine(_ context.Context, id int64) (*models.Fine, error) {
	f, ok := r.st.fines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (r *memRepo) LockFine(ctx context.Context, id int64) (*models.Fine, error) {
	return r.GetFine(ctx, id)
}

func (r *memRepo) UpdateFine(_ context.Context, f *models.Fine) error {
	cur, ok := r.st.fines[f.ID]
	if !ok {
		return ErrNotFound
	}
	if r.pendingOverdueConflict(f) {
		return fmt.Errorf("%w: fines_one_pending_overdue", ErrConflict)
	}
	cur.Amount, cur.Reason, cur.Status = f.Amount, f.Reason, f.Status
	cur.DueDate, cur.PaidDate, cur.UpdatedAt = f.DueDate, f.PaidDate, f.UpdatedAt
	r.st.fines[f.ID] = cur
	return nil
}

func (r *memRepo) FindPendingOverdueFine(_ context.Context, borrowRecordID int64) (*models.Fine, error) {
	for _, f := range r.st.fines {
		if f.BorrowRecordID != nil && *f.BorrowRecordID == borrowRecordID &&
			f.Kind == models.FineKindOverdue && f.Status == models.FineStatusPending {
			return &f, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) ListFines(_ context.Context, f FineFilter) ([]models.Fine, error) {
	out := []models.Fine{}
	for _, fine := range r.st.fines {
		if f.UserID != "" && fine.UserID != f.UserID {
			continue
		}
		if f.BorrowRecordID != 0 && (fine.BorrowRecordID == nil || *fine.BorrowRecordID != f.BorrowRecordID) {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, fine.Status) {
			continue
		}
		if f.Kind != "" && fine.Kind != f.Kind {
			continue
		}
		out = append(out, fine)
	}
	slices.SortFunc(out, func(a, b models.Fine) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r *memRepo) CreateFineAction(_ context.Context, a *models.FineAction) error {
	if _, ok := r.st.fines[a.FineID]; !ok {
		return ErrNotFound
	}
	r.st.nextActionID++
	a.ID = r.st.nextActionID
	r.st.actions = append(r.st.actions, *a)
	return nil
}

func (r *memRepo) ListFineActions(_ context.Context, fineID int64) ([]models.FineAction, error) {
	out := []models.FineAction{}
	for _, a := range r.st.actions {
		if a.FineID == fineID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) FineTotals(context.Context) ([]models.FineTotal, error) {
	type key struct {
		status models.FineStatus
		kind   models.FineKind
	}
	groups := map[key]*models.FineTotal{}
	for _, f := range r.st.fines {
		k := key{f.Status, f.Kind}
		t, ok := groups[k]
		if !ok {
			t = &models.FineTotal{Status: f.Status, Kind: f.Kind, Amount: decimal.Zero}
			groups[k] = t
		}
		t.Count++
		t.Amount = t.Amount.Add(f.Amount)
	}
	out := make([]models.FineTotal, 0, len(groups))
	for _, t := range groups {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b models.FineTotal) int {
		if c := cmp.Compare(a.Status, b.Status); c != 0 {
			return c
		}
		return cmp.Compare(a.Kind, b.Kind)
	})
	return out, nil
}

func (r *memRepo) CreateReview(_ context.Context, rv *models.Review) error {
	for _, other := range r.st.reviews {
		if other.UserID == rv.UserID && other.BookID == rv.BookID {
			return fmt.Errorf("%w: reviews_one_per_user_book", ErrConflict)
		}
	}
	r.st.nextReviewID++
	rv.ID = r.st.nextReviewID
	r.st.reviews[rv.ID] = *rv
	return nil
}

func (r *memRepo) GetReview(_ context.Context, id int64) (*models.Review, error) {
	rv, ok := r.st.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rv, nil
}

func (r *memRepo) UpdateReview(_ context.Context, rv *models.Review) error {
	cur, ok := r.st.reviews[rv.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Rating, cur.Comment, cur.UpdatedAt = rv.Rating, rv.Comment, rv.UpdatedAt
	r.st.reviews[rv.ID] = cur
	return nil
}

func (r *memRepo) FindUserReview(_ context.Context, userID string, bookID int64) (*models.Review, error) {
	for _, rv := range r.st.reviews {
		if rv.UserID == userID && rv.BookID == bookID {
			return &rv, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) ListBookReviews(_ context.Context, bookID int64) ([]models.Review, error) {
	out := []models.Review{}
	for _, rv := range r.st.reviews {
		if rv.BookID == bookID {
			out = append(out, rv)
		}
	}
	// newest first
	slices.SortFunc(out, func(a, b models.Review) int { return cmp.Compare(b.ID, a.ID) })
	return out, nil
}

func (r *memRepo) EnsureUserStatus(_ context.Context, userID string, borrowLimit int, now time.Time) error {
	if _, ok := r.st.statuses[userID]; ok {
		return nil
	}
	r.st.statuses[userID] = models.UserStatus{
		UserID:                userID,
		AccountStatus:         models.AccountStatusActive,
		TotalOutstandingFines: decimal.Zero,
		MaxBorrowLimit:        borrowLimit,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	return nil
}

func (r *memRepo) GetUserStatus(_ context.Context, userID string) (*models.UserStatus, error) {
	s, ok := r.st.statuses[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (r *memRepo) LockUserStatus(ctx context.Context, userID string) (*models.UserStatus, error) {
	return r.GetUserStatus(ctx, userID)
}

func (r *memRepo) UpdateUserStatus(_ context.Context, s *models.UserStatus) error {
	cur, ok := r.st.statuses[s.UserID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != s.Version {
		return fmt.Errorf("optimistic lock failed for user %s: %w", s.UserID, ErrConflict)
	}
	next := *s
	next.Version++
	next.CreatedAt = cur.CreatedAt
	r.st.statuses[s.UserID] = next
	s.Version = next.Version
	return nil
}
