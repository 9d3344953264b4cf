package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elibrary/circulation/internal/models"
)

func TestBorrowService_BorrowBook(t *testing.T) {
	ctx := context.Background()

	t.Run("takes one copy and one borrow slot", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 3)

		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID, Notes: "front desk"})
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusBorrowed, record.Status)
		assert.Equal(t, day0.Add(14*day), record.DueDate)
		assert.NotNil(t, record.ConfirmedDate)
		assert.Equal(t, "front desk", record.Notes)

		assert.Equal(t, 2, env.book(t, bookID).AvailableQuantity)
		assert.Equal(t, 1, env.status(t, "u1").CurrentBorrowCount)
	})

	t.Run("custom due date must be in the future", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		past := day0.Add(-time.Hour)

		_, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID, DueDate: &past})
		assert.Equal(t, KindValidation, KindOf(err))

		future := day0.Add(3 * day)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID, DueDate: &future})
		require.NoError(t, err)
		assert.Equal(t, future, record.DueDate)
	})

	t.Run("sixth borrow hits the limit", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		for i := 0; i < 5; i++ {
			bookID := env.addBook(fmt.Sprintf("Book %d", i), 2)
			_, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
			require.NoError(t, err)
		}
		extra := env.addBook("Plenty", 10)

		_, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: extra})
		assert.True(t, errors.Is(err, ErrBorrowLimitReached))
		assert.Equal(t, KindPolicyViolation, KindOf(err))
		assert.Equal(t, 10, env.book(t, extra).AvailableQuantity)
		assert.Equal(t, 5, env.status(t, "u1").CurrentBorrowCount)
	})

	t.Run("blocked account and fines above the gate", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 5)

		require.NoError(t, env.ledger.BlockUser(ctx, "blocked", "lost two books", nil))
		_, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "blocked", BookID: bookID})
		assert.True(t, errors.Is(err, ErrAccountBlocked))
		assert.Contains(t, err.Error(), "lost two books")

		require.NoError(t, env.ledger.AddFine(ctx, "debtor", dec(60000)))
		_, err = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "debtor", BookID: bookID})
		assert.True(t, errors.Is(err, ErrFinesExceedLimit))
	})

	t.Run("book checks", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		empty := env.addBook("Out of stock", 0)
		deleted := env.mem.AddBook(models.Book{Title: "Withdrawn", Quantity: 1, AvailableQuantity: 1, IsDeleted: true})
		bookID := env.addBook("Dune", 2)

		_, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: 999})
		assert.True(t, errors.Is(err, ErrBookNotFound))
		assert.Equal(t, KindNotFound, KindOf(err))

		_, err = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: deleted})
		assert.True(t, errors.Is(err, ErrBookNotFound))

		_, err = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: empty})
		assert.True(t, errors.Is(err, ErrBookUnavailable))

		_, err = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)
		_, err = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		assert.True(t, errors.Is(err, ErrDuplicateActiveLoan))

		// failed attempts leave stock and counters untouched
		assert.Equal(t, 1, env.book(t, bookID).AvailableQuantity)
		assert.Equal(t, 1, env.status(t, "u1").CurrentBorrowCount)
	})
}

func TestBorrowService_ConcurrentLastCopy(t *testing.T) {
	env := newTestEnv(t, ChargeConfig{})
	bookID := env.addBook("Last copy", 1)
	ctx := context.Background()

	const readers = 12
	var wg sync.WaitGroup
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: fmt.Sprintf("reader-%d", i), BookID: bookID})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.True(t, errors.Is(err, ErrBookUnavailable), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, env.book(t, bookID).AvailableQuantity)
}

func TestBorrowService_ReturnBook(t *testing.T) {
	ctx := context.Background()

	t.Run("on time", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		env.clock.Advance(10 * day)
		result, err := env.borrows.ReturnBook(ctx, record.ID)
		require.NoError(t, err)
		assert.False(t, result.FineCharged)
		assert.True(t, result.FineAmount.IsZero())
		assert.Equal(t, "Book returned successfully", result.Message)

		assert.Equal(t, 1, env.book(t, bookID).AvailableQuantity)
		assert.Equal(t, 0, env.status(t, "u1").CurrentBorrowCount)
		assert.Empty(t, env.userFines(t, "u1"))

		got, err := env.borrows.GetBorrow(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusReturned, got.Status)
		require.NotNil(t, got.ReturnDate)

		_, err = env.borrows.ReturnBook(ctx, record.ID)
		assert.True(t, errors.Is(err, ErrAlreadyReturned))
		assert.Equal(t, KindStateConflict, KindOf(err))
	})

	t.Run("late return charges exactly one fine and the scanner adds none", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		env.clock.Set(record.DueDate.Add(3*day + 5*time.Hour))
		result, err := env.borrows.ReturnBook(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, result.FineCharged)
		assert.Equal(t, 3, result.OverdueDays)
		assert.True(t, dec(15000).Equal(result.FineAmount), result.FineAmount.String())
		assert.Contains(t, result.Message, "3 days late")

		fines := env.userFines(t, "u1")
		require.Len(t, fines, 1)
		assert.Equal(t, models.FineStatusPending, fines[0].Status)
		assert.Equal(t, models.FineKindOverdue, fines[0].Kind)
		assert.Equal(t, "Overdue 3 days - Book: Dune", fines[0].Reason)
		require.NotNil(t, fines[0].DueDate)
		assert.Equal(t, env.clock.Now().AddDate(0, 0, 30), *fines[0].DueDate)

		scan, err := env.overdue.ProcessOverdue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, scan.Candidates)
		assert.Len(t, env.userFines(t, "u1"), 1)

		st := env.status(t, "u1")
		assert.True(t, dec(15000).Equal(st.TotalOutstandingFines))
		assert.Equal(t, 1, st.OverdueFinesCount)
		assert.Equal(t, 0, st.CurrentBorrowCount)
	})

	t.Run("finalizes a fine the scanner already created", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		env.clock.Set(record.DueDate.Add(3 * day))
		_, err = env.overdue.ProcessOverdue(ctx)
		require.NoError(t, err)

		env.clock.Set(record.DueDate.Add(6 * day))
		result, err := env.borrows.ReturnBook(ctx, record.ID)
		require.NoError(t, err)
		assert.True(t, dec(30000).Equal(result.FineAmount))

		fines := env.userFines(t, "u1")
		require.Len(t, fines, 1)
		assert.True(t, dec(30000).Equal(fines[0].Amount))
		assert.Equal(t, "Overdue 6 days - Book: Dune", fines[0].Reason)

		st := env.status(t, "u1")
		assert.True(t, dec(30000).Equal(st.TotalOutstandingFines))
		assert.Equal(t, 1, st.OverdueFinesCount)

		actions, err := env.fines.ListFineActions(ctx, fines[0].ID)
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, models.FineActionCreated, actions[0].Action)
		assert.Equal(t, models.FineActionAmountUpdated, actions[1].Action)
	})

	t.Run("unknown and requested records", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)

		_, err := env.borrows.ReturnBook(ctx, 404)
		assert.True(t, errors.Is(err, ErrBorrowNotFound))

		req, err := env.borrows.RequestBorrow(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)
		_, err = env.borrows.ReturnBook(ctx, req.ID)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
	})
}

func TestBorrowService_ExtendBorrow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{})
	bookID := env.addBook("Dune", 2)
	record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
	require.NoError(t, err)

	due := record.DueDate
	for i := 1; i <= 2; i++ {
		env.clock.Advance(day)
		extended, err := env.borrows.ExtendBorrow(ctx, record.ID, "exam week")
		require.NoError(t, err)
		due = due.Add(14 * day)
		assert.Equal(t, due, extended.DueDate)
		assert.Equal(t, i, extended.ExtensionCount)
		require.NotNil(t, extended.LastExtensionDate)
		assert.Equal(t, env.clock.Now(), *extended.LastExtensionDate)
		assert.Contains(t, extended.Notes, fmt.Sprintf("[extension #%d %s] exam week", i, env.clock.Now().Format(time.RFC3339)))
	}

	_, err = env.borrows.ExtendBorrow(ctx, record.ID, "")
	assert.True(t, errors.Is(err, ErrExtensionLimitReached))
	assert.Equal(t, KindStateConflict, KindOf(err))

	t.Run("overdue loans cannot be extended", func(t *testing.T) {
		other, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u2", BookID: bookID})
		require.NoError(t, err)
		env.clock.Set(other.DueDate.Add(time.Hour))

		_, err = env.borrows.ExtendBorrow(ctx, other.ID, "")
		assert.True(t, errors.Is(err, ErrCurrentlyOverdue))

		_, err = env.overdue.ProcessOverdue(ctx)
		require.NoError(t, err)
		_, err = env.borrows.ExtendBorrow(ctx, other.ID, "")
		assert.True(t, errors.Is(err, ErrCurrentlyOverdue))
	})

	t.Run("returned and requested loans", func(t *testing.T) {
		_, err := env.borrows.ReturnBook(ctx, record.ID)
		require.NoError(t, err)
		_, err = env.borrows.ExtendBorrow(ctx, record.ID, "")
		assert.True(t, errors.Is(err, ErrAlreadyReturned))

		req, err := env.borrows.RequestBorrow(ctx, BorrowRequest{UserID: "u3", BookID: bookID})
		require.NoError(t, err)
		_, err = env.borrows.ExtendBorrow(ctx, req.ID, "")
		assert.True(t, errors.Is(err, ErrNotExtendable))
	})
}

func TestBorrowService_UpdateBorrowStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("approving a request takes a copy", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)

		req, err := env.borrows.RequestBorrow(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusRequested, req.Status)
		assert.Nil(t, req.ConfirmedDate)
		assert.Equal(t, 1, env.book(t, bookID).AvailableQuantity)
		assert.Equal(t, 0, env.status(t, "u1").CurrentBorrowCount)

		env.clock.Advance(2 * day)
		approved, err := env.borrows.UpdateBorrowStatus(ctx, req.ID, models.BorrowStatusBorrowed, "approved at desk")
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusBorrowed, approved.Status)
		require.NotNil(t, approved.ConfirmedDate)
		assert.Equal(t, env.clock.Now().Add(14*day), approved.DueDate)
		assert.Contains(t, approved.Notes, "[status Requested->Borrowed")
		assert.Equal(t, 0, env.book(t, bookID).AvailableQuantity)
		assert.Equal(t, 1, env.status(t, "u1").CurrentBorrowCount)
	})

	t.Run("illegal and self transitions are rejected", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		_, err = env.borrows.UpdateBorrowStatus(ctx, record.ID, models.BorrowStatusBorrowed, "")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Contains(t, err.Error(), "already Borrowed")

		_, err = env.borrows.UpdateBorrowStatus(ctx, record.ID, models.BorrowStatusRequested, "")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Contains(t, err.Error(), "Allowed: Returned, Lost, Damaged, Cancelled, Overdue")
	})

	t.Run("cancel releases the copy", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		cancelled, err := env.borrows.CancelBorrowRequest(ctx, record.ID, "wrong edition")
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusCancelled, cancelled.Status)
		assert.Nil(t, cancelled.ReturnDate)
		assert.Equal(t, 1, env.book(t, bookID).AvailableQuantity)
		assert.Equal(t, 0, env.status(t, "u1").CurrentBorrowCount)

		_, err = env.borrows.CancelBorrowRequest(ctx, record.ID, "")
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Contains(t, err.Error(), "already Cancelled")
	})

	t.Run("lost charges the configured fee and keeps the copy out", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{LostFee: dec(200000)})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		lost, err := env.borrows.UpdateBorrowStatus(ctx, record.ID, models.BorrowStatusLost, "reported by reader")
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusLost, lost.Status)
		assert.Equal(t, 0, env.book(t, bookID).AvailableQuantity)

		st := env.status(t, "u1")
		assert.Equal(t, 0, st.CurrentBorrowCount)
		assert.True(t, dec(200000).Equal(st.TotalOutstandingFines))
		assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)

		fines := env.userFines(t, "u1")
		require.Len(t, fines, 1)
		assert.Equal(t, models.FineKindLost, fines[0].Kind)
		assert.Equal(t, "Lost - Book: Dune", fines[0].Reason)
	})

	t.Run("damaged without a fee only releases the slot", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		_, err = env.borrows.UpdateBorrowStatus(ctx, record.ID, models.BorrowStatusDamaged, "")
		require.NoError(t, err)
		assert.Empty(t, env.userFines(t, "u1"))
		assert.Equal(t, 0, env.status(t, "u1").CurrentBorrowCount)
	})

	t.Run("returned through the override uses the return path", func(t *testing.T) {
		env := newTestEnv(t, ChargeConfig{})
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
		require.NoError(t, err)

		env.clock.Set(record.DueDate.Add(2 * day))
		returned, err := env.borrows.UpdateBorrowStatus(ctx, record.ID, models.BorrowStatusReturned, "dropbox")
		require.NoError(t, err)
		assert.Equal(t, models.BorrowStatusReturned, returned.Status)
		require.NotNil(t, returned.ReturnDate)
		assert.Contains(t, returned.Notes, "dropbox")
		assert.Len(t, env.userFines(t, "u1"), 1)
		assert.Equal(t, 1, env.book(t, bookID).AvailableQuantity)
	})
}

func TestBorrowService_Queries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{})
	dune := env.addBook("Dune", 2)
	emma := env.addBook("Emma", 2)

	late, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: dune})
	require.NoError(t, err)
	env.clock.Advance(10 * day)
	_, err = env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: emma})
	require.NoError(t, err)
	env.clock.Advance(5 * day)

	overdue, err := env.borrows.GetOverdueBorrows(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)

	borrowed, err := env.borrows.GetBorrowsByStatus(ctx, "borrowed")
	require.NoError(t, err)
	assert.Len(t, borrowed, 2)

	_, err = env.borrows.GetBorrowsByStatus(ctx, "misplaced")
	assert.Equal(t, KindValidation, KindOf(err))

	mine, err := env.borrows.ListUserBorrows(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	_, err = env.borrows.GetBorrow(ctx, 999)
	assert.True(t, errors.Is(err, ErrBorrowNotFound))
}
