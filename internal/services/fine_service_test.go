package services

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elibrary/circulation/internal/models"
)

func TestFineService_PayFine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{LostFee: dec(150000)})
	bookID := env.addBook("Dune", 1)
	record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
	require.NoError(t, err)
	_, err = env.borrows.UpdateBorrowStatus(ctx, record.ID, models.BorrowStatusLost, "")
	require.NoError(t, err)
	require.Equal(t, models.AccountStatusBlocked, env.status(t, "u1").AccountStatus)

	fines := env.userFines(t, "u1")
	require.Len(t, fines, 1)
	fineID := fines[0].ID

	t.Run("actor is required", func(t *testing.T) {
		_, err := env.fines.PayFine(ctx, fineID, "", "")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("paying in full unblocks", func(t *testing.T) {
		env.clock.Advance(day)
		paid, err := env.fines.PayFine(ctx, fineID, "librarian-1", "cash")
		require.NoError(t, err)
		assert.Equal(t, models.FineStatusPaid, paid.Status)
		require.NotNil(t, paid.PaidDate)
		assert.Equal(t, env.clock.Now(), *paid.PaidDate)

		st := env.status(t, "u1")
		assert.True(t, st.TotalOutstandingFines.IsZero())
		assert.Equal(t, models.AccountStatusActive, st.AccountStatus)
		assert.Empty(t, st.BlockReason)

		actions, err := env.fines.ListFineActions(ctx, fineID)
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, models.FineActionPaymentReceived, actions[1].Action)
		assert.Equal(t, "librarian-1", actions[1].ActorID)
		assert.Equal(t, "cash", actions[1].Notes)
	})

	t.Run("settled fines cannot be paid again", func(t *testing.T) {
		_, err := env.fines.PayFine(ctx, fineID, "librarian-1", "")
		assert.True(t, errors.Is(err, ErrFineAlreadySettled))
		assert.Equal(t, KindStateConflict, KindOf(err))

		_, err = env.fines.WaiveFine(ctx, fineID, "librarian-1", "goodwill", "")
		assert.True(t, errors.Is(err, ErrFineAlreadySettled))
	})

	t.Run("unknown fine", func(t *testing.T) {
		_, err := env.fines.PayFine(ctx, 9999, "librarian-1", "")
		assert.True(t, errors.Is(err, ErrFineNotFound))

		_, err = env.fines.GetFine(ctx, 9999)
		assert.True(t, errors.Is(err, ErrFineNotFound))
		assert.Equal(t, KindNotFound, KindOf(err))
	})
}

func TestFineService_WaiveFine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{})
	bookID := env.addBook("Dune", 1)
	record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
	require.NoError(t, err)
	env.clock.Set(record.DueDate.Add(4 * day))
	_, err = env.borrows.ReturnBook(ctx, record.ID)
	require.NoError(t, err)

	fines := env.userFines(t, "u1")
	require.Len(t, fines, 1)

	_, err = env.fines.WaiveFine(ctx, fines[0].ID, "librarian-1", "", "")
	assert.Equal(t, KindValidation, KindOf(err))

	waived, err := env.fines.WaiveFine(ctx, fines[0].ID, "librarian-1", "book drop was closed", "")
	require.NoError(t, err)
	assert.Equal(t, models.FineStatusWaived, waived.Status)
	assert.Nil(t, waived.PaidDate)

	st := env.status(t, "u1")
	assert.True(t, st.TotalOutstandingFines.IsZero())

	actions, err := env.fines.ListFineActions(ctx, fines[0].ID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, models.FineActionWaived, actions[1].Action)
	assert.Equal(t, "Waived: book drop was closed", actions[1].Description)

	// a waived overdue fine no longer occupies the one-pending slot
	got, err := env.fines.GetFine(ctx, fines[0].ID)
	require.NoError(t, err)
	assert.False(t, got.Status.IsOutstanding())
}

func TestFineService_CreateFine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{})
	bookID := env.addBook("Dune", 1)
	record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u1", BookID: bookID})
	require.NoError(t, err)

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := env.fines.CreateFine(ctx, ManualFine{UserID: "u1", Amount: dec(0), Reason: "x"}, "librarian-1")
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = env.fines.CreateFine(ctx, ManualFine{UserID: "u1", Amount: dec(1000), Reason: "  "}, "librarian-1")
		assert.Equal(t, KindValidation, KindOf(err))

		_, err = env.fines.CreateFine(ctx, ManualFine{UserID: "u1", Amount: dec(1000), Reason: "x"}, "")
		assert.Equal(t, KindValidation, KindOf(err))

		past := env.clock.Now().Add(-day)
		_, err = env.fines.CreateFine(ctx, ManualFine{UserID: "u1", Amount: dec(1000), Reason: "x", DueDate: &past}, "librarian-1")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("loan must belong to the user", func(t *testing.T) {
		_, err := env.fines.CreateFine(ctx, ManualFine{UserID: "u2", BorrowRecordID: &record.ID, Amount: dec(1000), Reason: "x"}, "librarian-1")
		assert.Equal(t, KindValidation, KindOf(err))

		missing := int64(999)
		_, err = env.fines.CreateFine(ctx, ManualFine{UserID: "u1", BorrowRecordID: &missing, Amount: dec(1000), Reason: "x"}, "librarian-1")
		assert.True(t, errors.Is(err, ErrBorrowNotFound))
	})

	t.Run("charges the ledger", func(t *testing.T) {
		fine, err := env.fines.CreateFine(ctx, ManualFine{
			UserID:         "u1",
			BorrowRecordID: &record.ID,
			Amount:         dec(120000),
			Reason:         "coffee on pages 40-90",
			Notes:          "photographed at desk",
		}, "librarian-1")
		require.NoError(t, err)
		assert.Equal(t, models.FineKindManual, fine.Kind)
		assert.Equal(t, models.FineStatusPending, fine.Status)
		require.NotNil(t, fine.DueDate)
		assert.Equal(t, env.clock.Now().AddDate(0, 0, 30), *fine.DueDate)

		st := env.status(t, "u1")
		assert.True(t, dec(120000).Equal(st.TotalOutstandingFines))
		assert.Equal(t, 1, st.OverdueFinesCount)
		assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)

		actions, err := env.fines.ListFineActions(ctx, fine.ID)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, models.FineActionCreated, actions[0].Action)
		assert.Equal(t, "librarian-1", actions[0].ActorID)
		assert.Equal(t, "photographed at desk", actions[0].Notes)
	})
}

func TestFineService_UpdateFine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{})
	fine, err := env.fines.CreateFine(ctx, ManualFine{UserID: "u1", Amount: dec(40000), Reason: "torn cover"}, "librarian-1")
	require.NoError(t, err)

	t.Run("amount change moves the ledger by the difference", func(t *testing.T) {
		amount := dec(110000)
		updated, err := env.fines.UpdateFine(ctx, fine.ID, FineUpdate{Amount: &amount, Notes: "spine cracked too"}, "librarian-1")
		require.NoError(t, err)
		assert.True(t, amount.Equal(updated.Amount))

		st := env.status(t, "u1")
		assert.True(t, dec(110000).Equal(st.TotalOutstandingFines))
		assert.Equal(t, 1, st.OverdueFinesCount)
		assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)

		actions, err := env.fines.ListFineActions(ctx, fine.ID)
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, models.FineActionAmountUpdated, actions[1].Action)
		assert.Equal(t, "adjusted by 70000 spine cracked too", actions[1].Notes)
	})

	t.Run("lowering the amount does not unblock", func(t *testing.T) {
		amount := dec(30000)
		_, err := env.fines.UpdateFine(ctx, fine.ID, FineUpdate{Amount: &amount}, "librarian-1")
		require.NoError(t, err)

		st := env.status(t, "u1")
		assert.True(t, dec(30000).Equal(st.TotalOutstandingFines))
		assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)
	})

	t.Run("reason and due date edits", func(t *testing.T) {
		reason := "torn cover and spine"
		due := env.clock.Now().AddDate(0, 0, 60)
		updated, err := env.fines.UpdateFine(ctx, fine.ID, FineUpdate{Reason: &reason, DueDate: &due}, "librarian-2")
		require.NoError(t, err)
		assert.Equal(t, reason, updated.Reason)
		assert.Equal(t, due, *updated.DueDate)

		actions, err := env.fines.ListFineActions(ctx, fine.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FineActionEdited, actions[len(actions)-1].Action)
		assert.True(t, dec(30000).Equal(env.status(t, "u1").TotalOutstandingFines))
	})

	t.Run("empty update", func(t *testing.T) {
		_, err := env.fines.UpdateFine(ctx, fine.ID, FineUpdate{}, "librarian-1")
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("overdue fines only take a due date", func(t *testing.T) {
		bookID := env.addBook("Dune", 1)
		record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u2", BookID: bookID})
		require.NoError(t, err)
		env.clock.Set(record.DueDate.Add(4 * day))
		_, err = env.borrows.ReturnBook(ctx, record.ID)
		require.NoError(t, err)
		overdue := env.userFines(t, "u2")
		require.Len(t, overdue, 1)

		amount := dec(1)
		_, err = env.fines.UpdateFine(ctx, overdue[0].ID, FineUpdate{Amount: &amount}, "librarian-1")
		assert.True(t, errors.Is(err, ErrFineNotEditable))

		due := env.clock.Now().AddDate(0, 0, 90)
		_, err = env.fines.UpdateFine(ctx, overdue[0].ID, FineUpdate{DueDate: &due}, "librarian-1")
		assert.NoError(t, err)
	})

	t.Run("settled fines are frozen", func(t *testing.T) {
		_, err := env.fines.PayFine(ctx, fine.ID, "librarian-1", "")
		require.NoError(t, err)
		amount := dec(5000)
		_, err = env.fines.UpdateFine(ctx, fine.ID, FineUpdate{Amount: &amount}, "librarian-1")
		assert.True(t, errors.Is(err, ErrFineAlreadySettled))

		_, err = env.fines.UpdateFine(ctx, 9999, FineUpdate{Amount: &amount}, "librarian-1")
		assert.True(t, errors.Is(err, ErrFineNotFound))
	})
}

func TestFineService_Statistics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, ChargeConfig{})

	stats, err := env.fines.Statistics(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalFines)
	assert.True(t, stats.TotalAmount.IsZero())

	paid, err := env.fines.CreateFine(ctx, ManualFine{UserID: "u1", Amount: dec(10000), Reason: "lost card"}, "librarian-1")
	require.NoError(t, err)
	_, err = env.fines.PayFine(ctx, paid.ID, "librarian-1", "")
	require.NoError(t, err)

	waived, err := env.fines.CreateFine(ctx, ManualFine{UserID: "u2", Amount: dec(3000), Reason: "noise"}, "librarian-1")
	require.NoError(t, err)
	_, err = env.fines.WaiveFine(ctx, waived.ID, "librarian-1", "first offence", "")
	require.NoError(t, err)

	_, err = env.fines.CreateFine(ctx, ManualFine{UserID: "u2", Amount: dec(7000), Reason: "late renewal form"}, "librarian-1")
	require.NoError(t, err)

	bookID := env.addBook("Dune", 1)
	record, err := env.borrows.BorrowBook(ctx, BorrowRequest{UserID: "u3", BookID: bookID})
	require.NoError(t, err)
	env.clock.Set(record.DueDate.Add(4 * day))
	_, err = env.borrows.ReturnBook(ctx, record.ID)
	require.NoError(t, err)
	overdue := env.userFines(t, "u3")
	require.Len(t, overdue, 1)

	stats, err = env.fines.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalFines)
	assert.Equal(t, 2, stats.PendingFines)
	assert.Equal(t, 1, stats.PaidFines)
	assert.Equal(t, 1, stats.WaivedFines)
	assert.Equal(t, 1, stats.OverdueFines)
	assert.True(t, dec(10000).Equal(stats.PaidAmount))
	assert.True(t, dec(3000).Equal(stats.WaivedAmount))
	assert.True(t, dec(7000).Add(overdue[0].Amount).Equal(stats.PendingAmount))
	assert.True(t, decimal.Sum(dec(20000), overdue[0].Amount).Equal(stats.TotalAmount))
}
