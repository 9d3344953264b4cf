package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/store"
)

var statusColumns = []string{
	"user_id", "account_status", "total_outstanding_fines", "overdue_fines_count", "max_borrow_limit",
	"current_borrow_count", "block_reason", "blocked_until", "version", "created_at", "updated_at",
}

func testLedgerConfig() LedgerConfig {
	return LedgerConfig{
		DefaultBorrowLimit:  5,
		HardBlockThreshold:  decimal.NewFromInt(100000),
		SoftBorrowThreshold: decimal.NewFromInt(50000),
	}
}

func newMemoryLedger(t *testing.T) (*LedgerService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewMock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewLedgerService(mem, clk, testLedgerConfig(), nil, zap.NewNop()), mem
}

func TestLedgerService_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	service := NewLedgerService(store.NewPostgres(db), clock.NewMock(now), testLedgerConfig(), nil, zap.NewNop())
	ctx := context.Background()

	t.Run("add fine locks the row and bumps the version", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO user_statuses .* ON CONFLICT \\(user_id\\) DO NOTHING").
			WithArgs("u1", "Active", 5, now).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT user_id, .* FROM user_statuses WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows(statusColumns).
				AddRow("u1", "Active", "90000", 2, 5, 1, "", nil, 4, now, now))
		mock.ExpectExec("UPDATE user_statuses SET .* WHERE user_id = \\$9 AND version = \\$10").
			WithArgs("Blocked", "120000", 3, 5, 1, "Outstanding fines exceed limit: 120000", nil, now, "u1", 4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := service.AddFine(ctx, "u1", decimal.NewFromInt(30000))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("optimistic lock failure is an infrastructure error", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO user_statuses").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT user_id, .* FROM user_statuses WHERE user_id = \\$1 FOR UPDATE").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows(statusColumns).
				AddRow("u1", "Active", "0", 0, 5, 1, "", nil, 4, now, now))
		mock.ExpectExec("UPDATE user_statuses SET").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.IncrementBorrowCount(ctx, "u1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
		assert.Equal(t, KindInfrastructure, KindOf(err))
		assert.True(t, errors.Is(err, store.ErrConflict))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GetStatusCreatesDefault(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()

	st, err := ledger.GetStatus(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, st.AccountStatus)
	assert.Equal(t, 5, st.MaxBorrowLimit)
	assert.Equal(t, 0, st.CurrentBorrowCount)
	assert.True(t, st.TotalOutstandingFines.IsZero())

	_, err = ledger.GetStatus(ctx, "")
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestLedgerService_BorrowCount(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.IncrementBorrowCount(ctx, "u1"))
	require.NoError(t, ledger.IncrementBorrowCount(ctx, "u1"))
	require.NoError(t, ledger.DecrementBorrowCount(ctx, "u1"))
	require.NoError(t, ledger.DecrementBorrowCount(ctx, "u1"))
	require.NoError(t, ledger.DecrementBorrowCount(ctx, "u1"))

	st, err := ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentBorrowCount)
}

func TestLedgerService_BlockAndUnblockThroughFines(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.AddFine(ctx, "u1", decimal.NewFromInt(60000)))
	st, err := ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, st.AccountStatus)
	assert.Equal(t, 1, st.OverdueFinesCount)

	require.NoError(t, ledger.AddFine(ctx, "u1", decimal.NewFromInt(50000)))
	st, err = ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)
	assert.NotEmpty(t, st.BlockReason)
	assert.Equal(t, 2, st.OverdueFinesCount)

	// partial payment keeps the block
	require.NoError(t, ledger.PayFine(ctx, "u1", decimal.NewFromInt(100000)))
	st, err = ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)
	assert.True(t, decimal.NewFromInt(10000).Equal(st.TotalOutstandingFines))

	require.NoError(t, ledger.PayFine(ctx, "u1", decimal.NewFromInt(10000)))
	st, err = ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, st.AccountStatus)
	assert.Empty(t, st.BlockReason)
	assert.Nil(t, st.BlockedUntil)
}

func TestLedgerService_FineKeepsManualBlockReason(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.BlockUser(ctx, "u1", "damaged three books", nil))
	require.NoError(t, ledger.AddFine(ctx, "u1", decimal.NewFromInt(150000)))
	require.NoError(t, ledger.IncreaseFine(ctx, "u1", decimal.NewFromInt(20000)))

	st, err := ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)
	assert.Equal(t, "damaged three books", st.BlockReason)
	assert.True(t, decimal.NewFromInt(170000).Equal(st.TotalOutstandingFines))
}

func TestLedgerService_PayFineFloorsAtZero(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.AddFine(ctx, "u1", decimal.NewFromInt(5000)))
	require.NoError(t, ledger.PayFine(ctx, "u1", decimal.NewFromInt(9000)))

	st, err := ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.TotalOutstandingFines.IsZero())

	assert.Equal(t, KindValidation, KindOf(ledger.PayFine(ctx, "u1", decimal.NewFromInt(-1))))
}

func TestLedgerService_IncreaseFine(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()

	require.NoError(t, ledger.AddFine(ctx, "u1", decimal.NewFromInt(15000)))
	require.NoError(t, ledger.IncreaseFine(ctx, "u1", decimal.NewFromInt(85000)))

	st, err := ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100000).Equal(st.TotalOutstandingFines))
	assert.Equal(t, 1, st.OverdueFinesCount)
	assert.Equal(t, models.AccountStatusActive, st.AccountStatus, "threshold is exclusive")

	require.NoError(t, ledger.IncreaseFine(ctx, "u1", decimal.NewFromInt(1)))
	st, err = ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusBlocked, st.AccountStatus)
}

func TestLedgerService_ManualBlock(t *testing.T) {
	ledger, _ := newMemoryLedger(t)
	ctx := context.Background()
	until := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, KindValidation, KindOf(ledger.BlockUser(ctx, "u1", "", nil)))

	require.NoError(t, ledger.BlockUser(ctx, "u1", "damaged property", &until))
	elig, err := ledger.CanUserBorrow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, elig.Allowed)
	assert.Contains(t, elig.Reason, "damaged property")
	assert.True(t, errors.Is(elig.Err, ErrAccountBlocked))

	require.NoError(t, ledger.UnblockUser(ctx, "u1"))
	st, err := ledger.GetStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.AccountStatusActive, st.AccountStatus)
	assert.Nil(t, st.BlockedUntil)
}

func TestLedgerService_Evaluate(t *testing.T) {
	ledger, _ := newMemoryLedger(t)

	tests := []struct {
		name    string
		status  models.UserStatus
		allowed bool
		want    error
	}{
		{"active under limits", models.UserStatus{AccountStatus: models.AccountStatusActive, MaxBorrowLimit: 5, CurrentBorrowCount: 4, TotalOutstandingFines: decimal.NewFromInt(50000)}, true, nil},
		{"blocked", models.UserStatus{AccountStatus: models.AccountStatusBlocked, MaxBorrowLimit: 5}, false, ErrAccountBlocked},
		{"at limit", models.UserStatus{AccountStatus: models.AccountStatusActive, MaxBorrowLimit: 5, CurrentBorrowCount: 5}, false, ErrBorrowLimitReached},
		{"fines above soft gate", models.UserStatus{AccountStatus: models.AccountStatusActive, MaxBorrowLimit: 5, TotalOutstandingFines: decimal.NewFromInt(50001)}, false, ErrFinesExceedLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.status
			got := ledger.Evaluate(&st)
			assert.Equal(t, tt.allowed, got.Allowed)
			if tt.want != nil {
				assert.True(t, errors.Is(got.Err, tt.want))
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}
