package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/notification"
	"github.com/elibrary/circulation/internal/store"
)

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg notification.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// flakyStore fails every transaction that locks failBorrowID.
type flakyStore struct {
	store.Store
	failBorrowID int64
}

func (s flakyStore) InTx(ctx context.Context, fn func(store.Repository) error) error {
	return s.Store.InTx(ctx, func(r store.Repository) error {
		return fn(flakyRepo{Repository: r, failBorrowID: s.failBorrowID})
	})
}

type flakyRepo struct {
	store.Repository
	failBorrowID int64
}

func (r flakyRepo) LockBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error) {
	if id == r.failBorrowID {
		return nil, errors.New("connection reset by peer")
	}
	return r.Repository.LockBorrow(ctx, id)
}

var day0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type testEnv struct {
	mem     *store.Memory
	clock   *clock.Mock
	ledger  *LedgerService
	borrows *BorrowService
	overdue *OverdueService
	fines   *FineService
}

func newTestEnv(t *testing.T, charges ChargeConfig) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, store.NewMemory(), charges)
}

func newTestEnvWithStore(t *testing.T, mem *store.Memory, charges ChargeConfig) *testEnv {
	t.Helper()
	if charges.PaymentDueDays == 0 {
		charges.PaymentDueDays = 30
	}
	clk := clock.NewMock(day0)
	logger := zap.NewNop()

	policy, err := NewFinePolicy(PolicyProgressive, testRates())
	require.NoError(t, err)

	ledger := NewLedgerService(mem, clk, testLedgerConfig(), nil, logger)
	loans := LoanConfig{DefaultPeriod: 14 * day, ExtensionPeriod: 14 * day, MaxExtensions: 2}
	return &testEnv{
		mem:     mem,
		clock:   clk,
		ledger:  ledger,
		borrows: NewBorrowService(mem, clk, ledger, policy, loans, charges, nil, logger),
		overdue: NewOverdueService(mem, clk, ledger, policy, charges, nil, logger),
		fines:   NewFineService(mem, clk, ledger, charges, nil, logger),
	}
}

func (e *testEnv) addBook(title string, qty int) int64 {
	return e.mem.AddBook(models.Book{Title: title, Quantity: qty, AvailableQuantity: qty})
}

func (e *testEnv) book(t *testing.T, id int64) *models.Book {
	t.Helper()
	var b *models.Book
	require.NoError(t, e.mem.View(context.Background(), func(r store.Repository) error {
		var err error
		b, err = r.GetBook(context.Background(), id)
		return err
	}))
	return b
}

func (e *testEnv) userFines(t *testing.T, userID string) []models.Fine {
	t.Helper()
	fines, err := e.fines.ListUserFines(context.Background(), userID)
	require.NoError(t, err)
	return fines
}

func (e *testEnv) status(t *testing.T, userID string) *models.UserStatus {
	t.Helper()
	st, err := e.ledger.GetStatus(context.Background(), userID)
	require.NoError(t, err)
	return st
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
