package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/audit"
	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/store"
)

// LedgerConfig holds the account thresholds. SoftBorrowThreshold gates new borrows,
// HardBlockThreshold blocks the account.
type LedgerConfig struct {
	DefaultBorrowLimit  int
	HardBlockThreshold  decimal.Decimal
	SoftBorrowThreshold decimal.Decimal
}

// BorrowEligibility is the outcome of CanUserBorrow. Err carries the matching sentinel
// when Allowed is false.
type BorrowEligibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

// LedgerService owns every mutation of a user's borrowing status. Each operation
// has a Tx form that joins the caller's transaction and a plain form that opens one.
type LedgerService struct {
	store  store.Store
	clock  clock.Clock
	cfg    LedgerConfig
	audit  *audit.Logger
	logger *zap.Logger
}

func NewLedgerService(st store.Store, clk clock.Clock, cfg LedgerConfig, auditLogger *audit.Logger, logger *zap.Logger) *LedgerService {
	if cfg.DefaultBorrowLimit <= 0 {
		cfg.DefaultBorrowLimit = 5
	}
	return &LedgerService{
		store:  st,
		clock:  clk,
		cfg:    cfg,
		audit:  auditLogger,
		logger: logger.Named("ledger"),
	}
}

func (s *LedgerService) GetStatus(ctx context.Context, userID string) (*models.UserStatus, error) {
	var status *models.UserStatus
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		status, err = s.GetStatusTx(ctx, repo, userID)
		return err
	})
	return status, err
}

// GetStatusTx returns the user's status row, creating the default one if absent,
// and holds its row lock for the rest of the transaction.
func (s *LedgerService) GetStatusTx(ctx context.Context, repo store.Repository, userID string) (*models.UserStatus, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	if err := repo.EnsureUserStatus(ctx, userID, s.cfg.DefaultBorrowLimit, s.clock.Now()); err != nil {
		return nil, wrapInfra("create user status", err)
	}
	status, err := repo.LockUserStatus(ctx, userID)
	if err != nil {
		return nil, wrapInfra("lock user status", err)
	}
	return status, nil
}

func (s *LedgerService) IncrementBorrowCount(ctx context.Context, userID string) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.IncrementBorrowCountTx(ctx, repo, userID) })
}

func (s *LedgerService) IncrementBorrowCountTx(ctx context.Context, repo store.Repository, userID string) error {
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		st.CurrentBorrowCount++
	})
}

func (s *LedgerService) DecrementBorrowCount(ctx context.Context, userID string) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.DecrementBorrowCountTx(ctx, repo, userID) })
}

func (s *LedgerService) DecrementBorrowCountTx(ctx context.Context, repo store.Repository, userID string) error {
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		if st.CurrentBorrowCount > 0 {
			st.CurrentBorrowCount--
		}
	})
}

func (s *LedgerService) AddFine(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.AddFineTx(ctx, repo, userID, amount) })
}

// AddFineTx records a new fine against the user and blocks the account when the
// outstanding total passes the hard threshold.
func (s *LedgerService) AddFineTx(ctx context.Context, repo store.Repository, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return NewValidationError("amount", "fine amount must not be negative")
	}
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		st.TotalOutstandingFines = st.TotalOutstandingFines.Add(amount)
		st.OverdueFinesCount++
		s.applyBlockRule(st)
	})
}

func (s *LedgerService) IncreaseFine(ctx context.Context, userID string, delta decimal.Decimal) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.IncreaseFineTx(ctx, repo, userID, delta) })
}

// IncreaseFineTx adjusts the outstanding total for a fine whose amount was changed in
// place. The fine count is left alone. A negative delta lowers the total but never
// unblocks; only payments do that.
func (s *LedgerService) IncreaseFineTx(ctx context.Context, repo store.Repository, userID string, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		st.TotalOutstandingFines = st.TotalOutstandingFines.Add(delta)
		if st.TotalOutstandingFines.IsNegative() {
			st.TotalOutstandingFines = decimal.Zero
		}
		if delta.IsPositive() {
			s.applyBlockRule(st)
		}
	})
}

func (s *LedgerService) PayFine(ctx context.Context, userID string, amount decimal.Decimal) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.PayFineTx(ctx, repo, userID, amount) })
}

// PayFineTx lowers the outstanding total, flooring at zero. A blocked account is
// reactivated only when nothing remains outstanding.
func (s *LedgerService) PayFineTx(ctx context.Context, repo store.Repository, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return NewValidationError("amount", "payment amount must not be negative")
	}
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		st.TotalOutstandingFines = st.TotalOutstandingFines.Sub(amount)
		if st.TotalOutstandingFines.IsNegative() {
			st.TotalOutstandingFines = decimal.Zero
		}
		if st.TotalOutstandingFines.IsZero() && st.AccountStatus == models.AccountStatusBlocked {
			st.AccountStatus = models.AccountStatusActive
			st.BlockReason = ""
			st.BlockedUntil = nil
			s.audit.LogAccount(audit.EventAccountUnblocked, st.UserID, string(st.AccountStatus), "fines paid")
		}
	})
}

func (s *LedgerService) BlockUser(ctx context.Context, userID, reason string, until *time.Time) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.BlockUserTx(ctx, repo, userID, reason, until) })
}

func (s *LedgerService) BlockUserTx(ctx context.Context, repo store.Repository, userID, reason string, until *time.Time) error {
	if reason == "" {
		return NewValidationError("reason", "block reason is required")
	}
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		st.AccountStatus = models.AccountStatusBlocked
		st.BlockReason = reason
		st.BlockedUntil = until
		s.audit.LogAccount(audit.EventAccountBlocked, st.UserID, string(st.AccountStatus), reason)
	})
}

func (s *LedgerService) UnblockUser(ctx context.Context, userID string) error {
	return s.inTx(ctx, func(repo store.Repository) error { return s.UnblockUserTx(ctx, repo, userID) })
}

func (s *LedgerService) UnblockUserTx(ctx context.Context, repo store.Repository, userID string) error {
	return s.mutate(ctx, repo, userID, func(st *models.UserStatus) {
		st.AccountStatus = models.AccountStatusActive
		st.BlockReason = ""
		st.BlockedUntil = nil
		s.audit.LogAccount(audit.EventAccountUnblocked, st.UserID, string(st.AccountStatus), "manual")
	})
}

func (s *LedgerService) CanUserBorrow(ctx context.Context, userID string) (BorrowEligibility, error) {
	var result BorrowEligibility
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		result, err = s.CanUserBorrowTx(ctx, repo, userID)
		return err
	})
	return result, err
}

func (s *LedgerService) CanUserBorrowTx(ctx context.Context, repo store.Repository, userID string) (BorrowEligibility, error) {
	st, err := s.GetStatusTx(ctx, repo, userID)
	if err != nil {
		return BorrowEligibility{}, err
	}
	return s.Evaluate(st), nil
}

// Evaluate applies the borrowing gates to a status snapshot.
func (s *LedgerService) Evaluate(st *models.UserStatus) BorrowEligibility {
	switch {
	case st.AccountStatus == models.AccountStatusBlocked || st.AccountStatus == models.AccountStatusSuspended:
		reason := "Account is blocked"
		if st.BlockReason != "" {
			reason = fmt.Sprintf("Account is blocked: %s", st.BlockReason)
		}
		return BorrowEligibility{Reason: reason, Err: ErrAccountBlocked.With("%s", reason)}
	case st.CurrentBorrowCount >= st.MaxBorrowLimit:
		reason := fmt.Sprintf("Borrow limit reached (%d/%d)", st.CurrentBorrowCount, st.MaxBorrowLimit)
		return BorrowEligibility{Reason: reason, Err: ErrBorrowLimitReached.With("%s", reason)}
	case st.TotalOutstandingFines.GreaterThan(s.cfg.SoftBorrowThreshold):
		reason := fmt.Sprintf("Outstanding fines %s exceed the borrowing limit of %s",
			st.TotalOutstandingFines.StringFixed(0), s.cfg.SoftBorrowThreshold.StringFixed(0))
		return BorrowEligibility{Reason: reason, Err: ErrFinesExceedLimit.With("%s", reason)}
	}
	return BorrowEligibility{Allowed: true}
}

func (s *LedgerService) applyBlockRule(st *models.UserStatus) {
	if !st.TotalOutstandingFines.GreaterThan(s.cfg.HardBlockThreshold) {
		return
	}
	// An existing block keeps its reason and expiry.
	if st.AccountStatus == models.AccountStatusBlocked {
		return
	}
	st.AccountStatus = models.AccountStatusBlocked
	st.BlockReason = fmt.Sprintf("Outstanding fines exceed limit: %s", st.TotalOutstandingFines.StringFixed(0))
	s.logger.Info("account blocked for outstanding fines",
		zap.String("user_id", st.UserID),
		zap.String("outstanding", st.TotalOutstandingFines.String()))
	s.audit.LogAccount(audit.EventAccountBlocked, st.UserID, string(st.AccountStatus), st.BlockReason)
}

func (s *LedgerService) mutate(ctx context.Context, repo store.Repository, userID string, apply func(*models.UserStatus)) error {
	st, err := s.GetStatusTx(ctx, repo, userID)
	if err != nil {
		return err
	}
	apply(st)
	st.UpdatedAt = s.clock.Now()
	if err := repo.UpdateUserStatus(ctx, st); err != nil {
		return wrapInfra("update user status", err)
	}
	return nil
}

func (s *LedgerService) inTx(ctx context.Context, fn func(store.Repository) error) error {
	err := s.store.InTx(ctx, fn)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("ledger operation failed", zap.Error(err))
	}
	return err
}
