package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/audit"
	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/store"
)

// ScanResult summarises one overdue cycle.
type ScanResult struct {
	Candidates    int           `json:"candidates"`
	Processed     int           `json:"processed"`
	MarkedOverdue int           `json:"markedOverdue"`
	FinesCreated  int           `json:"finesCreated"`
	FinesUpdated  int           `json:"finesUpdated"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	Duration      time.Duration `json:"duration"`
}

type recordOutcome struct {
	skipped       bool
	markedOverdue bool
	charge        overdueCharge
}

// OverdueService marks late loans Overdue and keeps their overdue fine current.
type OverdueService struct {
	store  store.Store
	clock  clock.Clock
	policy FinePolicy
	fines  *fineWriter
	logger *zap.Logger
}

func NewOverdueService(st store.Store, clk clock.Clock, ledger *LedgerService, policy FinePolicy,
	charges ChargeConfig, auditLogger *audit.Logger, logger *zap.Logger) *OverdueService {

	return &OverdueService{
		store:  st,
		clock:  clk,
		policy: policy,
		fines:  &fineWriter{ledger: ledger, audit: auditLogger, paymentDueDays: charges.PaymentDueDays},
		logger: logger.Named("overdue"),
	}
}

// ProcessOverdue runs one scan. Each loan is handled in its own transaction and a
// failure on one loan does not stop the others. Running it twice at the same instant
// changes nothing the second time.
func (s *OverdueService) ProcessOverdue(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	now := s.clock.Now()
	var result ScanResult

	var candidates []models.BorrowRecord
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		candidates, err = repo.ListBorrows(ctx, store.BorrowFilter{
			Statuses:   []models.BorrowStatus{models.BorrowStatusBorrowed, models.BorrowStatusOverdue},
			DueBefore:  &now,
			Unreturned: true,
		})
		return err
	})
	if err != nil {
		return result, wrapInfra("list overdue candidates", err)
	}
	result.Candidates = len(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		outcome, err := s.processRecord(ctx, c.ID, now)
		if err != nil {
			result.Failed++
			s.logger.Warn("overdue processing failed",
				zap.Int64("borrow_id", c.ID),
				zap.String("user_id", c.UserID),
				zap.Error(err))
			continue
		}
		if outcome.skipped {
			result.Skipped++
			continue
		}
		result.Processed++
		if outcome.markedOverdue {
			result.MarkedOverdue++
		}
		if outcome.charge.Created {
			result.FinesCreated++
		}
		if outcome.charge.Updated {
			result.FinesUpdated++
		}
	}

	result.Duration = time.Since(start)
	s.logger.Info("overdue scan finished",
		zap.Int("candidates", result.Candidates),
		zap.Int("processed", result.Processed),
		zap.Int("marked_overdue", result.MarkedOverdue),
		zap.Int("fines_created", result.FinesCreated),
		zap.Int("fines_updated", result.FinesUpdated),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *OverdueService) processRecord(ctx context.Context, id int64, now time.Time) (recordOutcome, error) {
	var outcome recordOutcome
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		record, err := repo.LockBorrow(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			outcome.skipped = true
			return nil
		}
		if err != nil {
			return wrapInfra("lock borrow record", err)
		}
		// the loan may have been returned or changed since it was listed
		if !record.Status.HoldsCopy() || !record.IsOverdueAt(now) {
			outcome.skipped = true
			return nil
		}

		if record.Status != models.BorrowStatusOverdue {
			if err := ValidateTransition(record.Status, models.BorrowStatusOverdue); err != nil {
				return err
			}
			record.Status = models.BorrowStatusOverdue
			record.UpdatedAt = now
			if err := repo.UpdateBorrow(ctx, record); err != nil {
				return wrapInfra("update borrow record", err)
			}
			outcome.markedOverdue = true
		}

		days := record.OverdueDays(now)
		title, err := bookTitle(ctx, repo, record.BookID)
		if err != nil {
			return err
		}
		outcome.charge, err = s.fines.chargeOverdue(ctx, repo, record, title, days, s.policy.Calculate(days), now)
		return err
	})
	return outcome, err
}
