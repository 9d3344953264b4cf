package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/audit"
	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/store"
)

// LoanConfig holds loan period rules.
type LoanConfig struct {
	DefaultPeriod   time.Duration
	ExtensionPeriod time.Duration
	MaxExtensions   int
}

// ChargeConfig holds fine settings used outside the overdue calculation itself.
type ChargeConfig struct {
	PaymentDueDays int
	LostFee        decimal.Decimal
	DamagedFee     decimal.Decimal
}

type BorrowRequest struct {
	UserID  string
	BookID  int64
	DueDate *time.Time
	Notes   string
}

type ReturnResult struct {
	BorrowID    int64           `json:"borrowId"`
	ReturnDate  time.Time       `json:"returnDate"`
	FineCharged bool            `json:"fineCharged"`
	FineAmount  decimal.Decimal `json:"fineAmount"`
	FineID      *int64          `json:"fineId,omitempty"`
	OverdueDays int             `json:"overdueDays"`
	Message     string          `json:"message"`
}

// BorrowService runs the loan lifecycle. Every operation is a single store transaction.
type BorrowService struct {
	store        store.Store
	clock        clock.Clock
	ledger       *LedgerService
	returnPolicy FinePolicy
	loans        LoanConfig
	charges      ChargeConfig
	fines        *fineWriter
	audit        *audit.Logger
	logger       *zap.Logger
}

func NewBorrowService(st store.Store, clk clock.Clock, ledger *LedgerService, returnPolicy FinePolicy,
	loans LoanConfig, charges ChargeConfig, auditLogger *audit.Logger, logger *zap.Logger) *BorrowService {

	if loans.DefaultPeriod <= 0 {
		loans.DefaultPeriod = 14 * 24 * time.Hour
	}
	if loans.ExtensionPeriod <= 0 {
		loans.ExtensionPeriod = 14 * 24 * time.Hour
	}
	if loans.MaxExtensions <= 0 {
		loans.MaxExtensions = 2
	}
	return &BorrowService{
		store:        st,
		clock:        clk,
		ledger:       ledger,
		returnPolicy: returnPolicy,
		loans:        loans,
		charges:      charges,
		fines:        &fineWriter{ledger: ledger, audit: auditLogger, paymentDueDays: charges.PaymentDueDays},
		audit:        auditLogger,
		logger:       logger.Named("borrow"),
	}
}

// BorrowBook checks out a copy immediately.
func (s *BorrowService) BorrowBook(ctx context.Context, req BorrowRequest) (*models.BorrowRecord, error) {
	return s.open(ctx, req, models.BorrowStatusBorrowed)
}

// RequestBorrow queues a loan for staff approval without taking a copy.
func (s *BorrowService) RequestBorrow(ctx context.Context, req BorrowRequest) (*models.BorrowRecord, error) {
	return s.open(ctx, req, models.BorrowStatusRequested)
}

func (s *BorrowService) open(ctx context.Context, req BorrowRequest, status models.BorrowStatus) (*models.BorrowRecord, error) {
	now := s.clock.Now()
	if strings.TrimSpace(req.UserID) == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	if req.BookID <= 0 {
		return nil, NewValidationError("book_id", "book id must be positive")
	}
	if req.DueDate != nil && !req.DueDate.After(now) {
		return nil, NewValidationError("due_date", "due date must be in the future")
	}

	due := now.Add(s.loans.DefaultPeriod)
	if req.DueDate != nil {
		due = req.DueDate.UTC()
	}
	record := &models.BorrowRecord{
		UserID:     req.UserID,
		BookID:     req.BookID,
		BorrowDate: now,
		DueDate:    due,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	record.AppendNote(req.Notes)
	if status == models.BorrowStatusBorrowed {
		record.ConfirmedDate = &now
	}

	err := s.store.InTx(ctx, func(repo store.Repository) error {
		st, err := s.ledger.GetStatusTx(ctx, repo, req.UserID)
		if err != nil {
			return err
		}
		if e := s.ledger.Evaluate(st); !e.Allowed {
			return e.Err
		}

		book, err := repo.LockBook(ctx, req.BookID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && book.IsDeleted) {
			return ErrBookNotFound.With("book %d not found", req.BookID)
		}
		if err != nil {
			return wrapInfra("lock book", err)
		}
		if book.AvailableQuantity <= 0 {
			return ErrBookUnavailable.With("\"%s\" has no copies available", book.Title)
		}

		open, err := repo.HasOpenBorrow(ctx, req.UserID, req.BookID)
		if err != nil {
			return wrapInfra("check open loans", err)
		}
		if open {
			return ErrDuplicateActiveLoan.With("user already has an active loan of \"%s\"", book.Title)
		}

		if err := repo.CreateBorrow(ctx, record); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ErrDuplicateActiveLoan.With("user already has an active loan of \"%s\"", book.Title)
			}
			return wrapInfra("create borrow record", err)
		}
		if status != models.BorrowStatusBorrowed {
			return nil
		}
		return s.takeCopy(ctx, repo, record, now)
	})
	if err != nil {
		s.logger.Info("borrow rejected",
			zap.String("user_id", req.UserID),
			zap.Int64("book_id", req.BookID),
			zap.String("reason", CodeOf(err)),
			zap.Error(err))
		return nil, err
	}

	s.audit.LogLoan(audit.EventBorrowCreated, record, nil)
	s.logger.Info("borrow created",
		zap.Int64("borrow_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.Int64("book_id", record.BookID),
		zap.String("status", string(record.Status)),
		zap.Time("due_date", record.DueDate))
	return record, nil
}

// takeCopy moves one copy out of stock and onto the user's count. Ledger before book
// keeps the lock order of the return path.
func (s *BorrowService) takeCopy(ctx context.Context, repo store.Repository, record *models.BorrowRecord, now time.Time) error {
	if err := s.ledger.IncrementBorrowCountTx(ctx, repo, record.UserID); err != nil {
		return err
	}
	took, err := repo.TakeCopy(ctx, record.BookID, now)
	if err != nil {
		return wrapInfra("take copy", err)
	}
	if !took {
		return ErrBookUnavailable.With("book %d has no copies available", record.BookID)
	}
	return nil
}

func (s *BorrowService) releaseCopy(ctx context.Context, repo store.Repository, record *models.BorrowRecord, now time.Time) error {
	if err := s.ledger.DecrementBorrowCountTx(ctx, repo, record.UserID); err != nil {
		return err
	}
	if err := repo.ReleaseCopy(ctx, record.BookID, now); err != nil {
		return wrapInfra("release copy", err)
	}
	return nil
}

// ReturnBook closes a held loan, charging an overdue fine when it is late.
func (s *BorrowService) ReturnBook(ctx context.Context, id int64) (*ReturnResult, error) {
	var result *ReturnResult
	var record *models.BorrowRecord
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		record, err = s.lockBorrow(ctx, repo, id)
		if err != nil {
			return err
		}
		result, err = s.returnTx(ctx, repo, record, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logReturn(record, result)
	return result, nil
}

func (s *BorrowService) returnTx(ctx context.Context, repo store.Repository, record *models.BorrowRecord, now time.Time) (*ReturnResult, error) {
	if record.Status == models.BorrowStatusReturned || record.ReturnDate != nil {
		return nil, ErrAlreadyReturned.With("borrow record %d was already returned", record.ID)
	}
	if !record.Status.HoldsCopy() {
		return nil, ErrInvalidTransition.With("cannot return a loan with status %s", record.Status)
	}

	record.ReturnDate = &now
	record.Status = models.BorrowStatusReturned
	record.UpdatedAt = now

	result := &ReturnResult{BorrowID: record.ID, ReturnDate: now, FineAmount: decimal.Zero}
	if now.After(record.DueDate) {
		result.OverdueDays = record.OverdueDays(now)
		amount := s.returnPolicy.Calculate(result.OverdueDays)

		title, err := bookTitle(ctx, repo, record.BookID)
		if err != nil {
			return nil, err
		}
		charge, err := s.fines.chargeOverdue(ctx, repo, record, title, result.OverdueDays, amount, now)
		if err != nil {
			return nil, err
		}
		if charge.Fine != nil && charge.Fine.Amount.IsPositive() {
			result.FineCharged = true
			result.FineAmount = charge.Fine.Amount
			result.FineID = &charge.Fine.ID
		}
	}

	if err := repo.UpdateBorrow(ctx, record); err != nil {
		return nil, wrapInfra("update borrow record", err)
	}
	if err := s.releaseCopy(ctx, repo, record, now); err != nil {
		return nil, err
	}

	result.Message = "Book returned successfully"
	if result.FineCharged {
		result.Message = fmt.Sprintf("Book returned %d days late, fine of %s charged",
			result.OverdueDays, result.FineAmount.StringFixed(0))
	}
	return result, nil
}

func (s *BorrowService) logReturn(record *models.BorrowRecord, result *ReturnResult) {
	details := map[string]string{"overdue_days": fmt.Sprint(result.OverdueDays)}
	if result.FineCharged {
		details["fine_amount"] = result.FineAmount.String()
	}
	s.audit.LogLoan(audit.EventBorrowReturned, record, details)
	s.logger.Info("book returned",
		zap.Int64("borrow_id", record.ID),
		zap.String("user_id", record.UserID),
		zap.Int("overdue_days", result.OverdueDays),
		zap.Bool("fine_charged", result.FineCharged))
}

// CanExtend reports why a loan cannot be extended at now, nil when it can.
func CanExtend(record *models.BorrowRecord, now time.Time, maxExtensions int) error {
	switch {
	case record.ReturnDate != nil || record.Status == models.BorrowStatusReturned:
		return ErrAlreadyReturned.With("borrow record %d was already returned", record.ID)
	case record.Status == models.BorrowStatusOverdue:
		return ErrCurrentlyOverdue.With("borrow record %d is overdue", record.ID)
	case record.Status != models.BorrowStatusBorrowed:
		return ErrNotExtendable.With("loans with status %s cannot be extended", record.Status)
	case record.ExtensionCount >= maxExtensions:
		return ErrExtensionLimitReached.With("loan was already extended %d times", record.ExtensionCount)
	case now.After(record.DueDate):
		return ErrCurrentlyOverdue.With("borrow record %d is past its due date", record.ID)
	}
	return nil
}

// ExtendBorrow pushes the due date out by one extension period.
func (s *BorrowService) ExtendBorrow(ctx context.Context, id int64, reason string) (*models.BorrowRecord, error) {
	var record *models.BorrowRecord
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		record, err = s.lockBorrow(ctx, repo, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if err := CanExtend(record, now, s.loans.MaxExtensions); err != nil {
			return err
		}

		record.DueDate = record.DueDate.Add(s.loans.ExtensionPeriod)
		record.ExtensionCount++
		record.LastExtensionDate = &now
		record.UpdatedAt = now
		record.AppendNote(strings.TrimSpace(fmt.Sprintf("[extension #%d %s] %s",
			record.ExtensionCount, now.Format(time.RFC3339), strings.TrimSpace(reason))))
		if err := repo.UpdateBorrow(ctx, record); err != nil {
			return wrapInfra("update borrow record", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogLoan(audit.EventBorrowExtended, record, map[string]string{"due_date": record.DueDate.Format(time.RFC3339)})
	s.logger.Info("loan extended",
		zap.Int64("borrow_id", record.ID),
		zap.Int("extension_count", record.ExtensionCount),
		zap.Time("due_date", record.DueDate))
	return record, nil
}

// UpdateBorrowStatus is the staff override. Legal moves are taken from the transition
// table and each target status applies its stock, ledger and fine side effects.
func (s *BorrowService) UpdateBorrowStatus(ctx context.Context, id int64, next models.BorrowStatus, notes string) (*models.BorrowRecord, error) {
	var record *models.BorrowRecord
	var prev models.BorrowStatus
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		record, err = s.lockBorrow(ctx, repo, id)
		if err != nil {
			return err
		}
		prev = record.Status
		if err := ValidateTransition(prev, next); err != nil {
			return err
		}
		now := s.clock.Now()

		if next == models.BorrowStatusReturned {
			record.AppendNote(statusNote(prev, next, now, notes))
			_, err := s.returnTx(ctx, repo, record, now)
			return err
		}

		switch next {
		case models.BorrowStatusBorrowed:
			if err := s.approve(ctx, repo, record, now); err != nil {
				return err
			}
		case models.BorrowStatusCancelled:
			record.ReturnDate = nil
			if prev.HoldsCopy() {
				if err := s.releaseCopy(ctx, repo, record, now); err != nil {
					return err
				}
			}
		case models.BorrowStatusLost, models.BorrowStatusDamaged:
			if prev.HoldsCopy() {
				if err := s.ledger.DecrementBorrowCountTx(ctx, repo, record.UserID); err != nil {
					return err
				}
			}
			if err := s.chargeLoss(ctx, repo, record, next, now); err != nil {
				return err
			}
		}

		record.Status = next
		record.UpdatedAt = now
		record.AppendNote(statusNote(prev, next, now, notes))
		if err := repo.UpdateBorrow(ctx, record); err != nil {
			return wrapInfra("update borrow record", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogLoan(audit.EventBorrowStatus, record, map[string]string{"from": string(prev), "to": string(next)})
	s.logger.Info("borrow status changed",
		zap.Int64("borrow_id", record.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))
	return record, nil
}

// approve confirms a request: eligibility is re-checked and a copy is taken. The loan
// period restarts from the confirmation when that moves the due date forward.
func (s *BorrowService) approve(ctx context.Context, repo store.Repository, record *models.BorrowRecord, now time.Time) error {
	st, err := s.ledger.GetStatusTx(ctx, repo, record.UserID)
	if err != nil {
		return err
	}
	if e := s.ledger.Evaluate(st); !e.Allowed {
		return e.Err
	}
	if err := s.takeCopy(ctx, repo, record, now); err != nil {
		return err
	}
	record.ConfirmedDate = &now
	if due := now.Add(s.loans.DefaultPeriod); due.After(record.DueDate) {
		record.DueDate = due
	}
	return nil
}

// chargeLoss is the hook for lost and damaged items: a configured positive fee becomes a
// Pending fine of the matching kind.
func (s *BorrowService) chargeLoss(ctx context.Context, repo store.Repository, record *models.BorrowRecord, next models.BorrowStatus, now time.Time) error {
	kind, fee := models.FineKindLost, s.charges.LostFee
	if next == models.BorrowStatusDamaged {
		kind, fee = models.FineKindDamaged, s.charges.DamagedFee
	}
	if !fee.IsPositive() {
		return nil
	}
	title, err := bookTitle(ctx, repo, record.BookID)
	if err != nil {
		return err
	}
	_, err = s.fines.create(ctx, repo, newFine{
		UserID:   record.UserID,
		BorrowID: &record.ID,
		Kind:     kind,
		Amount:   fee,
		Reason:   fmt.Sprintf("%s - Book: %s", next, title),
		ActorID:  models.SystemActor,
	}, now)
	return err
}

func statusNote(prev, next models.BorrowStatus, now time.Time, notes string) string {
	line := fmt.Sprintf("[status %s->%s %s]", prev, next, now.Format(time.RFC3339))
	if notes = strings.TrimSpace(notes); notes != "" {
		line += " " + notes
	}
	return line
}

// CancelBorrowRequest cancels a pending request or an active loan.
func (s *BorrowService) CancelBorrowRequest(ctx context.Context, id int64, reason string) (*models.BorrowRecord, error) {
	return s.UpdateBorrowStatus(ctx, id, models.BorrowStatusCancelled, reason)
}

func (s *BorrowService) GetBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error) {
	var record *models.BorrowRecord
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		record, err = repo.GetBorrow(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBorrowNotFound.With("borrow record %d not found", id)
	}
	return record, wrapInfra("load borrow record", err)
}

// GetOverdueBorrows lists held loans whose due date has passed.
func (s *BorrowService) GetOverdueBorrows(ctx context.Context) ([]models.BorrowRecord, error) {
	now := s.clock.Now()
	return s.list(ctx, store.BorrowFilter{
		Statuses:   []models.BorrowStatus{models.BorrowStatusBorrowed, models.BorrowStatusOverdue},
		DueBefore:  &now,
		Unreturned: true,
	})
}

// GetBorrowsByStatus lists loans in the named status, matched case-insensitively.
func (s *BorrowService) GetBorrowsByStatus(ctx context.Context, status string) ([]models.BorrowRecord, error) {
	parsed, ok := models.ParseBorrowStatus(status)
	if !ok {
		return nil, NewValidationError("status", fmt.Sprintf("unknown borrow status %q", status))
	}
	return s.list(ctx, store.BorrowFilter{Statuses: []models.BorrowStatus{parsed}})
}

func (s *BorrowService) ListUserBorrows(ctx context.Context, userID string) ([]models.BorrowRecord, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	return s.list(ctx, store.BorrowFilter{UserID: userID})
}

func (s *BorrowService) list(ctx context.Context, f store.BorrowFilter) ([]models.BorrowRecord, error) {
	var records []models.BorrowRecord
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		records, err = repo.ListBorrows(ctx, f)
		return err
	})
	return records, wrapInfra("list borrow records", err)
}

func (s *BorrowService) lockBorrow(ctx context.Context, repo store.Repository, id int64) (*models.BorrowRecord, error) {
	record, err := repo.LockBorrow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBorrowNotFound.With("borrow record %d not found", id)
	}
	if err != nil {
		return nil, wrapInfra("lock borrow record", err)
	}
	return record, nil
}
