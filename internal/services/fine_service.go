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

// fineWriter creates and refreshes fines and keeps the ledger and action history in step.
// It is shared by the return path, the overdue scanner and the loss hook.
type fineWriter struct {
	ledger         *LedgerService
	audit          *audit.Logger
	paymentDueDays int
}

type overdueCharge struct {
	Fine    *models.Fine
	Created bool
	Updated bool
}

func overdueReason(days int, title string) string {
	return fmt.Sprintf("Overdue %d days - Book: %s", days, title)
}

func bookTitle(ctx context.Context, repo store.Repository, bookID int64) (string, error) {
	book, err := repo.GetBook(ctx, bookID)
	if errors.Is(err, store.ErrNotFound) {
		return "Unknown", nil
	}
	if err != nil {
		return "", wrapInfra("load book", err)
	}
	return book.Title, nil
}

// chargeOverdue keeps exactly one Pending overdue fine for the loan: it creates one when
// none exists and amount is positive, rewrites it in place when the amount or day count
// changed, and leaves it untouched otherwise.
func (w *fineWriter) chargeOverdue(ctx context.Context, repo store.Repository, record *models.BorrowRecord,
	title string, days int, amount decimal.Decimal, now time.Time) (overdueCharge, error) {

	existing, err := repo.FindPendingOverdueFine(ctx, record.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return overdueCharge{}, wrapInfra("find pending overdue fine", err)
	}
	reason := overdueReason(days, title)

	if existing == nil {
		if !amount.IsPositive() {
			return overdueCharge{}, nil
		}
		fine, err := w.create(ctx, repo, newFine{
			UserID:   record.UserID,
			BorrowID: &record.ID,
			Kind:     models.FineKindOverdue,
			Amount:   amount,
			Reason:   reason,
			ActorID:  models.SystemActor,
		}, now)
		if err != nil {
			return overdueCharge{}, err
		}
		return overdueCharge{Fine: fine, Created: true}, nil
	}

	if existing.Amount.Equal(amount) && existing.Reason == reason {
		return overdueCharge{Fine: existing}, nil
	}

	delta := amount.Sub(existing.Amount)
	existing.Amount = amount
	existing.Reason = reason
	existing.UpdatedAt = now
	if err := repo.UpdateFine(ctx, existing); err != nil {
		return overdueCharge{}, wrapInfra("update fine", err)
	}
	if err := repo.CreateFineAction(ctx, &models.FineAction{
		FineID:      existing.ID,
		ActorID:     models.SystemActor,
		Action:      models.FineActionAmountUpdated,
		Description: reason,
		Amount:      amount,
		Notes:       fmt.Sprintf("adjusted by %s", delta.String()),
		CreatedAt:   now,
	}); err != nil {
		return overdueCharge{}, wrapInfra("record fine action", err)
	}
	if err := w.ledger.IncreaseFineTx(ctx, repo, existing.UserID, delta); err != nil {
		return overdueCharge{}, err
	}
	w.audit.LogFine(audit.EventFineUpdated, existing, models.SystemActor)
	return overdueCharge{Fine: existing, Updated: true}, nil
}

// newFine describes a fine about to be charged. A nil DueDate falls back to the
// configured payment window.
type newFine struct {
	UserID   string
	BorrowID *int64
	Kind     models.FineKind
	Amount   decimal.Decimal
	Reason   string
	Notes    string
	DueDate  *time.Time
	ActorID  string
}

func (w *fineWriter) create(ctx context.Context, repo store.Repository, nf newFine, now time.Time) (*models.Fine, error) {
	due := now.AddDate(0, 0, w.paymentDueDays)
	if nf.DueDate != nil {
		due = *nf.DueDate
	}
	fine := &models.Fine{
		UserID:         nf.UserID,
		BorrowRecordID: nf.BorrowID,
		Amount:         nf.Amount,
		Reason:         nf.Reason,
		Kind:           nf.Kind,
		Status:         models.FineStatusPending,
		DueDate:        &due,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.CreateFine(ctx, fine); err != nil {
		return nil, wrapInfra("create fine", err)
	}
	if err := repo.CreateFineAction(ctx, &models.FineAction{
		FineID:      fine.ID,
		ActorID:     nf.ActorID,
		Action:      models.FineActionCreated,
		Description: nf.Reason,
		Amount:      nf.Amount,
		Notes:       nf.Notes,
		CreatedAt:   now,
	}); err != nil {
		return nil, wrapInfra("record fine action", err)
	}
	if err := w.ledger.AddFineTx(ctx, repo, nf.UserID, nf.Amount); err != nil {
		return nil, err
	}
	w.audit.LogFine(audit.EventFineCreated, fine, nf.ActorID)
	return fine, nil
}

// FineService settles fines on behalf of staff.
type FineService struct {
	store  store.Store
	clock  clock.Clock
	ledger *LedgerService
	writer *fineWriter
	audit  *audit.Logger
	logger *zap.Logger
}

func NewFineService(st store.Store, clk clock.Clock, ledger *LedgerService, charges ChargeConfig,
	auditLogger *audit.Logger, logger *zap.Logger) *FineService {
	return &FineService{
		store:  st,
		clock:  clk,
		ledger: ledger,
		writer: &fineWriter{ledger: ledger, audit: auditLogger, paymentDueDays: charges.PaymentDueDays},
		audit:  auditLogger,
		logger: logger.Named("fines"),
	}
}

func (s *FineService) GetFine(ctx context.Context, id int64) (*models.Fine, error) {
	var fine *models.Fine
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		fine, err = repo.GetFine(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFineNotFound.With("fine %d not found", id)
	}
	return fine, wrapInfra("load fine", err)
}

func (s *FineService) ListUserFines(ctx context.Context, userID string) ([]models.Fine, error) {
	if userID == "" {
		return nil, NewValidationError("user_id", "user id is required")
	}
	var fines []models.Fine
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		fines, err = repo.ListFines(ctx, store.FineFilter{UserID: userID})
		return err
	})
	return fines, wrapInfra("list fines", err)
}

func (s *FineService) ListFineActions(ctx context.Context, fineID int64) ([]models.FineAction, error) {
	var actions []models.FineAction
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		actions, err = repo.ListFineActions(ctx, fineID)
		return err
	})
	return actions, wrapInfra("list fine actions", err)
}

// PayFine marks an outstanding fine paid in full and credits the ledger.
func (s *FineService) PayFine(ctx context.Context, fineID int64, actorID, notes string) (*models.Fine, error) {
	return s.settle(ctx, fineID, actorID, models.FineStatusPaid, models.FineActionPaymentReceived, "Payment received", notes)
}

// WaiveFine cancels an outstanding fine. The debt is removed from the ledger as if paid.
func (s *FineService) WaiveFine(ctx context.Context, fineID int64, actorID, reason, notes string) (*models.Fine, error) {
	if reason == "" {
		return nil, NewValidationError("reason", "a waiver reason is required")
	}
	return s.settle(ctx, fineID, actorID, models.FineStatusWaived, models.FineActionWaived, "Waived: "+reason, notes)
}

func (s *FineService) settle(ctx context.Context, fineID int64, actorID string, status models.FineStatus,
	action models.FineActionType, description, notes string) (*models.Fine, error) {

	if actorID == "" {
		return nil, NewValidationError("actor_id", "actor id is required")
	}
	var fine *models.Fine
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		fine, err = repo.LockFine(ctx, fineID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrFineNotFound.With("fine %d not found", fineID)
		}
		if err != nil {
			return wrapInfra("lock fine", err)
		}
		if fine.Status != models.FineStatusPending && fine.Status != models.FineStatusOverdue {
			return ErrFineAlreadySettled.With("fine %d is already %s", fineID, fine.Status)
		}

		now := s.clock.Now()
		fine.Status = status
		fine.UpdatedAt = now
		if status == models.FineStatusPaid {
			fine.PaidDate = &now
		}
		if err := repo.UpdateFine(ctx, fine); err != nil {
			return wrapInfra("update fine", err)
		}
		if err := repo.CreateFineAction(ctx, &models.FineAction{
			FineID:      fine.ID,
			ActorID:     actorID,
			Action:      action,
			Description: description,
			Amount:      fine.Amount,
			Notes:       notes,
			CreatedAt:   now,
		}); err != nil {
			return wrapInfra("record fine action", err)
		}
		return s.ledger.PayFineTx(ctx, repo, fine.UserID, fine.Amount)
	})
	if err != nil {
		return nil, err
	}

	event := audit.EventFinePaid
	if status == models.FineStatusWaived {
		event = audit.EventFineWaived
	}
	s.audit.LogFine(event, fine, actorID)
	s.logger.Info("fine settled",
		zap.Int64("fine_id", fine.ID),
		zap.String("user_id", fine.UserID),
		zap.String("status", string(fine.Status)),
		zap.String("amount", fine.Amount.String()))
	return fine, nil
}

// ManualFine is a charge raised by staff rather than by a loan transition.
type ManualFine struct {
	UserID         string
	BorrowRecordID *int64
	Amount         decimal.Decimal
	Reason         string
	DueDate        *time.Time
	Notes          string
}

// CreateFine charges a manual fine. When a loan is named it must belong to the user.
func (s *FineService) CreateFine(ctx context.Context, req ManualFine, actorID string) (*models.Fine, error) {
	switch {
	case actorID == "":
		return nil, NewValidationError("actor_id", "actor id is required")
	case req.UserID == "":
		return nil, NewValidationError("user_id", "user id is required")
	case !req.Amount.IsPositive():
		return nil, NewValidationError("amount", "fine amount must be positive")
	case strings.TrimSpace(req.Reason) == "":
		return nil, NewValidationError("reason", "a reason is required")
	}
	now := s.clock.Now()
	if req.DueDate != nil && !req.DueDate.After(now) {
		return nil, NewValidationError("due_date", "due date must be in the future")
	}

	var fine *models.Fine
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		if req.BorrowRecordID != nil {
			record, err := repo.GetBorrow(ctx, *req.BorrowRecordID)
			if errors.Is(err, store.ErrNotFound) {
				return ErrBorrowNotFound.With("borrow record %d not found", *req.BorrowRecordID)
			}
			if err != nil {
				return wrapInfra("load borrow record", err)
			}
			if record.UserID != req.UserID {
				return NewValidationError("borrow_record_id", "borrow record belongs to another user")
			}
		}
		var err error
		fine, err = s.writer.create(ctx, repo, newFine{
			UserID:   req.UserID,
			BorrowID: req.BorrowRecordID,
			Kind:     models.FineKindManual,
			Amount:   req.Amount,
			Reason:   strings.TrimSpace(req.Reason),
			Notes:    req.Notes,
			DueDate:  req.DueDate,
			ActorID:  actorID,
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("manual fine created",
		zap.Int64("fine_id", fine.ID),
		zap.String("user_id", fine.UserID),
		zap.String("amount", fine.Amount.String()),
		zap.String("actor_id", actorID))
	return fine, nil
}

// FineUpdate carries the editable fields of an outstanding fine. Nil fields are left as they are.
type FineUpdate struct {
	Amount  *decimal.Decimal
	Reason  *string
	DueDate *time.Time
	Notes   string
}

// UpdateFine edits an outstanding fine. Amount changes move the ledger by the difference.
// Overdue fines only accept a new due date since the scanner owns their amount and reason.
func (s *FineService) UpdateFine(ctx context.Context, fineID int64, upd FineUpdate, actorID string) (*models.Fine, error) {
	if actorID == "" {
		return nil, NewValidationError("actor_id", "actor id is required")
	}
	if upd.Amount == nil && upd.Reason == nil && upd.DueDate == nil {
		return nil, NewValidationError("update", "nothing to update")
	}
	if upd.Amount != nil && !upd.Amount.IsPositive() {
		return nil, NewValidationError("amount", "fine amount must be positive")
	}
	if upd.Reason != nil && strings.TrimSpace(*upd.Reason) == "" {
		return nil, NewValidationError("reason", "reason must not be empty")
	}

	var fine *models.Fine
	err := s.store.InTx(ctx, func(repo store.Repository) error {
		var err error
		fine, err = repo.LockFine(ctx, fineID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrFineNotFound.With("fine %d not found", fineID)
		}
		if err != nil {
			return wrapInfra("lock fine", err)
		}
		if !fine.Status.IsOutstanding() {
			return ErrFineAlreadySettled.With("fine %d is already %s", fineID, fine.Status)
		}
		if fine.Kind == models.FineKindOverdue && (upd.Amount != nil || upd.Reason != nil) {
			return ErrFineNotEditable.With("fine %d is an overdue charge; only its due date can change", fineID)
		}

		now := s.clock.Now()
		delta := decimal.Zero
		action := models.FineActionEdited
		if upd.Amount != nil && !upd.Amount.Equal(fine.Amount) {
			delta = upd.Amount.Sub(fine.Amount)
			fine.Amount = *upd.Amount
			action = models.FineActionAmountUpdated
		}
		if upd.Reason != nil {
			fine.Reason = strings.TrimSpace(*upd.Reason)
		}
		if upd.DueDate != nil {
			due := *upd.DueDate
			fine.DueDate = &due
		}
		fine.UpdatedAt = now
		if err := repo.UpdateFine(ctx, fine); err != nil {
			return wrapInfra("update fine", err)
		}
		notes := upd.Notes
		if !delta.IsZero() {
			notes = strings.TrimSpace(fmt.Sprintf("adjusted by %s %s", delta.String(), notes))
		}
		if err := repo.CreateFineAction(ctx, &models.FineAction{
			FineID:      fine.ID,
			ActorID:     actorID,
			Action:      action,
			Description: fine.Reason,
			Amount:      fine.Amount,
			Notes:       notes,
			CreatedAt:   now,
		}); err != nil {
			return wrapInfra("record fine action", err)
		}
		return s.ledger.IncreaseFineTx(ctx, repo, fine.UserID, delta)
	})
	if err != nil {
		return nil, err
	}
	s.audit.LogFine(audit.EventFineUpdated, fine, actorID)
	return fine, nil
}

// FineStatistics summarises every fine on record. Pending covers all outstanding statuses.
type FineStatistics struct {
	TotalFines    int             `json:"totalFines"`
	PendingFines  int             `json:"pendingFines"`
	PaidFines     int             `json:"paidFines"`
	WaivedFines   int             `json:"waivedFines"`
	OverdueFines  int             `json:"overdueFines"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	PaidAmount    decimal.Decimal `json:"paidAmount"`
	PendingAmount decimal.Decimal `json:"pendingAmount"`
	WaivedAmount  decimal.Decimal `json:"waivedAmount"`
}

func (s *FineService) Statistics(ctx context.Context) (FineStatistics, error) {
	var totals []models.FineTotal
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		totals, err = repo.FineTotals(ctx)
		return err
	})
	if err != nil {
		return FineStatistics{}, wrapInfra("load fine totals", err)
	}

	stats := FineStatistics{
		TotalAmount:   decimal.Zero,
		PaidAmount:    decimal.Zero,
		PendingAmount: decimal.Zero,
		WaivedAmount:  decimal.Zero,
	}
	for _, t := range totals {
		stats.TotalFines += t.Count
		stats.TotalAmount = stats.TotalAmount.Add(t.Amount)
		switch {
		case t.Status.IsOutstanding():
			stats.PendingFines += t.Count
			stats.PendingAmount = stats.PendingAmount.Add(t.Amount)
			if t.Kind == models.FineKindOverdue {
				stats.OverdueFines += t.Count
			}
		case t.Status == models.FineStatusPaid:
			stats.PaidFines += t.Count
			stats.PaidAmount = stats.PaidAmount.Add(t.Amount)
		case t.Status == models.FineStatusWaived:
			stats.WaivedFines += t.Count
			stats.WaivedAmount = stats.WaivedAmount.Add(t.Amount)
		}
	}
	return stats, nil
}
