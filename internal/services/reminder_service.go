package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
	"github.com/elibrary/circulation/internal/notification"
	"github.com/elibrary/circulation/internal/store"
)

type ReminderConfig struct {
	Thresholds    []int
	MaxExtensions int
}

type ReminderResult struct {
	Candidates   int `json:"candidates"`
	Sent         int `json:"sent"`
	Deduplicated int `json:"deduplicated"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// ReminderService mails borrowers whose loans fall due on one of the threshold days.
type ReminderService struct {
	store    store.Store
	clock    clock.Clock
	calendar *clock.Calendar
	sender   notification.Sender
	cfg      ReminderConfig
	logger   *zap.Logger
}

func NewReminderService(st store.Store, clk clock.Clock, calendar *clock.Calendar, sender notification.Sender,
	cfg ReminderConfig, logger *zap.Logger) *ReminderService {

	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = []int{0, 1, 3}
	}
	if cfg.MaxExtensions <= 0 {
		cfg.MaxExtensions = 2
	}
	return &ReminderService{
		store:    st,
		clock:    clk,
		calendar: calendar,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.Named("reminder"),
	}
}

func reminderMarker(borrowID int64, at time.Time) string {
	return fmt.Sprintf("[due-reminder #%d] %s", borrowID, at.UTC().Format(time.RFC3339))
}

// lastReminder finds the most recent marker for the loan in its notes log.
func lastReminder(notes string, borrowID int64) (time.Time, bool) {
	prefix := fmt.Sprintf("[due-reminder #%d] ", borrowID)
	var last time.Time
	found := false

	sc := bufio.NewScanner(strings.NewReader(notes))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(line, prefix)))
		if err != nil {
			continue
		}
		if !found || at.After(last) {
			last, found = at, true
		}
	}
	return last, found
}

func (s *ReminderService) render(c *models.ReminderCandidate, now time.Time) (notification.Message, error) {
	return notification.RenderDueReminder(c.Email, notification.DueReminder{
		RecipientName: models.DisplayName(c.FirstName, c.LastName, c.Email),
		BookTitle:     c.BookTitle,
		DueDate:       c.DueDate.In(s.calendar.Location()),
		DaysLeft:      s.calendar.DaysBetween(now, c.DueDate),
		CanExtend:     CanExtend(&c.BorrowRecord, now, s.cfg.MaxExtensions) == nil,
	})
}

// SendDueReminders runs one reminder cycle. A loan gets at most one reminder per
// civil day. Delivery failures leave no marker so the loan is retried on the next cycle.
func (s *ReminderService) SendDueReminders(ctx context.Context) (ReminderResult, error) {
	now := s.clock.Now()
	today := s.calendar.StartOfDay(now)
	var result ReminderResult

	ranges := make([]store.TimeRange, 0, len(s.cfg.Thresholds))
	for _, days := range s.cfg.Thresholds {
		start, end := s.calendar.DayRange(now, days)
		ranges = append(ranges, store.TimeRange{Start: start, End: end})
	}

	var candidates []models.ReminderCandidate
	err := s.store.View(ctx, func(repo store.Repository) error {
		var err error
		candidates, err = repo.ListReminderCandidates(ctx, now, ranges)
		return err
	})
	if err != nil {
		return result, wrapInfra("list reminder candidates", err)
	}
	result.Candidates = len(candidates)

	for i := range candidates {
		c := &candidates[i]
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if strings.TrimSpace(c.Email) == "" || strings.TrimSpace(c.BookTitle) == "" {
			s.logger.Warn("reminder skipped, recipient data missing",
				zap.Int64("borrow_id", c.ID),
				zap.String("user_id", c.UserID),
				zap.Bool("has_email", c.Email != ""),
				zap.Bool("has_title", c.BookTitle != ""))
			result.Skipped++
			continue
		}
		if last, ok := lastReminder(c.Notes, c.ID); ok && s.calendar.StartOfDay(last).Equal(today) {
			result.Deduplicated++
			continue
		}

		msg, err := s.render(c, now)
		if err != nil {
			result.Failed++
			s.logger.Warn("reminder render failed", zap.Int64("borrow_id", c.ID), zap.Error(err))
			continue
		}
		if err := s.sender.Send(ctx, msg); err != nil {
			result.Failed++
			s.logger.Warn("reminder delivery failed, will retry next cycle",
				zap.Int64("borrow_id", c.ID),
				zap.String("to", c.Email),
				zap.Error(err))
			continue
		}

		err = s.store.InTx(ctx, func(repo store.Repository) error {
			return repo.AppendBorrowNote(ctx, c.ID, reminderMarker(c.ID, now), now)
		})
		if err != nil {
			result.Failed++
			s.logger.Error("reminder sent but marker not saved",
				zap.Int64("borrow_id", c.ID),
				zap.Error(err))
			continue
		}
		result.Sent++
		s.logger.Info("due reminder sent",
			zap.Int64("borrow_id", c.ID),
			zap.String("to", c.Email),
			zap.String("book", c.BookTitle))
	}

	s.logger.Info("reminder cycle finished",
		zap.Int("candidates", result.Candidates),
		zap.Int("sent", result.Sent),
		zap.Int("deduplicated", result.Deduplicated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

// SendForBorrow mails a reminder for one loan on staff request, overdue loans included.
// It ignores the daily limit of the cycle but still records a marker, so the cycle
// skips the loan for the rest of the day.
func (s *ReminderService) SendForBorrow(ctx context.Context, borrowID int64) error {
	now := s.clock.Now()
	var c models.ReminderCandidate
	err := s.store.View(ctx, func(repo store.Repository) error {
		record, err := repo.GetBorrow(ctx, borrowID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrBorrowNotFound.With("borrow record %d not found", borrowID)
		}
		if err != nil {
			return wrapInfra("load borrow record", err)
		}
		if (record.Status != models.BorrowStatusBorrowed && record.Status != models.BorrowStatusOverdue) || record.ReturnDate != nil {
			return ErrNotRemindable.With("borrow record %d is %s", borrowID, record.Status)
		}
		c.BorrowRecord = *record

		user, err := repo.GetUser(ctx, record.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return wrapInfra("load user", err)
		}
		if user == nil || strings.TrimSpace(user.Email) == "" {
			return ErrNoContactEmail.With("user %s has no email address", record.UserID)
		}
		c.Email, c.FirstName, c.LastName = user.Email, user.FirstName, user.LastName

		c.BookTitle, err = bookTitle(ctx, repo, record.BookID)
		return err
	})
	if err != nil {
		return err
	}

	msg, err := s.render(&c, now)
	if err != nil {
		return wrapInfra("render reminder", err)
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		s.logger.Warn("manual reminder delivery failed", zap.Int64("borrow_id", borrowID), zap.Error(err))
		return wrapInfra("send reminder", err)
	}
	err = s.store.InTx(ctx, func(repo store.Repository) error {
		return repo.AppendBorrowNote(ctx, borrowID, reminderMarker(borrowID, now), now)
	})
	if err != nil {
		s.logger.Error("reminder sent but marker not saved", zap.Int64("borrow_id", borrowID), zap.Error(err))
		return wrapInfra("record reminder", err)
	}
	s.logger.Info("manual reminder sent",
		zap.Int64("borrow_id", borrowID),
		zap.String("to", c.Email),
		zap.String("book", c.BookTitle))
	return nil
}
