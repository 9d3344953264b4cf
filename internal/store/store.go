// Package store persists books, loans, fines, reviews and user borrowing status.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/elibrary/circulation/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a unique constraint or version check rejects a write.
	ErrConflict = errors.New("write conflict")
)

// BorrowFilter narrows ListBorrows. Zero fields are ignored.
type BorrowFilter struct {
	UserID     string
	BookID     int64
	Statuses   []models.BorrowStatus
	DueBefore  *time.Time
	Unreturned bool
	Limit      uint
}

// FineFilter narrows ListFines. Zero fields are ignored.
type FineFilter struct {
	UserID         string
	BorrowRecordID int64
	Statuses       []models.FineStatus
	Kind           models.FineKind
}

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Repository is the set of reads and writes available inside a unit of work.
// Lock* methods take a row lock held until the enclosing transaction ends.
type Repository interface {
	GetBook(ctx context.Context, id int64) (*models.Book, error)
	LockBook(ctx context.Context, id int64) (*models.Book, error)
	// TakeCopy decrements availability only while copies remain and reports whether it did.
	TakeCopy(ctx context.Context, bookID int64, now time.Time) (bool, error)
	ReleaseCopy(ctx context.Context, bookID int64, now time.Time) error

	GetUser(ctx context.Context, id string) (*models.User, error)

	CreateBorrow(ctx context.Context, b *models.BorrowRecord) error
	GetBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error)
	LockBorrow(ctx context.Context, id int64) (*models.BorrowRecord, error)
	UpdateBorrow(ctx context.Context, b *models.BorrowRecord) error
	HasOpenBorrow(ctx context.Context, userID string, bookID int64) (bool, error)
	ListBorrows(ctx context.Context, f BorrowFilter) ([]models.BorrowRecord, error)
	ListReminderCandidates(ctx context.Context, now time.Time, ranges []TimeRange) ([]models.ReminderCandidate, error)
	AppendBorrowNote(ctx context.Context, id int64, line string, now time.Time) error

	CreateFine(ctx context.Context, f *models.Fine) error
	GetFine(ctx context.Context, id int64) (*models.Fine, error)
	LockFine(ctx context.Context, id int64) (*models.Fine, error)
	UpdateFine(ctx context.Context, f *models.Fine) error
	FindPendingOverdueFine(ctx context.Context, borrowRecordID int64) (*models.Fine, error)
	ListFines(ctx context.Context, f FineFilter) ([]models.Fine, error)
	CreateFineAction(ctx context.Context, a *models.FineAction) error
	ListFineActions(ctx context.Context, fineID int64) ([]models.FineAction, error)
	// FineTotals groups every fine by status and kind.
	FineTotals(ctx context.Context) ([]models.FineTotal, error)

	CreateReview(ctx context.Context, rv *models.Review) error
	GetReview(ctx context.Context, id int64) (*models.Review, error)
	UpdateReview(ctx context.Context, rv *models.Review) error
	FindUserReview(ctx context.Context, userID string, bookID int64) (*models.Review, error)
	ListBookReviews(ctx context.Context, bookID int64) ([]models.Review, error)

	// EnsureUserStatus creates a default Active row when none exists.
	EnsureUserStatus(ctx context.Context, userID string, borrowLimit int, now time.Time) error
	GetUserStatus(ctx context.Context, userID string) (*models.UserStatus, error)
	LockUserStatus(ctx context.Context, userID string) (*models.UserStatus, error)
	// UpdateUserStatus writes s when its Version matches and bumps s.Version.
	UpdateUserStatus(ctx context.Context, s *models.UserStatus) error
}

// Store opens units of work over the backing database.
type Store interface {
	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Repository) error) error
	// View runs fn without a transaction. Only reads should be issued.
	View(ctx context.Context, fn func(Repository) error) error
	Migrate(ctx context.Context) error
	Close() error
}
