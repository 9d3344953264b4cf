package models

import (
	"math"
	"strings"
	"time"
)

// BorrowStatus is the lifecycle state of a loan.
type BorrowStatus string

const (
	BorrowStatusRequested BorrowStatus = "Requested"
	BorrowStatusBorrowed  BorrowStatus = "Borrowed"
	BorrowStatusReturned  BorrowStatus = "Returned"
	BorrowStatusCancelled BorrowStatus = "Cancelled"
	BorrowStatusLost      BorrowStatus = "Lost"
	BorrowStatusDamaged   BorrowStatus = "Damaged"
	BorrowStatusOverdue   BorrowStatus = "Overdue"
)

// AllBorrowStatuses lists every status. Adding a status here without a row in the
// transition table fails the validator tests.
var AllBorrowStatuses = []BorrowStatus{
	BorrowStatusRequested,
	BorrowStatusBorrowed,
	BorrowStatusReturned,
	BorrowStatusCancelled,
	BorrowStatusLost,
	BorrowStatusDamaged,
	BorrowStatusOverdue,
}

// ParseBorrowStatus matches a status name case-insensitively.
func ParseBorrowStatus(s string) (BorrowStatus, bool) {
	s = strings.TrimSpace(s)
	for _, st := range AllBorrowStatuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// HoldsCopy reports whether a loan in this status keeps a physical copy out of stock
// and counts against the borrower's limit.
func (s BorrowStatus) HoldsCopy() bool {
	return s == BorrowStatusBorrowed || s == BorrowStatusOverdue
}

// IsOpen reports whether the loan has not reached a terminal status.
func (s BorrowStatus) IsOpen() bool {
	return s == BorrowStatusRequested || s.HoldsCopy()
}

func (s BorrowStatus) String() string { return string(s) }

// BorrowRecord represents one loan of a book to a user.
type BorrowRecord struct {
	ID                int64        `json:"id" db:"id"`
	UserID            string       `json:"userId" db:"user_id"`
	BookID            int64        `json:"bookId" db:"book_id"`
	BorrowDate        time.Time    `json:"borrowDate" db:"borrow_date"`
	ConfirmedDate     *time.Time   `json:"confirmedDate,omitempty" db:"confirmed_date"`
	DueDate           time.Time    `json:"dueDate" db:"due_date"`
	ReturnDate        *time.Time   `json:"returnDate,omitempty" db:"return_date"`
	Status            BorrowStatus `json:"status" db:"status"`
	Notes             string       `json:"notes" db:"notes"`
	ExtensionCount    int          `json:"extensionCount" db:"extension_count"`
	LastExtensionDate *time.Time   `json:"lastExtensionDate,omitempty" db:"last_extension_date"`
	CreatedAt         time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time    `json:"updatedAt" db:"updated_at"`
}

// IsOverdueAt reports whether the loan is unreturned and past its due date.
func (b *BorrowRecord) IsOverdueAt(now time.Time) bool {
	return b.ReturnDate == nil && now.After(b.DueDate)
}

// OverdueDays is the number of whole days elapsed since the due date, 0 when not overdue.
func (b *BorrowRecord) OverdueDays(now time.Time) int {
	if !now.After(b.DueDate) {
		return 0
	}
	return int(math.Floor(now.Sub(b.DueDate).Hours() / 24))
}

// AppendNote adds a line to the notes log.
func (b *BorrowRecord) AppendNote(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if b.Notes == "" {
		b.Notes = line
		return
	}
	b.Notes = b.Notes + "\n" + line
}

// ReminderCandidate is a loan joined with the data needed to mail its borrower.
type ReminderCandidate struct {
	BorrowRecord
	Email     string `json:"email" db:"email"`
	FirstName string `json:"firstName" db:"first_name"`
	LastName  string `json:"lastName" db:"last_name"`
	BookTitle string `json:"bookTitle" db:"book_title"`
}
