package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "Active"
	AccountStatusSuspended AccountStatus = "Suspended"
	AccountStatusBlocked   AccountStatus = "Blocked"
	AccountStatusProbation AccountStatus = "Probation"
)

// UserStatus is the per-user borrowing aggregate. Version is bumped on every
// update for optimistic locking.
type UserStatus struct {
	UserID                string          `json:"userId" db:"user_id"`
	AccountStatus         AccountStatus   `json:"accountStatus" db:"account_status"`
	TotalOutstandingFines decimal.Decimal `json:"totalOutstandingFines" db:"total_outstanding_fines"`
	OverdueFinesCount     int             `json:"overdueFinesCount" db:"overdue_fines_count"`
	MaxBorrowLimit        int             `json:"maxBorrowLimit" db:"max_borrow_limit"`
	CurrentBorrowCount    int             `json:"currentBorrowCount" db:"current_borrow_count"`
	BlockReason           string          `json:"blockReason,omitempty" db:"block_reason"`
	BlockedUntil          *time.Time      `json:"blockedUntil,omitempty" db:"blocked_until"`
	Version               int             `json:"version" db:"version"`
	CreatedAt             time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time       `json:"updatedAt" db:"updated_at"`
}
