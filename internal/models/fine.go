package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FineStatus string

const (
	FineStatusPending    FineStatus = "Pending"
	FineStatusPaid       FineStatus = "Paid"
	FineStatusWaived     FineStatus = "Waived"
	FineStatusOverdue    FineStatus = "Overdue"
	FineStatusEscalated  FineStatus = "Escalated"
	FineStatusWrittenOff FineStatus = "WrittenOff"
)

// IsOutstanding reports whether the fine still counts as unpaid debt.
func (s FineStatus) IsOutstanding() bool {
	return s == FineStatusPending || s == FineStatusOverdue || s == FineStatusEscalated
}

// FineKind tags what a fine was charged for.
type FineKind string

const (
	FineKindOverdue FineKind = "overdue"
	FineKindLost    FineKind = "lost"
	FineKindDamaged FineKind = "damaged"
	FineKindManual  FineKind = "manual"
)

// Fine is a monetary penalty, usually tied to a loan.
type Fine struct {
	ID             int64           `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	BorrowRecordID *int64          `json:"borrowRecordId,omitempty" db:"borrow_record_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Reason         string          `json:"reason" db:"reason"`
	Kind           FineKind        `json:"kind" db:"kind"`
	Status         FineStatus      `json:"status" db:"status"`
	DueDate        *time.Time      `json:"dueDate,omitempty" db:"due_date"`
	PaidDate       *time.Time      `json:"paidDate,omitempty" db:"paid_date"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

type FineActionType string

const (
	FineActionCreated         FineActionType = "created"
	FineActionAmountUpdated   FineActionType = "amount_updated"
	FineActionPaymentReceived FineActionType = "payment_received"
	FineActionWaived          FineActionType = "waived"
	FineActionEdited          FineActionType = "edited"
)

// SystemActor is the actor id recorded for actions taken by background jobs.
const SystemActor = "system"

// FineAction is one entry of a fine's history.
type FineAction struct {
	ID          int64           `json:"id" db:"id"`
	FineID      int64           `json:"fineId" db:"fine_id"`
	ActorID     string          `json:"actorId" db:"actor_id"`
	Action      FineActionType  `json:"action" db:"action"`
	Description string          `json:"description" db:"description"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Notes       string          `json:"notes" db:"notes"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// FineTotal aggregates fines sharing a status and kind.
type FineTotal struct {
	Status FineStatus      `json:"status" db:"status"`
	Kind   FineKind        `json:"kind" db:"kind"`
	Count  int             `json:"count" db:"count"`
	Amount decimal.Decimal `json:"amount" db:"amount"`
}
