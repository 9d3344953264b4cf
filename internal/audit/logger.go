// Package audit writes a structured trail of loan, fine and account events.
package audit

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/elibrary/circulation/internal/clock"
	"github.com/elibrary/circulation/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	EventBorrowCreated    = "BORROW_CREATED"
	EventBorrowReturned   = "BORROW_RETURNED"
	EventBorrowExtended   = "BORROW_EXTENDED"
	EventBorrowStatus     = "BORROW_STATUS_CHANGED"
	EventFineCreated      = "FINE_CREATED"
	EventFineUpdated      = "FINE_UPDATED"
	EventFinePaid         = "FINE_PAID"
	EventFineWaived       = "FINE_WAIVED"
	EventAccountBlocked   = "ACCOUNT_BLOCKED"
	EventAccountUnblocked = "ACCOUNT_UNBLOCKED"
	EventError            = "ERROR"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	UserID    string    `json:"user_id,omitempty"`
	BorrowID  int64     `json:"borrow_id,omitempty"`
	FineID    int64     `json:"fine_id,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// Logger emits audit events as JSON through zap. A nil Logger discards events.
type Logger struct {
	logger *zap.Logger
	clock  clock.Clock
}

func NewLogger(logger *zap.Logger, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Logger{logger: logger.Named("audit"), clock: clk}
}

func (a *Logger) LogLoan(eventType string, record *models.BorrowRecord, details map[string]string) {
	if a == nil || record == nil {
		return
	}
	a.log(Event{
		EventType: eventType,
		UserID:    record.UserID,
		BorrowID:  record.ID,
		Status:    string(record.Status),
		Details:   details,
	})
}

func (a *Logger) LogFine(eventType string, fine *models.Fine, actorID string) {
	if a == nil || fine == nil {
		return
	}
	details := map[string]string{"actor_id": actorID, "kind": string(fine.Kind)}
	if fine.BorrowRecordID != nil {
		details["borrow_id"] = strconv.FormatInt(*fine.BorrowRecordID, 10)
	}
	a.log(Event{
		EventType: eventType,
		UserID:    fine.UserID,
		FineID:    fine.ID,
		Amount:    fine.Amount.String(),
		Status:    string(fine.Status),
		Details:   details,
	})
}

func (a *Logger) LogAccount(eventType, userID, status, reason string) {
	if a == nil {
		return
	}
	a.log(Event{
		EventType: eventType,
		UserID:    userID,
		Status:    status,
		Details:   map[string]string{"reason": reason},
	})
}

func (a *Logger) LogError(operation, userID string, err error) {
	if a == nil || err == nil {
		return
	}
	a.log(Event{
		EventType: EventError,
		UserID:    userID,
		Status:    "FAILED",
		Details:   map[string]string{"operation": operation, "error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	event.Timestamp = a.clock.Now()
	event.EventID = uuid.NewString()
	data, err := json.Marshal(event)
	if err != nil {
		a.logger.Warn("audit event encoding failed", zap.String("event_type", event.EventType), zap.Error(err))
		return
	}
	a.logger.Info("AUDIT", zap.String("event", string(data)))
}
