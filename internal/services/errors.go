package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to status codes.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindNotFound        ErrorKind = "not_found"
	KindStateConflict   ErrorKind = "state_conflict"
	KindPolicyViolation ErrorKind = "policy_violation"
	KindInfrastructure  ErrorKind = "infrastructure"
)

// Error is the typed error returned by the circulation services.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so a detailed error still equals its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && e.Code == t.Code
}

// With returns a copy of the sentinel carrying a more specific message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrAccountBlocked        = &Error{Kind: KindPolicyViolation, Code: "account_blocked", Message: "account is blocked"}
	ErrBorrowLimitReached    = &Error{Kind: KindPolicyViolation, Code: "borrow_limit_reached", Message: "borrow limit reached"}
	ErrFinesExceedLimit      = &Error{Kind: KindPolicyViolation, Code: "fines_exceed_limit", Message: "outstanding fines exceed the borrowing limit"}
	ErrBookUnavailable       = &Error{Kind: KindPolicyViolation, Code: "book_unavailable", Message: "no copies available"}
	ErrDuplicateActiveLoan   = &Error{Kind: KindPolicyViolation, Code: "duplicate_active_loan", Message: "user already has an active loan for this book"}
	ErrInvalidTransition     = &Error{Kind: KindStateConflict, Code: "invalid_transition", Message: "invalid status transition"}
	ErrAlreadyReturned       = &Error{Kind: KindStateConflict, Code: "already_returned", Message: "book already returned"}
	ErrExtensionLimitReached = &Error{Kind: KindStateConflict, Code: "extension_limit_reached", Message: "maximum number of extensions reached"}
	ErrCurrentlyOverdue      = &Error{Kind: KindStateConflict, Code: "currently_overdue", Message: "overdue loans cannot be extended"}
	ErrNotExtendable         = &Error{Kind: KindStateConflict, Code: "not_extendable", Message: "loan cannot be extended in its current status"}
	ErrBorrowNotFound        = &Error{Kind: KindNotFound, Code: "borrow_not_found", Message: "borrow record not found"}
	ErrBookNotFound          = &Error{Kind: KindNotFound, Code: "book_not_found", Message: "book not found"}
	ErrFineNotFound          = &Error{Kind: KindNotFound, Code: "fine_not_found", Message: "fine not found"}
	ErrFineAlreadySettled    = &Error{Kind: KindStateConflict, Code: "fine_already_settled", Message: "fine is already settled"}
	ErrFineNotEditable       = &Error{Kind: KindStateConflict, Code: "fine_not_editable", Message: "fine amount is maintained by the overdue scanner"}
	ErrNotRemindable         = &Error{Kind: KindStateConflict, Code: "not_remindable", Message: "loan is not out on loan"}
	ErrNoContactEmail        = &Error{Kind: KindPolicyViolation, Code: "no_contact_email", Message: "user has no email address"}
	ErrReviewNotAllowed      = &Error{Kind: KindPolicyViolation, Code: "review_not_allowed", Message: "review requires a returned loan of the book"}
	ErrAlreadyReviewed       = &Error{Kind: KindStateConflict, Code: "already_reviewed", Message: "book already reviewed"}
	ErrReviewNotFound        = &Error{Kind: KindNotFound, Code: "review_not_found", Message: "review not found"}
)

// NewValidationError builds a validation failure for a single field.
func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Code: "invalid_" + field, Message: message}
}

// wrapInfra marks a store or transport failure.
func wrapInfra(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: KindInfrastructure, Code: "infrastructure", Message: op, Err: err}
}

// KindOf returns the kind of err, infrastructure for untyped errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the reason code of err, empty for untyped errors.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
