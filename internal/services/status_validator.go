package services

import (
	"fmt"
	"strings"

	"github.com/elibrary/circulation/internal/models"
)

// borrowTransitions is the complete legal edge set. Terminal states map to an empty set.
var borrowTransitions = map[models.BorrowStatus][]models.BorrowStatus{
	models.BorrowStatusRequested: {models.BorrowStatusBorrowed, models.BorrowStatusCancelled},
	models.BorrowStatusBorrowed: {
		models.BorrowStatusReturned,
		models.BorrowStatusLost,
		models.BorrowStatusDamaged,
		models.BorrowStatusCancelled,
		models.BorrowStatusOverdue,
	},
	models.BorrowStatusOverdue:   {models.BorrowStatusReturned, models.BorrowStatusLost, models.BorrowStatusDamaged},
	models.BorrowStatusReturned:  {},
	models.BorrowStatusCancelled: {},
	models.BorrowStatusLost:      {},
	models.BorrowStatusDamaged:   {},
}

// CanTransition reports whether from -> to is a legal edge. Self loops are never legal.
func CanTransition(from, to models.BorrowStatus) bool {
	if from == to {
		return false
	}
	for _, s := range borrowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the legal targets from a status, empty for terminal ones.
func AllowedTransitions(from models.BorrowStatus) []models.BorrowStatus {
	out := make([]models.BorrowStatus, len(borrowTransitions[from]))
	copy(out, borrowTransitions[from])
	return out
}

// IsTerminal reports whether no transition leaves the status.
func IsTerminal(s models.BorrowStatus) bool {
	return len(borrowTransitions[s]) == 0
}

// ExplainRejection describes why from -> to is refused.
func ExplainRejection(from, to models.BorrowStatus) string {
	if from == to {
		return fmt.Sprintf("Record is already %s", from)
	}
	allowed := borrowTransitions[from]
	if len(allowed) == 0 {
		return fmt.Sprintf("Cannot change status from %s: %s is a final status", from, from)
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return fmt.Sprintf("Cannot change status from %s to %s. Allowed: %s", from, to, strings.Join(names, ", "))
}

// ValidateTransition returns ErrInvalidTransition with an explanation when the edge is illegal.
func ValidateTransition(from, to models.BorrowStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return ErrInvalidTransition.With("%s", ExplainRejection(from, to))
}
