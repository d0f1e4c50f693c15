/*
errors.go - Centralized error types for the loan ledger

ERROR CATEGORIES:
  1. Fatal caller errors - the operation is rejected and nothing is written
     (ErrTargetNotFound, ErrAlreadyReversed, ErrReversalNotReversible,
     ErrInvalidChange, ErrLoanNotFound, ErrPaymentNotFound)
  2. Warnings - logged and counted, never returned from a write
     (ErrMissingBaseline, ErrUnknownModificationType)

USAGE:
  if errors.Is(err, loan.ErrAlreadyReversed) {
      // 409 to the caller
  }
*/
package loan

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrLoanNotFound    = errors.New("loan not found")
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrTargetNotFound is returned when a reversal references an entry that
	// does not exist on the loan's ledger.
	ErrTargetNotFound = errors.New("reversal target not found")

	// ErrAlreadyReversed is returned on an attempted double reversal.
	ErrAlreadyReversed = errors.New("modification already reversed")

	// ErrReversalNotReversible is returned when a reversal targets another reversal.
	ErrReversalNotReversible = errors.New("reversal entries cannot be reversed")

	// ErrInvalidChange is returned when a change payload is malformed.
	ErrInvalidChange = errors.New("invalid modification payload")

	// ErrMissingBaseline is a warning: the loan has no captured baseline and
	// reconciliation falls back to its current parameters.
	ErrMissingBaseline = errors.New("loan has no captured baseline")

	// ErrUnknownModificationType is a warning: the entry is skipped in the fold.
	ErrUnknownModificationType = errors.New("unknown modification type")

	// ErrAlreadyExists is returned by stores on duplicate ids.
	ErrAlreadyExists = errors.New("record already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ReversalError describes a rejected reversal.
type ReversalError struct {
	LoanID   LoanID
	TargetID EntryID
	Err      error
}

func (e *ReversalError) Error() string {
	return fmt.Sprintf("reverse %s on loan %s: %v", e.TargetID, e.LoanID, e.Err)
}

func (e *ReversalError) Unwrap() error { return e.Err }

// ChangeError describes a malformed change payload.
type ChangeError struct {
	Type  ModificationType
	Field string
	Msg   string
}

func (e *ChangeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Msg)
	}
	return fmt.Sprintf("%s.%s: %s", e.Type, e.Field, e.Msg)
}

func (e *ChangeError) Unwrap() error { return ErrInvalidChange }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLoanNotFound) ||
		errors.Is(err, ErrTargetNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// IsConflict returns true if the error conflicts with the ledger's current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrReversalNotReversible) ||
		errors.Is(err, ErrAlreadyExists)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidChange) || IsConflict(err)
}
