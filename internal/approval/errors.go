package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed submissions and calls that do
	// not fit the request's current state.
	ErrValidation = errors.New("validation failed")
	// ErrNotAuthorized is returned when the voter is not a designated
	// approver for the scope.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrNotFound is returned for unknown request, proposal or secret
	// references.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal is returned when a vote targets a decided scope.
	ErrAlreadyTerminal = errors.New("already terminal")
	// ErrConflict marks a merge-time version mismatch.
	ErrConflict = errors.New("merge conflict")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ConflictError describes why one proposal could not be merged. It matches
// ErrConflict under errors.Is.
type ConflictError struct {
	ProposalID string
	SecretID   string
	Key        string
	Expected   int64
	Actual     int64
	Reason     string
}

func (e *ConflictError) Error() string {
	target := e.SecretID
	if target == "" {
		target = e.Key
	}
	if e.Reason != "" {
		return fmt.Sprintf("proposal %s: secret %s: %s", e.ProposalID, target, e.Reason)
	}
	return fmt.Sprintf("proposal %s: secret %s changed: expected version %d, live version %d",
		e.ProposalID, target, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
