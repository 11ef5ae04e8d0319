package acl

import "errors"

var (
	// ErrNotFound is returned for an unknown operation id.
	ErrNotFound = errors.New("confirmation not found")
	// ErrAlreadyResolved is returned when a confirmation has already reached a terminal state.
	ErrAlreadyResolved = errors.New("confirmation already resolved")
	// ErrInvalidDecision is returned when confirmation is requested for a
	// decision that does not need one or that Evaluate did not issue.
	ErrInvalidDecision = errors.New("invalid decision for confirmation")
)
