package trash

import "errors"

var (
	// ErrNotFound is returned for a missing path, unknown trash id, or missing payload.
	ErrNotFound = errors.New("not found")
	// ErrPolicy is returned when the security policy forbids the operation.
	ErrPolicy = errors.New("forbidden by security policy")
)
