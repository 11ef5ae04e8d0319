package resource

import "errors"

var (
	// ErrAllocationDenied is returned at startup when the policy's own ACL
	// rules refuse the configured allocation.
	ErrAllocationDenied = errors.New("resource allocation denied")
	// ErrEmptyUpdate is returned by UpdateAllocation when no field is set.
	ErrEmptyUpdate = errors.New("allocation update has no fields")
	// ErrUnsupported is returned by enforcers on platforms without the needed syscalls.
	ErrUnsupported = errors.New("not supported on this platform")
)
