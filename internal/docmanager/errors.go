package docmanager

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Manager matches exactly one kind with
// errors.Is, and still matches its underlying cause.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrStorageFailure  = errors.New("storage failure")
	ErrUpstreamFailure = errors.New("upstream failure")
)

func wrap(kind error, action string, cause error) error {
	return fmt.Errorf("%w: %s: %w", kind, action, cause)
}
