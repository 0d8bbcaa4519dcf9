// internal/util/errors.go
package util

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by services, the outbox worker and the HTTP layer.
// Specific failures wrap one of these sentinels with %w so callers can
// classify with errors.Is while still seeing the concrete message.
var (
	ErrValidation       = errors.New("invalid input provided")
	ErrNotFound         = errors.New("resource not found")
	ErrConflict         = errors.New("conflicting state transition")
	ErrExternalService  = errors.New("external service failure")
	ErrExhaustedRetries = errors.New("exhausted retries")

	// ErrInsufficientFunds is a validation failure, but callers need to tell
	// it apart from other bad input to render a useful message.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrValidation)
)

// IsError reports whether err wraps target.
func IsError(err, target error) bool {
	return errors.Is(err, target)
}
