package provider

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a provider id does not exist in the registry.
var ErrNotFound = errors.New("provider not found")

// ValidationError reports a configuration that violates the transport
// invariant. It is the caller's fault and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid provider config: %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ImmutableProviderError is returned when attempting to remove a built-in
// provider. Built-ins can be disabled but never deleted.
type ImmutableProviderError struct {
	ID string
}

func (e *ImmutableProviderError) Error() string {
	return fmt.Sprintf("provider %q is built-in and cannot be removed", e.ID)
}
