package supervisor

import (
	"errors"
	"fmt"
)

// ErrNoConnection is returned by Invoke when the provider has no usable
// connection (never acquired, or closed).
var ErrNoConnection = errors.New("no active connection for provider")

// ProviderUnavailableError is returned when a connection could not be
// established within the attempt budget. The conversation continues without
// this provider's tools.
type ProviderUnavailableError struct {
	ProviderID string
	Err        error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q unavailable: %v", e.ProviderID, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }
