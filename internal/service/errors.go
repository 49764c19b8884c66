package service

import (
	"errors"
	"fmt"
)

var (
	ErrNoAvailableProviders = errors.New("no available payment providers")
	ErrInvalidStrategy      = errors.New("invalid failover strategy")
	ErrEmptyResponse        = errors.New("provider returned no response")
)

// RetryExhaustedError is returned once every attempt has failed. It wraps
// the last provider error; Last is nil when no provider was called.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("payment failed after %d attempts: no provider was called", e.Attempts)
	}
	return fmt.Sprintf("payment failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}
