package factory

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountExists is returned when the sub-account to create already exists.
	ErrAccountExists = errors.New("sub-account already exists")
	// ErrSagaInFlight is returned when a saga for the same sub-account has not terminated or is
	// waiting for an operator after a failed rollback.
	ErrSagaInFlight = errors.New("a deployment of this sub-account is in flight")
	// ErrSagaFailure is recorded when a step fails. It never reaches the caller of Create: the
	// saga rolls back instead.
	ErrSagaFailure = errors.New("deployment step failed")
	// ErrReconciliationFailure is returned when a compensating action fails and funds may be
	// stranded.
	ErrReconciliationFailure = errors.New("reconciliation failure")
)

// ValidationError is returned when a creation request is rejected before any funds move. It
// wraps an *account.NameError or a *multisig.ConfigError.
type ValidationError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error { return e.Err }
