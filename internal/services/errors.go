package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound indicates the checkout session does not exist or has expired.
	ErrSessionNotFound = errors.New("checkout session: not found")
	// ErrSessionClosed indicates the session already reached a terminal state.
	ErrSessionClosed = errors.New("checkout session: closed")
	// ErrSessionForbidden indicates the caller does not own the session.
	ErrSessionForbidden = errors.New("checkout session: forbidden")
	// ErrVendorNotFound indicates the vendor referenced by a new session does not exist.
	ErrVendorNotFound = errors.New("checkout session: vendor not found")
	// ErrCheckoutUnavailable indicates the backing store could not be reached.
	ErrCheckoutUnavailable = errors.New("checkout session: store unavailable")
	// ErrStockpileDisabled is returned when the vendor has not enabled stockpiling.
	ErrStockpileDisabled = errors.New("checkout mode: stockpile disabled for vendor")
	// ErrPickupUnavailable is returned when the vendor does not offer pickup.
	ErrPickupUnavailable = errors.New("checkout mode: pickup unavailable for vendor")
	// ErrDeliveryUnavailable is returned when the vendor only offers pickup.
	ErrDeliveryUnavailable = errors.New("checkout mode: delivery unavailable for vendor")
	// ErrInvalidTransition is returned when a mode change is not legal from the current flow.
	ErrInvalidTransition = errors.New("checkout mode: invalid transition")
	// ErrTriviaDisabled is returned when trivia rewards are switched off.
	ErrTriviaDisabled = errors.New("trivia: disabled")
	// ErrTriviaNotActive is returned when no trivia round is awaiting an answer.
	ErrTriviaNotActive = errors.New("trivia: no active round")
	// ErrTriviaExpired is returned when an answer arrives after the question timer elapsed.
	ErrTriviaExpired = errors.New("trivia: question expired")
	// ErrTriviaNotStarted is returned when an answer arrives before the start countdown finished.
	ErrTriviaNotStarted = errors.New("trivia: question not revealed yet")
)

// ValidationError reports missing or invalid checkout fields. It never mutates session state.
type ValidationError struct {
	Fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "checkout validation failed"
	}
	return fmt.Sprintf("checkout validation failed: [%s]", strings.Join(e.Fields, ", "))
}

func newValidationError(fields ...string) *ValidationError {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return &ValidationError{Fields: out}
}

// RemoteComputationError wraps a failure of the pricing or reward oracle.
type RemoteComputationError struct {
	Oracle string
	Err    error
}

// Error implements the error interface.
func (e *RemoteComputationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s oracle: %v", e.Oracle, e.Err)
}

// Unwrap exposes the underlying transport or oracle error.
func (e *RemoteComputationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// InvalidRegionError is returned when a state cannot be mapped to a delivery region.
type InvalidRegionError struct {
	State string
}

// Error implements the error interface.
func (e *InvalidRegionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("delivery fee: no region for state %q", e.State)
}
