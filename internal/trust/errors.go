package trust

import (
	"errors"
	"fmt"
)

// Common sentinel errors for trust operations.
var (
	// ErrInvalidTrustAnchor indicates that a trust anchor is malformed or
	// self-inconsistent. The whole anchor load is rejected.
	ErrInvalidTrustAnchor = errors.New("invalid trust anchor")

	// ErrAnchorExpired indicates that a trust anchor is outside its
	// validity window.
	ErrAnchorExpired = errors.New("trust anchor expired")

	// ErrEmptySet indicates that an anchor set contains no anchors.
	ErrEmptySet = errors.New("trust anchor set is empty")

	// ErrAnchorModeInvalid indicates an unknown anchor mode tag.
	ErrAnchorModeInvalid = errors.New("invalid anchor mode")
)

// AnchorError represents a trust-anchor load or validation error.
type AnchorError struct {
	Subject string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AnchorError) Error() string {
	if e.Subject != "" {
		if e.Cause != nil {
			return fmt.Sprintf("trust anchor error for %s: %s: %v", e.Subject, e.Message, e.Cause)
		}
		return fmt.Sprintf("trust anchor error for %s: %s", e.Subject, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("trust anchor error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("trust anchor error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *AnchorError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *AnchorError) Is(target error) bool {
	if errors.Is(target, ErrInvalidTrustAnchor) {
		return true
	}
	_, ok := target.(*AnchorError)
	return ok || errors.Is(e.Cause, target)
}

// NewAnchorError creates a new AnchorError.
func NewAnchorError(subject, message string) *AnchorError {
	return &AnchorError{Subject: subject, Message: message}
}

// NewAnchorErrorWithCause creates a new AnchorError with a cause.
func NewAnchorErrorWithCause(subject, message string, cause error) *AnchorError {
	return &AnchorError{Subject: subject, Message: message, Cause: cause}
}

// DecisionError carries a reject Decision across the TLS verification
// callback boundary so the handshake layer can recover the reason code.
type DecisionError struct {
	Decision Decision
}

// Error implements the error interface.
func (e *DecisionError) Error() string {
	return fmt.Sprintf("peer certificate rejected: %s", e.Decision.Reason)
}

// NewDecisionError creates a DecisionError from a reject decision.
func NewDecisionError(d Decision) *DecisionError {
	return &DecisionError{Decision: d}
}
