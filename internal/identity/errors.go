package identity

import (
	"errors"
	"fmt"
)

// Common sentinel errors for credential operations.
var (
	// ErrInvalidCredential indicates that local identity material is
	// malformed. Fatal at load: the engine must not start serving with a
	// broken identity.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrKeyMismatch indicates that the private key does not match the
	// leaf certificate's public key.
	ErrKeyMismatch = errors.New("private key does not match leaf certificate")

	// ErrChainBroken indicates that the certificate chain is not
	// contiguous from the leaf upward.
	ErrChainBroken = errors.New("certificate chain is not contiguous")

	// ErrCredentialExpired indicates that the leaf certificate is outside
	// its validity window.
	ErrCredentialExpired = errors.New("credential expired")

	// ErrSourceClosed indicates that the identity source has been closed.
	ErrSourceClosed = errors.New("identity source closed")
)

// CredentialError represents a credential load or validation error.
type CredentialError struct {
	Subject string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	if e.Subject != "" {
		if e.Cause != nil {
			return fmt.Sprintf("credential error for %s: %s: %v", e.Subject, e.Message, e.Cause)
		}
		return fmt.Sprintf("credential error for %s: %s", e.Subject, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("credential error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("credential error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CredentialError) Is(target error) bool {
	if errors.Is(target, ErrInvalidCredential) {
		return true
	}
	_, ok := target.(*CredentialError)
	return ok || errors.Is(e.Cause, target)
}

// NewCredentialError creates a new CredentialError.
func NewCredentialError(subject, message string) *CredentialError {
	return &CredentialError{Subject: subject, Message: message}
}

// NewCredentialErrorWithCause creates a new CredentialError with a cause.
func NewCredentialErrorWithCause(subject, message string, cause error) *CredentialError {
	return &CredentialError{Subject: subject, Message: message, Cause: cause}
}
