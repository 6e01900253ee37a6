package handshake

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Handshake error definitions.
var (
	// ErrNoPeerCertificate indicates the peer presented no certificate.
	ErrNoPeerCertificate = errors.New("peer presented no certificate")

	// ErrHandshakeTimeout indicates the handshake exceeded its deadline.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrHandshakeAborted indicates the handshake was aborted.
	ErrHandshakeAborted = errors.New("handshake aborted")

	// ErrInvalidTransition indicates an illegal handshake state transition.
	ErrInvalidTransition = errors.New("invalid handshake state transition")

	// ErrServerClosed indicates the listener has been stopped.
	ErrServerClosed = errors.New("server closed")

	// ErrVersionInvalid indicates an invalid TLS version name.
	ErrVersionInvalid = errors.New("invalid TLS version")

	// ErrCipherSuiteInvalid indicates an invalid cipher suite name.
	ErrCipherSuiteInvalid = errors.New("invalid cipher suite")
)

// Error represents a failed handshake with the reason it was aborted.
type Error struct {
	// Reason classifies the abort.
	Reason trust.Reason

	// State is the state the handshake had reached when it aborted.
	State State

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("handshake aborted in state %s: %s", e.State, abortLabel(e.Reason))
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error matching for handshake errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrHandshakeAborted:
		return true
	case ErrHandshakeTimeout:
		return e.Reason == trust.ReasonTimeout
	case ErrNoPeerCertificate:
		return e.Reason == trust.ReasonNoPeerCertificate
	}
	return false
}

// NewError creates a handshake error.
func NewError(reason trust.Reason, state State, cause error) *Error {
	return &Error{
		Reason: reason,
		State:  state,
		Cause:  cause,
	}
}
