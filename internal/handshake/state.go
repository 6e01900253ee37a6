package handshake

import (
	"fmt"
	"sync"
)

// State represents a phase of the handshake lifecycle.
type State int

// Handshake state constants, in progression order.
const (
	// StateStart is the initial state before any negotiation.
	StateStart State = iota

	// StateVersionNegotiated means the protocol version has been agreed.
	StateVersionNegotiated

	// StateLocalCertSent means the local certificate has been offered.
	StateLocalCertSent

	// StatePeerCertRequested means the peer has been asked for its certificate.
	StatePeerCertRequested

	// StatePeerCertReceived means the peer certificate material has arrived.
	StatePeerCertReceived

	// StateTrustEvaluated means the trust decision has been made.
	StateTrustEvaluated

	// StateEstablished is the terminal success state.
	StateEstablished

	// StateAborted is the terminal failure state.
	StateAborted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateVersionNegotiated:
		return "version_negotiated"
	case StateLocalCertSent:
		return "local_cert_sent"
	case StatePeerCertRequested:
		return "peer_cert_requested"
	case StatePeerCertReceived:
		return "peer_cert_received"
	case StateTrustEvaluated:
		return "trust_evaluated"
	case StateEstablished:
		return "established"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state ends the handshake.
func (s State) IsTerminal() bool {
	return s == StateEstablished || s == StateAborted
}

// transitions defines the legal successor for each non-terminal state.
// Aborting is legal from any non-terminal state and handled separately.
var transitions = map[State]State{
	StateStart:             StateVersionNegotiated,
	StateVersionNegotiated: StateLocalCertSent,
	StateLocalCertSent:     StatePeerCertRequested,
	StatePeerCertRequested: StatePeerCertReceived,
	StatePeerCertReceived:  StateTrustEvaluated,
	StateTrustEvaluated:    StateEstablished,
}

// machine tracks the state of one handshake and enforces legal transitions.
type machine struct {
	mu    sync.Mutex
	state State
}

// newMachine creates a machine in the start state.
func newMachine() *machine {
	return &machine{state: StateStart}
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to the next state, which must be the legal successor of the
// current one.
func (m *machine) advance(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, m.state)
	}

	if transitions[m.state] != next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, next)
	}

	m.state = next
	return nil
}

// abort moves to the aborted state from any non-terminal state. Aborting an
// already-terminal handshake is a no-op so late failures cannot regress an
// established connection.
func (m *machine) abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsTerminal() {
		return
	}
	m.state = StateAborted
}
