package handshake

import (
	"crypto/tls"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Session is the immutable record of one established connection: the
// negotiated parameters, the peer identity, and the trust decision that
// admitted it. It is constructed once at handshake completion and only read
// afterwards.
type Session struct {
	id            string
	version       uint16
	cipherSuite   uint16
	localSubject  string
	remoteAddr    string
	decision      trust.Decision
	establishedAt time.Time
}

// newSession builds the session artifact for an established handshake.
func newSession(version, cipherSuite uint16, localSubject, remoteAddr string, decision trust.Decision, establishedAt time.Time) *Session {
	return &Session{
		id:            uuid.New().String(),
		version:       version,
		cipherSuite:   cipherSuite,
		localSubject:  localSubject,
		remoteAddr:    remoteAddr,
		decision:      decision,
		establishedAt: establishedAt,
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Version returns the negotiated TLS version.
func (s *Session) Version() uint16 {
	return s.version
}

// VersionName returns the human-readable negotiated TLS version.
func (s *Session) VersionName() string {
	return VersionName(s.version)
}

// CipherSuite returns the negotiated cipher suite.
func (s *Session) CipherSuite() uint16 {
	return s.cipherSuite
}

// CipherSuiteName returns the human-readable negotiated cipher suite.
func (s *Session) CipherSuiteName() string {
	return tls.CipherSuiteName(s.cipherSuite)
}

// LocalSubject returns the subject DN of the local certificate presented.
func (s *Session) LocalSubject() string {
	return s.localSubject
}

// RemoteAddr returns the peer network address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Decision returns the trust decision that admitted the peer.
func (s *Session) Decision() trust.Decision {
	return s.decision
}

// Peer returns the authenticated peer identity. It is zero-valued when the
// peer presented no certificate on an optional-auth listener.
func (s *Session) Peer() trust.PeerIdentity {
	if s.decision.Peer == nil {
		return trust.PeerIdentity{}
	}
	return *s.decision.Peer
}

// EstablishedAt returns when the handshake completed.
func (s *Session) EstablishedAt() time.Time {
	return s.establishedAt
}
