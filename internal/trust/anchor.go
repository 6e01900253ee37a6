package trust

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// AnchorMode tags how an anchor certificate establishes trust.
type AnchorMode string

// Anchor mode constants.
const (
	// AnchorModePinned trusts this exact certificate and nothing else.
	AnchorModePinned AnchorMode = "pinned"

	// AnchorModeAuthority trusts any certificate with a valid signature
	// path terminating at this certificate.
	AnchorModeAuthority AnchorMode = "authority"
)

// String returns the string representation of the anchor mode.
func (m AnchorMode) String() string {
	return string(m)
}

// IsValid returns true if the anchor mode is valid.
func (m AnchorMode) IsValid() bool {
	switch m {
	case AnchorModePinned, AnchorModeAuthority:
		return true
	default:
		return false
	}
}

// Anchor is a trust anchor: a certificate plus the policy mode under which
// it vouches for peers.
type Anchor struct {
	Certificate *x509.Certificate
	Mode        AnchorMode
}

// Set is an immutable, validated collection of trust anchors. A Set may mix
// pinned and authority anchors; resolution order is decided by the Evaluator.
type Set struct {
	pinned      []*x509.Certificate
	authorities []*x509.Certificate
}

// SetOption is a functional option for building a Set.
type SetOption func(*setBuilder)

type setBuilder struct {
	clock clockwork.Clock
}

// WithSetClock overrides the clock used for anchor validity checks.
func WithSetClock(clock clockwork.Clock) SetOption {
	return func(b *setBuilder) {
		b.clock = clock
	}
}

// NewSet validates anchors and builds an immutable Set. Any malformed,
// expired, or self-inconsistent anchor rejects the whole load: the engine
// must not serve with a partially-loaded trust store.
func NewSet(anchors []Anchor, opts ...SetOption) (*Set, error) {
	b := &setBuilder{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(b)
	}

	s := &Set{}
	for _, anchor := range anchors {
		if err := validateAnchor(anchor, b.clock.Now()); err != nil {
			return nil, err
		}
		switch anchor.Mode {
		case AnchorModePinned:
			s.pinned = append(s.pinned, anchor.Certificate)
		case AnchorModeAuthority:
			s.authorities = append(s.authorities, anchor.Certificate)
		}
	}

	return s, nil
}

// validateAnchor checks a single anchor for structural consistency.
func validateAnchor(anchor Anchor, now time.Time) error {
	if anchor.Certificate == nil {
		return NewAnchorError("", "anchor certificate is nil")
	}

	subject := anchor.Certificate.Subject.String()

	if !anchor.Mode.IsValid() {
		return NewAnchorErrorWithCause(subject, "unknown mode "+string(anchor.Mode), ErrAnchorModeInvalid)
	}

	if now.Before(anchor.Certificate.NotBefore) {
		return NewAnchorErrorWithCause(subject, "anchor not yet valid", ErrAnchorExpired)
	}
	if now.After(anchor.Certificate.NotAfter) {
		return NewAnchorErrorWithCause(subject, "anchor expired", ErrAnchorExpired)
	}

	// A certificate claiming to be self-signed must actually carry a
	// signature that verifies against its own public key. CheckSignature
	// is used directly because pinned anchors are often self-signed leaf
	// certificates without CA constraints.
	cert := anchor.Certificate
	if isClaimedSelfSigned(cert) {
		if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
			return NewAnchorErrorWithCause(subject, "self-signed anchor fails its own signature check", err)
		}
	}

	return nil
}

// isClaimedSelfSigned reports whether the certificate claims to be its own
// issuer, by DN comparison only.
func isClaimedSelfSigned(cert *x509.Certificate) bool {
	return string(cert.RawSubject) == string(cert.RawIssuer)
}

// Pinned returns the pinned anchor certificates.
func (s *Set) Pinned() []*x509.Certificate {
	return s.pinned
}

// Authorities returns the authority anchor certificates.
func (s *Set) Authorities() []*x509.Certificate {
	return s.authorities
}

// Len returns the total number of anchors in the set.
func (s *Set) Len() int {
	return len(s.pinned) + len(s.authorities)
}

// IsEmpty returns true if the set contains no anchors.
func (s *Set) IsEmpty() bool {
	return s.Len() == 0
}

// ParseAnchorsPEM parses PEM data into anchors, all tagged with the given
// mode. Multiple CERTIFICATE blocks in one file are allowed.
func ParseAnchorsPEM(pemData []byte, mode AnchorMode) ([]Anchor, error) {
	var anchors []Anchor

	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, NewAnchorErrorWithCause("", "failed to parse anchor certificate", err)
		}

		anchors = append(anchors, Anchor{Certificate: cert, Mode: mode})
	}

	if len(anchors) == 0 {
		return nil, NewAnchorError("", "no certificates found in PEM data")
	}

	return anchors, nil
}

// LoadAnchorsFromFile reads a PEM file and parses it into anchors tagged
// with the given mode.
func LoadAnchorsFromFile(path string, mode AnchorMode) ([]Anchor, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- anchor path from trusted config
	if err != nil {
		return nil, NewAnchorErrorWithCause("", "failed to read anchor file "+path, err)
	}
	return ParseAnchorsPEM(data, mode)
}
