package trust

import (
	"bytes"
	"crypto/x509"

	"github.com/jonboulle/clockwork"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// DefaultMaxChainDepth caps the issuer walk over a presented chain so an
// attacker-supplied chain cannot drive an unbounded search.
const DefaultMaxChainDepth = 8

// Outcome is the result of a trust evaluation.
type Outcome int

// Outcome constants.
const (
	// OutcomeReject means the peer is not authorized.
	OutcomeReject Outcome = iota

	// OutcomeAccept means the peer is authorized.
	OutcomeAccept
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	if o == OutcomeAccept {
		return "accept"
	}
	return "reject"
}

// Reason is a terminal reason code for a reject decision. Reason codes are
// logged for operability; they never carry key material.
type Reason string

// Reason code constants.
const (
	// ReasonNone is carried by accept decisions.
	ReasonNone Reason = ""

	// ReasonExpired means the leaf certificate is outside its validity window.
	ReasonExpired Reason = "expired"

	// ReasonEmptyChain means the presented chain contains no certificates.
	ReasonEmptyChain Reason = "empty_chain"

	// ReasonNoPeerCertificate means the peer never presented a certificate
	// although policy requires one.
	ReasonNoPeerCertificate Reason = "no_peer_certificate"

	// ReasonUntrustedChain means neither pin nor chain validation succeeded.
	ReasonUntrustedChain Reason = "untrusted_chain"

	// ReasonTimeout means the handshake did not complete within the
	// configured bound.
	ReasonTimeout Reason = "timeout"
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	return string(r)
}

// TrustMode distinguishes how an accepted peer was trusted.
type TrustMode string

// Trust mode constants.
const (
	// TrustModePinned means the leaf byte-matched a pinned anchor.
	TrustModePinned TrustMode = "pinned"

	// TrustModeCA means a signature path to an authority anchor was found.
	TrustModeCA TrustMode = "ca"

	// TrustModeCertless marks an accept on an optional-auth listener where
	// the peer presented no certificate. The evaluator never produces it;
	// only the handshake layer synthesizes it.
	TrustModeCertless TrustMode = "certless"
)

// PeerIdentity is the resolved identity of an accepted peer.
type PeerIdentity struct {
	// SubjectDN is the leaf certificate's subject distinguished name.
	SubjectDN string

	// Serial is the leaf certificate's serial number.
	Serial string

	// Mode records whether trust came from pinning or a CA path.
	Mode TrustMode
}

// Decision is the outcome of one trust evaluation. An accept decision
// always carries a non-empty resolved identity; a reject decision always
// carries a reason code. Decisions are produced fresh per handshake and
// never cached across connections.
type Decision struct {
	Outcome Outcome
	Reason  Reason
	Peer    *PeerIdentity
}

// Accepted returns true if the decision is an accept.
func (d Decision) Accepted() bool {
	return d.Outcome == OutcomeAccept
}

func acceptDecision(leaf *x509.Certificate, mode TrustMode) Decision {
	return Decision{
		Outcome: OutcomeAccept,
		Peer: &PeerIdentity{
			SubjectDN: leaf.Subject.String(),
			Serial:    leaf.SerialNumber.String(),
			Mode:      mode,
		},
	}
}

func rejectDecision(reason Reason) Decision {
	return Decision{Outcome: OutcomeReject, Reason: reason}
}

// Evaluator decides whether a presented certificate chain is trusted under
// the store's current anchor set. It is deterministic and free of side
// effects: identical inputs against an unmodified store always yield an
// identical Decision.
type Evaluator struct {
	store    *Store
	clock    clockwork.Clock
	maxDepth int
	logger   observability.Logger
	metrics  MetricsRecorder
}

// EvaluatorOption is a functional option for configuring Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger for the evaluator.
func WithEvaluatorLogger(logger observability.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithEvaluatorMetrics sets the metrics recorder for the evaluator.
func WithEvaluatorMetrics(metrics MetricsRecorder) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = metrics
	}
}

// WithEvaluatorClock overrides the clock used for validity checks.
func WithEvaluatorClock(clock clockwork.Clock) EvaluatorOption {
	return func(e *Evaluator) {
		e.clock = clock
	}
}

// WithMaxChainDepth overrides the presented-chain walk depth cap.
func WithMaxChainDepth(depth int) EvaluatorOption {
	return func(e *Evaluator) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// NewEvaluator creates a trust policy evaluator bound to a trust store.
func NewEvaluator(store *Store, opts ...EvaluatorOption) (*Evaluator, error) {
	if store == nil {
		return nil, NewAnchorError("", "trust store is required")
	}

	e := &Evaluator{
		store:    store,
		clock:    clockwork.NewRealClock(),
		maxDepth: DefaultMaxChainDepth,
		logger:   observability.NopLogger(),
		metrics:  NewNopMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Evaluate decides accept/reject for a presented chain, leaf first.
//
// Pinning is evaluated before chain validation: an exact pinned match is
// the stronger, more specific trust assertion and wins even when a CA path
// also exists. Expiry of the leaf rejects before either check runs.
func (e *Evaluator) Evaluate(chain []*x509.Certificate) Decision {
	start := e.clock.Now()
	set := e.store.Anchors()

	decision := e.evaluate(chain, set)

	e.metrics.RecordEvaluation(decision, e.clock.Since(start))
	if decision.Accepted() {
		e.logger.Debug("peer trusted",
			observability.String("subject", decision.Peer.SubjectDN),
			observability.String("serial", decision.Peer.Serial),
			observability.String("trust_mode", string(decision.Peer.Mode)),
		)
	} else {
		e.logger.Warn("peer rejected",
			observability.String("reason", decision.Reason.String()),
		)
	}

	return decision
}

func (e *Evaluator) evaluate(chain []*x509.Certificate, set *Set) Decision {
	if len(chain) == 0 {
		return rejectDecision(ReasonEmptyChain)
	}

	leaf := chain[0]
	if leaf == nil {
		return rejectDecision(ReasonEmptyChain)
	}

	now := e.clock.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return rejectDecision(ReasonExpired)
	}

	if matchesPinnedAnchor(leaf, set.pinned) {
		return acceptDecision(leaf, TrustModePinned)
	}

	if e.chainsToAuthority(leaf, chain[1:], set.authorities) {
		return acceptDecision(leaf, TrustModeCA)
	}

	return rejectDecision(ReasonUntrustedChain)
}

// matchesPinnedAnchor compares the leaf against every pinned anchor by
// canonical DER byte equality.
func matchesPinnedAnchor(leaf *x509.Certificate, pinned []*x509.Certificate) bool {
	for _, anchor := range pinned {
		if bytes.Equal(leaf.Raw, anchor.Raw) {
			return true
		}
	}
	return false
}

// chainsToAuthority walks from the leaf through the presented intermediates
// looking for a signature path that terminates at an in-store authority
// anchor. Anchors outside the store never satisfy trust, even if otherwise
// valid. The walk is an explicit loop with a depth cap rather than a
// recursive search.
func (e *Evaluator) chainsToAuthority(
	leaf *x509.Certificate,
	intermediates []*x509.Certificate,
	authorities []*x509.Certificate,
) bool {
	if len(authorities) == 0 {
		return false
	}

	current := leaf
	for depth := 0; depth <= e.maxDepth; depth++ {
		if signedByAnyAuthority(current, authorities) {
			return true
		}

		next := findIssuer(current, intermediates)
		if next == nil {
			return false
		}
		current = next
	}

	return false
}

// signedByAnyAuthority reports whether some authority anchor directly
// issued cert: issuer DN must equal the anchor's subject DN and the
// signature must verify under the anchor's public key.
func signedByAnyAuthority(cert *x509.Certificate, authorities []*x509.Certificate) bool {
	for _, anchor := range authorities {
		if !bytes.Equal(cert.RawIssuer, anchor.RawSubject) {
			continue
		}
		if err := cert.CheckSignatureFrom(anchor); err == nil {
			return true
		}
	}
	return false
}

// findIssuer locates the presented intermediate that issued cert, verifying
// both the DN linkage and the signature. A candidate that matches by name
// but fails the signature check is skipped.
func findIssuer(cert *x509.Certificate, intermediates []*x509.Certificate) *x509.Certificate {
	for _, candidate := range intermediates {
		if candidate == nil {
			continue
		}
		if !bytes.Equal(cert.RawIssuer, candidate.RawSubject) {
			continue
		}
		if bytes.Equal(cert.Raw, candidate.Raw) {
			// A self-referencing entry cannot extend the path.
			continue
		}
		if err := cert.CheckSignatureFrom(candidate); err == nil {
			return candidate
		}
	}
	return nil
}
