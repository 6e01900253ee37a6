package handshake

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/identity"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// DefaultHandshakeTimeout is the per-connection handshake deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// Coordinator drives mutual-TLS handshakes: it presents the current local
// identity, requests the peer certificate, and gates completion on the trust
// evaluator's decision. Each connection gets its own state machine; a
// successful handshake yields an immutable Session.
type Coordinator struct {
	identities *identity.Store
	evaluator  *trust.Evaluator
	logger     observability.Logger
	metrics    MetricsRecorder

	requirePeerCert bool
	timeout         time.Duration
	minVersion      uint16
	maxVersion      uint16
	cipherSuites    []uint16
	curves          []tls.CurveID
}

// CoordinatorOption is a functional option for configuring Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger for the coordinator.
func WithCoordinatorLogger(logger observability.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorMetrics sets the metrics recorder for the coordinator.
func WithCoordinatorMetrics(metrics MetricsRecorder) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithRequirePeerCert controls whether a peer certificate is mandatory.
// When false, a peer presenting no certificate is admitted without an
// authenticated identity; a presented certificate is still evaluated.
func WithRequirePeerCert(require bool) CoordinatorOption {
	return func(c *Coordinator) {
		c.requirePeerCert = require
	}
}

// WithHandshakeTimeout sets the per-connection handshake deadline.
func WithHandshakeTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithVersionBounds sets the minimum and maximum TLS versions offered.
func WithVersionBounds(minVersion, maxVersion TLSVersion) CoordinatorOption {
	return func(c *Coordinator) {
		c.minVersion = minVersion.ToTLSVersion()
		c.maxVersion = maxVersion.ToTLSVersion()
	}
}

// WithCipherSuites sets the TLS 1.2 cipher suites offered.
func WithCipherSuites(suites []uint16) CoordinatorOption {
	return func(c *Coordinator) {
		c.cipherSuites = suites
	}
}

// WithCurvePreferences sets the ECDH curve preferences.
func WithCurvePreferences(curves []tls.CurveID) CoordinatorOption {
	return func(c *Coordinator) {
		c.curves = curves
	}
}

// NewCoordinator creates a handshake coordinator bound to an identity store
// and a trust evaluator.
func NewCoordinator(identities *identity.Store, evaluator *trust.Evaluator, opts ...CoordinatorOption) (*Coordinator, error) {
	if identities == nil {
		return nil, errors.New("identity store is required")
	}
	if evaluator == nil {
		return nil, errors.New("trust evaluator is required")
	}

	c := &Coordinator{
		identities:      identities,
		evaluator:       evaluator,
		logger:          observability.NopLogger(),
		metrics:         NewNopMetrics(),
		requirePeerCert: true,
		timeout:         DefaultHandshakeTimeout,
		minVersion:      tls.VersionTLS12,
		maxVersion:      tls.VersionTLS13,
		cipherSuites:    DefaultSecureCipherSuites(),
		curves:          DefaultCurvePreferences(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// connHandshake carries the per-connection state threaded through the
// crypto/tls callbacks.
type connHandshake struct {
	machine      *machine
	decision     trust.Decision
	evaluated    bool
	localSubject string
}

// Handshake performs the server-side handshake on conn. On success it
// returns the TLS connection and the session artifact; on failure it closes
// nothing and returns an *Error classifying the abort. The context bounds
// the handshake; the coordinator's timeout is applied on top of it.
func (c *Coordinator) Handshake(ctx context.Context, conn net.Conn) (*tls.Conn, *Session, error) {
	start := time.Now()

	hs := &connHandshake{machine: newMachine()}

	config, err := c.connConfig(hs)
	if err != nil {
		hs.machine.abort()
		return nil, nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	tlsConn := tls.Server(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		hs.machine.abort()
		return nil, nil, c.recordAbort(hs, conn, err, start)
	}

	session, err := c.finalize(hs, tlsConn, start)
	if err != nil {
		hs.machine.abort()
		return nil, nil, c.recordAbort(hs, conn, err, start)
	}

	c.metrics.RecordHandshake("established", session.VersionName(), time.Since(start))
	c.logger.Info("handshake established",
		observability.String("session_id", session.ID()),
		observability.String("remote_addr", session.RemoteAddr()),
		observability.String("version", session.VersionName()),
		observability.String("cipher_suite", session.CipherSuiteName()),
		observability.String("peer_subject", session.Peer().SubjectDN),
		observability.String("trust_mode", string(session.Peer().Mode)),
		observability.Duration("duration", time.Since(start)),
	)

	return tlsConn, session, nil
}

// connConfig builds the per-connection TLS configuration. The crypto/tls
// callbacks drive the state machine: ClientHello inspection marks version
// negotiation, certificate selection marks the local-cert and peer-request
// phases, and peer certificate verification runs the trust evaluator.
func (c *Coordinator) connConfig(hs *connHandshake) (*tls.Config, error) {
	ident := c.identities.Current()
	if ident == nil {
		return nil, NewError(trust.ReasonNone, hs.machine.State(), identity.ErrSourceClosed)
	}
	hs.localSubject = ident.SubjectDN()

	clientAuth := tls.RequireAnyClientCert
	if !c.requirePeerCert {
		clientAuth = tls.RequestClientCert
	}

	config := &tls.Config{
		MinVersion:       c.minVersion,
		MaxVersion:       c.maxVersion,
		CipherSuites:     c.cipherSuites,
		CurvePreferences: c.curves,

		// Every connection gets a fresh config, so a resumption ticket
		// minted here could never be decrypted later.
		SessionTicketsDisabled: true,

		// Chain verification is owned by the trust evaluator, not the
		// stdlib verifier.
		ClientAuth: clientAuth,

		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			if err := hs.machine.advance(StateVersionNegotiated); err != nil {
				return nil, err
			}
			return nil, nil
		},

		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			if err := hs.machine.advance(StateLocalCertSent); err != nil {
				return nil, err
			}
			if err := hs.machine.advance(StatePeerCertRequested); err != nil {
				return nil, err
			}
			return ident.TLSCertificate(), nil
		},

		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			// crypto/tls still runs this callback when an optional-auth
			// peer sends an empty certificate list. That is not a chain to
			// evaluate; finalize synthesizes the certless accept.
			if len(rawCerts) == 0 && !c.requirePeerCert {
				return nil
			}

			if err := hs.machine.advance(StatePeerCertReceived); err != nil {
				return err
			}

			chain, err := parseRawChain(rawCerts)
			if err != nil {
				return err
			}

			hs.decision = c.evaluator.Evaluate(chain)
			hs.evaluated = true

			if err := hs.machine.advance(StateTrustEvaluated); err != nil {
				return err
			}

			if !hs.decision.Accepted() {
				return trust.NewDecisionError(hs.decision)
			}
			return nil
		},
	}

	return config, nil
}

// finalize completes the state machine after a successful crypto/tls
// handshake and builds the session artifact.
func (c *Coordinator) finalize(hs *connHandshake, tlsConn *tls.Conn, start time.Time) (*Session, error) {
	state := tlsConn.ConnectionState()

	if !hs.evaluated {
		// The peer sent no certificate on an optional-auth listener, so the
		// evaluator never ran. Synthesize a certless accept; a presented
		// certificate must always have been evaluated.
		if c.requirePeerCert || len(state.PeerCertificates) > 0 {
			return nil, NewError(trust.ReasonNoPeerCertificate, hs.machine.State(), ErrNoPeerCertificate)
		}
		if err := hs.machine.advance(StatePeerCertReceived); err != nil {
			return nil, err
		}
		hs.decision = trust.Decision{
			Outcome: trust.OutcomeAccept,
			Peer:    &trust.PeerIdentity{Mode: trust.TrustModeCertless},
		}
		hs.evaluated = true
		if err := hs.machine.advance(StateTrustEvaluated); err != nil {
			return nil, err
		}
	}

	if !hs.decision.Accepted() {
		return nil, NewError(hs.decision.Reason, hs.machine.State(), trust.NewDecisionError(hs.decision))
	}

	if err := hs.machine.advance(StateEstablished); err != nil {
		return nil, err
	}

	return newSession(
		state.Version,
		state.CipherSuite,
		hs.localSubject,
		tlsConn.RemoteAddr().String(),
		hs.decision,
		start,
	), nil
}

// recordAbort classifies a handshake failure, records it, and returns the
// typed handshake error.
func (c *Coordinator) recordAbort(hs *connHandshake, conn net.Conn, err error, start time.Time) error {
	reason := c.classify(hs, err)

	hsErr, ok := err.(*Error)
	if !ok {
		hsErr = NewError(reason, hs.machine.State(), err)
	}

	c.metrics.RecordHandshake("aborted", "", time.Since(start))
	c.metrics.RecordAbort(reason)
	c.logger.Warn("handshake aborted",
		observability.String("remote_addr", conn.RemoteAddr().String()),
		observability.String("reason", abortLabel(reason)),
		observability.String("state", hs.machine.State().String()),
		observability.Error(err),
	)

	return hsErr
}

// classify maps a handshake failure to its abort reason.
func (c *Coordinator) classify(hs *connHandshake, err error) trust.Reason {
	var decisionErr *trust.DecisionError
	if errors.As(err, &decisionErr) {
		return decisionErr.Decision.Reason
	}

	var hsErr *Error
	if errors.As(err, &hsErr) {
		return hsErr.Reason
	}

	// A rejected evaluation takes precedence over how the abort surfaced:
	// the alert write can itself time out against a stalled peer, and the
	// verdict is the reason worth reporting.
	if hs.evaluated && !hs.decision.Accepted() {
		return hs.decision.Reason
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return trust.ReasonTimeout
	}

	// crypto/tls reports a missing required client certificate as a plain
	// protocol error.
	if strings.Contains(err.Error(), "client didn't provide a certificate") {
		return trust.ReasonNoPeerCertificate
	}

	return trust.ReasonNone
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// abortLabel returns the metrics and log label for an abort reason.
func abortLabel(reason trust.Reason) string {
	if reason == trust.ReasonNone {
		return "protocol_error"
	}
	return string(reason)
}

// parseRawChain parses the DER certificates presented by the peer, leaf
// first.
func parseRawChain(rawCerts [][]byte) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse peer certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
