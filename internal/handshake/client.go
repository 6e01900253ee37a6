package handshake

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/vyrodovalexey/avamtls/internal/identity"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// ClientTLSConfig builds a client-side TLS configuration for dialing
// mutual-TLS peers: the local identity is presented on request and the
// server's chain is judged by the trust evaluator instead of the stdlib
// verifier. serverName is used for SNI only.
func ClientTLSConfig(identities *identity.Store, evaluator *trust.Evaluator, serverName string, opts ...CoordinatorOption) (*tls.Config, error) {
	if identities == nil {
		return nil, errors.New("identity store is required")
	}
	if evaluator == nil {
		return nil, errors.New("trust evaluator is required")
	}

	c := &Coordinator{
		minVersion:   tls.VersionTLS12,
		maxVersion:   tls.VersionTLS13,
		cipherSuites: DefaultSecureCipherSuites(),
		curves:       DefaultCurvePreferences(),
	}
	for _, opt := range opts {
		opt(c)
	}

	config := &tls.Config{
		ServerName:       serverName,
		MinVersion:       c.minVersion,
		MaxVersion:       c.maxVersion,
		CipherSuites:     c.cipherSuites,
		CurvePreferences: c.curves,

		// Hostname and stdlib chain verification are replaced by the
		// trust evaluator.
		InsecureSkipVerify: true,

		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			ident := identities.Current()
			if ident == nil {
				return nil, identity.ErrSourceClosed
			}
			return ident.TLSCertificate(), nil
		},

		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			chain, err := parseRawChain(rawCerts)
			if err != nil {
				return err
			}

			decision := evaluator.Evaluate(chain)
			if !decision.Accepted() {
				return trust.NewDecisionError(decision)
			}
			return nil
		},
	}

	return config, nil
}
