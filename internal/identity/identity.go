package identity

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// Identity is a validated local identity: a private key plus its ordered
// certificate chain, leaf first. Immutable once parsed. The key material
// never leaves the process boundary.
type Identity struct {
	cert  tls.Certificate
	leaf  *x509.Certificate
	chain []*x509.Certificate
}

// Leaf returns the leaf certificate.
func (i *Identity) Leaf() *x509.Certificate {
	return i.leaf
}

// Chain returns the full certificate chain, leaf first.
func (i *Identity) Chain() []*x509.Certificate {
	return i.chain
}

// SubjectDN returns the leaf certificate's subject distinguished name.
func (i *Identity) SubjectDN() string {
	return i.leaf.Subject.String()
}

// Serial returns the leaf certificate's serial number.
func (i *Identity) Serial() string {
	return i.leaf.SerialNumber.String()
}

// NotAfter returns the end of the leaf's validity window.
func (i *Identity) NotAfter() time.Time {
	return i.leaf.NotAfter
}

// TLSCertificate returns the identity in the form crypto/tls consumes.
func (i *Identity) TLSCertificate() *tls.Certificate {
	return &i.cert
}

// ParseOption is a functional option for parsing identity material.
type ParseOption func(*parser)

type parser struct {
	clock clockwork.Clock
}

// WithParseClock overrides the clock used for validity checks.
func WithParseClock(clock clockwork.Clock) ParseOption {
	return func(p *parser) {
		p.clock = clock
	}
}

// ParsePEM parses and validates PEM-encoded identity material: a private
// key and an ordered certificate chain, leaf first. It fails with
// ErrInvalidCredential when the material is malformed or the key does not
// match the leaf, ErrChainBroken when the chain is not contiguous, and
// ErrCredentialExpired when the leaf is outside its validity window.
func ParsePEM(certPEM, keyPEM []byte, opts ...ParseOption) (*Identity, error) {
	chain, err := parseCertificatesPEM(certPEM)
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}

	return newIdentity(chain, key, opts...)
}

// ParseDER parses and validates DER-encoded identity material.
func ParseDER(certDERs [][]byte, keyDER []byte, opts ...ParseOption) (*Identity, error) {
	if len(certDERs) == 0 {
		return nil, NewCredentialErrorWithCause("", "no certificates provided", ErrInvalidCredential)
	}

	chain := make([]*x509.Certificate, 0, len(certDERs))
	for _, der := range certDERs {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, NewCredentialErrorWithCause("", "failed to parse certificate", err)
		}
		chain = append(chain, cert)
	}

	key, err := parsePrivateKeyDER(keyDER)
	if err != nil {
		return nil, err
	}

	return newIdentity(chain, key, opts...)
}

// LoadFromFiles reads PEM files and parses them into an Identity.
func LoadFromFiles(certFile, keyFile string, opts ...ParseOption) (*Identity, error) {
	certPEM, err := os.ReadFile(certFile) // #nosec G304 -- cert path from trusted config
	if err != nil {
		return nil, NewCredentialErrorWithCause("", "failed to read certificate file "+certFile, err)
	}

	keyPEM, err := os.ReadFile(keyFile) // #nosec G304 -- key path from trusted config
	if err != nil {
		return nil, NewCredentialErrorWithCause("", "failed to read key file "+keyFile, err)
	}

	return ParsePEM(certPEM, keyPEM, opts...)
}

// newIdentity validates the parsed material and assembles the Identity.
func newIdentity(chain []*x509.Certificate, key crypto.Signer, opts ...ParseOption) (*Identity, error) {
	p := &parser{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(p)
	}

	leaf := chain[0]
	subject := leaf.Subject.String()

	if err := checkKeyMatch(leaf, key); err != nil {
		return nil, err
	}

	if err := checkChainContiguity(chain); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		return nil, NewCredentialErrorWithCause(subject, "leaf certificate outside validity window", ErrCredentialExpired)
	}

	raw := make([][]byte, len(chain))
	for i, cert := range chain {
		raw[i] = cert.Raw
	}

	return &Identity{
		cert: tls.Certificate{
			Certificate: raw,
			PrivateKey:  key,
			Leaf:        leaf,
		},
		leaf:  leaf,
		chain: chain,
	}, nil
}

// checkKeyMatch verifies the private key's public half against the leaf
// certificate's public key.
func checkKeyMatch(leaf *x509.Certificate, key crypto.Signer) error {
	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return NewCredentialErrorWithCause(leaf.Subject.String(),
			"unsupported leaf public key type", ErrInvalidCredential)
	}

	if !pub.Equal(key.Public()) {
		return NewCredentialErrorWithCause(leaf.Subject.String(),
			"key does not match leaf certificate", ErrKeyMismatch)
	}

	return nil
}

// checkChainContiguity verifies that each certificate's issuer is the next
// certificate's subject and that each link's signature verifies.
func checkChainContiguity(chain []*x509.Certificate) error {
	for i := 0; i+1 < len(chain); i++ {
		child, parent := chain[i], chain[i+1]

		if !bytes.Equal(child.RawIssuer, parent.RawSubject) {
			return NewCredentialErrorWithCause(child.Subject.String(),
				"issuer does not match next certificate's subject", ErrChainBroken)
		}

		if err := child.CheckSignatureFrom(parent); err != nil {
			return NewCredentialErrorWithCause(child.Subject.String(),
				"signature does not verify against next certificate", ErrChainBroken)
		}
	}
	return nil
}

// parseCertificatesPEM decodes every CERTIFICATE block from PEM data, in
// order.
func parseCertificatesPEM(pemData []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate

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
			return nil, NewCredentialErrorWithCause("", "failed to parse certificate", err)
		}
		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, NewCredentialErrorWithCause("", "no certificates found in PEM data", ErrInvalidCredential)
	}

	return chain, nil
}

// parsePrivateKeyPEM decodes the first private key block from PEM data.
func parsePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		switch block.Type {
		case "PRIVATE KEY", "EC PRIVATE KEY", "RSA PRIVATE KEY":
			return parsePrivateKeyDER(block.Bytes)
		}
	}

	return nil, NewCredentialErrorWithCause("", "no private key found in PEM data", ErrInvalidCredential)
}

// parsePrivateKeyDER tries the known private key encodings.
func parsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, NewCredentialErrorWithCause("", "unsupported private key type", ErrInvalidCredential)
		}
		return signer, nil
	}

	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	return nil, NewCredentialErrorWithCause("", "failed to parse private key", ErrInvalidCredential)
}
