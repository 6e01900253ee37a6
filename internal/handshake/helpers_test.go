package handshake

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamtls/internal/identity"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// generateCA generates a self-signed CA.
func generateCA(t *testing.T, commonName string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, key
}

// generateLeaf generates a leaf certificate and key, signed by ca or
// self-signed when ca is nil.
func generateLeaf(t *testing.T, commonName string, ca *x509.Certificate, caKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	parent, parentKey := template, key
	if ca != nil {
		parent = ca
		parentKey = caKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, key
}

// generateExpiredLeaf generates a leaf whose validity window already ended.
func generateExpiredLeaf(t *testing.T, commonName string, ca *x509.Certificate, caKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore: time.Now().Add(-48 * time.Hour),
		NotAfter:  time.Now().Add(-24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return cert, key
}

// newIdentityStore builds an identity store from a generated leaf.
func newIdentityStore(t *testing.T, cert *x509.Certificate, key *ecdsa.PrivateKey) *identity.Store {
	t.Helper()

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	ident, err := identity.ParseDER([][]byte{cert.Raw}, keyDER)
	require.NoError(t, err)

	store, err := identity.NewStore(ident)
	require.NoError(t, err)

	return store
}

// newEvaluator builds a trust evaluator over the given anchors.
func newEvaluator(t *testing.T, anchors ...trust.Anchor) *trust.Evaluator {
	t.Helper()

	set, err := trust.NewSet(anchors)
	require.NoError(t, err)

	store, err := trust.NewStore(set)
	require.NoError(t, err)

	evaluator, err := trust.NewEvaluator(store)
	require.NoError(t, err)

	return evaluator
}

// clientTLS builds a minimal client-side TLS config presenting the given
// certificate. Server verification is skipped: these tests exercise the
// server side of the handshake.
func clientTLS(cert *x509.Certificate, key *ecdsa.PrivateKey) *tls.Config {
	config := &tls.Config{
		InsecureSkipVerify: true, // #nosec G402 -- test client
		MinVersion:         tls.VersionTLS12,
	}
	if cert != nil {
		config.Certificates = []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}}
	}
	return config
}
