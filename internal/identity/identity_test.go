package identity

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePEM_ValidCredential(t *testing.T) {
	t.Parallel()

	cred := generateCredential(t, "server.example.com", nil, nil)

	ident, err := ParsePEM(cred.certPEM, cred.keyPEM)
	require.NoError(t, err)

	assert.Equal(t, cred.cert.Raw, ident.Leaf().Raw)
	assert.Equal(t, cred.cert.Subject.String(), ident.SubjectDN())
	assert.Equal(t, cred.cert.SerialNumber.String(), ident.Serial())
	assert.WithinDuration(t, cred.cert.NotAfter, ident.NotAfter(), time.Second)
	require.NotNil(t, ident.TLSCertificate())
	assert.Len(t, ident.Chain(), 1)
}

func TestParsePEM_ChainWithIssuer(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateCA(t, "Issuing CA")
	cred := generateCredential(t, "server.example.com", caCert, caKey)

	certPEM := appendCertPEM(cred.certPEM, caCert)

	ident, err := ParsePEM(certPEM, cred.keyPEM)
	require.NoError(t, err)
	assert.Len(t, ident.Chain(), 2)
}

func TestParsePEM_KeyMismatch(t *testing.T) {
	t.Parallel()

	cred := generateCredential(t, "server.example.com", nil, nil)
	other := generateCredential(t, "other.example.com", nil, nil)

	_, err := ParsePEM(cred.certPEM, other.keyPEM)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestParsePEM_BrokenChain(t *testing.T) {
	t.Parallel()

	caCert, caKey := generateCA(t, "Issuing CA")
	unrelatedCA, _ := generateCA(t, "Unrelated CA")
	cred := generateCredential(t, "server.example.com", caCert, caKey)

	// The second chain entry is not the leaf's issuer.
	certPEM := appendCertPEM(cred.certPEM, unrelatedCA)

	_, err := ParsePEM(certPEM, cred.keyPEM)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestParsePEM_ExpiredLeaf(t *testing.T) {
	t.Parallel()

	cred := generateCredential(t, "server.example.com", nil, nil)

	clock := clockwork.NewFakeClockAt(cred.cert.NotAfter.Add(time.Hour))
	_, err := ParsePEM(cred.certPEM, cred.keyPEM, WithParseClock(clock))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialExpired)
}

func TestParsePEM_MalformedInput(t *testing.T) {
	t.Parallel()

	cred := generateCredential(t, "server.example.com", nil, nil)

	tests := []struct {
		name    string
		certPEM []byte
		keyPEM  []byte
	}{
		{"garbage certificate", []byte("not pem"), cred.keyPEM},
		{"garbage key", cred.certPEM, []byte("not pem")},
		{"empty certificate", nil, cred.keyPEM},
		{"empty key", cred.certPEM, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParsePEM(tt.certPEM, tt.keyPEM)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}
}

func TestParseDER_ValidCredential(t *testing.T) {
	t.Parallel()

	cred := generateCredential(t, "server.example.com", nil, nil)

	keyDER, err := x509.MarshalECPrivateKey(cred.key)
	require.NoError(t, err)

	ident, err := ParseDER([][]byte{cred.cert.Raw}, keyDER)
	require.NoError(t, err)
	assert.Equal(t, cred.cert.Raw, ident.Leaf().Raw)
}

func TestLoadFromFiles(t *testing.T) {
	t.Parallel()

	cred := generateCredential(t, "server.example.com", nil, nil)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, cred.certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, cred.keyPEM, 0o600))

	ident, err := LoadFromFiles(certFile, keyFile)
	require.NoError(t, err)
	assert.Equal(t, cred.cert.Raw, ident.Leaf().Raw)

	_, err = LoadFromFiles(filepath.Join(dir, "missing.crt"), keyFile)
	require.Error(t, err)
}
