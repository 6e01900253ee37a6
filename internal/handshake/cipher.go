package handshake

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// TLSVersion represents a TLS protocol version.
type TLSVersion string

// TLS version constants.
const (
	// TLSVersion12 is TLS 1.2.
	TLSVersion12 TLSVersion = "TLS12"

	// TLSVersion13 is TLS 1.3.
	TLSVersion13 TLSVersion = "TLS13"
)

// String returns the string representation of the TLS version.
func (v TLSVersion) String() string {
	return string(v)
}

// IsValid checks if the TLS version is valid.
func (v TLSVersion) IsValid() bool {
	switch v {
	case TLSVersion12, TLSVersion13:
		return true
	default:
		return false
	}
}

// ToTLSVersion converts to the crypto/tls version constant.
func (v TLSVersion) ToTLSVersion() uint16 {
	switch v {
	case TLSVersion12:
		return tls.VersionTLS12
	case TLSVersion13:
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// VersionName returns the human-readable name for a crypto/tls version
// constant as negotiated on a connection.
func VersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("unknown(0x%04x)", version)
	}
}

// CipherSuite represents a TLS cipher suite with metadata.
type CipherSuite struct {
	// ID is the cipher suite ID.
	ID uint16

	// Name is the cipher suite name.
	Name string

	// Secure indicates if this is a secure cipher suite.
	Secure bool

	// TLS13 indicates if this is a TLS 1.3 cipher suite.
	TLS13 bool
}

// cipherSuiteRegistry maps cipher suite names to their configurations.
var cipherSuiteRegistry = map[string]CipherSuite{
	// TLS 1.3 cipher suites (always secure, not configurable)
	"TLS_AES_128_GCM_SHA256": {
		ID:     tls.TLS_AES_128_GCM_SHA256,
		Name:   "TLS_AES_128_GCM_SHA256",
		Secure: true,
		TLS13:  true,
	},
	"TLS_AES_256_GCM_SHA384": {
		ID:     tls.TLS_AES_256_GCM_SHA384,
		Name:   "TLS_AES_256_GCM_SHA384",
		Secure: true,
		TLS13:  true,
	},
	"TLS_CHACHA20_POLY1305_SHA256": {
		ID:     tls.TLS_CHACHA20_POLY1305_SHA256,
		Name:   "TLS_CHACHA20_POLY1305_SHA256",
		Secure: true,
		TLS13:  true,
	},

	// TLS 1.2 secure cipher suites
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		Name:   "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		Secure: true,
	},
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		Name:   "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		Secure: true,
	},
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256": {
		ID:     tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		Name:   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		Secure: true,
	},
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384": {
		ID:     tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		Name:   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		Secure: true,
	},
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		Name:   "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		Secure: true,
	},
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256": {
		ID:     tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		Name:   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
		Secure: true,
	},

	// Legacy cipher suites (not recommended)
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		Name:   "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
		Secure: false,
	},
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA": {
		ID:     tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		Name:   "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
		Secure: false,
	},
	"TLS_RSA_WITH_AES_128_GCM_SHA256": {
		ID:     tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		Name:   "TLS_RSA_WITH_AES_128_GCM_SHA256",
		Secure: false,
	},
	"TLS_RSA_WITH_AES_256_GCM_SHA384": {
		ID:     tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		Name:   "TLS_RSA_WITH_AES_256_GCM_SHA384",
		Secure: false,
	},
}

// curveRegistry maps curve names to their tls.CurveID values.
var curveRegistry = map[string]tls.CurveID{
	"X25519": tls.X25519,
	"P256":   tls.CurveP256,
	"P384":   tls.CurveP384,
	"P521":   tls.CurveP521,
}

// DefaultSecureCipherSuites returns the default secure cipher suites for
// TLS 1.2. TLS 1.3 suites are managed by Go and cannot be configured.
func DefaultSecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// DefaultCurvePreferences returns the default ECDH curve preferences.
func DefaultCurvePreferences() []tls.CurveID {
	return []tls.CurveID{
		tls.X25519,
		tls.CurveP256,
		tls.CurveP384,
	}
}

// ParseCipherSuites parses cipher suite names and returns their IDs.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return DefaultSecureCipherSuites(), nil
	}

	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		suite, ok := cipherSuiteRegistry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCipherSuiteInvalid, name)
		}

		// TLS 1.3 suites cannot be configured
		if suite.TLS13 {
			continue
		}

		suites = append(suites, suite.ID)
	}

	if len(suites) == 0 {
		return DefaultSecureCipherSuites(), nil
	}

	return suites, nil
}

// ParseCurvePreferences parses curve names and returns their IDs.
func ParseCurvePreferences(names []string) ([]tls.CurveID, error) {
	if len(names) == 0 {
		return DefaultCurvePreferences(), nil
	}

	curves := make([]tls.CurveID, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		curve, ok := curveRegistry[name]
		if !ok {
			return nil, fmt.Errorf("invalid curve: %s", name)
		}

		curves = append(curves, curve)
	}

	if len(curves) == 0 {
		return DefaultCurvePreferences(), nil
	}

	return curves, nil
}
