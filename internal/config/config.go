package config

import (
	"fmt"
	"time"

	"github.com/vyrodovalexey/avamtls/internal/handshake"
	"github.com/vyrodovalexey/avamtls/internal/identity"
	"github.com/vyrodovalexey/avamtls/internal/observability"
	"github.com/vyrodovalexey/avamtls/internal/trust"
)

// Identity source names.
const (
	// SourceFile loads the identity from PEM files.
	SourceFile = "file"

	// SourceVault issues the identity from a Vault PKI secrets engine.
	SourceVault = "vault"
)

// Config is the root configuration.
type Config struct {
	// Listener configures the TCP listener.
	Listener ListenerConfig `yaml:"listener"`

	// Identity configures the local credential source.
	Identity IdentityConfig `yaml:"identity"`

	// Trust configures the trust anchors.
	Trust TrustConfig `yaml:"trust"`

	// Handshake configures handshake behavior.
	Handshake HandshakeConfig `yaml:"handshake"`

	// Log configures logging.
	Log observability.LogConfig `yaml:"log"`

	// Metrics configures the metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ListenerConfig configures the TCP listener.
type ListenerConfig struct {
	// Address is the listen address.
	Address string `yaml:"address"`

	// MaxConnections caps concurrently active connections. Zero means no cap.
	MaxConnections int `yaml:"maxConnections"`

	// AcceptRate limits accepted connections per second. Zero disables it.
	AcceptRate float64 `yaml:"acceptRate"`

	// AcceptBurst is the burst size for the accept rate limiter.
	AcceptBurst int `yaml:"acceptBurst"`

	// ShutdownTimeout bounds the wait for active connections on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// IdentityConfig configures the local credential source.
type IdentityConfig struct {
	// Source selects the identity source: file or vault.
	Source string `yaml:"source"`

	// CertFile is the PEM certificate chain file (file source).
	CertFile string `yaml:"certFile"`

	// KeyFile is the PEM private key file (file source).
	KeyFile string `yaml:"keyFile"`

	// WatchFiles enables hot reload of the identity files.
	WatchFiles bool `yaml:"watchFiles"`

	// Vault configures the Vault PKI source (vault source).
	Vault *identity.VaultSourceConfig `yaml:"vault,omitempty"`
}

// AnchorConfig names one trust anchor file and its mode.
type AnchorConfig struct {
	// Mode is the anchor mode: pinned or authority.
	Mode string `yaml:"mode"`

	// File is the PEM file holding the anchor certificates.
	File string `yaml:"file"`
}

// TrustConfig configures the trust anchors.
type TrustConfig struct {
	// Anchors lists the anchor files.
	Anchors []AnchorConfig `yaml:"anchors"`

	// WatchFiles enables hot reload of the anchor files.
	WatchFiles bool `yaml:"watchFiles"`

	// MaxChainDepth caps intermediate chain walking. Zero uses the default.
	MaxChainDepth int `yaml:"maxChainDepth"`
}

// HandshakeConfig configures handshake behavior.
type HandshakeConfig struct {
	// RequirePeerCert makes a peer certificate mandatory.
	RequirePeerCert bool `yaml:"requirePeerCert"`

	// Timeout is the per-connection handshake deadline.
	Timeout time.Duration `yaml:"timeout"`

	// MinVersion is the minimum TLS version (default TLS12).
	MinVersion string `yaml:"minVersion"`

	// MaxVersion is the maximum TLS version (default TLS13).
	MaxVersion string `yaml:"maxVersion"`

	// CipherSuites lists TLS 1.2 cipher suite names.
	CipherSuites []string `yaml:"cipherSuites"`

	// CurvePreferences lists ECDH curve names.
	CurvePreferences []string `yaml:"curvePreferences"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the Prometheus endpoint on.
	Enabled bool `yaml:"enabled"`

	// Address is the metrics listen address.
	Address string `yaml:"address"`
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:         ":8443",
			MaxConnections:  1000,
			ShutdownTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			Source: SourceFile,
		},
		Handshake: HandshakeConfig{
			RequirePeerCert: true,
			Timeout:         10 * time.Second,
			MinVersion:      "TLS12",
			MaxVersion:      "TLS13",
		},
		Log: observability.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}
	if c.Listener.MaxConnections < 0 {
		return fmt.Errorf("listener.maxConnections cannot be negative")
	}
	if c.Listener.AcceptRate < 0 {
		return fmt.Errorf("listener.acceptRate cannot be negative")
	}

	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := c.validateTrust(); err != nil {
		return err
	}
	return c.validateHandshake()
}

// validateIdentity validates the identity source configuration.
func (c *Config) validateIdentity() error {
	switch c.Identity.Source {
	case SourceFile, "":
		if c.Identity.CertFile == "" || c.Identity.KeyFile == "" {
			return fmt.Errorf("identity.certFile and identity.keyFile are required for the file source")
		}
	case SourceVault:
		if c.Identity.Vault == nil {
			return fmt.Errorf("identity.vault is required for the vault source")
		}
		if err := c.Identity.Vault.Validate(); err != nil {
			return fmt.Errorf("identity.vault: %w", err)
		}
	default:
		return fmt.Errorf("identity.source must be %q or %q, got %q", SourceFile, SourceVault, c.Identity.Source)
	}
	return nil
}

// validateTrust validates the trust anchor configuration.
func (c *Config) validateTrust() error {
	if len(c.Trust.Anchors) == 0 {
		return fmt.Errorf("trust.anchors must list at least one anchor file")
	}
	for i, anchor := range c.Trust.Anchors {
		if anchor.File == "" {
			return fmt.Errorf("trust.anchors[%d].file is required", i)
		}
		if !trust.AnchorMode(anchor.Mode).IsValid() {
			return fmt.Errorf("trust.anchors[%d].mode must be %q or %q, got %q",
				i, trust.AnchorModePinned, trust.AnchorModeAuthority, anchor.Mode)
		}
	}
	if c.Trust.MaxChainDepth < 0 {
		return fmt.Errorf("trust.maxChainDepth cannot be negative")
	}
	return nil
}

// validateHandshake validates the handshake configuration.
func (c *Config) validateHandshake() error {
	if c.Handshake.Timeout < 0 {
		return fmt.Errorf("handshake.timeout cannot be negative")
	}

	minVersion := c.MinTLSVersion()
	maxVersion := c.MaxTLSVersion()
	if !minVersion.IsValid() {
		return fmt.Errorf("handshake.minVersion: invalid TLS version %q", c.Handshake.MinVersion)
	}
	if !maxVersion.IsValid() {
		return fmt.Errorf("handshake.maxVersion: invalid TLS version %q", c.Handshake.MaxVersion)
	}
	if minVersion.ToTLSVersion() > maxVersion.ToTLSVersion() {
		return fmt.Errorf("handshake.minVersion (%s) cannot be greater than maxVersion (%s)",
			c.Handshake.MinVersion, c.Handshake.MaxVersion)
	}

	// Pinning a specific peer certificate while not requiring one is a
	// contradiction: the pinned peer could connect unauthenticated.
	if !c.Handshake.RequirePeerCert && c.hasPinnedAnchors() {
		return fmt.Errorf("handshake.requirePeerCert must be true when pinned anchors are configured")
	}

	return nil
}

// hasPinnedAnchors reports whether any anchor file is in pinned mode.
func (c *Config) hasPinnedAnchors() bool {
	for _, anchor := range c.Trust.Anchors {
		if trust.AnchorMode(anchor.Mode) == trust.AnchorModePinned {
			return true
		}
	}
	return false
}

// MinTLSVersion returns the configured minimum TLS version, defaulting to
// TLS 1.2.
func (c *Config) MinTLSVersion() handshake.TLSVersion {
	if c.Handshake.MinVersion == "" {
		return handshake.TLSVersion12
	}
	return handshake.TLSVersion(c.Handshake.MinVersion)
}

// MaxTLSVersion returns the configured maximum TLS version, defaulting to
// TLS 1.3.
func (c *Config) MaxTLSVersion() handshake.TLSVersion {
	if c.Handshake.MaxVersion == "" {
		return handshake.TLSVersion13
	}
	return handshake.TLSVersion(c.Handshake.MaxVersion)
}

// AnchorFiles converts the configured anchors into trust loader inputs.
func (c *Config) AnchorFiles() []trust.AnchorFile {
	files := make([]trust.AnchorFile, 0, len(c.Trust.Anchors))
	for _, anchor := range c.Trust.Anchors {
		files = append(files, trust.AnchorFile{
			Path: anchor.File,
			Mode: trust.AnchorMode(anchor.Mode),
		})
	}
	return files
}
