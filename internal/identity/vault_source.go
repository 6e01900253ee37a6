package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// VaultSourceConfig contains configuration for the Vault PKI identity source.
type VaultSourceConfig struct {
	// Address is the Vault server address.
	Address string `yaml:"address"`

	// Token is the Vault authentication token.
	Token string `yaml:"token"`

	// Mount is the PKI secrets engine mount path.
	Mount string `yaml:"mount"`

	// Role is the PKI role name.
	Role string `yaml:"role"`

	// CommonName is the certificate common name.
	CommonName string `yaml:"commonName"`

	// AltNames are the subject alternative names (DNS).
	AltNames []string `yaml:"altNames"`

	// TTL is the requested certificate TTL.
	TTL time.Duration `yaml:"ttl"`

	// RenewBefore is how long before expiry a new certificate is issued.
	RenewBefore time.Duration `yaml:"renewBefore"`
}

// Validate validates the Vault source configuration.
func (c *VaultSourceConfig) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("vault address is required")
	}
	if c.Mount == "" {
		return fmt.Errorf("vault PKI mount is required")
	}
	if c.Role == "" {
		return fmt.Errorf("vault PKI role is required")
	}
	if c.CommonName == "" {
		return fmt.Errorf("common name is required")
	}
	if c.RenewBefore < 0 {
		return fmt.Errorf("renewBefore cannot be negative")
	}
	return nil
}

// VaultSource issues the local identity from a Vault PKI secrets engine and
// re-issues it ahead of expiry, rotating the bound store on each issuance.
type VaultSource struct {
	config  *VaultSourceConfig
	api     *vaultapi.Client
	store   *Store
	logger  observability.Logger
	metrics MetricsRecorder

	eventCh   chan Event
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// VaultSourceOption is a functional option for configuring VaultSource.
type VaultSourceOption func(*VaultSource)

// WithVaultSourceLogger sets the logger for the Vault source.
func WithVaultSourceLogger(logger observability.Logger) VaultSourceOption {
	return func(v *VaultSource) {
		v.logger = logger
	}
}

// WithVaultSourceMetrics sets the metrics recorder for the bound store.
func WithVaultSourceMetrics(metrics MetricsRecorder) VaultSourceOption {
	return func(v *VaultSource) {
		v.metrics = metrics
	}
}

// NewVaultSource issues the initial identity from Vault, binds it into a new
// Store, and returns both.
func NewVaultSource(ctx context.Context, config *VaultSourceConfig, opts ...VaultSourceOption) (*VaultSource, *Store, error) {
	if config == nil {
		return nil, nil, fmt.Errorf("vault source config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid vault source config: %w", err)
	}

	vaultConfig := vaultapi.DefaultConfig()
	vaultConfig.Address = config.Address

	api, err := vaultapi.NewClient(vaultConfig)
	if err != nil {
		return nil, nil, NewCredentialErrorWithCause(config.CommonName, "failed to create vault client", err)
	}
	if config.Token != "" {
		api.SetToken(config.Token)
	}

	v := &VaultSource{
		config:    config,
		api:       api,
		logger:    observability.NopLogger(),
		metrics:   NewNopMetrics(),
		eventCh:   make(chan Event, 10),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}

	ident, err := v.issue(ctx)
	if err != nil {
		return nil, nil, err
	}

	store, err := NewStore(ident, WithStoreLogger(v.logger), WithStoreMetrics(v.metrics))
	if err != nil {
		return nil, nil, err
	}
	v.store = store

	return v, store, nil
}

// Start begins the renewal loop.
func (v *VaultSource) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.started {
		v.mu.Unlock()
		return nil
	}
	v.started = true
	v.mu.Unlock()

	go v.renewLoop(ctx)

	v.sendEvent(Event{
		Type:     EventLoaded,
		Identity: v.store.Current(),
		Message:  "identity issued from vault",
	})

	return nil
}

// Events returns a channel that receives identity source events.
func (v *VaultSource) Events() <-chan Event {
	return v.eventCh
}

// Close stops the renewal loop and releases resources.
func (v *VaultSource) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	started := v.started
	v.mu.Unlock()

	close(v.stopCh)

	if started {
		<-v.stoppedCh
	}

	close(v.eventCh)

	return nil
}

// renewLoop re-issues the identity ahead of expiry.
func (v *VaultSource) renewLoop(ctx context.Context) {
	defer close(v.stoppedCh)

	for {
		delay := v.renewDelay(v.store.Current())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			v.logger.Info("vault renewal loop stopped due to context cancellation")
			return

		case <-v.stopCh:
			timer.Stop()
			v.logger.Info("vault renewal loop stopped")
			return

		case <-timer.C:
			v.renew(ctx)
		}
	}
}

// renewDelay computes how long to wait before the next issuance. On a nil
// identity or an already-due certificate it retries shortly.
func (v *VaultSource) renewDelay(ident *Identity) time.Duration {
	const retryDelay = 30 * time.Second

	if ident == nil {
		return retryDelay
	}

	lead := v.config.RenewBefore
	if lead == 0 {
		lead = 5 * time.Minute
	}

	delay := time.Until(ident.NotAfter().Add(-lead))
	if delay < retryDelay {
		return retryDelay
	}
	return delay
}

// renew issues a fresh identity and rotates the store.
func (v *VaultSource) renew(ctx context.Context) {
	ident, err := v.issue(ctx)
	if err != nil {
		v.logger.Error("failed to renew identity from vault", observability.Error(err))
		v.sendEvent(Event{
			Type:    EventError,
			Error:   err,
			Message: "failed to renew identity from vault",
		})
		return
	}

	if err := v.store.Rotate(ident); err != nil {
		v.logger.Error("failed to rotate identity", observability.Error(err))
		v.sendEvent(Event{
			Type:    EventError,
			Error:   err,
			Message: "failed to rotate identity",
		})
		return
	}

	v.sendEvent(Event{
		Type:     EventRotated,
		Identity: ident,
		Message:  "identity renewed from vault",
	})
}

// issue requests a certificate from the PKI secrets engine and parses the
// response into an Identity.
func (v *VaultSource) issue(ctx context.Context) (*Identity, error) {
	path := fmt.Sprintf("%s/issue/%s", v.config.Mount, v.config.Role)

	data := map[string]interface{}{
		"common_name": v.config.CommonName,
	}
	if len(v.config.AltNames) > 0 {
		data["alt_names"] = strings.Join(v.config.AltNames, ",")
	}
	if v.config.TTL > 0 {
		data["ttl"] = v.config.TTL.String()
	}

	secret, err := v.api.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, NewCredentialErrorWithCause(v.config.CommonName, "failed to issue certificate from vault", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, NewCredentialError(v.config.CommonName, "no data in vault PKI response")
	}

	certPEM, ok := secret.Data["certificate"].(string)
	if !ok || certPEM == "" {
		return nil, NewCredentialError(v.config.CommonName, "vault PKI response missing certificate")
	}

	keyPEM, ok := secret.Data["private_key"].(string)
	if !ok || keyPEM == "" {
		return nil, NewCredentialError(v.config.CommonName, "vault PKI response missing private key")
	}

	bundle := certPEM
	if chain, ok := secret.Data["ca_chain"].([]interface{}); ok {
		for _, entry := range chain {
			if pemStr, ok := entry.(string); ok {
				bundle += "\n" + pemStr
			}
		}
	}

	ident, err := ParsePEM([]byte(bundle), []byte(keyPEM))
	if err != nil {
		return nil, err
	}

	v.logger.Info("certificate issued from vault",
		observability.String("common_name", v.config.CommonName),
		observability.String("serial", ident.Serial()),
		observability.Time("expiration", ident.NotAfter()),
	)

	return ident, nil
}

// sendEvent sends an event without blocking the renewal loop.
func (v *VaultSource) sendEvent(event Event) {
	select {
	case v.eventCh <- event:
	default:
		v.logger.Warn("identity event channel full, dropping event",
			observability.String("type", event.Type.String()),
		)
	}
}
