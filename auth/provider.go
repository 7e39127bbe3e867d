package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrNoProvider is returned by Registry.Verify when no providers are
// registered.
var ErrNoProvider = errors.New("auth: no identity provider registered")

// Provider is an issuer of ID tokens accepted as bearer credentials.
type Provider struct {
	id       string
	verifier *oidc.IDTokenVerifier
}

// NewProvider creates a Provider from an existing verifier.
func NewProvider(id string, verifier *oidc.IDTokenVerifier) *Provider {
	return &Provider{id: id, verifier: verifier}
}

// ID returns the provider identifier.
func (p *Provider) ID() string {
	return p.id
}

// Verifier returns the provider's ID token verifier.
func (p *Provider) Verifier() *oidc.IDTokenVerifier {
	return p.verifier
}

// ProviderOption configures the token verifier of a provider.
type ProviderOption func(*oidc.Config)

// WithSkipIssuerCheck disables issuer validation in the token verifier.
// Use this for providers that issue tokens with a per-tenant issuer; the
// Identity still records the token's issuer.
func WithSkipIssuerCheck() ProviderOption {
	return func(c *oidc.Config) {
		c.SkipIssuerCheck = true
	}
}

// WithSigningAlgs restricts the accepted signature algorithms. The default
// is RS256.
func WithSigningAlgs(algs ...string) ProviderOption {
	return func(c *oidc.Config) {
		c.SupportedSigningAlgs = algs
	}
}

func verifierConfig(clientID string, opts []ProviderOption) *oidc.Config {
	c := &oidc.Config{ClientID: clientID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry holds the providers whose tokens are accepted. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers []*Provider
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds p, replacing any provider with the same ID.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Copy on write: Verify iterates a snapshot without the lock.
	next := make([]*Provider, 0, len(r.providers)+1)
	replaced := false
	for _, existing := range r.providers {
		if existing.id == p.id {
			existing, replaced = p, true
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, p)
	}
	r.providers = next
}

// Get retrieves a provider by ID.
func (r *Registry) Get(id string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.id == id {
			return p, true
		}
	}
	return nil, false
}

// RegisterOIDCProvider discovers issuer and registers a provider that
// accepts ID tokens issued to clientID.
func (r *Registry) RegisterOIDCProvider(ctx context.Context, id, issuer, clientID string, opts ...ProviderOption) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("failed to query provider %q: %w", issuer, err)
	}
	r.Register(NewProvider(id, provider.Verifier(verifierConfig(clientID, opts))))
	return nil
}

// RegisterStaticProvider registers a provider verified against fixed public
// keys, for issuers without discovery.
func (r *Registry) RegisterStaticProvider(id, issuer, clientID string, keys []crypto.PublicKey, opts ...ProviderOption) {
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	r.Register(NewProvider(id, oidc.NewVerifier(issuer, keySet, verifierConfig(clientID, opts))))
}

// Verify checks raw against each provider in registration order and
// returns the first successful result. The error from the last provider is
// returned when none accepts the token.
func (r *Registry) Verify(ctx context.Context, raw string) (*oidc.IDToken, *Provider, error) {
	r.mu.RLock()
	providers := r.providers
	r.mu.RUnlock()

	if len(providers) == 0 {
		return nil, nil, ErrNoProvider
	}
	var lastErr error
	for _, p := range providers {
		token, err := p.verifier.Verify(ctx, raw)
		if err == nil {
			return token, p, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}
