// Package auth verifies OIDC ID tokens presented as bearer credentials and
// publishes the caller's Identity in the request context, where the
// Ext.Direct authorizer can read it.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/mnehpets/directserve/endpoint"
)

// Identity is the verified caller of a request.
type Identity struct {
	// Provider is the ID of the provider that accepted the token.
	Provider string
	Issuer   string
	Subject  string
	// StableID is "provider:subject".
	StableID string
	// Email is set only when the token marks it verified.
	Email string
	Roles []string
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the Identity stored in ctx, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

// BearerProcessor verifies "Authorization: Bearer <id token>" against a
// Registry. Requests without bearer credentials pass through anonymously
// unless the processor is required; a token that fails verification is
// always rejected with 401.
type BearerProcessor struct {
	registry   *Registry
	required   bool
	rolesClaim string
	logger     *slog.Logger
}

// BearerOption configures a BearerProcessor.
type BearerOption func(*BearerProcessor)

// WithRequired rejects requests that carry no bearer token.
func WithRequired() BearerOption {
	return func(p *BearerProcessor) { p.required = true }
}

// WithRolesClaim sets the claim read into Identity.Roles; "" disables it.
func WithRolesClaim(claim string) BearerOption {
	return func(p *BearerProcessor) { p.rolesClaim = claim }
}

// WithLogger sets the logger for rejected tokens.
func WithLogger(l *slog.Logger) BearerOption {
	return func(p *BearerProcessor) { p.logger = l }
}

// NewBearerProcessor returns a processor verifying tokens with reg.
func NewBearerProcessor(reg *Registry, opts ...BearerOption) *BearerProcessor {
	p := &BearerProcessor{
		registry:   reg,
		rolesClaim: DefaultRolesClaim,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process implements endpoint.Processor.
func (p *BearerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		if p.required {
			w.Header().Set("WWW-Authenticate", `Bearer`)
			return endpoint.Error(http.StatusUnauthorized, "", nil)
		}
		return next(w, r)
	}

	token, provider, err := p.registry.Verify(r.Context(), raw)
	if err != nil {
		p.logger.DebugContext(r.Context(), "bearer token rejected", "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return endpoint.Error(http.StatusUnauthorized, "", err)
	}

	id := &Identity{
		Provider: provider.ID(),
		Issuer:   token.Issuer,
		Subject:  token.Subject,
		StableID: GetStableID(token, provider.ID()),
		Roles:    GetRoles(token, p.rolesClaim),
	}
	if email, ok := GetVerifiedEmail(token); ok {
		id.Email = email
	}
	return next(w, r.WithContext(WithIdentity(r.Context(), id)))
}

// HasRole reports whether the identity carries role.
func (id *Identity) HasRole(role string) bool {
	return id != nil && slices.Contains(id.Roles, role)
}

var _ endpoint.Processor = (*BearerProcessor)(nil)
