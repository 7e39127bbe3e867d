package acl

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/mnehpets/directserve/auth"
	"github.com/mnehpets/directserve/direct"
	"github.com/mnehpets/directserve/middleware"
)

// compiled is an immutable, ready to query policy.
type compiled struct {
	anonymous     grantSet
	authenticated grantSet
	roles         map[string]grantSet
	users         map[string][]string
}

func compilePolicy(p *Policy) *compiled {
	c := &compiled{
		anonymous:     compile(p.Anonymous),
		authenticated: compile(p.Anonymous, p.Authenticated),
		roles:         make(map[string]grantSet, len(p.Roles)),
		users:         make(map[string][]string, len(p.Users)),
	}
	for role, grants := range p.Roles {
		c.roles[role] = compile(grants)
	}
	for user, roles := range p.Users {
		c.users[user] = append([]string(nil), roles...)
	}
	return c
}

// Principal is the caller as seen by the policy.
type Principal struct {
	// Names are the identifiers matched against the users section.
	Names []string
	// Roles are granted directly by the session or token.
	Roles []string
}

// Authenticated reports whether the principal is anything but anonymous.
func (p Principal) Authenticated() bool {
	return len(p.Names) > 0
}

// PrincipalFromContext collects the session user and bearer identity in
// ctx.
func PrincipalFromContext(ctx context.Context) Principal {
	var p Principal
	if sess, ok := middleware.SessionFromContext(ctx); ok {
		if name, ok := sess.Username(); ok && name != "" {
			p.Names = append(p.Names, name)
			p.Roles = append(p.Roles, sess.Roles()...)
		}
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		if id.StableID != "" {
			p.Names = append(p.Names, id.StableID)
		}
		if id.Email != "" {
			p.Names = append(p.Names, id.Email)
		}
		p.Roles = append(p.Roles, id.Roles...)
	}
	return p
}

// Authorizer answers permission checks against a Policy. The policy can be
// replaced while requests are in flight.
type Authorizer struct {
	policy atomic.Pointer[compiled]
}

// NewAuthorizer validates p and returns an Authorizer enforcing it.
func NewAuthorizer(p *Policy) (*Authorizer, error) {
	a := &Authorizer{}
	if err := a.Update(p); err != nil {
		return nil, err
	}
	return a, nil
}

// Update swaps in a new policy.
func (a *Authorizer) Update(p *Policy) error {
	if p == nil {
		return errors.New("acl: nil policy")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	a.policy.Store(compilePolicy(p))
	return nil
}

// Check reports whether principal holds permission.
func (a *Authorizer) Check(principal Principal, permission string) bool {
	c := a.policy.Load()
	if c.anonymous.allows(permission) {
		return true
	}
	if !principal.Authenticated() {
		return false
	}
	if c.authenticated.allows(permission) {
		return true
	}
	for _, role := range principal.Roles {
		if gs, ok := c.roles[role]; ok && gs.allows(permission) {
			return true
		}
	}
	for _, name := range principal.Names {
		for _, role := range c.users[name] {
			if c.roles[role].allows(permission) {
				return true
			}
		}
	}
	return false
}

// Allowed implements direct.Authorizer.
func (a *Authorizer) Allowed(ctx context.Context, permission string, _ *direct.Method, _ *http.Request) (bool, error) {
	return a.Check(PrincipalFromContext(ctx), permission), nil
}

var _ direct.Authorizer = (*Authorizer)(nil)
