package auth

import (
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DefaultRolesClaim is the ID token claim read for roles.
const DefaultRolesClaim = "roles"

// GetVerifiedEmail returns the email address from the ID Token if the
// email_verified claim is true.
func GetVerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil {
		return "", false
	}
	if !claims.EmailVerified || claims.Email == "" {
		return "", false
	}
	return claims.Email, true
}

// GetStableID returns "provider:subject", an identifier that survives
// email changes.
func GetStableID(token *oidc.IDToken, providerID string) string {
	if token == nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", providerID, token.Subject)
}

// GetRoles reads a roles claim holding either a list of strings or a single
// space separated string. Other shapes yield no roles.
func GetRoles(token *oidc.IDToken, claim string) []string {
	if token == nil || claim == "" {
		return nil
	}
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return nil
	}
	switch v := claims[claim].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		return roles
	}
	return nil
}

// bearerToken extracts the credentials of an "Authorization: Bearer" header.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
