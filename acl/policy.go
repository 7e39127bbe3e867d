// Package acl implements a role based direct.Authorizer configured from a
// YAML policy file.
//
// A policy grants permissions to roles and roles to principals:
//
//	anonymous: [profile.read]
//	authenticated: [profile.write]
//	roles:
//	  admin: ["*"]
//	  support: [profile.*, audit.read]
//	users:
//	  ada: [admin]
//	  "corp:1234": [support]
//
// A principal is the session username, or the bearer identity's stable ID
// or verified email. Roles carried by the session or the token are honoured
// as well. A grant of "*" matches every permission and a grant ending in
// ".*" matches every permission with that prefix.
package acl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy wraps every policy validation failure.
var ErrInvalidPolicy = errors.New("acl: invalid policy")

// Policy is the YAML form of an access control policy.
type Policy struct {
	// Anonymous permissions apply to every request.
	Anonymous []string `yaml:"anonymous"`
	// Authenticated permissions apply to any logged-in or bearer caller.
	Authenticated []string            `yaml:"authenticated"`
	Roles         map[string][]string `yaml:"roles"`
	Users         map[string][]string `yaml:"users"`
}

// Parse decodes and validates a YAML policy. Unknown fields are rejected.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads and parses the policy at path.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: read policy: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Validate checks that every grant is well formed and every role assigned to
// a user is defined.
func (p *Policy) Validate() error {
	var problems []string
	check := func(where string, grants []string) {
		for _, g := range grants {
			if !validGrant(g) {
				problems = append(problems, fmt.Sprintf("%s: bad permission %q", where, g))
			}
		}
	}
	check("anonymous", p.Anonymous)
	check("authenticated", p.Authenticated)
	for role, grants := range p.Roles {
		if strings.TrimSpace(role) == "" {
			problems = append(problems, "roles: empty role name")
		}
		check("roles."+role, grants)
	}
	for user, roles := range p.Users {
		for _, role := range roles {
			if _, ok := p.Roles[role]; !ok {
				problems = append(problems, fmt.Sprintf("users.%s: undefined role %q", user, role))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, strings.Join(problems, "; "))
}

func validGrant(g string) bool {
	if g == "" || strings.TrimSpace(g) != g {
		return false
	}
	if g == "*" {
		return true
	}
	// A wildcard may only appear as a trailing ".*".
	body := strings.TrimSuffix(g, ".*")
	return body != "" && !strings.Contains(body, "*")
}

// grantSet is a compiled set of grants.
type grantSet struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func compile(grants ...[]string) grantSet {
	gs := grantSet{exact: make(map[string]struct{})}
	for _, list := range grants {
		for _, g := range list {
			switch {
			case g == "*":
				gs.all = true
			case strings.HasSuffix(g, ".*"):
				gs.prefixes = append(gs.prefixes, strings.TrimSuffix(g, "*"))
			default:
				gs.exact[g] = struct{}{}
			}
		}
	}
	return gs
}

func (gs grantSet) allows(permission string) bool {
	if gs.all {
		return true
	}
	if _, ok := gs.exact[permission]; ok {
		return true
	}
	for _, prefix := range gs.prefixes {
		if strings.HasPrefix(permission, prefix) {
			return true
		}
	}
	return false
}
