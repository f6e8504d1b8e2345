// Package token implements the resource-server side: bearer-token
// validation by local JWT verification or remote introspection, and the
// derivation of a principal with authorities from a validated token.
package token

import (
	"fmt"
	"strings"
)

// DefaultAuthorityPrefix is prepended to each granted scope when mapping it
// to an authority.
const DefaultAuthorityPrefix = "SCOPE_"

// Principal is the authenticated identity derived from a validated token.
// Principals are produced fresh per request and never persisted.
type Principal struct {
	// Name is the principal's identifier, taken from the sub claim.
	Name string

	// Authorities are the granted authorities mapped from the token's
	// scopes.
	Authorities []string

	// Claims carries the validated token claims (or introspection
	// attributes) for authorization policies.
	Claims map[string]any
}

// HasAuthority reports whether the principal holds the given authority.
func (p *Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// String omits claims, which may carry sensitive attributes.
func (p *Principal) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Principal{Name:%q, Authorities:%v}", p.Name, p.Authorities)
}

// ScopeAuthorities maps a scope string onto prefixed authorities. Scope
// strings are strictly single-space-delimited per RFC 6749 §3.3; tabs,
// doubled spaces, or leading/trailing whitespace are rejected rather than
// guessed around.
func ScopeAuthorities(scope, prefix string) ([]string, error) {
	if scope == "" {
		return nil, nil
	}
	if strings.ContainsAny(scope, "\t\n\r") {
		return nil, fmt.Errorf("scope string contains non-space whitespace")
	}
	if strings.HasPrefix(scope, " ") || strings.HasSuffix(scope, " ") || strings.Contains(scope, "  ") {
		return nil, fmt.Errorf("scope string is not single-space-delimited")
	}

	parts := strings.Split(scope, " ")
	authorities := make([]string, 0, len(parts))
	for _, part := range parts {
		authorities = append(authorities, prefix+part)
	}
	return authorities, nil
}
