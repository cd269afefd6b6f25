package server

import "strings"

// identifierClaims lists the claims consulted for the user identifier, in priority order.
var identifierClaims = []string{"email", "preferred_username", "upn", "sub"}

// RoleAssigner maps an identifier to a role; ok is false when the login must be denied.
type RoleAssigner interface {
	Resolve(identifier string) (role Role, ok bool)
}

// RoleResolver maps a verified identifier onto a Role using the admin allowlist.
type RoleResolver struct {
	admins map[string]struct{}
}

// NewRoleResolver normalises the configured admin allowlist.
func NewRoleResolver(adminEmails []string) *RoleResolver {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		if n := normalizeIdentifier(email); n != "" {
			admins[n] = struct{}{}
		}
	}
	return &RoleResolver{admins: admins}
}

// Resolve returns the role for identifier. ok is false when the identifier is
// empty after trimming, which denies the login.
func (r *RoleResolver) Resolve(identifier string) (Role, bool) {
	n := normalizeIdentifier(identifier)
	if n == "" {
		return "", false
	}
	if _, ok := r.admins[n]; ok {
		return RoleAdmin, true
	}
	return RoleEmployee, true
}

// ExtractIdentifier picks the first non-empty string claim from email,
// preferred_username, upn and sub. It returns the normalised value and the claim name.
func ExtractIdentifier(claims map[string]any) (string, string) {
	for _, name := range identifierClaims {
		raw, ok := claims[name].(string)
		if !ok {
			continue
		}
		if n := normalizeIdentifier(raw); n != "" {
			return n, name
		}
	}
	return "", ""
}

func normalizeIdentifier(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
