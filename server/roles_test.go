package server

import "testing"

func TestRoleResolver(t *testing.T) {
	r := NewRoleResolver([]string{"Admin@Corp.com", "  ops@corp.com ", ""})

	tests := []struct {
		identifier string
		want       Role
		ok         bool
	}{
		{" Admin@Corp.com ", RoleAdmin, true},
		{"admin@corp.com", RoleAdmin, true},
		{"OPS@corp.com", RoleAdmin, true},
		{"jane@corp.com", RoleEmployee, true},
		{"user-1", RoleEmployee, true},
		{"", "", false},
		{"   ", "", false},
	}
	for _, tc := range tests {
		role, ok := r.Resolve(tc.identifier)
		if role != tc.want || ok != tc.ok {
			t.Fatalf("Resolve(%q) = (%q, %v), want (%q, %v)", tc.identifier, role, ok, tc.want, tc.ok)
		}
	}
}

func TestRoleResolverEmptyAllowlist(t *testing.T) {
	role, ok := NewRoleResolver(nil).Resolve("admin@corp.com")
	if !ok || role != RoleEmployee {
		t.Fatalf("expected employee with empty allowlist, got %q %v", role, ok)
	}
}

func TestExtractIdentifierPriority(t *testing.T) {
	tests := []struct {
		name       string
		claims     map[string]any
		want       string
		wantSource string
	}{
		{
			name:       "email_first",
			claims:     map[string]any{"email": " Jane@Corp.com ", "preferred_username": "jdoe", "sub": "user-1"},
			want:       "jane@corp.com",
			wantSource: "email",
		},
		{
			name:       "preferred_username_when_email_blank",
			claims:     map[string]any{"email": "  ", "preferred_username": "JDoe@corp.com", "upn": "x", "sub": "user-1"},
			want:       "jdoe@corp.com",
			wantSource: "preferred_username",
		},
		{
			name:       "upn_when_email_not_string",
			claims:     map[string]any{"email": 42, "upn": "JDOE@corp.onmicrosoft.com", "sub": "user-1"},
			want:       "jdoe@corp.onmicrosoft.com",
			wantSource: "upn",
		},
		{
			name:       "sub_fallback",
			claims:     map[string]any{"sub": "User-1"},
			want:       "user-1",
			wantSource: "sub",
		},
		{
			name:   "nothing_usable",
			claims: map[string]any{"name": "Jane"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, source := ExtractIdentifier(tc.claims)
			if got != tc.want || source != tc.wantSource {
				t.Fatalf("ExtractIdentifier = (%q, %q), want (%q, %q)", got, source, tc.want, tc.wantSource)
			}
		})
	}
}

func TestSubOnlyIdentityResolvesToEmployee(t *testing.T) {
	identifier, _ := ExtractIdentifier(map[string]any{"sub": "0f3c9a"})
	role, ok := NewRoleResolver([]string{"admin@corp.com"}).Resolve(identifier)
	if !ok || role != RoleEmployee {
		t.Fatalf("expected employee for sub-only identity, got %q %v", role, ok)
	}
}
