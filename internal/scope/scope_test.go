package scope

import "testing"

func TestParseScope(t *testing.T) {
	tests := []struct {
		input   string
		want    Scope
		wantErr bool
	}{
		{"", ScopeTenant, false},
		{"tenant", ScopeTenant, false},
		{"workspace", ScopeWorkspace, false},
		{"user", ScopeUser, false},
		{"global", "", true},
		{"Tenant", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseScope(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScope(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseScope(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     Key
		wantErr bool
	}{
		{"tenant scope", Key{TenantID: "t1", Scope: ScopeTenant}, false},
		{"workspace scope", Key{TenantID: "t1", Scope: ScopeWorkspace, WorkspaceID: "ws"}, false},
		{"user scope", Key{TenantID: "t1", Scope: ScopeUser, WorkspaceID: "ws", PrincipalID: "u"}, false},
		{"missing tenant", Key{Scope: ScopeTenant}, true},
		{"workspace without id", Key{TenantID: "t1", Scope: ScopeWorkspace}, true},
		{"user without workspace", Key{TenantID: "t1", Scope: ScopeUser, PrincipalID: "u"}, true},
		{"user without principal", Key{TenantID: "t1", Scope: ScopeUser, WorkspaceID: "ws"}, true},
		{"unknown scope", Key{TenantID: "t1", Scope: "global"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.key.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVisibilityAllows(t *testing.T) {
	full := Visibility{TenantID: "t1", WorkspaceID: "ws1", PrincipalID: "u1"}
	tenantOnly := Visibility{TenantID: "t1"}

	tests := []struct {
		name string
		vis  Visibility
		key  Key
		want bool
	}{
		{"tenant doc, tenant caller", tenantOnly, Key{TenantID: "t1", Scope: ScopeTenant}, true},
		{"tenant doc, full caller", full, Key{TenantID: "t1", Scope: ScopeTenant}, true},
		{"other tenant", full, Key{TenantID: "t2", Scope: ScopeTenant}, false},
		{"workspace match", full, Key{TenantID: "t1", Scope: ScopeWorkspace, WorkspaceID: "ws1"}, true},
		{"workspace mismatch", full, Key{TenantID: "t1", Scope: ScopeWorkspace, WorkspaceID: "ws2"}, false},
		{"workspace doc, no workspace header", tenantOnly, Key{TenantID: "t1", Scope: ScopeWorkspace, WorkspaceID: "ws1"}, false},
		{"user match", full, Key{TenantID: "t1", Scope: ScopeUser, WorkspaceID: "ws1", PrincipalID: "u1"}, true},
		{"user principal mismatch", full, Key{TenantID: "t1", Scope: ScopeUser, WorkspaceID: "ws1", PrincipalID: "u2"}, false},
		{"user workspace mismatch", full, Key{TenantID: "t1", Scope: ScopeUser, WorkspaceID: "ws2", PrincipalID: "u1"}, false},
		{"empty visibility", Visibility{}, Key{TenantID: "t1", Scope: ScopeTenant}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.vis.Allows(tt.key); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVisibilityKeyFor(t *testing.T) {
	full := Visibility{TenantID: "t1", WorkspaceID: "ws1", PrincipalID: "u1"}
	tenantOnly := Visibility{TenantID: "t1"}

	tests := []struct {
		name    string
		vis     Visibility
		scope   Scope
		want    Key
		wantErr bool
	}{
		{"tenant", tenantOnly, ScopeTenant, Key{TenantID: "t1", Scope: ScopeTenant}, false},
		{"workspace", full, ScopeWorkspace, Key{TenantID: "t1", Scope: ScopeWorkspace, WorkspaceID: "ws1"}, false},
		{"user", full, ScopeUser, Key{TenantID: "t1", Scope: ScopeUser, WorkspaceID: "ws1", PrincipalID: "u1"}, false},
		{"workspace without header", tenantOnly, ScopeWorkspace, Key{}, true},
		{"user without principal", Visibility{TenantID: "t1", WorkspaceID: "ws1"}, ScopeUser, Key{}, true},
		{"invalid scope", full, "global", Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.vis.KeyFor(tt.scope)
			if (err != nil) != tt.wantErr {
				t.Fatalf("KeyFor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("KeyFor() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
