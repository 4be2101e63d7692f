package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/signal305/rag-service/internal/scope"
)

const tenantsJSON = `[{"tenant_id":"signal305","api_key":"dev-signal305-key"},{"tenant_id":"acme","api_key":"acme-key"}]`

func TestNewTenantResolver(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", tenantsJSON, false},
		{"not json", "nope", true},
		{"empty array", "[]", true},
		{"entries without keys", `[{"tenant_id":"x"},{"api_key":"y"}]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTenantResolver(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTenantResolver() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	resolver, err := NewTenantResolver(tenantsJSON)
	if err != nil {
		t.Fatal(err)
	}

	var gotVis scope.Visibility
	var called bool
	handler := resolver.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		gotVis, _ = VisibilityFromContext(r.Context())
	}))

	tests := []struct {
		name       string
		authHeader string
		workspace  string
		principal  string
		wantStatus int
		wantVis    scope.Visibility
	}{
		{
			name:       "valid token",
			authHeader: "Bearer dev-signal305-key",
			wantStatus: http.StatusOK,
			wantVis:    scope.Visibility{TenantID: "signal305"},
		},
		{
			name:       "valid token with scope headers",
			authHeader: "Bearer acme-key",
			workspace:  "ws-1",
			principal:  "u-7",
			wantStatus: http.StatusOK,
			wantVis:    scope.Visibility{TenantID: "acme", WorkspaceID: "ws-1", PrincipalID: "u-7"},
		},
		{"missing header", "", "", "", http.StatusUnauthorized, scope.Visibility{}},
		{"wrong scheme", "Basic Zm9v", "", "", http.StatusUnauthorized, scope.Visibility{}},
		{"unknown key", "Bearer nope", "", "", http.StatusUnauthorized, scope.Visibility{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(http.MethodGet, "/v1/whoami", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			if tt.workspace != "" {
				req.Header.Set(WorkspaceHeader, tt.workspace)
			}
			if tt.principal != "" {
				req.Header.Set(PrincipalHeader, tt.principal)
			}

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if !called {
					t.Fatal("handler was not called")
				}
				if gotVis != tt.wantVis {
					t.Errorf("visibility = %+v, want %+v", gotVis, tt.wantVis)
				}
			} else if called {
				t.Error("handler called despite auth failure")
			}
		})
	}
}

func TestAdminGate(t *testing.T) {
	gate := NewAdminGate("admin", "s3cret", "test-secret", time.Hour)

	if _, err := gate.Login("admin", "wrong"); err == nil {
		t.Error("expected error for wrong password")
	}

	token, err := gate.Login("admin", "s3cret")
	if err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	claims, err := gate.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken() error: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("username = %q, want admin", claims.Username)
	}

	if _, err := gate.ValidateToken(token + "x"); err == nil {
		t.Error("expected error for tampered token")
	}

	disabled := NewAdminGate("", "", "secret", time.Hour)
	if disabled.Enabled() {
		t.Error("gate with empty credentials should be disabled")
	}
	if _, err := disabled.Login("", ""); err == nil {
		t.Error("disabled gate should refuse login")
	}
}
