// Package auth resolves bearer tokens to tenants and builds the per-request
// visibility from scope headers.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/signal305/rag-service/internal/scope"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const visibilityContextKey contextKey = "visibility"

const (
	// WorkspaceHeader carries the caller's workspace id.
	WorkspaceHeader = "X-Workspace-Id"
	// PrincipalHeader carries the caller's principal id.
	PrincipalHeader = "X-Principal-Id"
)

// ErrUnauthorized is returned when no valid bearer token is presented.
var ErrUnauthorized = errors.New("unauthorized")

// Tenant is one entry of the static token -> tenant map.
type Tenant struct {
	TenantID string `json:"tenant_id"`
	APIKey   string `json:"api_key"`
}

// TenantResolver maps API keys to tenant IDs from RAG_TENANTS_JSON.
type TenantResolver struct {
	byAPIKey map[string]string
}

// NewTenantResolver parses the RAG_TENANTS_JSON value.
func NewTenantResolver(tenantsJSON string) (*TenantResolver, error) {
	var raw []Tenant
	if err := json.Unmarshal([]byte(tenantsJSON), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse RAG_TENANTS_JSON: %w", err)
	}

	byAPIKey := make(map[string]string, len(raw))
	for _, t := range raw {
		tenantID := strings.TrimSpace(t.TenantID)
		apiKey := strings.TrimSpace(t.APIKey)
		if tenantID == "" || apiKey == "" {
			continue
		}
		byAPIKey[apiKey] = tenantID
	}
	if len(byAPIKey) == 0 {
		return nil, errors.New("RAG_TENANTS_JSON contains no usable tenants")
	}
	return &TenantResolver{byAPIKey: byAPIKey}, nil
}

// TenantIDForAPIKey returns the tenant id for an API key, or "" when unknown.
func (r *TenantResolver) TenantIDForAPIKey(apiKey string) string {
	return r.byAPIKey[apiKey]
}

// Middleware authenticates the bearer token, builds the caller Visibility
// from the scope headers, and stores it on the request context.
func (r *TenantResolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		vis, err := r.visibilityFromRequest(req)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, req.WithContext(WithVisibility(req.Context(), vis)))
	})
}

func (r *TenantResolver) visibilityFromRequest(req *http.Request) (scope.Visibility, error) {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return scope.Visibility{}, errors.New("missing bearer token")
	}

	tenantID := r.TenantIDForAPIKey(strings.TrimSpace(header[len(prefix):]))
	if tenantID == "" {
		return scope.Visibility{}, errors.New("invalid tenant API key")
	}

	return scope.Visibility{
		TenantID:    tenantID,
		WorkspaceID: strings.TrimSpace(req.Header.Get(WorkspaceHeader)),
		PrincipalID: strings.TrimSpace(req.Header.Get(PrincipalHeader)),
	}, nil
}

// WithVisibility stores a Visibility on the context.
func WithVisibility(ctx context.Context, vis scope.Visibility) context.Context {
	return context.WithValue(ctx, visibilityContextKey, vis)
}

// VisibilityFromContext retrieves the caller Visibility set by Middleware.
func VisibilityFromContext(ctx context.Context) (scope.Visibility, bool) {
	vis, ok := ctx.Value(visibilityContextKey).(scope.Visibility)
	return vis, ok
}
