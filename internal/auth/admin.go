package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the admin token is invalid.
	ErrInvalidToken = errors.New("invalid token")
	// ErrAdminDisabled is returned when no admin credentials are configured.
	ErrAdminDisabled = errors.New("admin surface disabled")
)

// AdminClaims represents the JWT claims for the admin session gate.
type AdminClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// AdminGate issues and validates session tokens for the admin surface.
// When no credentials are configured the gate rejects everything.
type AdminGate struct {
	username string
	password string
	secret   []byte
	expiry   time.Duration
}

// NewAdminGate creates an admin session gate. Empty username or password
// disables the admin surface entirely.
func NewAdminGate(username, password, secret string, expiry time.Duration) *AdminGate {
	return &AdminGate{
		username: username,
		password: password,
		secret:   []byte(secret),
		expiry:   expiry,
	}
}

// Enabled reports whether admin credentials are configured.
func (g *AdminGate) Enabled() bool {
	return g.username != "" && g.password != ""
}

// Login checks the credentials and returns a signed session token.
func (g *AdminGate) Login(username, password string) (string, error) {
	if !g.Enabled() {
		return "", ErrAdminDisabled
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(g.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) == 1
	if !userOK || !passOK {
		return "", errors.New("invalid username or password")
	}

	now := time.Now()
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    "rag-service",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.expiry)),
		},
		Username: username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}

// ValidateToken validates an admin session token.
func (g *AdminGate) ValidateToken(tokenString string) (*AdminClaims, error) {
	if !g.Enabled() {
		return nil, ErrAdminDisabled
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware gates admin endpoints behind a valid session token.
func (g *AdminGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		header := req.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := g.ValidateToken(strings.TrimSpace(header[len(prefix):])); err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}
