package httpd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/silvabyte/ObjectStorage/internal/storage"
)

// Auth errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

// Claims are the bearer-token claims for one scope.
type Claims struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies HS256 bearer tokens scoped to one
// tenant+user.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service with the given signing secret and
// token lifetime.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), ttl: ttl}
}

// Generate mints a token granting access to one scope.
func (ts *TokenService) Generate(scope storage.Scope) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: scope.TenantID,
		UserID:   scope.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(ts.secret)
}

// Parse verifies a token and returns its claims.
func (ts *TokenService) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// Authorize checks the request's bearer token against the path scope.
// A nil TokenService authorizes everything.
func (ts *TokenService) Authorize(r *http.Request, scope storage.Scope) error {
	if ts == nil {
		return nil
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims, err := ts.Parse(token)
	if err != nil {
		return err
	}
	if claims.TenantID != scope.TenantID || claims.UserID != scope.UserID {
		return fmt.Errorf("%w: token scope %s/%s does not match request",
			ErrForbidden, claims.TenantID, claims.UserID)
	}
	return nil
}
