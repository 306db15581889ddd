package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope represents allowed operations for a token
type Scope string

const (
	ScopeRead  Scope = "registry:read"
	ScopeWrite Scope = "registry:write"
	ScopeAll   Scope = "registry:*"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrInsufficientScope = errors.New("insufficient permissions")
)

// TokenClaims represents the claims in an access token
type TokenClaims struct {
	Scopes []Scope `json:"scopes"` // Allowed operations
	Nonce  string  `json:"nonce"`  // Unique per-token to prevent replay
	jwt.RegisteredClaims
}

// HasScope checks if the token has a specific scope
func (tc *TokenClaims) HasScope(scope Scope) bool {
	for _, s := range tc.Scopes {
		if s == ScopeAll || s == scope {
			return true
		}
	}
	return false
}

// TokenManager handles JWT token operations plus a set of static admin
// tokens configured at startup. A static token carries every scope.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	static []string
}

// NewTokenManager creates a new token manager
func NewTokenManager(secret string, ttl time.Duration, staticTokens []string) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		static: staticTokens,
	}
}

// GenerateToken generates a token with specific scopes
func (tm *TokenManager) GenerateToken(subject string, scopes []Scope) (string, error) {
	now := time.Now()

	// Generate a unique nonce for this token
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	claims := TokenClaims{
		Scopes: scopes,
		Nonce:  nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "mcphub",
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secret)
}

// ValidateToken validates a bearer token and returns its claims. Static
// tokens compare in constant time and grant every scope.
func (tm *TokenManager) ValidateToken(tokenString string) (*TokenClaims, error) {
	for _, s := range tm.static {
		if subtle.ConstantTimeCompare([]byte(s), []byte(tokenString)) == 1 {
			return &TokenClaims{Scopes: []Scope{ScopeAll}}, nil
		}
	}

	if len(tm.secret) == 0 {
		return nil, ErrInvalidToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

// ValidateTokenWithScope validates a token and checks for required scope
func (tm *TokenManager) ValidateTokenWithScope(tokenString string, requiredScope Scope) (*TokenClaims, error) {
	claims, err := tm.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}

	if !claims.HasScope(requiredScope) {
		return nil, ErrInsufficientScope
	}

	return claims, nil
}

// generateNonce creates a cryptographically secure random nonce
func generateNonce() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
