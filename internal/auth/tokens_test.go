package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGenerateAndValidateToken(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, nil)

	token, err := tm.GenerateToken("admin", []Scope{ScopeWrite})
	require.NoError(t, err)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(ScopeWrite))
	assert.False(t, claims.HasScope(ScopeRead))
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, nil)
	token, err := tm.GenerateToken("admin", []Scope{ScopeAll})
	require.NoError(t, err)

	other := NewTokenManager("another-secret-another-secret-ab", time.Hour, nil)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	tm := NewTokenManager(testSecret, -time.Minute, nil)
	token, err := tm.GenerateToken("admin", []Scope{ScopeAll})
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.Error(t, err)
}

func TestScopeChecks(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, nil)

	readOnly, err := tm.GenerateToken("reader", []Scope{ScopeRead})
	require.NoError(t, err)
	_, err = tm.ValidateTokenWithScope(readOnly, ScopeWrite)
	assert.ErrorIs(t, err, ErrInsufficientScope)

	all, err := tm.GenerateToken("root", []Scope{ScopeAll})
	require.NoError(t, err)
	_, err = tm.ValidateTokenWithScope(all, ScopeWrite)
	assert.NoError(t, err, "wildcard scope covers everything")
}

func TestStaticTokenGrantsAllScopes(t *testing.T) {
	tm := NewTokenManager("", time.Hour, []string{"static-tok"})

	claims, err := tm.ValidateTokenWithScope("static-tok", ScopeWrite)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(ScopeRead))

	_, err = tm.ValidateToken("wrong-tok")
	assert.Error(t, err)
}

func TestRequireScopeMiddleware(t *testing.T) {
	tm := NewTokenManager(testSecret, time.Hour, []string{"static-tok"})

	var sawClaims bool
	protected := RequireScope(tm, ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawClaims = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong scope
	readOnly, err := tm.GenerateToken("reader", []Scope{ScopeRead})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+readOnly)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Static token passes
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer static-tok")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sawClaims)
}

func TestRequireScopeNilManagerIsOpen(t *testing.T) {
	open := RequireScope(nil, ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
