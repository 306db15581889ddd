package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type claimsKey struct{}

// RequireScope returns middleware that rejects requests without a bearer
// token carrying the required scope. A nil token manager disables
// enforcement entirely (development mode).
func RequireScope(tm *TokenManager, scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tm == nil {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				unauthorized(w, "missing bearer token")
				return
			}

			claims, err := tm.ValidateTokenWithScope(raw, scope)
			if err != nil {
				unauthorized(w, "invalid or insufficient token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// ClaimsFrom returns the validated claims stored on the request context.
func ClaimsFrom(ctx context.Context) (*TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*TokenClaims)
	return claims, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}
