package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const accountContextKey contextKey = "account"

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}

// RequireAdmin guards a handler with the static admin credential. The
// 401 body shape is fixed regardless of why the check failed.
func RequireAdmin(adminKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok || token != adminKey {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// Middleware validates owner JWTs for the management routes.
type Middleware struct {
	jwtSecret string
}

func NewMiddleware(jwtSecret string) *Middleware {
	return &Middleware{jwtSecret: jwtSecret}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			unauthorized(w)
			return
		}

		claims, err := ValidateToken(token, m.jwtSecret)
		if err != nil {
			unauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), accountContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountFromContext returns the authenticated owner's claims.
func AccountFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(accountContextKey).(*Claims)
	return claims, ok
}
