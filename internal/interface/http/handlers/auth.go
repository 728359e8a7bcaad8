package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADMIN AUTH MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// HashAdminToken returns the bcrypt hash stored in HTTP_ADMIN_TOKEN_HASH.
func HashAdminToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("admin token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin token: %w", err)
	}
	return string(hash), nil
}

// ValidateAdminTokenHash reports whether hash is a usable bcrypt hash.
func ValidateAdminTokenHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	return nil
}

// AdminAuth requires "Authorization: Bearer <token>" matching the bcrypt hash.
// An empty hash disables the check.
func AdminAuth(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if hash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
				WriteError(w, r, http.StatusUnauthorized, "unauthorized", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
