package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

func (t *Tokens) IsAdmin(next http.Handler) http.Handler {
	return t.RequireRole(RoleAdmin)(next)
}

func (t *Tokens) RequireRole(requiredRole string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := t.extractClaims(r)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			role, ok := claims["role"].(string)
			if !ok || role != requiredRole {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (t *Tokens) GetUserIDFromRequest(r *http.Request) (uint, error) {
	claims, err := t.extractClaims(r)
	if err != nil {
		return 0, err
	}

	// JWT numbers are parsed as float64 by default
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, errors.New("invalid user ID in token")
	}

	return uint(userID), nil
}

// Identify reports the authenticated user id as a string, for rate-limit keys.
// Missing or invalid tokens count as anonymous.
func (t *Tokens) Identify(r *http.Request) (string, bool) {
	userID, err := t.GetUserIDFromRequest(r)
	if err != nil {
		return "", false
	}
	return strconv.FormatUint(uint64(userID), 10), true
}

func (t *Tokens) extractClaims(r *http.Request) (map[string]interface{}, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, ErrMissingToken
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return t.ValidateJWT(token)
}
