package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGenerateAndValidateJWT(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	signed, err := tokens.GenerateJWT(7, RoleAdmin)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := tokens.ValidateJWT(signed)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims["role"] != RoleAdmin {
		t.Fatalf("unexpected role %v", claims["role"])
	}
	if claims["user_id"].(float64) != 7 {
		t.Fatalf("unexpected user id %v", claims["user_id"])
	}

	if _, err := NewTokens("other", time.Hour).ValidateJWT(signed); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	tokens := NewTokens("secret", time.Minute)
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }

	signed, err := tokens.GenerateJWT(1, RoleUser)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := tokens.ValidateJWT(signed); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestIdentify(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	signed, _ := tokens.GenerateJWT(42, RoleUser)

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	if _, ok := tokens.Identify(req); ok {
		t.Fatalf("expected anonymous request")
	}

	req.Header.Set("Authorization", "Bearer "+signed)
	id, ok := tokens.Identify(req)
	if !ok || id != "42" {
		t.Fatalf("expected user 42, got %q (%v)", id, ok)
	}

	req.Header.Set("Authorization", "Bearer garbage")
	if _, ok := tokens.Identify(req); ok {
		t.Fatalf("expected invalid token to be anonymous")
	}
}

func TestIsAdmin(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	handler := tokens.IsAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	admin, _ := tokens.GenerateJWT(1, RoleAdmin)
	user, _ := tokens.GenerateJWT(2, RoleUser)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "user", header: "Bearer " + user, want: http.StatusForbidden},
		{name: "admin", header: "Bearer " + admin, want: http.StatusNoContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/suspicious", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPasswordHash("secret", hash) {
		t.Fatalf("expected password to match")
	}
	if CheckPasswordHash("wrong", hash) {
		t.Fatalf("expected mismatch")
	}
}
