package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"

	"ipwarden/internal/auth"
)

const maxLoginBodyBytes = 1 << 16

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func loginInstructions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Send POST request with username/password"})
}

func (s *Server) loginUser(w http.ResponseWriter, r *http.Request) {
	creds, err := decodeCredentials(w, r)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	account := s.deps.Account
	if !s.accountMatches(creds) {
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if s.deps.Tokens == nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	token, err := s.deps.Tokens.GenerateJWT(account.UserID, account.Role)
	if err != nil {
		log.Error("Failed to generate token", "error", err)
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Logged in",
		"token":   token,
	})
}

// accountMatches treats missing fields as a mismatch. It always runs the bcrypt comparison so unknown usernames take
// as long as wrong passwords.
func (s *Server) accountMatches(creds credentials) bool {
	account := s.deps.Account
	if account.PasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(creds.Username), []byte(account.Username)) == 1
	passOK := auth.CheckPasswordHash(creds.Password, account.PasswordHash)
	return userOK && passOK
}

// decodeCredentials accepts a JSON body or a form-encoded one. A body that
// cannot be parsed yields empty credentials alongside the error.
func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var creds credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			return credentials{}, err
		}
		return creds, nil
	}

	if err := r.ParseForm(); err != nil {
		return credentials{}, err
	}
	return credentials{
		Username: strings.TrimSpace(r.PostForm.Get("username")),
		Password: r.PostForm.Get("password"),
	}, nil
}
