package server

import (
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"

	"ipwarden/internal/app/version"
)

const (
	defaultSuspiciousLimit = 100
	maxSuspiciousLimit     = 500
)

func index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "ipwarden"})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, "Not found", http.StatusNotFound)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "version": version.Get().BuildVersion}

	if s.deps.Blocklist != nil {
		payload["blocked_ips"] = s.deps.Blocklist.Size()
	}
	if s.deps.Instances != nil {
		instances, err := s.deps.Instances(r.Context())
		if err != nil {
			log.Warn("Could not count active instances", "error", err)
		} else {
			payload["instances"] = instances
		}
	}

	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) listSuspicious(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flags == nil {
		writeError(w, "Flag store unavailable", http.StatusServiceUnavailable)
		return
	}

	limit := defaultSuspiciousLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxSuspiciousLimit)
	}

	flagged, err := s.deps.Flags.ListSuspiciousIPs(r.Context(), limit)
	if err != nil {
		log.Error("Failed to list suspicious IPs", "error", err)
		writeError(w, "Failed to query database", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"count": len(flagged), "suspicious_ips": flagged})
}
