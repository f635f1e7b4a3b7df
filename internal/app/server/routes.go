package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/auth"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
	"ipwarden/internal/ratelimit"
	"ipwarden/internal/tracking"
)

const defaultShutdownTimeout = 10 * time.Second

// Account is the single credential pair accepted by POST /login.
type Account struct {
	UserID       uint
	Username     string
	PasswordHash string
	Role         string
}

type FlagLister interface {
	ListSuspiciousIPs(ctx context.Context, limit int) ([]domain.SuspiciousIP, error)
}

type BlocklistSizer interface {
	Size() int
}

type Dependencies struct {
	Interceptor *tracking.Interceptor
	Limiter     *ratelimit.Limiter
	Tokens      *auth.Tokens
	Account     Account
	Flags       FlagLister
	Blocklist   BlocklistSizer
	Metrics     *metrics.Metrics
	Instances   func(ctx context.Context) (int, error)
}

type Server struct {
	deps Dependencies
}

func New(deps Dependencies) *Server {
	return &Server{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

// Handler builds the router. Every route, the fallback included, passes the
// interceptor first.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	login := http.Handler(http.HandlerFunc(s.loginUser))
	if s.deps.Limiter != nil {
		login = s.deps.Limiter.Middleware(login)
	}
	router.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			loginInstructions(w, r)
			return
		}
		login.ServeHTTP(w, r)
	})

	router.HandleFunc("GET /health", s.health)
	router.Handle("GET /metrics", s.deps.Metrics.Handler())

	suspicious := http.Handler(http.HandlerFunc(s.listSuspicious))
	if s.deps.Tokens != nil {
		suspicious = s.deps.Tokens.IsAdmin(suspicious)
	}
	router.Handle("GET /suspicious", suspicious)

	router.HandleFunc("GET /{$}", index)
	router.HandleFunc("/", notFound)

	log.Debug("Routes opened")

	if s.deps.Interceptor == nil {
		return router
	}
	return s.deps.Interceptor.Handler(router)
}

// ListenAndServe serves on port until ctx is done, then drains in-flight
// requests for at most shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, port int, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting ipwarden on port :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return <-errCh
}
