package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/config"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const keyPrefix = "ratelimit:"

// KeyFunc derives the counter key for a request. Returning false skips the rule.
type KeyFunc func(r *http.Request) (string, bool)

// IdentifyFunc returns the authenticated user id for a request, if any.
type IdentifyFunc func(r *http.Request) (string, bool)

// Rule caps the number of admitted requests per key within a trailing window.
type Rule struct {
	Name   string
	Key    KeyFunc
	Limit  int
	Window time.Duration
}

// Result is the outcome of one backend check.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Backend counts admitted hits per key. Allow records a hit only when it is
// admitted; a denied request does not extend the window.
type Backend interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error)
}

// Decision is the combined outcome of all rules for one request.
type Decision struct {
	Allowed    bool
	Rule       string
	RetryAfter time.Duration
}

// Limiter evaluates rules in order and stops at the first violation.
type Limiter struct {
	backend  Backend
	rules    []Rule
	methods  map[string]struct{}
	failOpen bool
	now      func() time.Time
	metrics  *metrics.Metrics
}

type Option func(*Limiter)

// WithMethods restricts the limiter to the given HTTP methods. Other methods
// pass through unchecked.
func WithMethods(methods ...string) Option {
	return func(l *Limiter) {
		l.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			l.methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
	}
}

// WithFailOpen admits requests when the backend errors (default true).
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

func New(backend Backend, rules []Rule, opts ...Option) *Limiter {
	l := &Limiter{
		backend:  backend,
		rules:    append([]Rule(nil), rules...),
		methods:  map[string]struct{}{http.MethodPost: {}},
		failOpen: true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) applies(r *http.Request) bool {
	if len(l.methods) == 0 {
		return true
	}
	_, ok := l.methods[r.Method]
	return ok
}

// Check evaluates the rules for r. Rules after the first violation are not
// evaluated and record no hit.
func (l *Limiter) Check(r *http.Request) (Decision, error) {
	if !l.applies(r) {
		return Decision{Allowed: true}, nil
	}

	now := l.now()
	for _, rule := range l.rules {
		key, ok := rule.Key(r)
		if !ok {
			continue
		}

		result, err := l.backend.Allow(r.Context(), counterKey(rule.Name, r.URL.Path, key), rule.Limit, rule.Window, now)
		if err != nil {
			return Decision{Rule: rule.Name}, fmt.Errorf("rate limit rule %s: %w", rule.Name, err)
		}
		l.metrics.ObserveRateLimit(rule.Name, result.Allowed)
		if !result.Allowed {
			return Decision{Allowed: false, Rule: rule.Name, RetryAfter: result.RetryAfter}, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// Middleware rejects requests over any limit with 429 and a Retry-After header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := l.Check(r)
		if err != nil {
			if !l.failOpen {
				log.Error("Rate limiter unavailable, rejecting request", "path", r.URL.Path, "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":  "error",
					"message": "Rate limiter unavailable",
				})
				return
			}
			log.Warn("Rate limiter unavailable, admitting request", "path", r.URL.Path, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			log.Debug("Rate limit exceeded", "rule", decision.Rule, "path", r.URL.Path, "ip", support.RemoteIP(r))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"status":  "error",
				"message": "Rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// KeyByRemoteIP keys on the transport peer address. The forwarding header is
// ignored so a client cannot rotate its key by rewriting it.
func KeyByRemoteIP(r *http.Request) (string, bool) {
	ip := support.RemoteIP(r)
	if ip == "" {
		return "", false
	}
	return "ip:" + ip, true
}

// KeyByIdentity keys on the authenticated user when identify reports one,
// otherwise on the transport peer address.
func KeyByIdentity(identify IdentifyFunc) KeyFunc {
	return func(r *http.Request) (string, bool) {
		if identify != nil {
			if id, ok := identify(r); ok && id != "" {
				return "user:" + id, true
			}
		}
		return KeyByRemoteIP(r)
	}
}

// RulesFromConfig maps configured rules onto key functions.
func RulesFromConfig(cfg []config.RateLimitRule, identify IdentifyFunc) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg))
	var errs []error
	for _, rc := range cfg {
		var key KeyFunc
		switch rc.Key {
		case config.KeyTypeIP:
			key = KeyByRemoteIP
		case config.KeyTypeUserOrIP:
			key = KeyByIdentity(identify)
		default:
			errs = append(errs, fmt.Errorf("rate limit rule %s: unknown key type %q", rc.Name, rc.Key))
			continue
		}
		rules = append(rules, Rule{
			Name:   rc.Name,
			Key:    key,
			Limit:  rc.Limit,
			Window: rc.Window.Duration(),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return rules, nil
}

func counterKey(rule, path, key string) string {
	return keyPrefix + rule + ":" + path + ":" + key
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("ratelimit: write response", "error", err)
	}
}
