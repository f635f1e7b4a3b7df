package blacklist

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/support"
)

const (
	UpdatesChannel         = "ipwarden:blacklist:updates"
	defaultRefreshInterval = 30 * time.Second
)

// Source lists the blocked addresses held by the blocklist store.
type Source interface {
	ListBlockedIPs(ctx context.Context) ([]string, error)
}

// Manager serves membership checks from an in-memory snapshot of the store.
// Lookups never touch the store; the snapshot is swapped wholesale on refresh.
type Manager struct {
	source      Source
	snapshot    atomic.Pointer[map[string]struct{}]
	refreshOnce singleflight.Group
	onRefresh   func(size int)
}

type Option func(*Manager)

// WithRefreshHook is called with the snapshot size after every successful load.
func WithRefreshHook(hook func(size int)) Option {
	return func(m *Manager) {
		m.onRefresh = hook
	}
}

func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{source: source}
	empty := make(map[string]struct{})
	m.snapshot.Store(&empty)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsBlocked reports whether ip is in the current snapshot.
func (m *Manager) IsBlocked(ip string) bool {
	if m == nil {
		return false
	}
	normalized := support.NormalizeIP(ip)
	if normalized == "" {
		return false
	}
	_, found := (*m.snapshot.Load())[normalized]
	return found
}

// Size returns the number of addresses in the current snapshot.
func (m *Manager) Size() int {
	if m == nil {
		return 0
	}
	return len(*m.snapshot.Load())
}

// Load replaces the snapshot with the store contents. On error the previous
// snapshot stays in place.
func (m *Manager) Load(ctx context.Context) error {
	if m == nil || m.source == nil {
		return errors.New("blacklist: no source configured")
	}
	ips, err := m.source.ListBlockedIPs(ctx)
	if err != nil {
		return fmt.Errorf("blacklist: list blocked ips: %w", err)
	}

	set := toSet(ips)
	m.snapshot.Store(&set)
	if m.onRefresh != nil {
		m.onRefresh(len(set))
	}
	return nil
}

// Refresh reloads the snapshot; concurrent callers share one store read.
func (m *Manager) Refresh(ctx context.Context, reason string) error {
	_, err, shared := m.refreshOnce.Do("refresh", func() (interface{}, error) {
		return nil, m.Load(ctx)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("Blacklist refresh canceled", "reason", reason)
			return err
		}
		log.Error("Blacklist refresh failed, keeping previous snapshot", "reason", reason, "error", err)
		return err
	}
	log.Debug("Blacklist refreshed", "reason", reason, "size", m.Size(), "shared", shared)
	return nil
}

// StartRefreshRoutine reloads the snapshot every interval until ctx is done.
func (m *Manager) StartRefreshRoutine(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Refresh(ctx, "scheduled")
		}
	}
}

// Subscribe refreshes the snapshot whenever another process announces a
// blocklist change. It blocks until ctx is done.
func (m *Manager) Subscribe(ctx context.Context, client *redis.Client) error {
	if client == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	pubsub := client.Subscribe(ctx, UpdatesChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("blacklist: subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			_ = m.Refresh(ctx, "update:"+msg.Payload)
		}
	}
}

// PublishUpdate notifies subscribed instances that the blocklist changed.
func PublishUpdate(ctx context.Context, client *redis.Client, reason string) error {
	if client == nil {
		return nil
	}
	if err := client.Publish(ctx, UpdatesChannel, reason).Err(); err != nil {
		return fmt.Errorf("blacklist: publish update: %w", err)
	}
	return nil
}

func toSet(ips []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		normalized := support.NormalizeIP(ip)
		if normalized == "" {
			continue
		}
		m[normalized] = struct{}{}
	}
	return m
}
