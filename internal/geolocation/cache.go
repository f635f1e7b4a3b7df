package geolocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved locations. A miss is reported as ok=false with a nil
// error; an error means the cache itself could not be consulted.
type Cache interface {
	Get(ctx context.Context, key string) (Location, bool, error)
	Set(ctx context.Context, key string, loc Location, ttl time.Duration) error
}

// RedisCache keeps entries as JSON strings with a native expiry.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Location, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("geo cache: get %s: %w", key, err)
	}

	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return Location{}, false, fmt.Errorf("geo cache: decode %s: %w", key, err)
	}
	return loc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, loc Location, ttl time.Duration) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("geo cache: encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("geo cache: set %s: %w", key, err)
	}
	return nil
}

type memoryEntry struct {
	loc     Location
	expires time.Time
}

// MemoryCache is a process-local Cache used when redis is disabled.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (Location, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Location{}, false, nil
	}
	if !entry.expires.IsZero() && !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return Location{}, false, nil
	}
	return entry.loc, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, loc Location, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{loc: loc}
	if ttl > 0 {
		entry.expires = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
