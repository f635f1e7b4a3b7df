package ratelimit

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type memoryEntry struct {
	hits   []time.Time
	window time.Duration
}

// MemoryBackend keeps a sliding log of admitted hits per key in process
// memory. Counters are not shared between instances. Keys whose window has
// passed are dropped at most once per sweep interval, from inside Allow.
type MemoryBackend struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	sweepEvery time.Duration
	lastSweep  time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:    make(map[string]*memoryEntry),
		sweepEvery: defaultSweepInterval,
	}
}

func (b *MemoryBackend) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastSweep) >= b.sweepEvery {
		b.sweep(now)
		b.lastSweep = now
	}

	entry, ok := b.entries[key]
	if !ok {
		entry = &memoryEntry{}
		b.entries[key] = entry
	}
	entry.window = window

	cutoff := now.Add(-window)
	kept := entry.hits[:0]
	for _, at := range entry.hits {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	entry.hits = kept

	if len(kept) >= limit {
		if len(kept) == 0 {
			delete(b.entries, key)
			return Result{Allowed: false}, nil
		}
		return Result{
			Allowed:    false,
			RetryAfter: kept[0].Add(window).Sub(now),
		}, nil
	}

	entry.hits = append(kept, now)
	return Result{Allowed: true, Remaining: limit - len(entry.hits)}, nil
}

// sweep drops keys whose newest hit has left their window. Callers hold mu.
func (b *MemoryBackend) sweep(now time.Time) {
	for key, entry := range b.entries {
		if len(entry.hits) == 0 || !entry.hits[len(entry.hits)-1].After(now.Add(-entry.window)) {
			delete(b.entries, key)
		}
	}
}
