package geolocation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingResolver struct {
	calls atomic.Int32
	loc   Location
	err   error
	delay time.Duration
}

func (r *countingResolver) Resolve(ctx context.Context, _ string) (Location, error) {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return Location{}, ctx.Err()
		}
	}
	if r.err != nil {
		return Location{}, r.err
	}
	return r.loc, nil
}

func TestLookupCachesSuccessfulResolution(t *testing.T) {
	resolver := &countingResolver{loc: Location{Country: "Germany", City: "Berlin"}}
	cache := NewMemoryCache()
	svc := NewService(resolver, cache)

	first := svc.Lookup(context.Background(), "1.2.3.4")
	second := svc.Lookup(context.Background(), "1.2.3.4")

	if first != resolver.loc || second != resolver.loc {
		t.Fatalf("unexpected locations %+v %+v", first, second)
	}
	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("expected one resolver call, got %d", got)
	}
	if _, ok, _ := cache.Get(context.Background(), "geo:1.2.3.4"); !ok {
		t.Fatalf("expected entry under geo:1.2.3.4")
	}
}

func TestLookupCachesEmptySuccess(t *testing.T) {
	resolver := &countingResolver{}
	svc := NewService(resolver, NewMemoryCache())

	svc.Lookup(context.Background(), "10.0.0.1")
	svc.Lookup(context.Background(), "10.0.0.1")

	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("expected empty success to be cached, got %d calls", got)
	}
}

func TestLookupDoesNotCacheFailures(t *testing.T) {
	resolver := &countingResolver{err: errors.New("upstream down")}
	cache := NewMemoryCache()
	svc := NewService(resolver, cache)

	loc := svc.Lookup(context.Background(), "1.2.3.4")
	if loc != (Location{}) {
		t.Fatalf("expected empty location, got %+v", loc)
	}
	if cache.Len() != 0 {
		t.Fatalf("failure must not be cached")
	}

	svc.Lookup(context.Background(), "1.2.3.4")
	if got := resolver.calls.Load(); got != 2 {
		t.Fatalf("expected retry on next lookup, got %d calls", got)
	}
}

func TestLookupTimeoutDegradesWithoutCaching(t *testing.T) {
	resolver := &countingResolver{loc: Location{Country: "X"}, delay: time.Second}
	cache := NewMemoryCache()
	svc := NewService(resolver, cache, WithTimeout(20*time.Millisecond))

	started := time.Now()
	loc := svc.Lookup(context.Background(), "1.2.3.4")
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("lookup not bounded by timeout: %v", elapsed)
	}
	if loc != (Location{}) {
		t.Fatalf("expected empty location on timeout, got %+v", loc)
	}
	if cache.Len() != 0 {
		t.Fatalf("timeout must not be cached")
	}
}

func TestLookupCollapsesConcurrentMisses(t *testing.T) {
	resolver := &countingResolver{loc: Location{Country: "France"}, delay: 50 * time.Millisecond}
	svc := NewService(resolver, NewMemoryCache())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if loc := svc.Lookup(context.Background(), "5.5.5.5"); loc.Country != "France" {
				t.Errorf("unexpected location %+v", loc)
			}
		}()
	}
	wg.Wait()

	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("expected concurrent misses to share one call, got %d", got)
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (Location, bool, error) {
	return Location{}, false, errors.New("cache down")
}

func (failingCache) Set(context.Context, string, Location, time.Duration) error {
	return errors.New("cache down")
}

func TestLookupSurvivesCacheFailure(t *testing.T) {
	resolver := &countingResolver{loc: Location{Country: "Spain", City: "Madrid"}}
	svc := NewService(resolver, failingCache{})

	if loc := svc.Lookup(context.Background(), "1.1.1.1"); loc != resolver.loc {
		t.Fatalf("expected resolved location despite cache errors, got %+v", loc)
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	_ = cache.Set(context.Background(), "geo:1.1.1.1", Location{Country: "A"}, time.Hour)
	if _, ok, _ := cache.Get(context.Background(), "geo:1.1.1.1"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	now = now.Add(time.Hour)
	if _, ok, _ := cache.Get(context.Background(), "geo:1.1.1.1"); ok {
		t.Fatalf("expected miss at expiry")
	}
}

func TestRedisCacheRoundTripWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	resolver := &countingResolver{loc: Location{Country: "Italy", City: "Rome"}}
	svc := NewService(resolver, NewRedisCache(client))

	svc.Lookup(context.Background(), "2.2.2.2")
	if !mr.Exists("geo:2.2.2.2") {
		t.Fatalf("expected redis key geo:2.2.2.2")
	}
	if ttl := mr.TTL("geo:2.2.2.2"); ttl != 24*time.Hour {
		t.Fatalf("expected 24h ttl, got %v", ttl)
	}

	if loc := svc.Lookup(context.Background(), "2.2.2.2"); loc != resolver.loc {
		t.Fatalf("unexpected cached location %+v", loc)
	}
	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("expected cached second lookup, got %d calls", got)
	}

	mr.FastForward(24 * time.Hour)
	svc.Lookup(context.Background(), "2.2.2.2")
	if got := resolver.calls.Load(); got != 2 {
		t.Fatalf("expected re-resolution after ttl, got %d calls", got)
	}
}

func TestAPIResolverParsesResponse(t *testing.T) {
	var gotIP, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIP = r.URL.Query().Get("ip")
		gotKey = r.URL.Query().Get("apiKey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ip":"8.8.8.8","country_name":"United States","city":"Mountain View"}`))
	}))
	t.Cleanup(srv.Close)

	resolver := NewAPIResolver(srv.URL, "secret", time.Second)
	loc, err := resolver.Resolve(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if loc.Country != "United States" || loc.City != "Mountain View" {
		t.Fatalf("unexpected location %+v", loc)
	}
	if gotIP != "8.8.8.8" || gotKey != "secret" {
		t.Fatalf("unexpected query ip=%q apiKey=%q", gotIP, gotKey)
	}
}

func TestAPIResolverReportsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Provided API key is not valid."}`))
	}))
	t.Cleanup(srv.Close)

	resolver := NewAPIResolver(srv.URL, "bad", time.Second)
	if _, err := resolver.Resolve(context.Background(), "8.8.8.8"); err == nil {
		t.Fatalf("expected error for non-200 response")
	}
}

func TestGeoLiteResolverWithoutDatabaseFails(t *testing.T) {
	resolver := NewGeoLiteResolver(t.TempDir())
	_, err := resolver.Resolve(context.Background(), "8.8.8.8")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for invalid ip")
	}
	if err := resolver.Reload(); err == nil {
		t.Fatalf("expected reload error for missing file")
	}
}
