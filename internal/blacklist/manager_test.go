package blacklist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeSource struct {
	mu    sync.Mutex
	ips   []string
	err   error
	calls int
}

func (f *fakeSource) ListBlockedIPs(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), f.ips...), nil
}

func (f *fakeSource) set(ips []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ips = ips
	f.err = err
}

func TestManagerLoadAndIsBlocked(t *testing.T) {
	src := &fakeSource{ips: []string{"1.2.3.4", "::ffff:5.6.7.8", "2001:db8::1"}}
	var hookSize int
	m := NewManager(src, WithRefreshHook(func(size int) { hookSize = size }))

	if m.IsBlocked("1.2.3.4") {
		t.Fatalf("expected empty snapshot before load")
	}
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := map[string]bool{
		"1.2.3.4":     true,
		"5.6.7.8":     true,
		"2001:db8::1": true,
		"2001:db8::2": false,
		"9.9.9.9":     false,
		"":            false,
		"not-an-ip":   false,
		" 1.2.3.4 ":   true,
	}
	for ip, want := range cases {
		if got := m.IsBlocked(ip); got != want {
			t.Fatalf("IsBlocked(%q) = %v, want %v", ip, got, want)
		}
	}
	if hookSize != 3 {
		t.Fatalf("expected refresh hook size 3, got %d", hookSize)
	}
}

func TestManagerRefreshFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{ips: []string{"1.2.3.4"}}
	m := NewManager(src)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	src.set(nil, errors.New("store down"))
	if err := m.Refresh(context.Background(), "test"); err == nil {
		t.Fatalf("expected refresh error")
	}
	if !m.IsBlocked("1.2.3.4") {
		t.Fatalf("expected previous snapshot to survive a failed refresh")
	}

	src.set([]string{"4.3.2.1"}, nil)
	if err := m.Refresh(context.Background(), "test"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if m.IsBlocked("1.2.3.4") || !m.IsBlocked("4.3.2.1") {
		t.Fatalf("expected snapshot to be replaced")
	}
}

func TestNilManagerNeverBlocks(t *testing.T) {
	var m *Manager
	if m.IsBlocked("1.2.3.4") {
		t.Fatalf("nil manager should not block")
	}
}

func TestSubscribeRefreshesOnPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	src := &fakeSource{}
	m := NewManager(src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(ctx, client)
	}()

	src.set([]string{"7.7.7.7"}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for !m.IsBlocked("7.7.7.7") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("snapshot not refreshed after publish")
		}
		if err := PublishUpdate(context.Background(), client, "block"); err != nil {
			t.Fatalf("publish: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscribe did not stop")
	}
}

func TestPublishUpdateWithoutClientIsNoop(t *testing.T) {
	if err := PublishUpdate(context.Background(), nil, "x"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
