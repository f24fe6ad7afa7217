package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"adsync/internal/logging"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTTLMapExpiresEntries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewTTLMap[string, string](time.Hour).WithClock(clock.Now)

	m.Set("page-1", "token-a")
	if v, ok := m.Get("page-1"); !ok || v != "token-a" {
		t.Fatalf("expected hit, got %q %v", v, ok)
	}

	clock.Advance(59 * time.Minute)
	if _, ok := m.Get("page-1"); !ok {
		t.Fatal("entry expired too early")
	}

	clock.Advance(time.Minute)
	if _, ok := m.Get("page-1"); ok {
		t.Fatal("entry should expire at its ttl")
	}
	if m.Len() != 0 {
		t.Fatalf("expired entry should be dropped, len=%d", m.Len())
	}
}

func TestTTLMapDeleteAndClear(t *testing.T) {
	m := NewTTLMap[string, int](time.Hour)
	m.Set("a:1", 1)
	m.Set("a:2", 2)
	m.Set("b:1", 3)

	m.Delete("b:1")
	if _, ok := m.Get("b:1"); ok {
		t.Fatal("expected b:1 to be evicted")
	}
	if n := m.DeleteFunc(func(k string) bool { return k[0] == 'a' }); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}

	m.Set("c", 4)
	m.Clear()
	if m.Len() != 0 {
		t.Fatal("clear should drop everything")
	}
}

type adItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func newMemoryCache(clock *fakeClock) *ListCache[adItem] {
	return NewListCache[adItem]("ads", NewMemoryBackend(), 24*time.Hour, logging.Discard(), nil).WithClock(clock.Now)
}

func TestListCacheGetSet(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := newMemoryCache(clock)

	if _, ok, err := c.Get(ctx, "act_1", "active"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	items := []adItem{{ID: "1", Name: "Spring"}, {ID: "2", Name: "Summer"}}
	if err := c.Set(ctx, "act_1", "active", items, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, ok, err := c.Get(ctx, "act_1", "active")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(entry.Items) != 2 || entry.Items[1].Name != "Summer" || entry.Scope != "active" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if !entry.ExpiresAt.Equal(clock.now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s", entry.ExpiresAt)
	}

	if _, ok, _ := c.Get(ctx, "act_1", "all"); ok {
		t.Fatal("different scope must miss")
	}

	clock.Advance(25 * time.Hour)
	if _, ok, _ := c.Get(ctx, "act_1", "active"); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestListCacheGetAnyCachedIgnoresScope(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := newMemoryCache(clock)

	if err := c.Set(ctx, "act_1", "all", []adItem{{ID: "1"}}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.Advance(time.Minute)
	if err := c.Set(ctx, "act_1", "active", []adItem{{ID: "2"}}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	entry, ok, err := c.GetAnyCached(ctx, "act_1")
	if err != nil || !ok {
		t.Fatalf("expected any-scope hit, got ok=%v err=%v", ok, err)
	}
	if entry.Scope != "active" || entry.Items[0].ID != "2" {
		t.Fatalf("expected most recent entry, got %+v", entry)
	}
	if _, ok, _ := c.GetAnyCached(ctx, "act_2"); ok {
		t.Fatal("other account must miss")
	}
}

func TestListCacheGetAnyCachedOutlivesShortLatestEntry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := newMemoryCache(clock)

	if err := c.Set(ctx, "act_1", "all", []adItem{{ID: "long"}}, 2*time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Set(ctx, "act_1", "active", []adItem{{ID: "short"}}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	entry, ok, err := c.GetAnyCached(ctx, "act_1")
	if err != nil || !ok || entry.Items[0].ID != "short" {
		t.Fatalf("expected newest entry while live, got ok=%v err=%v entry=%+v", ok, err, entry)
	}

	clock.Advance(10 * time.Minute)
	entry, ok, err = c.GetAnyCached(ctx, "act_1")
	if err != nil || !ok {
		t.Fatalf("expected the still live entry, got ok=%v err=%v", ok, err)
	}
	if entry.Scope != "all" || entry.Items[0].ID != "long" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	clock.Advance(3 * time.Hour)
	if _, ok, _ := c.GetAnyCached(ctx, "act_1"); ok {
		t.Fatal("all entries expired, expected miss")
	}
}

func TestListCacheClear(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := newMemoryCache(clock)

	for _, acct := range []string{"act_1", "act_2"} {
		if err := c.Set(ctx, acct, "all", []adItem{{ID: acct}}, 0); err != nil {
			t.Fatalf("set: %v", err)
		}
	}

	if _, err := c.Clear(ctx, "act_1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := c.GetAnyCached(ctx, "act_1"); ok {
		t.Fatal("act_1 should be cleared")
	}
	if _, ok, _ := c.Get(ctx, "act_2", "all"); !ok {
		t.Fatal("act_2 should survive an account-scoped clear")
	}

	if _, err := c.Clear(ctx, ""); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if _, ok, _ := c.Get(ctx, "act_2", "all"); ok {
		t.Fatal("clear all should drop every account")
	}
}

func TestRedisListCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r := New(Config{Addr: addr}, logging.Discard())
	defer r.Close()
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	c := NewListCache[adItem]("ads", NewRedisBackend(r, "adsync-test:"), time.Minute, logging.Discard(), nil)
	t.Cleanup(func() { _, _ = c.Clear(context.Background(), "") })

	if err := c.Set(ctx, "act_9", "all", []adItem{{ID: "9", Name: "Redis"}}, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	entry, ok, err := c.Get(ctx, "act_9", "all")
	if err != nil || !ok || entry.Items[0].Name != "Redis" {
		t.Fatalf("unexpected get ok=%v err=%v entry=%+v", ok, err, entry)
	}
	if _, ok, _ := c.GetAnyCached(ctx, "act_9"); !ok {
		t.Fatal("expected any-scope hit")
	}
	if n, err := c.Clear(ctx, "act_9"); err != nil || n != 3 {
		t.Fatalf("expected 3 keys removed, got %d err=%v", n, err)
	}
}
