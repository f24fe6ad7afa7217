package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"adsync/internal/metrics"

	"github.com/goccy/go-json"
)

// Per-account pointers used by GetAnyCached: the newest entry, and the
// entry whose expiry is furthest away.
const (
	latestScope  = "__latest"
	longestScope = "__longest"
)

// Backend stores serialised list entries by key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Entry is one cached upstream list for an account and scope. Entries are
// replaced wholesale, never mutated.
type Entry[T any] struct {
	AccountID string    `json:"account_id"`
	Scope     string    `json:"scope"`
	Items     []T       `json:"items"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListCache caches expensive list calls per account and scope.
type ListCache[T any] struct {
	kind    string
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewListCache creates a cache for one list kind, e.g. "ads".
func NewListCache[T any](kind string, backend Backend, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *ListCache[T] {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ListCache[T]{
		kind:    kind,
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "list_cache", "kind", kind),
		metrics: m,
	}
}

// WithClock replaces the time source, mainly for tests.
func (c *ListCache[T]) WithClock(now func() time.Time) *ListCache[T] {
	c.now = now
	return c
}

// Get returns the entry for the exact account and scope.
func (c *ListCache[T]) Get(ctx context.Context, accountID, scope string) (*Entry[T], bool, error) {
	entry, ok, err := c.load(ctx, c.key(accountID, scope))
	c.observe(ok, err)
	return entry, ok, err
}

// GetAnyCached returns a live entry for the account whatever its scope,
// preferring the most recently stored one. It only misses when every entry
// written for the account has expired.
func (c *ListCache[T]) GetAnyCached(ctx context.Context, accountID string) (*Entry[T], bool, error) {
	entry, ok, err := c.load(ctx, c.key(accountID, latestScope))
	if err == nil && !ok {
		entry, ok, err = c.load(ctx, c.key(accountID, longestScope))
	}
	if err != nil {
		c.metrics.IncError("list_cache")
		return nil, false, err
	}
	if c.metrics != nil {
		result := "any_miss"
		if ok {
			result = "any_hit"
		}
		c.metrics.ListCacheRequests.WithLabelValues(c.kind, result).Inc()
	}
	return entry, ok, nil
}

// Set replaces the entry for account and scope. A zero ttl uses the default.
func (c *ListCache[T]) Set(ctx context.Context, accountID, scope string, items []T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	entry := Entry[T]{
		AccountID: accountID,
		Scope:     scope,
		Items:     items,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := jsonMarshal(entry)
	if err != nil {
		return err
	}
	if err := c.backend.Set(ctx, c.key(accountID, scope), data, ttl); err != nil {
		return fmt.Errorf("store %s list: %w", c.kind, err)
	}
	if err := c.backend.Set(ctx, c.key(accountID, latestScope), data, ttl); err != nil {
		return fmt.Errorf("store latest %s list: %w", c.kind, err)
	}
	longest, ok, err := c.load(ctx, c.key(accountID, longestScope))
	if err != nil {
		return err
	}
	if ok && longest.ExpiresAt.After(entry.ExpiresAt) {
		return nil
	}
	if err := c.backend.Set(ctx, c.key(accountID, longestScope), data, ttl); err != nil {
		return fmt.Errorf("store longest %s list: %w", c.kind, err)
	}
	return nil
}

// Clear drops every entry for accountID, or all entries of this kind when
// accountID is empty.
func (c *ListCache[T]) Clear(ctx context.Context, accountID string) (int, error) {
	prefix := c.kind + ":"
	if accountID != "" {
		prefix += accountID + ":"
	}
	n, err := c.backend.DeletePrefix(ctx, prefix)
	if err != nil {
		return n, fmt.Errorf("clear %s cache: %w", c.kind, err)
	}
	c.logger.Info("list cache cleared", "account_id", accountID, "removed", n)
	return n, nil
}

func (c *ListCache[T]) load(ctx context.Context, key string) (*Entry[T], bool, error) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load %s list: %w", c.kind, err)
	}
	if !ok {
		return nil, false, nil
	}
	var entry Entry[T]
	if err := jsonUnmarshal(data, &entry); err != nil {
		return nil, false, err
	}
	if !c.now().Before(entry.ExpiresAt) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *ListCache[T]) key(accountID, scope string) string {
	if scope == "" {
		scope = "default"
	}
	return c.kind + ":" + accountID + ":" + scope
}

func (c *ListCache[T]) observe(hit bool, err error) {
	if err != nil {
		c.metrics.IncError("list_cache")
		return
	}
	if c.metrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.ListCacheRequests.WithLabelValues(c.kind, result).Inc()
}

// MemoryBackend keeps entries in a process-local TTL map.
type MemoryBackend struct {
	entries *TTLMap[string, []byte]
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: NewTTLMap[string, []byte](24 * time.Hour)}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, ok := b.entries.Get(key)
	return data, ok, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	b.entries.SetTTL(key, data, ttl)
	return nil
}

func (b *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	return b.entries.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) }), nil
}

// RedisBackend shares list entries across processes.
type RedisBackend struct {
	redis     *Redis
	keyPrefix string
}

// NewRedisBackend stores entries under keyPrefix, e.g. "adsync:lists:".
func NewRedisBackend(r *Redis, keyPrefix string) *RedisBackend {
	return &RedisBackend{redis: r, keyPrefix: keyPrefix}
}

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var raw json.RawMessage
	ok, err := b.redis.GetJSON(ctx, b.keyPrefix+key, &raw)
	if err != nil || !ok {
		return nil, false, err
	}
	return raw, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return b.redis.SetJSON(ctx, b.keyPrefix+key, json.RawMessage(data), ttl)
}

func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	return b.redis.DeletePattern(ctx, b.keyPrefix+prefix+"*")
}
