package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"adsync/internal/cache"
	"adsync/internal/graph"
)

// PageTokenFetcher derives a page-scoped token from the system token.
type PageTokenFetcher interface {
	PageAccessToken(ctx context.Context, token, pageID string) (string, error)
}

// SystemToken supplies the current long-lived token.
type SystemToken interface {
	Token() string
}

// PageTokens caches page access tokens for a fixed TTL. Concurrent misses
// for the same page may both fetch; the last write wins.
type PageTokens struct {
	cache  *cache.TTLMap[string, string]
	client PageTokenFetcher
	system SystemToken
	gate   Gate
	logger *slog.Logger
}

// NewPageTokens creates the cache. gate may be nil.
func NewPageTokens(client PageTokenFetcher, system SystemToken, gate Gate, ttl time.Duration, logger *slog.Logger) *PageTokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &PageTokens{
		cache:  cache.NewTTLMap[string, string](ttl),
		client: client,
		system: system,
		gate:   gate,
		logger: logger.With("component", "page_tokens"),
	}
}

// Get returns the cached page token or fetches a fresh one.
func (p *PageTokens) Get(ctx context.Context, pageID string) (string, error) {
	if tok, ok := p.cache.Get(pageID); ok {
		return tok, nil
	}
	system := p.system.Token()
	if system == "" {
		return "", ErrNoToken
	}
	var tok string
	err := run(ctx, p.gate, func(ctx context.Context) error {
		var callErr error
		tok, callErr = p.client.PageAccessToken(ctx, system, pageID)
		return callErr
	})
	if err != nil {
		if graph.IsExpired(err) {
			p.Invalidate(pageID)
		}
		return "", fmt.Errorf("page token for %s: %w", pageID, err)
	}
	p.cache.Set(pageID, tok)
	p.logger.Debug("cached page token", "page_id", pageID)
	return tok, nil
}

// Invalidate evicts the token for pageID.
func (p *PageTokens) Invalidate(pageID string) {
	p.cache.Delete(pageID)
	p.logger.Info("page token invalidated", "page_id", pageID)
}

// Clear drops every cached page token.
func (p *PageTokens) Clear() {
	p.cache.Clear()
}

func (p *PageTokens) withClock(now func() time.Time) {
	p.cache.WithClock(now)
}
