// Package catalog serves ads and campaigns lists from a long-lived cache,
// degrading to stale entries while upstream throttles.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"adsync/internal/cache"
	"adsync/internal/graph"
	"adsync/internal/syncerr"
)

// Sources of a listing.
const (
	SourceCache    = "cache"
	SourceUpstream = "upstream"
	SourceStale    = "stale"
)

// Client lists ads and campaigns.
type Client interface {
	Ads(ctx context.Context, token, accountID string, statuses []string, after string) (*graph.Page[graph.Ad], error)
	Campaigns(ctx context.Context, token, accountID string, statuses []string, after string) (*graph.Page[graph.Campaign], error)
}

// Gateway paces upstream calls.
type Gateway interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// TokenSource returns the current system token.
type TokenSource interface {
	Token() string
}

// Listing is a list response. Stale marks a fallback entry served while
// upstream was throttling; its Scope may differ from the requested one.
type Listing[T any] struct {
	AccountID string    `json:"account_id"`
	Scope     string    `json:"scope"`
	Source    string    `json:"source"`
	Stale     bool      `json:"stale"`
	StoredAt  time.Time `json:"stored_at"`
	Items     []T       `json:"items"`
}

// Service fronts the ads and campaigns list endpoints.
type Service struct {
	client    Client
	gw        Gateway
	tokens    TokenSource
	ads       *cache.ListCache[graph.Ad]
	campaigns *cache.ListCache[graph.Campaign]
	pageLimit int
	logger    *slog.Logger
}

// NewService wires the service around two list caches.
func NewService(client Client, gw Gateway, tokens TokenSource, ads *cache.ListCache[graph.Ad], campaigns *cache.ListCache[graph.Campaign], logger *slog.Logger) *Service {
	return &Service{
		client:    client,
		gw:        gw,
		tokens:    tokens,
		ads:       ads,
		campaigns: campaigns,
		pageLimit: 25,
		logger:    logger.With("component", "catalog"),
	}
}

// Ads lists an account's ads for a status scope.
func (s *Service) Ads(ctx context.Context, accountID, scope string, refresh bool) (*Listing[graph.Ad], error) {
	return list(ctx, s, s.ads, "ads", accountID, scope, refresh, s.client.Ads)
}

// Campaigns lists an account's campaigns for a status scope.
func (s *Service) Campaigns(ctx context.Context, accountID, scope string, refresh bool) (*Listing[graph.Campaign], error) {
	return list(ctx, s, s.campaigns, "campaigns", accountID, scope, refresh, s.client.Campaigns)
}

// ClearCache drops cached lists for accountID, or every account when empty.
func (s *Service) ClearCache(ctx context.Context, accountID string) (int, error) {
	accountID = normalizeAccount(accountID)
	n1, err := s.ads.Clear(ctx, accountID)
	if err != nil {
		return n1, err
	}
	n2, err := s.campaigns.Clear(ctx, accountID)
	s.logger.Info("list caches cleared", "account_id", accountID, "entries", n1+n2)
	return n1 + n2, err
}

type fetchFunc[T any] func(ctx context.Context, token, accountID string, statuses []string, after string) (*graph.Page[T], error)

func list[T any](ctx context.Context, s *Service, c *cache.ListCache[T], kind, accountID, scope string, refresh bool, fetch fetchFunc[T]) (*Listing[T], error) {
	accountID = normalizeAccount(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("%w: account_id is required", syncerr.ErrMalformedInput)
	}
	statuses, scope := ParseScope(scope)
	logger := s.logger.With("kind", kind, "account_id", accountID, "scope", scope)

	if !refresh {
		entry, ok, err := c.Get(ctx, accountID, scope)
		if err != nil {
			logger.Warn("list cache read failed", "error", err)
		} else if ok {
			return fromEntry(entry, SourceCache, false), nil
		}
	}

	items, err := fetchAll(ctx, s, fetch, accountID, statuses)
	if err == nil {
		if setErr := c.Set(ctx, accountID, scope, items, 0); setErr != nil {
			logger.Warn("list cache write failed", "error", setErr)
		}
		return &Listing[T]{AccountID: accountID, Scope: scope, Source: SourceUpstream, Items: items}, nil
	}
	if !graph.IsRateLimited(err) {
		return nil, err
	}

	// Throttled: any cached list beats a hard failure.
	if entry, ok, cerr := c.Get(ctx, accountID, scope); cerr == nil && ok {
		logger.Warn("rate limited, serving cached list", "stored_at", entry.StoredAt)
		return fromEntry(entry, SourceStale, true), nil
	}
	if entry, ok, cerr := c.GetAnyCached(ctx, accountID); cerr == nil && ok {
		logger.Warn("rate limited, serving cached list of another scope", "cached_scope", entry.Scope, "stored_at", entry.StoredAt)
		return fromEntry(entry, SourceStale, true), nil
	}
	logger.Error("rate limited with nothing cached", "error", err)
	return nil, err
}

func fetchAll[T any](ctx context.Context, s *Service, fetch fetchFunc[T], accountID string, statuses []string) ([]T, error) {
	token := s.tokens.Token()
	if token == "" {
		return nil, errors.New("no system token configured")
	}
	var (
		items []T
		after string
	)
	for range s.pageLimit {
		var page *graph.Page[T]
		err := s.gw.Do(ctx, func(ctx context.Context) error {
			var callErr error
			page, callErr = fetch(ctx, token, accountID, statuses, after)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		items = append(items, page.Data...)
		if after = page.Paging.NextCursor(); after == "" {
			break
		}
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func fromEntry[T any](e *cache.Entry[T], source string, stale bool) *Listing[T] {
	return &Listing[T]{
		AccountID: e.AccountID,
		Scope:     e.Scope,
		Source:    source,
		Stale:     stale,
		StoredAt:  e.StoredAt,
		Items:     e.Items,
	}
}

// ParseScope turns a comma separated status filter into upstream statuses
// and a canonical cache scope. An empty or "all" scope means no filter.
func ParseScope(scope string) ([]string, string) {
	var statuses []string
	for _, s := range strings.Split(scope, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || s == "ALL" || slices.Contains(statuses, s) {
			continue
		}
		statuses = append(statuses, s)
	}
	if len(statuses) == 0 {
		return nil, "all"
	}
	slices.Sort(statuses)
	return statuses, strings.Join(statuses, ",")
}

func normalizeAccount(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "act_")
}
