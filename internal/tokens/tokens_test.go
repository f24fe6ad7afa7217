package tokens

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adsync/internal/graph"
	"adsync/internal/logging"
	"adsync/internal/repo"
)

type memCredentials struct {
	mu    sync.Mutex
	creds map[string]repo.Credential
	err   error
}

func newMemCredentials() *memCredentials {
	return &memCredentials{creds: map[string]repo.Credential{}}
}

func (m *memCredentials) GetCredential(_ context.Context, name string) (*repo.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[name]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memCredentials) SaveCredential(_ context.Context, c repo.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.creds[c.Name] = c
	return nil
}

type fakeIntrospector struct {
	info        *graph.TokenInfo
	debugErr    error
	exchanged   *graph.ExchangedToken
	exchangeErr error
	exchanges   int
}

func (f *fakeIntrospector) DebugToken(_ context.Context, _, appToken string) (*graph.TokenInfo, error) {
	if appToken != "app|secret" {
		return nil, errors.New("bad app token")
	}
	return f.info, f.debugErr
}

func (f *fakeIntrospector) ExchangeToken(_ context.Context, _, _, _ string) (*graph.ExchangedToken, error) {
	f.exchanges++
	return f.exchanged, f.exchangeErr
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRefresher(t *testing.T, client *fakeIntrospector) (*Refresher, *Store, *memCredentials) {
	t.Helper()
	creds := newMemCredentials()
	store := NewStore(creds, "old-token", logging.Discard())
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	r := NewRefresher(store, client, nil, RefresherConfig{AppID: "app", AppSecret: "secret"}, logging.Discard(), nil)
	r.now = func() time.Time { return testNow }
	return r, store, creds
}

func TestStoreLoadPrefersPersistedToken(t *testing.T) {
	creds := newMemCredentials()
	creds.creds[SystemTokenName] = repo.Credential{Name: SystemTokenName, Value: "persisted"}
	store := NewStore(creds, "from-env", logging.Discard())
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if store.Token() != "persisted" {
		t.Fatalf("expected persisted token, got %q", store.Token())
	}
}

func TestStoreSetPersistsBeforeSwapping(t *testing.T) {
	creds := newMemCredentials()
	store := NewStore(creds, "env", logging.Discard())
	_ = store.Load(context.Background())

	var fired int
	store.OnChange(func() { fired++ })

	creds.err = errors.New("db down")
	if err := store.Set(context.Background(), "new", nil); err == nil {
		t.Fatal("expected persistence failure")
	}
	if store.Token() != "env" || fired != 0 {
		t.Fatalf("failed write must keep the old token, got %q fired=%d", store.Token(), fired)
	}

	creds.err = nil
	if err := store.Set(context.Background(), "new", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if store.Token() != "new" || fired != 1 {
		t.Fatalf("expected swap and hook, got %q fired=%d", store.Token(), fired)
	}
}

func TestRefreshExchangesWhenWithinBuffer(t *testing.T) {
	client := &fakeIntrospector{
		info:      &graph.TokenInfo{IsValid: true, ExpiresAt: testNow.Add(3 * 24 * time.Hour).Unix()},
		exchanged: &graph.ExchangedToken{AccessToken: "fresh", ExpiresIn: 60 * 24 * 3600},
	}
	r, store, creds := newRefresher(t, client)

	res, err := r.Refresh(context.Background(), KindSystem)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !res.Refreshed || store.Token() != "fresh" {
		t.Fatalf("expected exchange, got %+v token=%q", res, store.Token())
	}
	want := testNow.Add(60 * 24 * time.Hour)
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(want) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}
	if creds.creds[SystemTokenName].Value != "fresh" {
		t.Fatal("refreshed token must be persisted")
	}
}

func TestRefreshSkipsHealthyTokens(t *testing.T) {
	client := &fakeIntrospector{info: &graph.TokenInfo{IsValid: true, ExpiresAt: testNow.Add(30 * 24 * time.Hour).Unix()}}
	r, store, _ := newRefresher(t, client)

	res, err := r.Refresh(context.Background(), KindSystem)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.Refreshed || client.exchanges != 0 || store.Token() != "old-token" {
		t.Fatalf("healthy token must not be exchanged: %+v", res)
	}

	client.info = &graph.TokenInfo{IsValid: true, ExpiresAt: 0}
	res, err = r.Refresh(context.Background(), KindSystem)
	if err != nil || res.Reason != "never_expires" {
		t.Fatalf("expected never_expires, got %+v err=%v", res, err)
	}
}

func TestRefreshReportsExpiredDistinctly(t *testing.T) {
	client := &fakeIntrospector{info: &graph.TokenInfo{IsValid: false}}
	r, store, _ := newRefresher(t, client)

	_, err := r.Refresh(context.Background(), KindSystem)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	client.info = nil
	client.debugErr = &graph.APIError{Status: 400, Code: 190, Message: "Session has expired"}
	_, err = r.Refresh(context.Background(), KindSystem)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired from code 190, got %v", err)
	}
	if store.Token() != "old-token" {
		t.Fatal("token must be untouched")
	}
}

func TestRefreshNetworkFailureKeepsToken(t *testing.T) {
	client := &fakeIntrospector{debugErr: graph.ErrTransient}
	r, store, _ := newRefresher(t, client)

	_, err := r.Refresh(context.Background(), KindSystem)
	if err == nil || errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected non-fatal failure, got %v", err)
	}
	if store.Token() != "old-token" || client.exchanges != 0 {
		t.Fatal("old token must remain in use")
	}
	// Run must swallow the failure.
	r.Run(context.Background())
}

func TestRefreshUnknownLifetimeExchanges(t *testing.T) {
	client := &fakeIntrospector{
		debugErr:  &graph.APIError{Status: 400, Code: 100, Message: "Invalid parameter"},
		exchanged: &graph.ExchangedToken{AccessToken: "fresh"},
	}
	r, store, _ := newRefresher(t, client)

	res, err := r.Refresh(context.Background(), KindSystem)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !res.Refreshed || res.Reason != "lifetime_unknown" || store.Token() != "fresh" || res.ExpiresAt != nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRefreshRequiresAppCredentials(t *testing.T) {
	creds := newMemCredentials()
	store := NewStore(creds, "tok", logging.Discard())
	_ = store.Load(context.Background())
	r := NewRefresher(store, &fakeIntrospector{}, nil, RefresherConfig{}, logging.Discard(), nil)
	if _, err := r.Refresh(context.Background(), KindSystem); !errors.Is(err, ErrMissingAppCredentials) {
		t.Fatalf("expected missing app credentials, got %v", err)
	}
}

type fakePageFetcher struct {
	calls int
	err   error
}

func (f *fakePageFetcher) PageAccessToken(_ context.Context, token, pageID string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return token + ":" + pageID, nil
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func TestPageTokensCacheForTTL(t *testing.T) {
	fetcher := &fakePageFetcher{}
	pt := NewPageTokens(fetcher, staticToken("sys"), nil, time.Hour, logging.Discard())
	now := testNow
	pt.withClock(func() time.Time { return now })

	for range 3 {
		tok, err := pt.Get(context.Background(), "P1")
		if err != nil || tok != "sys:P1" {
			t.Fatalf("unexpected token %q err=%v", tok, err)
		}
	}
	if fetcher.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", fetcher.calls)
	}

	now = now.Add(time.Hour)
	if _, err := pt.Get(context.Background(), "P1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetcher.calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d", fetcher.calls)
	}

	pt.Invalidate("P1")
	if _, err := pt.Get(context.Background(), "P1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if fetcher.calls != 3 {
		t.Fatalf("expected refetch after invalidate, got %d", fetcher.calls)
	}
}

func TestPageTokensExpiredErrorIsNotCached(t *testing.T) {
	fetcher := &fakePageFetcher{err: &graph.APIError{Status: 400, Code: 190}}
	pt := NewPageTokens(fetcher, staticToken("sys"), nil, time.Hour, logging.Discard())

	_, err := pt.Get(context.Background(), "P1")
	if !graph.IsExpired(err) {
		t.Fatalf("expected expired error, got %v", err)
	}
	fetcher.err = nil
	if tok, err := pt.Get(context.Background(), "P1"); err != nil || tok != "sys:P1" {
		t.Fatalf("expected recovery, got %q err=%v", tok, err)
	}
}

func TestPageTokensClearOnSystemTokenChange(t *testing.T) {
	creds := newMemCredentials()
	store := NewStore(creds, "sys", logging.Discard())
	_ = store.Load(context.Background())
	fetcher := &fakePageFetcher{}
	pt := NewPageTokens(fetcher, store, nil, time.Hour, logging.Discard())
	store.OnChange(pt.Clear)

	_, _ = pt.Get(context.Background(), "P1")
	if err := store.Set(context.Background(), "sys2", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	tok, _ := pt.Get(context.Background(), "P1")
	if tok != "sys2:P1" {
		t.Fatalf("expected token derived from the new system token, got %q", tok)
	}
}

func TestPageTokensWithoutSystemToken(t *testing.T) {
	pt := NewPageTokens(&fakePageFetcher{}, staticToken(""), nil, time.Hour, logging.Discard())
	if _, err := pt.Get(context.Background(), "P1"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}
