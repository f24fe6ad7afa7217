package insights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"adsync/internal/gateway"
	"adsync/internal/graph"
	"adsync/internal/logging"
	"adsync/internal/repo"
	"adsync/internal/syncerr"
)

type passthrough struct{}

func (passthrough) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

type fakeClient struct {
	mu       sync.Mutex
	accounts [][]graph.AdAccount
	rows     map[string][][]graph.InsightRow
	failures map[string]error
	queries  []graph.InsightsQuery
	calls    int
}

func (f *fakeClient) AdAccounts(_ context.Context, _, after string) (*graph.Page[graph.AdAccount], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	idx := pageIndex(after)
	page := &graph.Page[graph.AdAccount]{Data: f.accounts[idx]}
	if idx+1 < len(f.accounts) {
		setNext(&page.Paging, idx+1)
	}
	return page, nil
}

func (f *fakeClient) Insights(_ context.Context, _, accountID string, query graph.InsightsQuery, after string) (*graph.Page[graph.InsightRow], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.queries = append(f.queries, query)
	if err := f.failures[accountID]; err != nil {
		return nil, err
	}
	pages := f.rows[accountID]
	idx := pageIndex(after)
	page := &graph.Page[graph.InsightRow]{}
	if idx < len(pages) {
		page.Data = pages[idx]
	}
	if idx+1 < len(pages) {
		setNext(&page.Paging, idx+1)
	}
	return page, nil
}

func pageIndex(after string) int {
	var n int
	if after != "" {
		fmt.Sscanf(after, "p%d", &n)
	}
	return n
}

func setNext(p *graph.Paging, idx int) {
	p.Cursors.After = fmt.Sprintf("p%d", idx)
	p.Next = "https://graph.example/next"
}

type key struct{ account, campaign, ad, start, stop string }

type memStore struct {
	mu        sync.Mutex
	rows      map[key]repo.Insight
	cursors   map[string]string
	runs      []repo.SyncRun
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[key]repo.Insight{}, cursors: map[string]string{}}
}

func (m *memStore) UpsertInsights(_ context.Context, rows []repo.Insight) (repo.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return repo.UpsertResult{}, m.upsertErr
	}
	var res repo.UpsertResult
	for _, r := range rows {
		k := key{r.AccountID, r.CampaignID, r.AdID, r.DateStart, r.DateStop}
		if _, ok := m.rows[k]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		m.rows[k] = r
	}
	return res, nil
}

func (m *memStore) SetJobState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[key] = value
	return nil
}

func (m *memStore) RecordRun(_ context.Context, run repo.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

var fixedNow = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)

func newEngine(client *fakeClient, store *memStore, cfg Config) *Engine {
	e := NewEngine(client, passthrough{}, staticToken("sys"), store, cfg, logging.Discard(), nil)
	e.now = func() time.Time { return fixedNow }
	return e
}

func row(account, ad, date string, leads string) graph.InsightRow {
	return graph.InsightRow{
		AccountID:   account,
		CampaignID:  "c1",
		AdID:        ad,
		Impressions: "100",
		Clicks:      "7",
		Spend:       "12.34",
		DateStart:   date,
		DateStop:    date,
		Actions: []graph.Action{
			{ActionType: "lead", Value: leads},
			{ActionType: "onsite_conversion.lead_grouped", Value: leads},
		},
	}
}

func TestSyncEnumeratesAccountsAndAdvancesCursors(t *testing.T) {
	client := &fakeClient{
		accounts: [][]graph.AdAccount{
			{{ID: "act_1", AccountID: "1"}},
			{{ID: "act_2", AccountID: "2"}},
		},
		rows: map[string][][]graph.InsightRow{
			"1": {{row("1", "a1", "2024-05-09", "2")}, {row("1", "a2", "2024-05-09", "1")}},
			"2": {{row("2", "b1", "2024-05-10", "0")}},
		},
	}
	store := newMemStore()
	e := newEngine(client, store, Config{LookbackDays: 3})

	report, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Since != "2024-05-07" || report.Until != "2024-05-10" {
		t.Fatalf("unexpected range %s..%s", report.Since, report.Until)
	}
	if len(report.Accounts) != 2 || report.Accounts[0].Rows != 2 || report.Accounts[1].Rows != 1 {
		t.Fatalf("unexpected report %+v", report.Accounts)
	}
	if len(store.rows) != 3 {
		t.Fatalf("expected 3 stored rows, got %d", len(store.rows))
	}
	for _, acct := range []string{"1", "2"} {
		if store.cursors[CursorKey(acct)] != fixedNow.Format(time.RFC3339Nano) {
			t.Fatalf("cursor for %s not advanced: %v", acct, store.cursors)
		}
	}
	for _, q := range client.queries {
		if q.Level != "ad" || len(q.Statuses) != len(graph.AllEffectiveStatuses) {
			t.Fatalf("query must cover every lifecycle status at ad level: %+v", q)
		}
	}
}

func TestResyncOverwritesByNaturalKey(t *testing.T) {
	client := &fakeClient{rows: map[string][][]graph.InsightRow{
		"1": {{row("1", "a1", "2024-05-09", "2")}},
	}}
	store := newMemStore()
	e := newEngine(client, store, Config{AccountIDs: []string{"act_1"}})

	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	report, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := report.Accounts[0]; got.Inserted != 0 || got.Updated != 1 {
		t.Fatalf("expected overwrite, got %+v", got)
	}
	if len(store.rows) != 1 {
		t.Fatalf("duplicate rows: %d", len(store.rows))
	}
}

func TestBackfillValidatesBeforeUpstreamCalls(t *testing.T) {
	client := &fakeClient{}
	e := newEngine(client, newMemStore(), Config{MaxBackfillDays: 31})
	cases := []Request{
		{Since: "2024/05/01", Until: "2024-05-02"},
		{Since: "2024-05-03", Until: "2024-05-02"},
		{Since: "2024-01-01", Until: "2024-03-01"},
		{Since: "2024-05-01"},
	}
	for _, req := range cases {
		if _, err := e.Backfill(context.Background(), req); !errors.Is(err, syncerr.ErrMalformedInput) {
			t.Fatalf("expected malformed input for %+v, got %v", req, err)
		}
	}
	if client.calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", client.calls)
	}
}

func TestBackfillReportsPerAccountFailures(t *testing.T) {
	client := &fakeClient{
		rows: map[string][][]graph.InsightRow{
			"1": {{row("1", "a1", "2024-04-01", "1")}},
		},
		failures: map[string]error{"2": &graph.APIError{Code: 100, Message: "Unsupported get request"}},
	}
	store := newMemStore()
	e := newEngine(client, store, Config{AccountIDs: []string{"1", "2"}})

	report, err := e.Backfill(context.Background(), Request{Since: "2024-04-01", Until: "2024-04-30"})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Failed() != 1 || report.Accounts[0].Inserted != 1 || report.Accounts[1].Error == "" {
		t.Fatalf("unexpected report %+v", report.Accounts)
	}
	if len(store.cursors) != 0 {
		t.Fatalf("backfill must not move cursors: %v", store.cursors)
	}
	if last := store.runs[len(store.runs)-1]; last.Status != repo.RunPartial || last.Job != backfillJobName {
		t.Fatalf("unexpected run record %+v", last)
	}
}

func TestBackfillSingleAccount(t *testing.T) {
	client := &fakeClient{rows: map[string][][]graph.InsightRow{
		"9": {{row("", "z1", "2024-04-02", "0")}},
	}}
	store := newMemStore()
	e := newEngine(client, store, Config{AccountIDs: []string{"1", "2"}})

	report, err := e.Backfill(context.Background(), Request{AccountID: "act_9", Since: "2024-04-01", Until: "2024-04-02"})
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(report.Accounts) != 1 || report.Accounts[0].AccountID != "9" {
		t.Fatalf("expected only account 9, got %+v", report.Accounts)
	}
	if _, ok := store.rows[key{"9", "c1", "z1", "2024-04-02", "2024-04-02"}]; !ok {
		t.Fatal("row without account id should take the requested account")
	}
}

func TestExpiredCredentialAbortsRun(t *testing.T) {
	client := &fakeClient{
		failures: map[string]error{"1": &graph.APIError{Code: 190, Message: "Session has expired"}},
	}
	e := newEngine(client, newMemStore(), Config{AccountIDs: []string{"1"}})

	_, err := e.Sync(context.Background())
	if !graph.IsExpired(err) {
		t.Fatalf("expected expired credential, got %v", err)
	}
}

func TestPageCapTruncates(t *testing.T) {
	pages := make([][]graph.InsightRow, 5)
	for i := range pages {
		pages[i] = []graph.InsightRow{row("1", fmt.Sprintf("a%d", i), "2024-05-09", "0")}
	}
	client := &fakeClient{rows: map[string][][]graph.InsightRow{"1": pages}}
	e := newEngine(client, newMemStore(), Config{AccountIDs: []string{"1"}, PageLimit: 2})

	report, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := report.Accounts[0]; !got.Truncated || got.Rows != 2 {
		t.Fatalf("expected truncation after 2 pages, got %+v", got)
	}
}

func TestPersistenceFailureKeepsCursor(t *testing.T) {
	client := &fakeClient{rows: map[string][][]graph.InsightRow{"1": {{row("1", "a1", "2024-05-09", "0")}}}}
	store := newMemStore()
	store.upsertErr = errors.New("deadlock detected")
	e := newEngine(client, store, Config{AccountIDs: []string{"1"}})

	report, err := e.Sync(context.Background())
	if err != nil {
		t.Fatalf("account failures are reported, not returned: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("expected failed account, got %+v", report.Accounts)
	}
	if _, ok := store.cursors[CursorKey("1")]; ok {
		t.Fatal("cursor advanced without a successful write")
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	e := newEngine(&fakeClient{}, newMemStore(), Config{AccountIDs: []string{"1"}})
	e.running.Lock()
	defer e.running.Unlock()
	if _, err := e.Sync(context.Background()); !errors.Is(err, syncerr.ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestRunsThroughRealGateway(t *testing.T) {
	client := &fakeClient{rows: map[string][][]graph.InsightRow{"1": {{row("1", "a1", "2024-05-09", "0")}}}}
	gw := gateway.New(nil, gateway.Config{MaxConcurrency: 1}, logging.Discard(), nil)
	e := NewEngine(client, gw, staticToken("sys"), newMemStore(), Config{AccountIDs: []string{"1"}}, logging.Discard(), nil)
	if _, err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestConvertRow(t *testing.T) {
	in := graph.InsightRow{
		AccountID:   "act_42",
		CampaignID:  "c",
		AdID:        "a",
		Impressions: "1200",
		Clicks:      "",
		Reach:       "1.0e3",
		Spend:       "abc",
		DateStart:   "2024-05-01",
		Actions: []graph.Action{
			{ActionType: "onsite_conversion.lead_grouped", Value: "4"},
			{ActionType: "offsite_conversion.fb_pixel_purchase", Value: "2"},
			{ActionType: "purchase", Value: "3"},
		},
	}
	got := ConvertRow("ignored", in)
	if got.AccountID != "42" || got.DateStop != "2024-05-01" {
		t.Fatalf("unexpected keys %+v", got)
	}
	if got.Impressions != 1200 || got.Clicks != 0 || got.Reach != 1000 || got.Spend != "0" {
		t.Fatalf("unexpected metrics %+v", got)
	}
	if got.Leads != 4 || got.Purchases != 3 {
		t.Fatalf("leads=%d purchases=%d", got.Leads, got.Purchases)
	}
	if got.Actions == "{}" || got.Raw == "{}" {
		t.Fatal("expected encoded actions and raw row")
	}
}
