package graph

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"adsync/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Version: "v21.0", Timeout: 5 * time.Second}, logging.Discard(), nil)
}

func TestLeadFormsFollowsCursorAndSetsPage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v21.0/123/leadgen_forms" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("access_token") != "page-token" {
			t.Errorf("missing access token")
		}
		if r.URL.Query().Get("after") != "abc" {
			t.Errorf("expected after cursor, got %q", r.URL.Query().Get("after"))
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"f1","name":"Form"}],"paging":{"cursors":{"after":"def"},"next":"https://next"}}`))
	})

	page, err := client.LeadForms(context.Background(), "page-token", "123", "abc")
	if err != nil {
		t.Fatalf("lead forms: %v", err)
	}
	if len(page.Data) != 1 || page.Data[0].PageID != "123" {
		t.Fatalf("unexpected forms %+v", page.Data)
	}
	if page.Paging.NextCursor() != "def" {
		t.Fatalf("expected next cursor def, got %q", page.Paging.NextCursor())
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
		kind   Kind
	}{
		{"expired", 400, `{"error":{"message":"Session has expired","type":"OAuthException","code":190,"error_subcode":463}}`, ErrExpiredCredential, KindExpiredCredential},
		{"app rate limit", 400, `{"error":{"message":"Application request limit reached","code":4}}`, ErrRateLimited, KindRateLimited},
		{"ads throttling", 400, `{"error":{"message":"too many calls","code":80004}}`, ErrTransient, KindRateLimited},
		{"server error", 503, `oops`, ErrTransient, KindTransient},
		{"permission", 400, `{"error":{"message":"requires leads_retrieval","code":200}}`, ErrPermission, KindPermission},
		{"embedded in 200", 200, `{"error":{"message":"User request limit reached","code":17}}`, ErrRateLimited, KindRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.AdAccounts(context.Background(), "tok", "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if KindOf(err) != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, KindOf(err))
			}
		})
	}
}

func TestInvalidParameterIsNotRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid parameter","code":100}}`))
	})
	_, err := client.AdAccounts(context.Background(), "tok", "")
	if err == nil || IsTransient(err) || IsExpired(err) {
		t.Fatalf("expected a non-retryable error, got %v", err)
	}
}

func TestBatchPadsMissingEntries(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v21.0/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("access_token") != "tok" {
			t.Errorf("missing token")
		}
		if !strings.Contains(r.PostForm.Get("batch"), `"relative_url":"f1/leads`) {
			t.Errorf("unexpected batch payload %s", r.PostForm.Get("batch"))
		}
		_, _ = w.Write([]byte(`[{"code":200,"body":"{\"data\":[]}"},null]`))
	})

	reqs := []BatchRequest{
		{Method: http.MethodGet, RelativeURL: LeadsRelativeURL("f1", "", 100)},
		{Method: http.MethodGet, RelativeURL: LeadsRelativeURL("f2", "", 100)},
		{Method: http.MethodGet, RelativeURL: LeadsRelativeURL("f3", "", 100)},
	}
	resps, err := client.Batch(context.Background(), "tok", reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(resps) != 3 || resps[0] == nil || resps[1] != nil || resps[2] != nil {
		t.Fatalf("unexpected responses %+v", resps)
	}
	if !IsTransient(BatchError(resps[1])) {
		t.Fatal("expected timed-out sub-request to be transient")
	}
}

func TestBatchErrorClassifiesSubResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *BatchResponse
		kind Kind
		ok   bool
	}{
		{"clean success", &BatchResponse{Code: 200, Body: `{"data":[{"id":"1"}]}`}, KindOther, true},
		{"expired", &BatchResponse{Code: 400, Body: `{"error":{"code":190,"message":"expired"}}`}, KindExpiredCredential, false},
		{"throttle in 200", &BatchResponse{Code: 200, Body: `{"error":{"code":613,"message":"rate limit"}}`}, KindRateLimited, false},
		{"expired in 200", &BatchResponse{Code: 200, Body: `{"error":{"code":190,"message":"expired"}}`}, KindExpiredCredential, false},
		{"timed out", nil, KindTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := BatchError(tt.resp)
			if tt.ok {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if got := KindOf(err); got != tt.kind {
				t.Fatalf("expected %s, got %s (%v)", tt.kind, got, err)
			}
		})
	}
}

func TestInsightsQueryCoversAllStatuses(t *testing.T) {
	var got url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		if r.URL.Path != "/v21.0/act_42/insights" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"account_id":"42","ad_id":"9","spend":"1.50","date_start":"2024-05-01","date_stop":"2024-05-01"}]}`))
	})
	page, err := client.Insights(context.Background(), "tok", "42", InsightsQuery{Since: "2024-05-01", Until: "2024-05-02"}, "")
	if err != nil {
		t.Fatalf("insights: %v", err)
	}
	if len(page.Data) != 1 || page.Paging.NextCursor() != "" {
		t.Fatalf("unexpected page %+v", page)
	}
	if got.Get("level") != "ad" || got.Get("time_increment") != "1" {
		t.Fatalf("unexpected query %v", got)
	}
	if !strings.Contains(got.Get("filtering"), "ARCHIVED") || !strings.Contains(got.Get("filtering"), "ad.effective_status") {
		t.Fatalf("expected all statuses in filtering, got %s", got.Get("filtering"))
	}
}

func TestDebugTokenAndExchange(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v21.0/debug_token":
			if r.URL.Query().Get("access_token") != "app|secret" {
				t.Errorf("expected app token")
			}
			_, _ = w.Write([]byte(`{"data":{"is_valid":true,"expires_at":1700000000,"scopes":["ads_read"]}}`))
		case "/v21.0/oauth/access_token":
			if r.URL.Query().Get("grant_type") != "fb_exchange_token" {
				t.Errorf("unexpected grant type")
			}
			_, _ = w.Write([]byte(`{"access_token":"new","token_type":"bearer","expires_in":5184000}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	info, err := client.DebugToken(context.Background(), "old", "app|secret")
	if err != nil {
		t.Fatalf("debug token: %v", err)
	}
	if !info.IsValid || info.ExpiresAt != 1700000000 {
		t.Fatalf("unexpected info %+v", info)
	}
	tok, err := client.ExchangeToken(context.Background(), "app", "secret", "old")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "new" || tok.ExpiresIn != 5184000 {
		t.Fatalf("unexpected token %+v", tok)
	}
}

func TestActID(t *testing.T) {
	if ActID("123") != "act_123" || ActID("act_123") != "act_123" {
		t.Fatal("unexpected act id normalisation")
	}
}
