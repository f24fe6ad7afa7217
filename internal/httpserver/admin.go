package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adsync/internal/catalog"
	"adsync/internal/graph"
	"adsync/internal/insights"
	"adsync/internal/leads"
	"adsync/internal/repo"
	"adsync/internal/scheduler"
	"adsync/internal/syncerr"
	"adsync/internal/tokens"
)

// LeadsSyncer runs lead syncs.
type LeadsSyncer interface {
	Sync(ctx context.Context, pageID string) (*leads.Result, error)
	SyncAll(ctx context.Context) ([]*leads.Result, error)
	Backfill(ctx context.Context, req leads.BackfillRequest) (*leads.BackfillReport, error)
}

// InsightsSyncer runs insights syncs.
type InsightsSyncer interface {
	Sync(ctx context.Context) (*insights.Report, error)
	Backfill(ctx context.Context, req insights.Request) (*insights.Report, error)
}

// CredentialStore accepts operator supplied tokens.
type CredentialStore interface {
	Set(ctx context.Context, token string, expiresAt *time.Time) error
}

// TokenRefresher refreshes the long-lived token on demand.
type TokenRefresher interface {
	Refresh(ctx context.Context, kind string) (*tokens.RefreshResult, error)
}

// Catalog serves cached list endpoints.
type Catalog interface {
	Ads(ctx context.Context, accountID, scope string, refresh bool) (*catalog.Listing[graph.Ad], error)
	Campaigns(ctx context.Context, accountID, scope string, refresh bool) (*catalog.Listing[graph.Campaign], error)
	ClearCache(ctx context.Context, accountID string) (int, error)
}

// SyncState exposes cursors and the run log.
type SyncState interface {
	ListJobStates(ctx context.Context, prefix string) ([]repo.JobState, error)
	ListRuns(ctx context.Context, job string, limit int) ([]repo.SyncRun, error)
}

// Schedule lists registered jobs.
type Schedule interface {
	Entries() []scheduler.Entry
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services behind the admin routes. Nil members make
// their routes answer 503.
type Dependencies struct {
	Leads       LeadsSyncer
	Insights    InsightsSyncer
	Credentials CredentialStore
	Refresher   TokenRefresher
	Catalog     Catalog
	State       SyncState
	Schedule    Schedule
	Health      Pinger
}

type leadsSyncRequest struct {
	PageID string `json:"page_id"`
}

type credentialsRequest struct {
	AccessToken string     `json:"access_token" validate:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
	ExpiresIn   int64      `json:"expires_in" validate:"gte=0"`
}

type cacheClearRequest struct {
	AccountID string `json:"account_id"`
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, errorBody{Error: what + " unavailable"})
}

func (s *Server) handleLeadsSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leads == nil {
		unavailable(w, "leads sync")
		return
	}
	var req leadsSyncRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.PageID != "" {
		res, err := s.deps.Leads.Sync(r.Context(), req.PageID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeData(w, res)
		return
	}
	results, err := s.deps.Leads.SyncAll(r.Context())
	if err != nil && (len(results) == 0 || graph.IsExpired(err)) {
		s.fail(w, r, err)
		return
	}
	// Per-page failures are carried in each result.
	writeData(w, results)
}

func (s *Server) handleLeadsBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leads == nil {
		unavailable(w, "leads sync")
		return
	}
	var req leads.BackfillRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Leads.Backfill(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, report)
}

func (s *Server) handleInsightsSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Insights == nil {
		unavailable(w, "insights sync")
		return
	}
	report, err := s.deps.Insights.Sync(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, report)
}

func (s *Server) handleInsightsBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Insights == nil {
		unavailable(w, "insights sync")
		return
	}
	var req insights.Request
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Insights.Backfill(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, report)
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	if s.deps.Credentials == nil {
		unavailable(w, "credential store")
		return
	}
	var req credentialsRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.ExpiresIn > 0 {
		at := time.Now().Add(time.Duration(req.ExpiresIn) * time.Second).UTC()
		expiresAt = &at
	}
	if err := s.deps.Credentials.Set(r.Context(), strings.TrimSpace(req.AccessToken), expiresAt); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("system token replaced by operator", "expires_at", expiresAt)
	writeMessage(w, "credentials updated")
}

func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresher == nil {
		unavailable(w, "token refresher")
		return
	}
	res, err := s.deps.Refresher.Refresh(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, res)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		unavailable(w, "catalog")
		return
	}
	var req cacheClearRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.deps.Catalog.ClearCache(r.Context(), req.AccountID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeMessage(w, fmt.Sprintf("removed %d cache entries", n))
}

func (s *Server) handleAds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		unavailable(w, "catalog")
		return
	}
	account, scope, refresh, err := listParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	listing, err := s.deps.Catalog.Ads(r.Context(), account, scope, refresh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, listing)
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Catalog == nil {
		unavailable(w, "catalog")
		return
	}
	account, scope, refresh, err := listParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	listing, err := s.deps.Catalog.Campaigns(r.Context(), account, scope, refresh)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, listing)
}

func listParams(r *http.Request) (account, scope string, refresh bool, err error) {
	q := r.URL.Query()
	account = q.Get("account_id")
	scope = q.Get("scope")
	if v := q.Get("refresh"); v != "" {
		refresh, err = strconv.ParseBool(v)
		if err != nil {
			return "", "", false, fmt.Errorf("%w: refresh must be a boolean", syncerr.ErrMalformedInput)
		}
	}
	return account, scope, refresh, nil
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	if s.deps.State == nil {
		unavailable(w, "sync state")
		return
	}
	states, err := s.deps.State.ListJobStates(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, states)
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.State == nil {
		unavailable(w, "sync state")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, fmt.Errorf("%w: limit must be a non-negative integer", syncerr.ErrMalformedInput))
			return
		}
		limit = n
	}
	runs, err := s.deps.State.ListRuns(r.Context(), r.URL.Query().Get("job"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, runs)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Schedule == nil {
		unavailable(w, "scheduler")
		return
	}
	writeData(w, s.deps.Schedule.Entries())
}
