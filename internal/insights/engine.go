// Package insights syncs daily ad-level metrics for every ad account.
package insights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"adsync/internal/graph"
	"adsync/internal/metrics"
	"adsync/internal/repo"
	"adsync/internal/syncerr"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	jobName         = "insights"
	backfillJobName = "insights_backfill"
)

// Client is the slice of the Graph client the engine needs.
type Client interface {
	AdAccounts(ctx context.Context, token, after string) (*graph.Page[graph.AdAccount], error)
	Insights(ctx context.Context, token, accountID string, query graph.InsightsQuery, after string) (*graph.Page[graph.InsightRow], error)
}

// Gateway paces upstream calls.
type Gateway interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// TokenSource returns the current system token.
type TokenSource interface {
	Token() string
}

// Store persists metric rows, cursors and the run log.
type Store interface {
	UpsertInsights(ctx context.Context, rows []repo.Insight) (repo.UpsertResult, error)
	SetJobState(ctx context.Context, key, value string) error
	RecordRun(ctx context.Context, run repo.SyncRun) error
}

// Config tunes the engine.
type Config struct {
	// AccountIDs pins the synced accounts; empty enumerates /me/adaccounts.
	AccountIDs      []string
	LookbackDays    int
	PageLimit       int
	MaxBackfillDays int
	RowsPerPage     int
	// AccountPageLimit caps pages of the account listing.
	AccountPageLimit int
	// Parallelism bounds concurrently processed accounts. The gateway still
	// bounds concurrent upstream calls.
	Parallelism int
}

// AccountReport is the outcome for one account.
type AccountReport struct {
	AccountID string `json:"account_id"`
	Rows      int    `json:"rows"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Truncated bool   `json:"truncated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Report aggregates one invocation.
type Report struct {
	RunID    string          `json:"run_id"`
	Since    string          `json:"since"`
	Until    string          `json:"until"`
	Accounts []AccountReport `json:"accounts"`
}

// Failed counts accounts that did not complete.
func (r *Report) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Error != "" {
			n++
		}
	}
	return n
}

// Request is a manual backfill. Dates are YYYY-MM-DD and inclusive; an empty
// AccountID means every account.
type Request struct {
	AccountID string `json:"account_id"`
	Since     string `json:"since" validate:"required"`
	Until     string `json:"until" validate:"required"`
}

// Engine runs scheduled and backfill insights syncs.
type Engine struct {
	client  Client
	gw      Gateway
	tokens  TokenSource
	store   Store
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	running sync.Mutex
}

// NewEngine wires the engine.
func NewEngine(client Client, gw Gateway, tokens TokenSource, store Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = 0
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxBackfillDays <= 0 {
		cfg.MaxBackfillDays = 93
	}
	if cfg.RowsPerPage <= 0 {
		cfg.RowsPerPage = 500
	}
	if cfg.AccountPageLimit <= 0 {
		cfg.AccountPageLimit = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Engine{
		client:  client,
		gw:      gw,
		tokens:  tokens,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "insights_sync"),
		metrics: m,
	}
}

// CursorKey is the job_state key of an account's cursor.
func CursorKey(accountID string) string {
	return "insights_sync:" + accountID
}

// Sync refreshes the trailing lookback range for every account.
func (e *Engine) Sync(ctx context.Context) (*Report, error) {
	today := e.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -e.cfg.LookbackDays)
	return e.run(ctx, jobName, "", since, today, true)
}

// Backfill syncs an explicit date range. Input is validated before any
// upstream call. Account failures are reported per account; an expired
// credential aborts the whole invocation.
func (e *Engine) Backfill(ctx context.Context, req Request) (*Report, error) {
	since, until, err := e.parseRange(req.Since, req.Until)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, backfillJobName, strings.TrimSpace(req.AccountID), since, until, false)
}

func (e *Engine) parseRange(sinceStr, untilStr string) (time.Time, time.Time, error) {
	since, err := time.Parse(time.DateOnly, strings.TrimSpace(sinceStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: since must be YYYY-MM-DD, got %q", syncerr.ErrMalformedInput, sinceStr)
	}
	until, err := time.Parse(time.DateOnly, strings.TrimSpace(untilStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: until must be YYYY-MM-DD, got %q", syncerr.ErrMalformedInput, untilStr)
	}
	if since.After(until) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: since %s is after until %s", syncerr.ErrMalformedInput, sinceStr, untilStr)
	}
	if days := int(until.Sub(since).Hours()/24) + 1; days > e.cfg.MaxBackfillDays {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: range spans %d days, at most %d allowed", syncerr.ErrMalformedInput, days, e.cfg.MaxBackfillDays)
	}
	return since, until, nil
}

func (e *Engine) run(ctx context.Context, job, accountID string, since, until time.Time, advance bool) (*Report, error) {
	if !e.running.TryLock() {
		return nil, fmt.Errorf("%w: insights", syncerr.ErrSyncInProgress)
	}
	defer e.running.Unlock()

	started := e.now().UTC()
	report := &Report{RunID: uuid.NewString(), Since: since.Format(time.DateOnly), Until: until.Format(time.DateOnly)}
	logger := e.logger.With("run_id", report.RunID, "job", job, "since", report.Since, "until", report.Until)
	scope := accountID
	if scope == "" {
		scope = "all"
	}

	token := e.tokens.Token()
	if token == "" {
		return e.finish(ctx, logger, job, scope, report, started, since, until, errors.New("no system token configured"))
	}

	accounts, err := e.accounts(ctx, token, accountID)
	if err != nil {
		return e.finish(ctx, logger, job, scope, report, started, since, until, err)
	}
	logger.Info("insights sync started", "accounts", len(accounts))

	report.Accounts = make([]AccountReport, len(accounts))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.Parallelism)
	for i, acct := range accounts {
		report.Accounts[i].AccountID = acct
		eg.Go(func() error {
			ar := &report.Accounts[i]
			err := e.syncAccount(egCtx, logger.With("account_id", acct), token, acct, report.Since, report.Until, ar)
			if err == nil && advance {
				err = e.store.SetJobState(egCtx, CursorKey(acct), started.Format(time.RFC3339Nano))
			}
			if err != nil {
				ar.Error = err.Error()
				if graph.IsExpired(err) {
					return err
				}
				logger.Warn("account sync failed", "account_id", acct, "error", err)
				e.metrics.IncError(jobName)
			}
			return nil
		})
	}
	return e.finish(ctx, logger, job, scope, report, started, since, until, eg.Wait())
}

// accounts resolves the account set: the requested one, the configured
// ones, or every account the token reaches.
func (e *Engine) accounts(ctx context.Context, token, requested string) ([]string, error) {
	if requested != "" {
		return []string{accountKey(requested)}, nil
	}
	if len(e.cfg.AccountIDs) > 0 {
		out := make([]string, 0, len(e.cfg.AccountIDs))
		for _, id := range e.cfg.AccountIDs {
			out = append(out, accountKey(id))
		}
		return out, nil
	}

	var (
		out   []string
		after string
	)
	for range e.cfg.AccountPageLimit {
		var page *graph.Page[graph.AdAccount]
		err := e.gw.Do(ctx, func(ctx context.Context) error {
			var callErr error
			page, callErr = e.client.AdAccounts(ctx, token, after)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("list ad accounts: %w", err)
		}
		for _, a := range page.Data {
			id := a.AccountID
			if id == "" {
				id = a.ID
			}
			if id != "" {
				out = append(out, accountKey(id))
			}
		}
		if after = page.Paging.NextCursor(); after == "" {
			break
		}
	}
	return out, nil
}

// syncAccount pages through an account's report and upserts it.
func (e *Engine) syncAccount(ctx context.Context, logger *slog.Logger, token, accountID, since, until string, ar *AccountReport) error {
	query := graph.InsightsQuery{
		Since:    since,
		Until:    until,
		Level:    "ad",
		Statuses: graph.AllEffectiveStatuses,
		Limit:    e.cfg.RowsPerPage,
	}
	var (
		rows  []repo.Insight
		after string
		pages int
	)
	for {
		var page *graph.Page[graph.InsightRow]
		err := e.gw.Do(ctx, func(ctx context.Context) error {
			var callErr error
			page, callErr = e.client.Insights(ctx, token, accountID, query, after)
			return callErr
		})
		if err != nil {
			return fmt.Errorf("fetch insights: %w", err)
		}
		pages++
		for _, r := range page.Data {
			rows = append(rows, ConvertRow(accountID, r))
		}
		if after = page.Paging.NextCursor(); after == "" {
			break
		}
		if pages >= e.cfg.PageLimit {
			ar.Truncated = true
			logger.Warn("insights page limit reached", "pages", pages)
			break
		}
	}
	ar.Rows = len(rows)
	if len(rows) == 0 {
		return nil
	}

	up, err := e.store.UpsertInsights(ctx, rows)
	ar.Inserted, ar.Updated = up.Inserted, up.Updated
	if err != nil {
		if !errors.Is(err, syncerr.ErrPersistence) {
			err = fmt.Errorf("%w: %w", syncerr.ErrPersistence, err)
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.SyncRecords.WithLabelValues(jobName, "inserted").Add(float64(up.Inserted))
		e.metrics.SyncRecords.WithLabelValues(jobName, "updated").Add(float64(up.Updated))
	}
	logger.Debug("account synced", "rows", ar.Rows, "inserted", up.Inserted, "updated", up.Updated)
	return nil
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, job, scope string, report *Report, started, since, until time.Time, err error) (*Report, error) {
	run := repo.SyncRun{
		ID:          report.RunID,
		Job:         job,
		Scope:       scope,
		Status:      repo.RunSucceeded,
		StartedAt:   started,
		WindowStart: &since,
		WindowEnd:   &until,
	}
	for _, a := range report.Accounts {
		run.Fetched += a.Rows
		run.Inserted += a.Inserted
		run.Updated += a.Updated
	}
	failed := report.Failed()
	switch {
	case err != nil:
		run.Status = repo.RunFailed
		run.Error = err.Error()
		e.metrics.IncError(jobName)
		logger.Error("insights sync failed", "error", err, "failed_accounts", failed)
	case failed > 0:
		run.Status = repo.RunPartial
		run.Error = fmt.Sprintf("%d of %d accounts failed", failed, len(report.Accounts))
		logger.Warn("insights sync finished with failures", "failed_accounts", failed, "accounts", len(report.Accounts))
	default:
		logger.Info("insights sync finished", "accounts", len(report.Accounts), "rows", run.Fetched, "inserted", run.Inserted, "updated", run.Updated)
	}
	finished := e.now().UTC()
	run.FinishedAt = &finished
	if recErr := e.store.RecordRun(context.WithoutCancel(ctx), run); recErr != nil {
		logger.Warn("failed to record sync run", "error", recErr)
	}
	if e.metrics != nil {
		e.metrics.SyncRuns.WithLabelValues(job, run.Status).Inc()
		if err == nil && job == jobName {
			e.metrics.SyncCursor.WithLabelValues(jobName).Set(float64(started.Unix()))
		}
	}
	return report, err
}

// accountKey strips the act_ prefix so stored rows use the bare account id.
func accountKey(id string) string {
	return strings.TrimPrefix(graph.ActID(id), "act_")
}
