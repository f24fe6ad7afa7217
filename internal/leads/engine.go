// Package leads incrementally syncs lead-generation submissions per page.
package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"adsync/internal/gateway"
	"adsync/internal/graph"
	"adsync/internal/metrics"
	"adsync/internal/repo"
	"adsync/internal/syncerr"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const jobName = "leads"

// FormLister enumerates a page's lead forms.
type FormLister interface {
	LeadForms(ctx context.Context, token, pageID, after string) (*graph.Page[graph.LeadForm], error)
}

// Gateway paces upstream calls.
type Gateway interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	SubmitBatch(ctx context.Context, token string, reqs []graph.BatchRequest) ([]gateway.Result, error)
}

// PageTokenSource hands out page-scoped credentials.
type PageTokenSource interface {
	Get(ctx context.Context, pageID string) (string, error)
	Invalidate(pageID string)
}

// Store persists leads, cursors and the run log.
type Store interface {
	UpsertLeads(ctx context.Context, leads []repo.Lead) (repo.UpsertResult, error)
	GetJobState(ctx context.Context, key string) (*repo.JobState, error)
	SetJobState(ctx context.Context, key, value string) error
	RecordRun(ctx context.Context, run repo.SyncRun) error
}

// Config tunes the engine.
type Config struct {
	PageIDs []string
	Window  WindowConfig
	// FormPageLimit caps pages fetched per form in one run.
	FormPageLimit int
	// FormListPageLimit caps pages of the form listing.
	FormListPageLimit int
	// LeadsPerPage is the page size requested per form.
	LeadsPerPage int
}

// FormError describes a form that could not be fully synced.
type FormError struct {
	FormID string `json:"form_id"`
	Error  string `json:"error"`
	// Blocking failures keep the cursor where it was.
	Blocking bool `json:"blocking"`
}

// Result reports one page's run.
type Result struct {
	RunID          string      `json:"run_id"`
	PageID         string      `json:"page_id"`
	WindowStart    time.Time   `json:"window_start"`
	WindowEnd      time.Time   `json:"window_end"`
	Anomalous      bool        `json:"anomalous"`
	Forms          int         `json:"forms"`
	FormsSkipped   int         `json:"forms_skipped"`
	Fetched        int         `json:"fetched"`
	Inserted       int         `json:"inserted"`
	Updated        int         `json:"updated"`
	CursorAdvanced bool        `json:"cursor_advanced"`
	Cursor         string      `json:"cursor,omitempty"`
	FormErrors     []FormError `json:"form_errors,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Engine runs incremental and backfill lead syncs.
type Engine struct {
	forms   FormLister
	gw      Gateway
	tokens  PageTokenSource
	store   Store
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	bg    sync.WaitGroup
}

// NewEngine wires the engine.
func NewEngine(forms FormLister, gw Gateway, tokens PageTokenSource, store Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	cfg.Window = cfg.Window.withDefaults()
	if cfg.FormPageLimit <= 0 {
		cfg.FormPageLimit = 50
	}
	if cfg.FormListPageLimit <= 0 {
		cfg.FormListPageLimit = 20
	}
	if cfg.LeadsPerPage <= 0 {
		cfg.LeadsPerPage = 100
	}
	return &Engine{
		forms:   forms,
		gw:      gw,
		tokens:  tokens,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "leads_sync"),
		metrics: m,
		locks:   make(map[string]*sync.Mutex),
	}
}

// CursorKey is the job_state key of a page's cursor.
func CursorKey(pageID string) string {
	return "leads_sync:" + pageID
}

// PageIDs returns the configured pages.
func (e *Engine) PageIDs() []string {
	return slices.Clone(e.cfg.PageIDs)
}

// Sync runs one incremental sync for pageID. The cursor advances to the run
// start only after the collected leads were written.
func (e *Engine) Sync(ctx context.Context, pageID string) (*Result, error) {
	unlock, err := e.lock(pageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := e.now().UTC()
	res := &Result{RunID: uuid.NewString(), PageID: pageID}
	logger := e.logger.With("page_id", pageID, "run_id", res.RunID)
	key := CursorKey(pageID)

	st, err := e.store.GetJobState(ctx, key)
	if err != nil {
		return e.finish(ctx, logger, res, started, fmt.Errorf("read cursor: %w", err))
	}
	cursor := ""
	if st != nil {
		cursor = st.Value
	}
	win := ComputeWindow(cursor, started, e.cfg.Window)
	res.WindowStart, res.WindowEnd, res.Anomalous = win.Start, win.End, win.Anomalous
	logger = logger.With("window_start", win.Start, "window_end", win.End)
	if win.Anomalous {
		logger.Warn("cursor anomaly, using fallback window", "reason", win.Reason, "cursor", cursor)
	}
	if win.ResetCursor {
		if err := e.store.SetJobState(ctx, key, ""); err != nil {
			return e.finish(ctx, logger, res, started, fmt.Errorf("reset cursor: %w", err))
		}
	}
	e.recordStart(ctx, logger, res, started)

	leads, collectErr := e.collect(ctx, logger, pageID, win, res)
	if collectErr != nil && !graph.IsExpired(collectErr) {
		return e.finish(ctx, logger, res, started, collectErr)
	}
	if graph.IsExpired(collectErr) {
		e.tokens.Invalidate(pageID)
	}

	// Leads gathered before an expired credential are still written.
	if err := e.write(ctx, leads, res); err != nil {
		return e.finish(ctx, logger, res, started, err)
	}
	if collectErr != nil {
		return e.finish(ctx, logger, res, started, collectErr)
	}

	if e.shouldAdvance(win, res) {
		next := FormatCursor(started)
		if err := e.store.SetJobState(ctx, key, next); err != nil {
			return e.finish(ctx, logger, res, started, err)
		}
		res.CursorAdvanced = true
		res.Cursor = next
		if e.metrics != nil {
			e.metrics.SyncCursor.WithLabelValues(jobName + ":" + pageID).Set(float64(started.Unix()))
		}
	} else {
		res.Cursor = cursor
		if win.ResetCursor {
			res.Cursor = ""
		}
		logger.Info("cursor not advanced", "records", res.Fetched, "anomalous", win.Anomalous, "form_errors", len(res.FormErrors))
	}
	return e.finish(ctx, logger, res, started, nil)
}

// SyncAll syncs every configured page. Pages are independent: one failing
// page does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) ([]*Result, error) {
	var (
		results []*Result
		errs    []error
	)
	for _, pageID := range e.cfg.PageIDs {
		res, err := e.Sync(ctx, pageID)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("page %s: %w", pageID, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) shouldAdvance(win Window, res *Result) bool {
	for _, fe := range res.FormErrors {
		if fe.Blocking {
			return false
		}
	}
	if res.Fetched > 0 {
		return true
	}
	return !win.Anomalous
}

func (e *Engine) write(ctx context.Context, leads []repo.Lead, res *Result) error {
	if len(leads) == 0 {
		return nil
	}
	up, err := e.store.UpsertLeads(ctx, leads)
	res.Inserted += up.Inserted
	res.Updated += up.Updated
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
	return nil
}

// formCursor tracks one form's pagination inside a run.
type formCursor struct {
	form  graph.LeadForm
	after string
	pages int
}

// collect enumerates the page's forms and pages through each form's leads.
// An expired credential stops collection and is returned together with
// whatever was gathered so far.
func (e *Engine) collect(ctx context.Context, logger *slog.Logger, pageID string, win Window, res *Result) ([]repo.Lead, error) {
	token, err := e.tokens.Get(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("resolve page token: %w", err)
	}
	forms, err := e.listForms(ctx, token, pageID)
	if err != nil {
		return nil, err
	}

	var active []*formCursor
	for _, f := range forms {
		if f.ID == "" || (f.PageID != "" && f.PageID != pageID) {
			logger.Warn("skipping form without a resolvable page", "form_id", f.ID, "form_name", f.Name, "form_page_id", f.PageID)
			res.FormsSkipped++
			continue
		}
		active = append(active, &formCursor{form: f})
	}
	res.Forms = len(active)

	seen := make(map[string]bool)
	var leads []repo.Lead
	for len(active) > 0 {
		reqs := make([]graph.BatchRequest, len(active))
		for i, fc := range active {
			reqs[i] = graph.BatchRequest{Method: "GET", RelativeURL: graph.LeadsRelativeURL(fc.form.ID, fc.after, e.cfg.LeadsPerPage)}
		}
		results, abortErr := e.gw.SubmitBatch(ctx, token, reqs)

		var next []*formCursor
		for i, fc := range active {
			r := results[i]
			if r.Err != nil {
				if !graph.IsExpired(r.Err) {
					res.FormErrors = append(res.FormErrors, formError(fc.form.ID, r.Err))
					logger.Warn("form sync failed", "form_id", fc.form.ID, "error", r.Err)
				}
				continue
			}
			var page graph.Page[graph.Lead]
			if err := r.Decode(&page); err != nil {
				res.FormErrors = append(res.FormErrors, FormError{FormID: fc.form.ID, Error: err.Error(), Blocking: true})
				continue
			}
			fc.pages++
			reachedOlder := false
			for _, l := range page.Data {
				created, ok := ParseCreatedTime(l.CreatedTime)
				if ok && created.Before(win.Start) {
					reachedOlder = true
					continue
				}
				if ok && !win.Contains(created) {
					continue
				}
				if l.ID == "" || seen[l.ID] {
					continue
				}
				seen[l.ID] = true
				leads = append(leads, buildLead(pageID, fc.form, l))
			}
			cursor := page.Paging.NextCursor()
			switch {
			case cursor == "" || reachedOlder:
			case fc.pages >= e.cfg.FormPageLimit:
				logger.Warn("form page limit reached", "form_id", fc.form.ID, "pages", fc.pages)
			default:
				fc.after = cursor
				next = append(next, fc)
			}
		}
		res.Fetched = len(leads)
		if abortErr != nil {
			logger.Error("credential expired mid-run, aborting", "error", abortErr, "collected", len(leads))
			return leads, abortErr
		}
		active = next
	}
	return leads, nil
}

func (e *Engine) listForms(ctx context.Context, token, pageID string) ([]graph.LeadForm, error) {
	var (
		forms []graph.LeadForm
		after string
	)
	for range e.cfg.FormListPageLimit {
		var page *graph.Page[graph.LeadForm]
		err := e.gw.Do(ctx, func(ctx context.Context) error {
			var callErr error
			page, callErr = e.forms.LeadForms(ctx, token, pageID, after)
			return callErr
		})
		if err != nil {
			return forms, fmt.Errorf("list lead forms: %w", err)
		}
		forms = append(forms, page.Data...)
		if after = page.Paging.NextCursor(); after == "" {
			break
		}
	}
	return forms, nil
}

// formError classifies a per-form failure. Only transient failures block
// cursor advancement; permanent ones cannot succeed on a later run either.
func formError(formID string, err error) FormError {
	return FormError{
		FormID:   formID,
		Error:    err.Error(),
		Blocking: graph.IsTransient(err) || errors.Is(err, gateway.ErrRetriesExhausted),
	}
}

func buildLead(pageID string, form graph.LeadForm, l graph.Lead) repo.Lead {
	n := Normalize(l.FieldData)
	lead := repo.Lead{
		LeadID:       l.ID,
		FormID:       form.ID,
		FormName:     form.Name,
		PageID:       pageID,
		CampaignID:   optional(l.CampaignID),
		CampaignName: optional(l.CampaignName),
		AdsetID:      optional(l.AdsetID),
		AdID:         optional(l.AdID),
		AdName:       optional(l.AdName),
		FullName:     n.FullName,
		Phone:        n.Phone,
		Email:        optional(n.Email),
		Street:       n.Street,
		City:         n.City,
		State:        n.State,
		ZipCode:      n.ZipCode,
		Country:      n.Country,
		CreatedTime:  l.CreatedTime,
		DateOnly:     DateOnly(l.CreatedTime),
		Platform:     l.Platform,
		IsOrganic:    l.IsOrganic,
	}
	if l.FormID != "" {
		lead.FormID = l.FormID
	}
	if t, ok := ParseCreatedTime(l.CreatedTime); ok {
		lead.CreatedAt = &t
	}
	if raw, err := json.Marshal(l.FieldData); err == nil {
		lead.FieldData = string(raw)
	}
	return lead
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// lock takes the per-page mutex without waiting.
func (e *Engine) lock(pageID string) (func(), error) {
	e.mu.Lock()
	l, ok := e.locks[pageID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pageID] = l
	}
	e.mu.Unlock()
	if !l.TryLock() {
		return nil, fmt.Errorf("%w: leads for page %s", syncerr.ErrSyncInProgress, pageID)
	}
	return l.Unlock, nil
}

func (e *Engine) recordStart(ctx context.Context, logger *slog.Logger, res *Result, started time.Time) {
	e.record(ctx, logger, res, started, nil, "running", "")
}

func (e *Engine) finish(ctx context.Context, logger *slog.Logger, res *Result, started time.Time, err error) (*Result, error) {
	status := repo.RunSucceeded
	msg := ""
	switch {
	case err != nil:
		status = repo.RunFailed
		msg = err.Error()
		res.Error = msg
		e.metrics.IncError(jobName)
		logger.Error("leads sync failed", "error", err, "inserted", res.Inserted, "updated", res.Updated)
	case len(res.FormErrors) > 0:
		status = repo.RunPartial
		logger.Warn("leads sync finished with form errors", "form_errors", len(res.FormErrors), "inserted", res.Inserted, "updated", res.Updated)
	default:
		logger.Info("leads sync finished", "fetched", res.Fetched, "inserted", res.Inserted, "updated", res.Updated, "cursor_advanced", res.CursorAdvanced)
	}
	finished := e.now().UTC()
	e.record(context.WithoutCancel(ctx), logger, res, started, &finished, status, msg)
	if e.metrics != nil {
		e.metrics.SyncRuns.WithLabelValues(jobName, status).Inc()
	}
	return res, err
}

func (e *Engine) record(ctx context.Context, logger *slog.Logger, res *Result, started time.Time, finished *time.Time, status, msg string) {
	run := repo.SyncRun{
		ID:         res.RunID,
		Job:        jobName,
		Scope:      res.PageID,
		Status:     status,
		StartedAt:  started,
		FinishedAt: finished,
		Fetched:    res.Fetched,
		Inserted:   res.Inserted,
		Updated:    res.Updated,
		Error:      msg,
	}
	if !res.WindowStart.IsZero() {
		ws, we := res.WindowStart, res.WindowEnd
		run.WindowStart, run.WindowEnd = &ws, &we
	}
	if err := e.store.RecordRun(ctx, run); err != nil {
		logger.Warn("failed to record sync run", "error", err)
	}
}

// Wait blocks until webhook-triggered syncs finish.
func (e *Engine) Wait() {
	e.bg.Wait()
}

// HandleLeadgen starts an asynchronous sync for every notified page.
func (e *Engine) HandleLeadgen(ctx context.Context, events []graph.LeadgenEvent) error {
	pages := make(map[string]bool)
	for _, ev := range events {
		if ev.PageID == "" || pages[ev.PageID] {
			continue
		}
		if len(e.cfg.PageIDs) > 0 && !slices.Contains(e.cfg.PageIDs, ev.PageID) {
			e.logger.Debug("ignoring leadgen for unconfigured page", "page_id", ev.PageID)
			continue
		}
		pages[ev.PageID] = true
	}
	bg := context.WithoutCancel(ctx)
	for pageID := range pages {
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			if _, err := e.Sync(bg, pageID); err != nil {
				if errors.Is(err, syncerr.ErrSyncInProgress) {
					e.logger.Debug("leadgen sync skipped, run in progress", "page_id", pageID)
					return
				}
				e.logger.Warn("leadgen triggered sync failed", "page_id", pageID, "error", err)
			}
		}()
	}
	return nil
}
