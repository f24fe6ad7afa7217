package leads

import (
	"context"
	"fmt"
	"strings"
	"time"

	"adsync/internal/graph"
	"adsync/internal/syncerr"

	"github.com/google/uuid"
)

// BackfillRequest asks for leads in an explicit range. Since and Until are
// YYYY-MM-DD dates (Until inclusive) or RFC 3339 instants. An empty PageID
// means every configured page.
type BackfillRequest struct {
	PageID string `json:"page_id"`
	Since  string `json:"since" validate:"required"`
	Until  string `json:"until" validate:"required"`
}

// BackfillReport aggregates per-page outcomes.
type BackfillReport struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
	Pages []*Result `json:"pages"`
}

// Backfill collects and upserts leads for a fixed window without touching
// cursors. Page failures are reported per page; an expired credential
// aborts the remaining pages.
func (e *Engine) Backfill(ctx context.Context, req BackfillRequest) (*BackfillReport, error) {
	win, err := parseBackfillWindow(req.Since, req.Until)
	if err != nil {
		return nil, err
	}
	pages := e.cfg.PageIDs
	if req.PageID != "" {
		pages = []string{req.PageID}
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: no page configured or requested", syncerr.ErrMalformedInput)
	}

	report := &BackfillReport{Since: win.Start, Until: win.End}
	for _, pageID := range pages {
		res, err := e.backfillPage(ctx, pageID, win)
		report.Pages = append(report.Pages, res)
		if err != nil && graph.IsExpired(err) {
			return report, err
		}
	}
	return report, nil
}

func (e *Engine) backfillPage(ctx context.Context, pageID string, win Window) (*Result, error) {
	res := &Result{RunID: uuid.NewString(), PageID: pageID, WindowStart: win.Start, WindowEnd: win.End}
	unlock, err := e.lock(pageID)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	defer unlock()

	started := e.now().UTC()
	logger := e.logger.With("page_id", pageID, "run_id", res.RunID, "backfill", true)
	e.recordStart(ctx, logger, res, started)

	leads, collectErr := e.collect(ctx, logger, pageID, win, res)
	if graph.IsExpired(collectErr) {
		e.tokens.Invalidate(pageID)
	} else if collectErr != nil {
		return e.finish(ctx, logger, res, started, collectErr)
	}
	if err := e.write(ctx, leads, res); err != nil {
		return e.finish(ctx, logger, res, started, err)
	}
	return e.finish(ctx, logger, res, started, collectErr)
}

func parseBackfillWindow(since, until string) (Window, error) {
	start, err := parseBound(since, false)
	if err != nil {
		return Window{}, fmt.Errorf("%w: since: %w", syncerr.ErrMalformedInput, err)
	}
	end, err := parseBound(until, true)
	if err != nil {
		return Window{}, fmt.Errorf("%w: until: %w", syncerr.ErrMalformedInput, err)
	}
	if start.After(end) {
		return Window{}, fmt.Errorf("%w: since %s is after until %s", syncerr.ErrMalformedInput, since, until)
	}
	return Window{Start: start, End: end, Reason: "backfill"}, nil
}

func parseBound(s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		if endOfDay {
			return t.Add(24*time.Hour - time.Nanosecond), nil
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t, nil
}
