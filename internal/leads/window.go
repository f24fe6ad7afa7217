package leads

import (
	"time"
)

// WindowConfig bounds the time range of an incremental run.
type WindowConfig struct {
	// Overlap is subtracted from the cursor to catch late-arriving leads.
	Overlap time.Duration
	// Fallback is the lookback used without a usable cursor.
	Fallback time.Duration
	// MinWindow is the narrowest window accepted while a cursor exists.
	MinWindow time.Duration
}

func (c WindowConfig) withDefaults() WindowConfig {
	if c.Overlap <= 0 {
		c.Overlap = 10 * time.Minute
	}
	if c.Fallback <= 0 {
		c.Fallback = 24 * time.Hour
	}
	if c.MinWindow <= 0 {
		c.MinWindow = 12 * time.Hour
	}
	return c
}

// Window is the inclusive [Start, End] range one run covers.
type Window struct {
	Start time.Time
	End   time.Time
	// Anomalous is set when the cursor was unusable or produced a window
	// too narrow to trust. Empty anomalous runs do not advance the cursor.
	Anomalous bool
	// ResetCursor asks the caller to clear an invalid stored cursor.
	ResetCursor bool
	Reason      string
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// ComputeWindow derives the run window from the stored cursor.
func ComputeWindow(cursor string, now time.Time, cfg WindowConfig) Window {
	cfg = cfg.withDefaults()
	fallback := Window{Start: now.Add(-cfg.Fallback), End: now}
	if cursor == "" {
		fallback.Reason = "no_cursor"
		return fallback
	}

	at, err := time.Parse(time.RFC3339Nano, cursor)
	if err != nil {
		fallback.Anomalous = true
		fallback.ResetCursor = true
		fallback.Reason = "unparseable_cursor"
		return fallback
	}
	if at.After(now) {
		fallback.Anomalous = true
		fallback.ResetCursor = true
		fallback.Reason = "future_cursor"
		return fallback
	}

	start := at.Add(-cfg.Overlap)
	if now.Sub(start) < cfg.MinWindow {
		fallback.Anomalous = true
		fallback.Reason = "narrow_window"
		return fallback
	}
	return Window{Start: start, End: now, Reason: "cursor"}
}

// FormatCursor renders a cursor value.
func FormatCursor(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var createdTimeLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
}

// ParseCreatedTime parses an upstream timestamp for filtering only; the
// stored value stays verbatim.
func ParseCreatedTime(s string) (time.Time, bool) {
	for _, layout := range createdTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DateOnly is the date portion of the verbatim timestamp, so the local
// calendar day of the upstream offset is kept.
func DateOnly(createdTime string) string {
	if len(createdTime) >= 10 {
		return createdTime[:10]
	}
	return createdTime
}
