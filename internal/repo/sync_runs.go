package repo

import (
	"context"
	"fmt"
)

// RecordRun inserts a sync run or updates it when it finishes.
func (r *Repository) RecordRun(ctx context.Context, run SyncRun) error {
	const q = `
INSERT INTO sync_runs (id, job, scope, status, started_at, finished_at, window_start, window_end, fetched, inserted, updated, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    finished_at = EXCLUDED.finished_at,
    window_start = EXCLUDED.window_start,
    window_end = EXCLUDED.window_end,
    fetched = EXCLUDED.fetched,
    inserted = EXCLUDED.inserted,
    updated = EXCLUDED.updated,
    error = EXCLUDED.error;
`
	_, err := r.pool.Exec(ctx, q,
		run.ID,
		run.Job,
		run.Scope,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		run.WindowStart,
		run.WindowEnd,
		run.Fetched,
		run.Inserted,
		run.Updated,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("record sync run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns the latest runs, optionally filtered by job.
func (r *Repository) ListRuns(ctx context.Context, job string, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	const q = `
SELECT id::text, job, scope, status, started_at, finished_at, window_start, window_end, fetched, inserted, updated, error
FROM sync_runs
WHERE $1 = '' OR job = $1
ORDER BY started_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, job, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.Job, &run.Scope, &run.Status, &run.StartedAt, &run.FinishedAt, &run.WindowStart, &run.WindowEnd, &run.Fetched, &run.Inserted, &run.Updated, &run.Error); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return runs, nil
}
