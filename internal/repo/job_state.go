package repo

import (
	"context"
	"errors"
	"fmt"

	"adsync/internal/syncerr"

	"github.com/jackc/pgx/v5"
)

// GetJobState returns the cursor stored under key, or nil when none exists.
func (r *Repository) GetJobState(ctx context.Context, key string) (*JobState, error) {
	const q = `
SELECT job_key, job_value, updated_at
FROM job_state
WHERE job_key = $1;
`
	var st JobState
	err := r.pool.QueryRow(ctx, q, key).Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job state %s: %w", key, err)
	}
	return &st, nil
}

// SetJobState creates or overwrites the cursor stored under key.
func (r *Repository) SetJobState(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO job_state (job_key, job_value, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (job_key) DO UPDATE SET
    job_value = EXCLUDED.job_value,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("%w: set job state %s: %w", syncerr.ErrPersistence, key, err)
	}
	return nil
}

// ListJobStates returns cursors whose key starts with prefix.
func (r *Repository) ListJobStates(ctx context.Context, prefix string) ([]JobState, error) {
	const q = `
SELECT job_key, job_value, updated_at
FROM job_state
WHERE starts_with(job_key, $1)
ORDER BY job_key;
`
	rows, err := r.pool.Query(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("list job states: %w", err)
	}
	defer rows.Close()

	var states []JobState
	for rows.Next() {
		var st JobState
		if err := rows.Scan(&st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job state: %w", err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job states: %w", err)
	}
	return states, nil
}
