package repo

import (
	"context"
	"io/fs"
)

// Store defines the persistence surface of the sync service.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Cursors
	GetJobState(ctx context.Context, key string) (*JobState, error)
	SetJobState(ctx context.Context, key, value string) error
	ListJobStates(ctx context.Context, prefix string) ([]JobState, error)

	// Records
	UpsertLeads(ctx context.Context, leads []Lead) (UpsertResult, error)
	UpsertInsights(ctx context.Context, rows []Insight) (UpsertResult, error)

	// Credentials
	GetCredential(ctx context.Context, name string) (*Credential, error)
	SaveCredential(ctx context.Context, cred Credential) error

	// Run log
	RecordRun(ctx context.Context, run SyncRun) error
	ListRuns(ctx context.Context, job string, limit int) ([]SyncRun, error)
}

var _ Store = (*Repository)(nil)
