// Package tokens keeps the long-lived system token fresh and derives
// short-lived page tokens from it.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"adsync/internal/repo"
)

// SystemTokenName is the credentials row holding the long-lived token.
const SystemTokenName = "system_token"

var (
	// ErrTokenExpired means the token can no longer be refreshed and an
	// operator must issue a new one.
	ErrTokenExpired = errors.New("access token expired; issue a new long-lived token")
	// ErrMissingAppCredentials means refresh needs META_APP_ID and META_APP_SECRET.
	ErrMissingAppCredentials = errors.New("app id and secret are required to refresh tokens")
	// ErrNoToken means no system token is configured yet.
	ErrNoToken = errors.New("no system token configured")
)

// CredentialRepo persists credentials.
type CredentialRepo interface {
	GetCredential(ctx context.Context, name string) (*repo.Credential, error)
	SaveCredential(ctx context.Context, cred repo.Credential) error
}

// Gate runs an upstream call under the shared pacing rules.
type Gate interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store holds the current system token. Writes go to the credential table
// before the in-memory value is swapped.
type Store struct {
	mu        sync.RWMutex
	token     string
	expiresAt *time.Time
	repo      CredentialRepo
	fallback  string
	hooks     []func()
	logger    *slog.Logger
}

// NewStore creates a store that falls back to fallback when nothing is
// persisted yet.
func NewStore(r CredentialRepo, fallback string, logger *slog.Logger) *Store {
	return &Store{
		repo:     r,
		fallback: strings.TrimSpace(fallback),
		logger:   logger.With("component", "token_store"),
	}
}

// Load reads the persisted token, falling back to the configured one.
func (s *Store) Load(ctx context.Context) error {
	cred, err := s.repo.GetCredential(ctx, SystemTokenName)
	if err != nil {
		return fmt.Errorf("load system token: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred != nil && cred.Value != "" {
		s.token = cred.Value
		s.expiresAt = cred.ExpiresAt
		s.logger.Info("loaded system token from store", "expires_at", cred.ExpiresAt)
		return nil
	}
	s.token = s.fallback
	s.expiresAt = nil
	if s.token == "" {
		s.logger.Warn("no system token configured")
	}
	return nil
}

// Token returns the current system token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ExpiresAt returns the known expiry of the current token.
func (s *Store) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expiresAt == nil {
		return time.Time{}, false
	}
	return *s.expiresAt, true
}

// OnChange registers fn to run after every successful Set.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Set persists token and then makes it current.
func (s *Store) Set(ctx context.Context, token string, expiresAt *time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	if err := s.repo.SaveCredential(ctx, repo.Credential{Name: SystemTokenName, Value: token, ExpiresAt: expiresAt}); err != nil {
		return fmt.Errorf("persist system token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	s.logger.Info("system token updated", "expires_at", expiresAt)
	return nil
}

func run(ctx context.Context, gate Gate, fn func(ctx context.Context) error) error {
	if gate == nil {
		return fn(ctx)
	}
	return gate.Do(ctx, fn)
}
