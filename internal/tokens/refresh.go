package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"adsync/internal/graph"
	"adsync/internal/metrics"
	"adsync/internal/syncerr"
)

// KindSystem is the only refreshable token kind.
const KindSystem = "system"

// Introspector checks and exchanges long-lived tokens.
type Introspector interface {
	DebugToken(ctx context.Context, inputToken, appToken string) (*graph.TokenInfo, error)
	ExchangeToken(ctx context.Context, appID, appSecret, token string) (*graph.ExchangedToken, error)
}

// RefreshResult reports what a refresh did.
type RefreshResult struct {
	Refreshed bool       `json:"refreshed"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RefresherConfig configures the refresher.
type RefresherConfig struct {
	AppID     string
	AppSecret string
	// Buffer is the remaining lifetime below which a token is exchanged.
	Buffer time.Duration
}

// Refresher exchanges the system token before it expires.
type Refresher struct {
	store   *Store
	client  Introspector
	gate    Gate
	cfg     RefresherConfig
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRefresher builds a refresher. gate may be nil.
func NewRefresher(store *Store, client Introspector, gate Gate, cfg RefresherConfig, logger *slog.Logger, m *metrics.Metrics) *Refresher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 7 * 24 * time.Hour
	}
	return &Refresher{
		store:   store,
		client:  client,
		gate:    gate,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "token_refresh"),
		metrics: m,
	}
}

// Refresh checks the token's remaining lifetime and exchanges it when it is
// below the buffer or unknown. Expired tokens yield ErrTokenExpired; other
// failures leave the current token in place.
func (r *Refresher) Refresh(ctx context.Context, kind string) (*RefreshResult, error) {
	if kind != "" && kind != KindSystem {
		return nil, fmt.Errorf("%w: unknown token kind %q", syncerr.ErrMalformedInput, kind)
	}
	token := r.store.Token()
	if token == "" {
		return nil, ErrNoToken
	}
	if r.cfg.AppID == "" || r.cfg.AppSecret == "" {
		return nil, ErrMissingAppCredentials
	}

	var info *graph.TokenInfo
	err := run(ctx, r.gate, func(ctx context.Context) error {
		var callErr error
		info, callErr = r.client.DebugToken(ctx, token, r.cfg.AppID+"|"+r.cfg.AppSecret)
		return callErr
	})
	lifetimeKnown := true
	switch {
	case err == nil:
	case graph.IsExpired(err):
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case graph.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("introspect token: %w", err)
	default:
		r.logger.Warn("token introspection failed, treating lifetime as unknown", "error", err)
		lifetimeKnown = false
	}

	if lifetimeKnown {
		if !info.IsValid {
			msg := "token reported invalid"
			if info.Error != nil && info.Error.Message != "" {
				msg = info.Error.Message
			}
			return nil, fmt.Errorf("%w: %s", ErrTokenExpired, msg)
		}
		if info.ExpiresAt == 0 {
			return &RefreshResult{Reason: "never_expires"}, nil
		}
		expiresAt := time.Unix(info.ExpiresAt, 0).UTC()
		if remaining := expiresAt.Sub(r.now()); remaining > r.cfg.Buffer {
			return &RefreshResult{Reason: "not_due", ExpiresAt: &expiresAt}, nil
		}
	}

	var exchanged *graph.ExchangedToken
	err = run(ctx, r.gate, func(ctx context.Context) error {
		var callErr error
		exchanged, callErr = r.client.ExchangeToken(ctx, r.cfg.AppID, r.cfg.AppSecret, token)
		return callErr
	})
	if err != nil {
		if graph.IsExpired(err) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("exchange token: %w", err)
	}

	var expiresAt *time.Time
	if exchanged.ExpiresIn > 0 {
		t := r.now().Add(time.Duration(exchanged.ExpiresIn) * time.Second).UTC()
		expiresAt = &t
	}
	if err := r.store.Set(ctx, exchanged.AccessToken, expiresAt); err != nil {
		return nil, err
	}
	reason := "expiring"
	if !lifetimeKnown {
		reason = "lifetime_unknown"
	}
	return &RefreshResult{Refreshed: true, Reason: reason, ExpiresAt: expiresAt}, nil
}

// Run is the best-effort maintenance entry point used at startup and by the
// scheduler. Failures are logged and counted, never returned.
func (r *Refresher) Run(ctx context.Context) {
	res, err := r.Refresh(ctx, KindSystem)
	switch {
	case err == nil:
		r.count(res.Reason)
		if res.Refreshed {
			r.logger.Info("system token refreshed", "reason", res.Reason, "expires_at", res.ExpiresAt)
		} else {
			r.logger.Debug("system token refresh skipped", "reason", res.Reason, "expires_at", res.ExpiresAt)
		}
	case errors.Is(err, ErrTokenExpired):
		r.count("expired")
		r.metrics.IncError("token_refresh")
		r.logger.Error("system token expired, manual re-issuance required", "error", err)
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrMissingAppCredentials):
		r.count("skipped")
		r.logger.Warn("token refresh not possible", "error", err)
	default:
		r.count("failed")
		r.metrics.IncError("token_refresh")
		r.logger.Warn("token refresh failed, keeping current token", "error", err)
	}
}

func (r *Refresher) count(status string) {
	if r.metrics == nil {
		return
	}
	r.metrics.TokenRefreshes.WithLabelValues(status).Inc()
}
