package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config captures every runtime setting of the sync service.
type Config struct {
	AppEnv           string `env:"APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"text"`
	HTTPListenAddr   string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	PublicBasePath   string `env:"PUBLIC_BASE_PATH"`
	AdminAPIToken    string `env:"ADMIN_API_TOKEN"`
	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"adsync"`

	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	DatabaseSchema string `env:"DATABASE_SCHEMA"`

	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB" envDefault:"0"`
	RedisTLS         bool          `env:"REDIS_TLS" envDefault:"false"`
	ListCacheBackend string        `env:"LIST_CACHE_BACKEND" envDefault:"memory"`
	ListCacheTTL     time.Duration `env:"LIST_CACHE_TTL" envDefault:"24h"`

	GraphBaseURL       string        `env:"META_GRAPH_BASE_URL" envDefault:"https://graph.facebook.com"`
	GraphVersion       string        `env:"META_GRAPH_VERSION" envDefault:"v21.0"`
	MetaAppID          string        `env:"META_APP_ID"`
	MetaAppSecret      string        `env:"META_APP_SECRET"`
	MetaSystemToken    string        `env:"META_SYSTEM_TOKEN"`
	MetaPageIDs        []string      `env:"META_PAGE_IDS" envSeparator:","`
	WebhookVerifyToken string        `env:"META_WEBHOOK_VERIFY_TOKEN"`
	GraphTimeout       time.Duration `env:"GRAPH_TIMEOUT" envDefault:"30s"`
	GraphBatchTimeout  time.Duration `env:"GRAPH_BATCH_TIMEOUT" envDefault:"60s"`
	GraphTokenTimeout  time.Duration `env:"GRAPH_TOKEN_TIMEOUT" envDefault:"10s"`

	BatchSize      int           `env:"GATEWAY_BATCH_SIZE" envDefault:"50"`
	MaxConcurrency int           `env:"GATEWAY_MAX_CONCURRENCY" envDefault:"2"`
	MinCallSpacing time.Duration `env:"GATEWAY_MIN_SPACING" envDefault:"2s"`
	MaxRetries     int           `env:"GATEWAY_MAX_RETRIES" envDefault:"5"`
	RetryBaseDelay time.Duration `env:"GATEWAY_RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay  time.Duration `env:"GATEWAY_RETRY_MAX_DELAY" envDefault:"30s"`

	LeadsSchedule          string        `env:"LEADS_SYNC_SCHEDULE" envDefault:"@every 15m"`
	LeadsOverlap           time.Duration `env:"LEADS_OVERLAP" envDefault:"10m"`
	LeadsFallbackLookback  time.Duration `env:"LEADS_FALLBACK_LOOKBACK" envDefault:"24h"`
	LeadsMinWindow         time.Duration `env:"LEADS_MIN_WINDOW" envDefault:"12h"`
	LeadsFormPageLimit     int           `env:"LEADS_FORM_PAGE_LIMIT" envDefault:"50"`
	LeadsFormListPageLimit int           `env:"LEADS_FORM_LIST_PAGE_LIMIT" envDefault:"20"`

	InsightsSchedule        string `env:"INSIGHTS_SYNC_SCHEDULE" envDefault:"@every 1h"`
	InsightsLookbackDays    int    `env:"INSIGHTS_LOOKBACK_DAYS" envDefault:"3"`
	InsightsPageLimit       int    `env:"INSIGHTS_PAGE_LIMIT" envDefault:"100"`
	InsightsMaxBackfillDays int    `env:"INSIGHTS_MAX_BACKFILL_DAYS" envDefault:"93"`

	// MetaAdAccountIDs pins the synced accounts; empty means every
	// account reachable by the system token.
	MetaAdAccountIDs []string `env:"META_AD_ACCOUNT_IDS" envSeparator:","`

	TokenRefreshSchedule string        `env:"TOKEN_REFRESH_SCHEDULE" envDefault:"@daily"`
	TokenRefreshBuffer   time.Duration `env:"TOKEN_REFRESH_BUFFER" envDefault:"168h"`
	PageTokenTTL         time.Duration `env:"PAGE_TOKEN_TTL" envDefault:"1h"`

	SyncOnStart bool `env:"SYNC_ON_START" envDefault:"false"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.MetaPageIDs = compact(cfg.MetaPageIDs)
	cfg.MetaAdAccountIDs = compact(cfg.MetaAdAccountIDs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the sync engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 || c.BatchSize > 50 {
		errs = append(errs, fmt.Errorf("GATEWAY_BATCH_SIZE must be between 1 and 50, got %d", c.BatchSize))
	}
	if c.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_RETRIES must not be negative, got %d", c.MaxRetries))
	}
	switch strings.ToLower(c.ListCacheBackend) {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("LIST_CACHE_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown LIST_CACHE_BACKEND %q", c.ListCacheBackend))
	}
	if c.LeadsFallbackLookback <= 0 {
		errs = append(errs, errors.New("LEADS_FALLBACK_LOOKBACK must be positive"))
	}
	if c.InsightsLookbackDays < 0 {
		errs = append(errs, errors.New("INSIGHTS_LOOKBACK_DAYS must not be negative"))
	}
	return errors.Join(errs...)
}

// UsesRedisListCache reports whether list caches should live in Redis.
func (c *Config) UsesRedisListCache() bool {
	return strings.EqualFold(c.ListCacheBackend, "redis")
}

func compact(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
