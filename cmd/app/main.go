package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adsync/internal/cache"
	"adsync/internal/catalog"
	"adsync/internal/config"
	"adsync/internal/gateway"
	"adsync/internal/graph"
	"adsync/internal/httpserver"
	"adsync/internal/insights"
	"adsync/internal/leads"
	"adsync/internal/logging"
	"adsync/internal/metrics"
	"adsync/internal/repo"
	"adsync/internal/scheduler"
	"adsync/internal/tokens"
	"adsync/migrations"

	"github.com/joho/godotenv"
)

const (
	jobLeads        = "leads_sync"
	jobInsights     = "insights_sync"
	jobTokenRefresh = "token_refresh"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting adsync", "env", cfg.AppEnv, "pages", len(cfg.MetaPageIDs))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repository.Close()

	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	listBackend, closeBackend := newListBackend(ctx, cfg, logger)
	defer closeBackend()

	graphClient := graph.New(graph.Config{
		BaseURL:      cfg.GraphBaseURL,
		Version:      cfg.GraphVersion,
		Timeout:      cfg.GraphTimeout,
		BatchTimeout: cfg.GraphBatchTimeout,
		TokenTimeout: cfg.GraphTokenTimeout,
	}, logger, metricRegistry)

	gw := gateway.New(graphClient, gateway.Config{
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		MinSpacing:     cfg.MinCallSpacing,
		MaxRetries:     cfg.MaxRetries,
		BaseDelay:      cfg.RetryBaseDelay,
		MaxDelay:       cfg.RetryMaxDelay,
	}, logger, metricRegistry)

	tokenStore := tokens.NewStore(repository, cfg.MetaSystemToken, logger)
	if err := tokenStore.Load(ctx); err != nil {
		return fmt.Errorf("load system token: %w", err)
	}
	refresher := tokens.NewRefresher(tokenStore, graphClient, gw, tokens.RefresherConfig{
		AppID:     cfg.MetaAppID,
		AppSecret: cfg.MetaAppSecret,
		Buffer:    cfg.TokenRefreshBuffer,
	}, logger, metricRegistry)
	pageTokens := tokens.NewPageTokens(graphClient, tokenStore, gw, cfg.PageTokenTTL, logger)
	tokenStore.OnChange(pageTokens.Clear)

	leadsEngine := leads.NewEngine(graphClient, gw, pageTokens, repository, leads.Config{
		PageIDs: cfg.MetaPageIDs,
		Window: leads.WindowConfig{
			Overlap:   cfg.LeadsOverlap,
			Fallback:  cfg.LeadsFallbackLookback,
			MinWindow: cfg.LeadsMinWindow,
		},
		FormPageLimit:     cfg.LeadsFormPageLimit,
		FormListPageLimit: cfg.LeadsFormListPageLimit,
	}, logger, metricRegistry)
	defer leadsEngine.Wait()

	insightsEngine := insights.NewEngine(graphClient, gw, tokenStore, repository, insights.Config{
		AccountIDs:      cfg.MetaAdAccountIDs,
		LookbackDays:    cfg.InsightsLookbackDays,
		PageLimit:       cfg.InsightsPageLimit,
		MaxBackfillDays: cfg.InsightsMaxBackfillDays,
	}, logger, metricRegistry)

	catalogService := catalog.NewService(graphClient, gw, tokenStore,
		cache.NewListCache[graph.Ad]("ads", listBackend, cfg.ListCacheTTL, logger, metricRegistry),
		cache.NewListCache[graph.Campaign]("campaigns", listBackend, cfg.ListCacheTTL, logger, metricRegistry),
		logger)

	sched := scheduler.New(logger, metricRegistry, time.Hour)
	jobs := []struct {
		name, spec string
		job        scheduler.Job
	}{
		{jobLeads, cfg.LeadsSchedule, func(ctx context.Context) error {
			_, err := leadsEngine.SyncAll(ctx)
			return err
		}},
		{jobInsights, cfg.InsightsSchedule, func(ctx context.Context) error {
			_, err := insightsEngine.Sync(ctx)
			return err
		}},
		{jobTokenRefresh, cfg.TokenRefreshSchedule, func(ctx context.Context) error {
			refresher.Run(ctx)
			return nil
		}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.name, j.spec, j.job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	sched.Start()
	_ = sched.RunNow(jobTokenRefresh)
	if cfg.SyncOnStart {
		_ = sched.RunNow(jobLeads)
		_ = sched.RunNow(jobInsights)
	}

	webhookHandler := graph.NewWebhookHandler(logger, metricRegistry, cfg.WebhookVerifyToken, cfg.MetaAppSecret, leadsEngine)

	httpSrv := httpserver.New(httpserver.Options{
		Addr:       cfg.HTTPListenAddr,
		BasePath:   cfg.PublicBasePath,
		AdminToken: cfg.AdminAPIToken,
	}, logger, metricRegistry, httpserver.Handlers{
		MetaWebhook: webhookHandler,
	}, httpserver.Dependencies{
		Leads:       leadsEngine,
		Insights:    insightsEngine,
		Credentials: tokenStore,
		Refresher:   refresher,
		Catalog:     catalogService,
		State:       repository,
		Schedule:    sched,
		Health:      repository,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}
	return runErr
}

// newListBackend picks the list cache store: Redis when LIST_CACHE_BACKEND
// is redis, process memory otherwise.
func newListBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Backend, func()) {
	if !cfg.UsesRedisListCache() {
		return cache.NewMemoryBackend(), func() {}
	}
	redisClient := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		UseTLS:   cfg.RedisTLS,
	}, logger)
	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed closing redis", "error", err)
		}
	}
	if err := redisClient.Ping(ctx); err != nil {
		logger.Warn("redis ping failed, list caches may miss until it recovers", "error", err)
	}
	logger.Info("list caches backed by redis", "addr", cfg.RedisAddr)
	return cache.NewRedisBackend(redisClient, "adsync:"), closeFn
}
