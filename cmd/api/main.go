package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"clarvoy/api/internal/app"
	"clarvoy/api/internal/charity"
	"clarvoy/api/internal/coach"
	"clarvoy/api/internal/config"
	"clarvoy/api/internal/email"
	"clarvoy/api/internal/export"
	"clarvoy/api/internal/grants"
	"clarvoy/api/internal/llm"
	"clarvoy/api/internal/logging"
	"clarvoy/api/internal/metrics"
	"clarvoy/api/internal/objectstore"
	"clarvoy/api/internal/ratelimit"
	"clarvoy/api/internal/search"
	"clarvoy/api/internal/session"
	"clarvoy/api/internal/store"
	"clarvoy/api/internal/upstream"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		logger = zap.NewExample()
		logger.Warn("invalid log level, using defaults", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)
	m := metrics.New()

	deps := app.Deps{
		Store:   dataStore,
		Export:  export.NewService(),
		Metrics: m,
		Logger:  logger,
		Email: email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}),
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, keeping sessions in postgres", zap.Error(err))
		} else {
			defer redisStore.Close()
			deps.Sessions = redisStore
			redisClient = redisStore.Client()
			logger.Info("using redis for sessions and lookup cache")
		}
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := objectstore.NewMinio(ctx, objectstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal("object storage unavailable", zap.Error(err))
		}
		deps.Objects = objects
	} else {
		logger.Warn("MINIO_ENDPOINT not set, uploads are kept in memory")
		deps.Objects = objectstore.NewMemory()
	}

	var index search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		index = meili
	}
	deps.Search = search.NewService(index, search.NewPgFTS(db), logger)
	go deps.Search.ReindexAll(ctx)

	var charityClient charity.Client
	if strings.TrimSpace(cfg.CharityAPIURL) != "" {
		charityClient = charity.NewHTTPClient(upstream.New(upstream.Options{
			Service: "charity",
			BaseURL: cfg.CharityAPIURL,
			APIKey:  cfg.CharityAPIKey,
			Timeout: cfg.UpstreamTimeout,
		}), redisClient, logger)
		deps.Charity = charityClient
	}

	if strings.TrimSpace(cfg.GrantsAPIURL) != "" {
		grantsClient := grants.NewHTTPClient(upstream.New(upstream.Options{
			Service: "grants",
			BaseURL: cfg.GrantsAPIURL,
			APIKey:  cfg.GrantsAPIKey,
			Timeout: cfg.UpstreamTimeout,
		}))
		scanner := grants.NewScanner(grantsClient, dataStore, logger, grants.WithScanHook(func(r grants.ScanResult) {
			m.GrantScan(true, r.NewAlerts)
		}))
		deps.Grants = grantsClient
		deps.Scanner = scanner
		if cfg.GrantScanEnabled {
			scanner.Start(ctx, cfg.GrantScanDelay, cfg.GrantScanEvery)
			defer scanner.Stop()
		}
	}

	deps.Coach = buildCoach(cfg, dataStore, charityClient, m, logger)

	service := app.New(cfg, deps)
	limiter := ratelimit.New(ratelimit.Options{PerMinute: cfg.CoachPerMinute})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, app.WithCoachLimiter(limiter))

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// The coaching stream needs longer than a plain JSON response.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Clarvoy API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// buildCoach registers every vendor with a key. With no vendor configured
// the coaching endpoints report the coach as unavailable.
func buildCoach(cfg config.Config, data *store.PostgresStore, lookup charity.Client, m *metrics.Metrics, logger *zap.Logger) *coach.Session {
	keys := []struct {
		provider llm.Provider
		key      string
	}{
		{llm.ProviderOpenAI, cfg.OpenAIAPIKey},
		{llm.ProviderClaude, cfg.AnthropicAPIKey},
		{llm.ProviderGemini, cfg.GoogleAIAPIKey},
	}
	var clients []llm.StreamingCompletion
	for _, k := range keys {
		if strings.TrimSpace(k.key) == "" {
			continue
		}
		client, err := llm.NewChatClient(k.provider, llm.Settings{APIKey: k.key})
		if err != nil {
			logger.Warn("model vendor disabled", zap.String("provider", string(k.provider)), zap.Error(err))
			continue
		}
		clients = append(clients, client)
	}
	if len(clients) == 0 {
		logger.Warn("no model vendor keys set, coaching disabled")
		return nil
	}

	org := coach.DefaultOrg
	org.EIN = cfg.OrgEIN
	builder := coach.NewBuilder(data, lookup, org, cfg.NoiseThreshold, logger)
	return coach.NewSession(llm.NewRegistry(llm.ProviderOpenAI, clients...), builder, m, logger)
}
