package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"docpilot/api/internal/app"
	"docpilot/api/internal/cache"
	"docpilot/api/internal/config"
	"docpilot/api/internal/generate"
	"docpilot/api/internal/logging"
	"docpilot/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	var dataStore app.ProjectStore
	if strings.EqualFold(cfg.DatabaseURL, "memory") {
		logger.Warn("using in-memory project store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		if err := store.ApplyMigrations(cfg.DatabaseURL, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		dataStore = store.NewPostgresStore(db)
	}

	var projectCache cache.ProjectCache = cache.Noop{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisCache.Close()
		logger.Info("using redis project cache", zap.Duration("ttl", cfg.CacheTTL))
		projectCache = redisCache
	}

	generator, err := newGenerator(cfg)
	if err != nil {
		logger.Fatal("generator setup failed", zap.Error(err))
	}
	logger.Info("generator ready", zap.String("provider", cfg.LLMProvider))

	var researcher generate.Researcher = generate.MockResearcher{}
	if strings.TrimSpace(cfg.ResearchEndpoint) != "" {
		researcher = generate.NewWebResearcher(cfg.ResearchEndpoint, logger)
	}

	service := app.New(cfg, dataStore, projectCache, generator, researcher, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// generation waits on the LLM and optional web research
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("docpilot api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newGenerator(cfg config.Config) (generate.Generator, error) {
	switch strings.ToLower(cfg.LLMProvider) {
	case "openai":
		return generate.NewOpenAI(generate.OpenAISettings{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			MaxRetries: 2,
		})
	case "", "mock":
		return generate.Mock{}, nil
	default:
		return nil, errors.New("unknown LLM_PROVIDER " + cfg.LLMProvider + "; use mock or openai")
	}
}
