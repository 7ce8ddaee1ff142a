package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"abi-agent/internal/auth"
	"abi-agent/internal/cache"
	"abi-agent/internal/config"
	"abi-agent/internal/convo"
	"abi-agent/internal/data"
	"abi-agent/internal/docstore"
	"abi-agent/internal/gemini"
	"abi-agent/internal/handlers"
	"abi-agent/internal/httpserver"
	"abi-agent/internal/logging"
	"abi-agent/internal/metrics"
	"abi-agent/internal/query"
	"abi-agent/internal/session"
	"abi-agent/internal/tools"
	"abi-agent/internal/wa"

	"github.com/joho/godotenv"
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

	logger := logging.NewLogger(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "abi-agent",
	})
	logger.Info("starting abi-agent", "env", cfg.AppEnv, "model", cfg.GeminiModel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	store, storeStatus := docstore.Open(ctx, docstore.Config{
		Driver:                  cfg.DocstoreDriver,
		FirestoreProjectID:      cfg.FirestoreProjectID,
		FirebaseCredentialsFile: cfg.FirebaseCredentialsFile,
		DatabaseURL:             cfg.DatabaseURL,
		DatabaseSchema:          cfg.DatabaseSchema,
		SQLitePath:              cfg.SQLitePath,
	}, logger, metricRegistry)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed closing document store", "error", err)
		}
	}()

	loader := data.NewLoader(store, logger)
	leads := data.NewLeadLogger(store, logger, metricRegistry)

	queries := query.New(query.Config{
		Timeout:       cfg.QueryTimeout,
		MaxRows:       cfg.QueryMaxRows,
		MaxAllocBytes: uint64(cfg.QueryMaxAllocMB) << 20,
	}, logger)

	registry := tools.NewRegistry(loader, queries, tools.Options{
		Contamination: cfg.AnomalyContamination,
	}, logger, metricRegistry)

	llmClient := gemini.New(gemini.Config{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
		Timeout: cfg.GeminiTimeout,
	}, logger, metricRegistry)

	retryJitter := cfg.LLMRetryJitter
	if retryJitter == 0 {
		// LLM_RETRY_JITTER=0 turns jitter off; convo treats zero as "use the default".
		retryJitter = -1
	}
	engine := convo.New(llmClient, registry, leads, metricRegistry, logger, convo.Config{
		MaxRounds:   cfg.MaxToolRounds,
		Temperature: cfg.GeminiTemperature,
		MaxAttempts: cfg.LLMMaxAttempts,
		BaseDelay:   cfg.LLMRetryBaseDelay,
		MaxJitter:   retryJitter,
	})
	defer engine.Wait()

	accounts, err := auth.NewStore(auth.Config{Path: cfg.CredentialsFile}, logger)
	if err != nil {
		return fmt.Errorf("init credentials store: %w", err)
	}

	var sessions session.Store
	switch cfg.SessionBackend {
	case "redis":
		redisClient := cache.New(cache.Config{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			UseTLS:    cfg.RedisTLS,
			Namespace: "abi:",
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		sessions = session.NewRedisStore(redisClient, cfg.SessionTTL)
	default:
		sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	if cfg.WhatsAppEnabled {
		waClient, err := wa.New(ctx, wa.Config{
			StorePath: cfg.WhatsAppStorePath,
			LogLevel:  cfg.WhatsAppLogLevel,
			Metrics:   metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()

		waClient.SetMessageProcessor(handlers.NewWhatsApp(accounts, sessions, engine, waClient, metricRegistry, logger, handlers.Config{}))

		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, metricRegistry, httpserver.Dependencies{
		Accounts:          accounts,
		Sessions:          sessions,
		Chat:              engine,
		Auditor:           registry,
		StoreStatus:       storeStatus,
		ChatRatePerMinute: cfg.ChatRatePerMinute,
	}, cfg.PublicBasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}
