package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/findings"
	"github.com/vetosce/osce-tavern/backend/internal/config"
	"github.com/vetosce/osce-tavern/backend/internal/handler"
	"github.com/vetosce/osce-tavern/backend/internal/logging"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
	"github.com/vetosce/osce-tavern/backend/internal/service/ai"
	"github.com/vetosce/osce-tavern/backend/internal/service/chat"
	"github.com/vetosce/osce-tavern/backend/internal/store"
	"github.com/vetosce/osce-tavern/backend/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Info("no .env file loaded, using process environment", zap.Error(envErr))
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	catalog, err := loadCatalog(cfg.Chat.ScenarioFile)
	if err != nil {
		return err
	}
	logger.Info("scenario catalog loaded", zap.Int("cases", len(catalog.List())))

	sessions, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer sessions.Close()
	logger.Info("session store ready", zap.String("driver", cfg.Store.Driver))

	personaStore := persona.NewMemoryStore(persona.Seed())
	hub := telemetry.NewHub(logger)

	chatService := chat.NewService(sessions, catalog, personaStore,
		chat.WithCoalesceWindow(cfg.Chat.CoalesceWindow),
		chat.WithTransformer(findings.Transformer{
			DumpLengthThreshold: cfg.Chat.DumpLengthThreshold,
			MinDumpPipes:        cfg.Chat.MinDumpPipes,
		}),
		chat.WithEmitter(hub),
		chat.WithLogger(logger))

	deps := handler.Deps{
		Personas: personaStore,
		Catalog:  catalog,
		Chat:     chatService,
		Hub:      hub,
		Logger:   logger,
	}

	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("AI service unavailable, continuing without reply generation", zap.Error(err))
		} else {
			deps.AI = aiService
			logger.Info("AI service initialized", zap.String("model", cfg.AI.Model), zap.Bool("stream", cfg.AI.StreamResponse))
		}
	} else {
		logger.Info("Ark credentials not configured, skipping AI initialization")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("OSCE backend listening", zap.String("addr", cfg.Server.Addr))
	return runServer(ctx, srv)
}

func loadCatalog(path string) (*scenario.Catalog, error) {
	if path == "" {
		return scenario.Default()
	}
	catalog, err := scenario.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load scenario file %s: %w", path, err)
	}
	return catalog, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch store.StoreType(cfg.Driver) {
	case store.StoreTypeRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return store.New(store.StoreTypeRedis, store.WithRedisClient(client), store.WithRedisTTL(cfg.RedisTTL))

	case store.StoreTypeSupabase:
		return store.New(store.StoreTypeSupabase, store.WithSupabase(store.SupabaseConfig{
			URL:    cfg.SupabaseURL,
			APIKey: cfg.SupabaseKey,
			Table:  cfg.SupabaseTable,
		}))

	default:
		return store.New(store.StoreTypeMemory)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
