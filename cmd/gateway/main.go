package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/learnware/api-gateway/internal/auth"
	"github.com/learnware/api-gateway/internal/config"
	"github.com/learnware/api-gateway/internal/proxy"
	"github.com/learnware/api-gateway/internal/ratelimit"
	"github.com/learnware/api-gateway/internal/server"
	"github.com/learnware/api-gateway/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("api-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store ratelimit.Store
	switch cfg.RateLimit.Store {
	case "redis":
		rs, err := ratelimit.NewRedisStore(ratelimit.RedisConfig{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rs.Close()
		store = rs
	default:
		ms := ratelimit.NewMemoryStore()
		ms.StartSweeper(ctx, time.Minute)
		store = ms
	}

	table, err := cfg.BuildRouteTable()
	if err != nil {
		log.Fatalf("Invalid route table: %v", err)
	}

	verifier, err := auth.NewVerifier(cfg.Auth.Secret)
	if err != nil {
		log.Fatalf("Invalid auth config: %v", err)
	}

	srv := server.New(server.Options{
		Config:     cfg,
		Table:      table,
		Limiter:    ratelimit.NewLimiter(store, logger),
		Policies:   cfg.BuildPolicies(),
		Verifier:   verifier,
		Dispatcher: proxy.NewDispatcher(cfg.Server.UpstreamTimeout, logger),
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.String("environment", cfg.Server.Environment),
		slog.String("ratelimit_store", cfg.RateLimit.Store),
		slog.Int("routes", len(cfg.Routes)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}
