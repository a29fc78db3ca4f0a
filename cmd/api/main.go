package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/app"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/archive"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/auth"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/config"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/notify"
	"github.com/dhruv-moradiya/story-chain-be-sub001/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "storychain").Logger()
	if cfg.DevMode {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create archive dir")
	}

	dataStore := store.New(db, store.TxOptions{Timeout: cfg.TxTimeout, Retries: cfg.TxRetries})
	archiveService := archive.New(cfg.ArchiveDir)

	var notifier notify.Notifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisNotifier, err := notify.NewRedisNotifier(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to log notifier")
			notifier = notify.NewLogNotifier(logger)
		} else {
			defer redisNotifier.Close()
			notifier = redisNotifier
		}
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	authService := auth.New(cfg.JWTSecret, cfg.AccessTTL)
	service := app.New(cfg, dataStore, archiveService, notifier, logger)

	httpServer := app.NewHTTPServer(service, authService, cfg.CORSOrigin, cfg.DevMode, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("storychain api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
