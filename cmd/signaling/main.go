package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/RaghavKatta/webcam-guess-game-online/config"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/handlers"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/metrics"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/redis"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	v := config.New()

	cmd := &cobra.Command{
		Use:           "signaling",
		Short:         "Rendezvous server pairing webcam guess players",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), config.Load(v))
		},
	}

	fs := cmd.Flags()
	fs.String("port", "8080", "port to listen on (env: PORT)")
	fs.String("environment", "development", "development or production (env: ENVIRONMENT)")
	fs.Bool("require-auth", false, "require a JWT on the signaling websocket (env: REQUIRE_AUTH)")
	fs.String("room-store", "redis", "room metadata store, redis or memory (env: ROOM_STORE)")
	fs.Duration("room-ttl", 24*time.Hour, "lifetime of stored room metadata (env: ROOM_TTL)")
	fs.Bool("metrics-enabled", true, "serve Prometheus metrics on /metrics (env: METRICS_ENABLED)")
	fs.String("redis-host", "localhost", "Redis host (env: REDIS_HOST)")
	fs.String("redis-port", "6379", "Redis port (env: REDIS_PORT)")
	fs.String("log-level", "info", "trace, debug, info, warn or error (env: LOG_LEVEL)")
	fs.String("log-file", "", "also write logs to this rotated file (env: LOG_FILE)")
	cobra.CheckErr(config.BindFlags(v, fs, ""))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Config{Level: cfg.Log.Level, Console: cfg.Log.Console, File: cfg.Log.File})

	var store handlers.RoomStore
	switch cfg.RoomStore {
	case "memory":
		store = handlers.NewMemoryStore(cfg.RoomTTL)
		log.Info().Msg("using in-memory room store")
	case "redis":
		rs, err := redis.Connect(ctx, cfg.Redis, cfg.RoomTTL)
		if err != nil {
			return err
		}
		defer func() { _ = rs.Close() }()
		store = rs
		log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")
	default:
		return fmt.Errorf("unknown room store %q", cfg.RoomStore)
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()
	hub := handlers.NewHub(store, log, m)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(cfg, store, hub, m, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Bool("auth", cfg.RequireAuth).Msg("starting signaling server")
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
