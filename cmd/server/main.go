package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/api"
	"github.com/eldtechnologies/relay/internal/api/middleware"
	"github.com/eldtechnologies/relay/internal/config"
	"github.com/eldtechnologies/relay/internal/delivery"
	"github.com/eldtechnologies/relay/internal/gateway"
	"github.com/eldtechnologies/relay/internal/handlers"
	"github.com/eldtechnologies/relay/internal/identity"
	"github.com/eldtechnologies/relay/internal/presence"
	"github.com/eldtechnologies/relay/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Conversation store
	conversations, err := store.OpenConversationStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("conversation store connection failed")
	}
	defer conversations.Close()

	// Offline queue
	queue, err := store.OpenOfflineQueue(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("offline queue connection failed")
	}
	defer queue.Close()

	var redisClient *redis.Client
	if rq, ok := queue.(*store.RedisQueue); ok {
		redisClient = rq.Client()
	}

	// Identity verification
	normalizer, err := identity.NewNormalizer(cfg.IdentityStripPattern)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid identity configuration")
	}
	verifier := identity.NewHTTPVerifier(cfg.VerifyURL, cfg.VerifyTimeout, normalizer, logger)

	registry := presence.NewRegistry()
	engine := delivery.NewEngine(conversations, queue, registry, logger)

	// HTTP API server
	h := handlers.NewHandler(conversations, queue, registry, logger, cfg.HistoryStrict)
	router := api.NewRouter(logger, h, verifier, api.RouterConfig{
		CORSOrigins: cfg.CORSOrigins,
		RedisClient: redisClient,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// WebSocket server; connections are long-lived so no read/write timeouts
	gw := gateway.New(verifier, registry, engine, logger, gateway.Options{
		OriginPatterns: cfg.CORSOrigins,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	})
	wsSrv := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start servers in goroutines
	for name, srv := range map[string]*http.Server{"http": httpSrv, "websocket": wsSrv} {
		go func(name string, srv *http.Server) {
			logger.Info().
				Str("server", name).
				Str("addr", srv.Addr).
				Str("env", cfg.Env).
				Msg("starting relay server")

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Str("server", name).Msg("server failed to start")
			}
		}(name, srv)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down servers...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	// Shutdown does not wait for hijacked WebSocket connections; closing the
	// listener is enough since sessions end with their connections.
	if err := wsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("websocket server forced to shutdown")
	}

	logger.Info().Msg("servers stopped")
}
