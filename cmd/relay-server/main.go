package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinscribe/relay/internal/config"
	"github.com/clinscribe/relay/internal/platform/auth"
	"github.com/clinscribe/relay/internal/platform/db"
	"github.com/clinscribe/relay/internal/platform/middleware"
	"github.com/clinscribe/relay/internal/platform/telemetry"
	"github.com/clinscribe/relay/internal/platform/usage"
	"github.com/clinscribe/relay/internal/realtime/consumer"
	"github.com/clinscribe/relay/internal/realtime/handler"
	"github.com/clinscribe/relay/internal/realtime/proxy"
	"github.com/clinscribe/relay/internal/realtime/router"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relay-server",
		Short: "Realtime event proxy and classification router",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Credential verifier: external session store when configured, signed
	// tokens otherwise.
	var verifier auth.Verifier
	if cfg.RedisURL != "" {
		verifier, err = auth.NewRedisVerifierFromURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to session store")
		}
		logger.Info().Msg("using redis session store verifier")
	} else {
		verifier = auth.NewTokenVerifier([]byte(cfg.SessionSecret))
		logger.Info().Msg("using signed-token verifier")
	}

	// Usage accounting store.
	var usageRepo usage.Repository
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure usage schema")
		}
		usageRepo = usage.NewRepoPG(pool)
		logger.Info().Msg("usage records persisted to postgres")
	} else {
		usageRepo = usage.NewRepoMemory()
		logger.Info().Msg("usage records held in memory")
	}

	metrics := telemetry.NewProvider()

	// Consumers. The specialized modules (note composition, suggestion
	// generation, order/code extraction, transcription) run in the main
	// application; here each kind forwards its normalized payload back to
	// the client as a typed message.
	registry := consumer.NewRegistry()
	for _, kind := range []consumer.Kind{
		consumer.KindNote,
		consumer.KindSuggestion,
		consumer.KindOrders,
		consumer.KindCodes,
		consumer.KindFunctionCall,
		consumer.KindTranscription,
	} {
		if err := registry.Register(kind, forwardingConsumer(kind)); err != nil {
			logger.Fatal().Err(err).Msg("failed to register consumer")
		}
	}

	// Proxy
	p := proxy.New(proxy.Config{
		UpstreamURL:       cfg.UpstreamURL,
		UpstreamKey:       cfg.UpstreamAPIKey,
		ConnectRetries:    cfg.UpstreamConnectRetries,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongTimeout:       cfg.ClientPongTimeout,
	}, proxy.NewDialer(), func(sessionID, ownerID string, sink router.Sink) *router.Router {
		return router.New(router.Config{
			SessionID:       sessionID,
			OwnerID:         ownerID,
			Registry:        registry,
			Usage:           usageRepo,
			Sink:            sink,
			Logger:          logger.With().Str("session_id", sessionID).Logger(),
			ConsumerTimeout: cfg.ConsumerTimeout,
			DedupCacheSize:  cfg.DedupCacheSize,
			DedupMinTextLen: cfg.DedupMinTextLen,
		})
	}, logger, metrics)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health check
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	if pool != nil {
		e.GET("/healthz/db", db.HealthHandler(pool))
	}

	e.GET("/metrics", metrics.PrometheusHandler())

	api := e.Group("/api/v1")

	h := handler.New(p, verifier, logger)
	h.RegisterRoutes(api)

	usage.NewHandler(usageRepo, verifier).RegisterRoutes(api)

	// Start server with graceful shutdown.
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		logger.Info().Str("addr", addr).Msg("relay server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// forwardingConsumer returns a consumer that hands the normalized payload
// back to the session's outbound sink as a "<kind>.dispatched" message.
func forwardingConsumer(kind consumer.Kind) consumer.Consumer {
	return consumer.Func(func(_ context.Context, p consumer.Payload) (*consumer.Derived, error) {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return &consumer.Derived{
			Type:    string(kind) + ".dispatched",
			Payload: body,
		}, nil
	})
}
