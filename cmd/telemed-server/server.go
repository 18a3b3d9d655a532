package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/telemed/telemed/internal/config"
	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/platform/auth"
	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/platform/middleware"
	"github.com/telemed/telemed/internal/platform/telemetry"
	"github.com/telemed/telemed/internal/platform/watch"
	"github.com/telemed/telemed/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	tp, err := telemetry.NewProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize telemetry")
		return err
	}
	tp.Install()
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry flush failed")
		}
	}()

	// Store, recognizer and realtime events
	hub := websocket.NewHub(logger)
	a, err := newApp(ctx, cfg, logger, consultation.WithEvents(hub))
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}
	defer a.Close()

	e := newServer(a, hub, tp)

	// Transcript inbox
	var inbox *watch.Inbox
	if cfg.TranscriptInbox != "" {
		inbox = watch.NewInbox(cfg.TranscriptInbox, inboxSubmitter(a.svc), logger)
		if err := inbox.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to start transcript inbox")
			return err
		}
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		stop()
		if inbox != nil {
			inbox.Wait()
		}
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	if inbox != nil {
		inbox.Wait()
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and routes. tp may be
// nil, which leaves requests untraced.
func newServer(a *app, hub *websocket.Hub, tp *telemetry.Provider) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	if tp != nil {
		e.Use(tp.TracingMiddleware())
		e.Use(tp.MetricsMiddleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: corsOrigins(cfg.CORSOrigins),
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.AudioBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.store.driver, a.store.pinger))

	authMW := authMiddleware(cfg, logger)

	// Realtime session events
	ws := e.Group("", authMW)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins...).RegisterRoutes(ws)

	// API
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg), middleware.Audit(logger))
	consultation.NewHandler(a.svc).RegisterRoutes(apiV1)

	return e
}

func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthIssuer == "" {
		logger.Warn().Msg("development auth enabled; every request runs as dev-user")
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	})
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func telemetryConfig(cfg *config.Config) telemetry.TelemetryConfig {
	return telemetry.TelemetryConfig{
		ServiceName:     "telemed-server",
		ServiceVersion:  version,
		Environment:     cfg.Env,
		OTLPEndpoint:    cfg.OTLPEndpoint,
		SampleRate:      cfg.TraceSampleRate,
		MetricsInterval: cfg.MetricsInterval(),
		RuntimeMetrics:  cfg.RuntimeMetrics,
	}
}
