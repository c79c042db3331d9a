package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ehr/legacy-import/internal/config"
	"github.com/ehr/legacy-import/internal/domain/importer"
	"github.com/ehr/legacy-import/internal/platform/db"
	"github.com/ehr/legacy-import/internal/platform/metrics"
	"github.com/ehr/legacy-import/internal/platform/middleware"
	"github.com/ehr/legacy-import/migrations"
)

const (
	importPrefix   = "/api/v1/import"
	requestTimeout = 30 * time.Second
	bodyLimit      = "64K"
)

// newServer builds the echo instance. pool may be nil, in which case the
// database health endpoint is not registered.
func newServer(logger zerolog.Logger, mgr *importer.Manager, pool *pgxpool.Pool, schema string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(requestTimeout,
		importPrefix+"/sessions",
		importPrefix+"/data",
	))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool, db.NewMigrator(pool, migrations.FS, "."), schema))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	importer.NewHandler(mgr).RegisterRoutes(e.Group(importPrefix))
	return e
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()
	pool, store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if n, err := db.EnsurePracticeSchema(ctx, pool, cfg.Practice, migrations.FS); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare destination schema")
	} else if n > 0 {
		logger.Info().Int("applied", n).Msg("destination migrations applied")
	}
	schema, _ := db.PracticeSchema(cfg.Practice)

	mgr, cleanup := buildManager(cfg, logger, store)
	defer cleanup()

	e := newServer(logger, mgr, pool, schema)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("practice", cfg.Practice).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	mgr.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
