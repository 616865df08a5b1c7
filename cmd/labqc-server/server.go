package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/stablehand/labqc/internal/config"
	"github.com/stablehand/labqc/internal/domain/labqc"
	"github.com/stablehand/labqc/internal/platform/db"
	"github.com/stablehand/labqc/internal/platform/middleware"
	"github.com/stablehand/labqc/internal/platform/telemetry"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "labqc").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// backends are the external connections a server was built with. Nil fields
// are not configured.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func (b backends) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (backends, error) {
	var b backends
	if cfg.NeedsDatabase() {
		pool, err := connect(ctx, cfg)
		if err != nil {
			return b, err
		}
		b.pool = pool
	}
	if cfg.AssociationStore == config.StoreRedis {
		client, err := labqc.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return backends{}, err
		}
		b.redis = client
	}
	return b, nil
}

func newTemplateSource(cfg *config.Config, b backends) (labqc.TemplateSource, error) {
	switch cfg.TemplateSource {
	case config.SourcePostgres:
		return labqc.NewTemplateRepoPG(b.pool), nil
	case config.SourceCatalog:
		templates, err := loadCatalog("", cfg.TemplateCatalogFile)
		if err != nil {
			return nil, err
		}
		return labqc.NewCatalogSource(templates)
	}
	return nil, fmt.Errorf("unknown template source %q", cfg.TemplateSource)
}

func newAssociationStore(cfg *config.Config, b backends) (labqc.AssociationStore, error) {
	switch cfg.AssociationStore {
	case config.StorePostgres:
		return labqc.NewAssociationStorePG(b.pool), nil
	case config.StoreRedis:
		return labqc.NewAssociationStoreRedis(b.redis, cfg.RedisKeyPrefix, cfg.AssociationTTL), nil
	case config.StoreMemory:
		return labqc.NewMemoryAssociationStore(), nil
	}
	return nil, fmt.Errorf("unknown association store %q", cfg.AssociationStore)
}

// newServer wires middleware, domain routes and operational endpoints.
func newServer(cfg *config.Config, logger zerolog.Logger, b backends) (*echo.Echo, error) {
	templates, err := newTemplateSource(cfg, b)
	if err != nil {
		return nil, fmt.Errorf("template source: %w", err)
	}
	store, err := newAssociationStore(cfg, b)
	if err != nil {
		return nil, fmt.Errorf("association store: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, db.FacilityHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	var checks []db.Check
	if b.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		}})
	}
	e.GET("/health/db", db.HealthHandler(b.pool, checks...))
	e.GET("/metrics", telemetry.Handler())

	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	// Limit before facility routing so a rejected request never holds a pool connection.
	limiter := middleware.RateLimit(rateLimitCfg)
	apiV1.Use(limiter)
	fhirGroup.Use(limiter)

	// Facility routing only applies when Postgres holds lab data.
	if b.pool != nil {
		apiV1.Use(db.FacilityMiddleware(b.pool, cfg.DefaultFacility))
		fhirGroup.Use(db.FacilityMiddleware(b.pool, cfg.DefaultFacility))
	}

	svc := labqc.NewService(templates, store,
		labqc.WithLogger(logger.With().Str("component", "labqc").Logger()),
		labqc.WithSchemaVersion(cfg.AssociationSchemaVersion),
	)
	labqc.NewHandler(svc).RegisterRoutes(apiV1, fhirGroup)

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	b, err := openBackends(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect backends")
		return err
	}
	defer b.Close()
	logger.Info().
		Str("template_source", cfg.TemplateSource).
		Str("association_store", cfg.AssociationStore).
		Msg("backends ready")

	e, err := newServer(cfg, logger, b)
	if err != nil {
		return err
	}

	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
