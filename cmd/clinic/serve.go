package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/samehmaged/Minya-diabetes-system/internal/config"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/blobstore"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/db"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/events"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/metrics"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/middleware"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/websocket"
	"github.com/samehmaged/Minya-diabetes-system/internal/store/local"
	"github.com/samehmaged/Minya-diabetes-system/internal/syncserver"
)

const version = "1.0.0"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the replication server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// backend is the repository the server commits to.
type backend struct {
	repo  syncserver.Repository
	name  string
	stats db.StatsFunc
	close func()
}

// openBackend picks Postgres when DATABASE_URL is set and the local LevelDB
// file otherwise.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		_, stats := db.PoolHealth(pool)
		return &backend{repo: syncserver.NewPGRepository(pool), name: "postgres", stats: stats, close: pool.Close}, nil
	}
	st, err := local.Open(cfg.LocalDBPath, logger)
	if err != nil {
		return nil, err
	}
	return &backend{repo: st, name: "leveldb", close: func() { st.Close() }}, nil
}

// server bundles what runServer has to shut down.
type server struct {
	echo *echo.Echo
	svc  *syncserver.Service
	pub  events.Publisher
}

// newServer wires the HTTP surface around b. blobs may be nil.
func newServer(cfg *config.Config, b *backend, blobs blobstore.Store, logger zerolog.Logger) *server {
	var pub events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing domain events")
	}
	mc := metrics.NewCollector("clinic-sync")
	hub := websocket.NewHub(logger)
	svc := syncserver.NewService(b.repo, hub, pub, mc, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(mc.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(b.name, svc, b.stats))
	e.GET("/metrics", echo.WrapHandler(mc.Handler()))

	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	api := e.Group("/api/v1")
	syncserver.NewHandler(svc, hub).WithLocation(loc).RegisterRoutes(api)
	if blobs != nil {
		blobstore.NewHandler(blobs).RegisterRoutes(api)
	}

	return &server{echo: e, svc: svc, pub: pub}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open repository")
	}
	defer b.close()
	logger.Info().Str("backend", b.name).Msg("repository ready")

	var blobs blobstore.Store
	if cfg.ArchiveBucket != "" {
		s3store, err := blobstore.NewS3Store(ctx, cfg.ArchiveBucket)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure archive bucket")
		}
		blobs = s3store
	}

	srv := newServer(cfg, b, blobs, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	srv.svc.Close()
	if err := srv.pub.Close(); err != nil {
		logger.Warn().Err(err).Msg("event publisher close failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
