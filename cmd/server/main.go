// Package main is the entry point for the project storage server binary.
// It dispatches three subcommands (serve, sweep and version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/project-storage/project-storage/internal/api"
	"github.com/project-storage/project-storage/internal/cdn"
	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/db"
	"github.com/project-storage/project-storage/internal/db/repositories"
	"github.com/project-storage/project-storage/internal/instance"
	"github.com/project-storage/project-storage/internal/jobs"
	"github.com/project-storage/project-storage/internal/media"
	"github.com/project-storage/project-storage/internal/preview"
	"github.com/project-storage/project-storage/internal/projectstorage"
	"github.com/project-storage/project-storage/internal/safego"
	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/internal/telemetry"

	// Import storage backends to register them
	_ "github.com/project-storage/project-storage/internal/storage/azure"
	_ "github.com/project-storage/project-storage/internal/storage/gcs"
	_ "github.com/project-storage/project-storage/internal/storage/local"
	_ "github.com/project-storage/project-storage/internal/storage/s3"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("Project Storage v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	switch command {
	case "serve":
		return serve(cfg, configPath)
	case "sweep":
		var projects []string
		if len(os.Args) > 2 {
			projects = os.Args[2:3]
		}
		return sweep(cfg, projects)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, sweep [project], version", command)
	}
}

// app holds everything both subcommands build from the configuration.
type app struct {
	db       *sqlx.DB
	redis    *redis.Client
	projects *repositories.ProjectRepository
	storage  *projectstorage.Factory
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	a := &app{
		db:       database,
		redis:    preview.NewClient(&cfg.Redis),
		projects: repositories.NewProjectRepository(database),
	}

	backend, err := storage.NewBackend(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	slog.Info("initialized storage backend", "kind", cfg.Storage.Kind, "backend", backend.Name())

	if creator, ok := backend.(storage.BucketCreator); ok && cfg.Storage.Object.CreateBucket {
		if err := creator.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure bucket %s: %w", cfg.Storage.Object.Bucket, err)
		}
	}

	identity := instance.New(&cfg.Cloud, repositories.NewConfigRepository(database))
	deps := projectstorage.Deps{
		Backend:  backend,
		Projects: a.projects,
		Files:    repositories.NewFileRepository(database),
		Instance: identity,
		Previews: preview.New(a.redis),
		Media:    media.NewFFProbe(&cfg.Media),
	}
	if cfg.Storage.CDNResolverURL != "" {
		deps.CDN = cdn.NewResolver(cfg.Storage.CDNResolverURL, identity, cfg.Cloud.ResolverTimeout)
		slog.Info("CDN redirects enabled", "resolver", cfg.Storage.CDNResolverURL)
	}

	a.storage, err = projectstorage.NewFactory(&cfg.Storage, deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}
	return a, nil
}

func serve(cfg *config.Config, configPath string) error {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if configPath != "" {
		if err := config.Watch(configPath, func(next *config.Config) {
			telemetry.SetLevel(next.Logging.Level)
		}); err != nil {
			slog.Warn("config hot reload disabled", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(ctx, a.db.DB)

	var sweeper *jobs.RetentionSweeper
	if cfg.Sweeper.Enabled {
		sweeper = jobs.NewRetentionSweeper(a.projects, a.storage, &cfg.Sweeper)
		safego.Go("retention-sweeper", func() { sweeper.Start(ctx) })
	}

	// Prometheus metrics are served on a dedicated port so they are not
	// reachable through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go("metrics-server", func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	router, bgServices := api.NewRouter(cfg, api.Deps{
		DB:      a.db.DB,
		Storage: a.storage,
		Redis:   a.redis,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "storage", cfg.Storage.Kind, "tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// sweep runs one retention pass and exits. An empty list sweeps every project.
func sweep(cfg *config.Config, projects []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := jobs.NewRetentionSweeper(a.projects, a.storage, &cfg.Sweeper).RunOnce(ctx, projects...)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Printf("Swept %d project(s): %d file(s) deleted, %d project(s) failed\n", res.Projects, res.Deleted, res.Failed)
	if res.Failed > 0 {
		return fmt.Errorf("%d project(s) could not be swept", res.Failed)
	}
	return nil
}
