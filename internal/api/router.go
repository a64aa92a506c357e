// Package api wires together all HTTP routes of the project storage service.
//
// Every route under /api/projects/:project is scoped to one project and
// addressed by file id. Authentication is terminated upstream; this service
// only rate limits by client address. Upload routes carry a stricter limit
// than the rest of the API.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/project-storage/project-storage/internal/api/files"
	"github.com/project-storage/project-storage/internal/config"
	"github.com/project-storage/project-storage/internal/middleware"
	"github.com/project-storage/project-storage/internal/storage"
)

// Version is reported by /version and the CLI.
var Version = "0.1.0"

// StorageProvider hands out project storage and exposes the shared backend
// for readiness checks.
type StorageProvider interface {
	files.Provider
	Backend() storage.Backend
}

// Deps are the collaborators the router needs.
type Deps struct {
	DB      *sql.DB
	Storage StorageProvider
	// Redis is optional; rate limits are kept in memory without it
	Redis *redis.Client
}

// BackgroundServices holds references to resources that must be released
// during graceful shutdown. The caller (cmd/server) is responsible for calling
// Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	stops []func()
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, stop := range bg.stops {
		stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Deps) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(middleware.CORSMiddleware(&cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Storage.Backend()))
	router.GET("/version", versionHandler())

	apiGroup := router.Group("/api")
	var uploadLimit []gin.HandlerFunc
	if cfg.Security.RateLimiting.Enabled {
		general, stopGeneral := middleware.NewLimiter(deps.Redis, middleware.APIRateLimitConfig(&cfg.Security.RateLimiting))
		upload, stopUpload := middleware.NewLimiter(deps.Redis, middleware.UploadRateLimitConfig(&cfg.Security.RateLimiting))
		bg.stops = append(bg.stops, stopGeneral, stopUpload)

		apiGroup.Use(middleware.RateLimitMiddleware(general))
		uploadLimit = append(uploadLimit, middleware.RateLimitMiddleware(upload))
		slog.Info("rate limiting enabled", "shared", deps.Redis != nil)
	}

	filesHandler := files.NewHandler(deps.Storage, cfg.Server.MaxUploadSize)
	filesHandler.RegisterRoutes(apiGroup.Group("/projects/:project"), uploadLimit...)

	return router, bg
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a readiness gate fails when uploads and downloads would error.
func readinessHandler(db *sql.DB, backend storage.Backend) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// A known-absent key exercises credentials and connectivity without
		// creating any state.
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if _, err := backend.Exists(ctx, ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the service version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": Version,
			"backend": "project-storage",
		})
	}
}

// LoggerMiddleware logs one structured record per request. The global slog
// handler decides between JSON and text output.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		level := slog.LevelInfo
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		if path == "/health" || path == "/ready" {
			level = slog.LevelDebug
		}

		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
			slog.String("service", cfg.Telemetry.ServiceName),
		)
	}
}
