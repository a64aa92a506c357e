// Package config loads and validates the project storage configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PSTORE_ prefix (e.g., PSTORE_DATABASE_HOST
// overrides database.host in the YAML), so the same binary runs with a config.yaml
// in local development and with pure environment variables in containers.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Storage kinds
const (
	StorageKindLocal  = "local"
	StorageKindObject = "object"
)

// InstanceIDPlaceholder is substituted in storage.root with the deployment instance id.
const InstanceIDPlaceholder = "{instance_id}"

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Media     MediaConfig     `mapstructure:"media"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxUploadSize caps request bodies on upload endpoints (bytes, 0 = unlimited)
	MaxUploadSize int64 `mapstructure:"max_upload_size"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the Redis connection used for preview cache invalidation
// and distributed rate limiting.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig holds the deployment-wide storage defaults every project inherits.
type StorageConfig struct {
	// Kind is "local" or "object"
	Kind string `mapstructure:"kind"`
	// Root is the storage root template. It may contain {instance_id}.
	Root string `mapstructure:"root"`
	// CDNResolverURL enables CDN redirects when set
	CDNResolverURL string `mapstructure:"cdn_resolver_url"`
	// SignedURLTTL is the default lifetime of presigned download URLs
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`

	Object ObjectStorageConfig `mapstructure:"object"`
	S3     S3StorageConfig     `mapstructure:"s3"`
	Azure  AzureStorageConfig  `mapstructure:"azure"`
	GCS    GCSStorageConfig    `mapstructure:"gcs"`
}

// ObjectStorageConfig selects the object storage provider and the single
// bucket shared by all projects of the deployment.
type ObjectStorageConfig struct {
	// Provider is "s3", "azure" or "gcs"
	Provider string `mapstructure:"provider"`
	// Bucket is the bucket (Azure: container) name; required iff kind is "object"
	Bucket string `mapstructure:"bucket"`
	// CreateBucket creates the bucket at startup when it does not exist
	CreateBucket bool `mapstructure:"create_bucket"`
	// MultipartThreshold is the payload size above which S3 uploads go multipart
	MultipartThreshold int64 `mapstructure:"multipart_threshold"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	// Region is the AWS region
	Region string `mapstructure:"region"`

	// Authentication method: "default", "static", "oidc", "assume_role"
	// - "default": Use AWS default credential chain (env vars, shared config, IAM role, etc.)
	// - "static": Use explicit access key and secret key
	// - "oidc": Use Web Identity/OIDC token for authentication (EKS, GitHub Actions, etc.)
	// - "assume_role": Assume an IAM role (optionally with external ID for cross-account)
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	// WebIdentityTokenFile is the path to the OIDC token file (auth_method "oidc")
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	// Endpoint overrides the service URL (Azurite, sovereign clouds)
	Endpoint string `mapstructure:"endpoint"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	// ProjectID is the Google Cloud project ID (needed only to create the bucket)
	ProjectID string `mapstructure:"project_id"`

	// Authentication method: "default", "service_account", "workload_identity"
	AuthMethod string `mapstructure:"auth_method"`

	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators or compatible services)
	Endpoint string `mapstructure:"endpoint"`
}

// CloudConfig holds the deployment identity presented to the CDN resolver.
type CloudConfig struct {
	// InstanceID overrides the instance id stored in the database
	InstanceID string `mapstructure:"instance_id"`
	// APIKey is sent to the CDN resolver with every request
	APIKey string `mapstructure:"api_key"`
	// ResolverTimeout bounds a single CDN resolver call
	ResolverTimeout time.Duration `mapstructure:"resolver_timeout"`
}

// SweeperConfig holds the retention sweeper schedule
type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	// Concurrency is the number of projects swept in parallel
	Concurrency int `mapstructure:"concurrency"`
}

// MediaConfig configures media metadata extraction
type MediaConfig struct {
	FFProbePath string        `mapstructure:"ffprobe_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// UploadsPerMinute limits upload endpoints per client
	UploadsPerMinute int `mapstructure:"uploads_per_minute"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.enabled",
		"redis.addr",
		"redis.username",
		"redis.password",
		"redis.db",

		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.max_upload_size",

		// Storage
		"storage.kind",
		"storage.root",
		"storage.cdn_resolver_url",
		"storage.signed_url_ttl",
		"storage.object.provider",
		"storage.object.bucket",
		"storage.object.create_bucket",
		"storage.object.multipart_threshold",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.s3.role_arn",
		"storage.s3.role_session_name",
		"storage.s3.external_id",
		"storage.s3.web_identity_token_file",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.endpoint",
		"storage.gcs.project_id",
		"storage.gcs.auth_method",
		"storage.gcs.credentials_file",
		"storage.gcs.credentials_json",
		"storage.gcs.endpoint",

		// Cloud identity
		"cloud.instance_id",
		"cloud.api_key",
		"cloud.resolver_timeout",

		// Sweeper
		"sweeper.enabled",
		"sweeper.interval",
		"sweeper.concurrency",

		// Media
		"media.ffprobe_path",
		"media.timeout",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.uploads_per_minute",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/project-storage")
	}
	return v
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("PSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Storage.Azure.AccountKey = expandEnv(cfg.Storage.Azure.AccountKey)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Storage.GCS.CredentialsJSON = expandEnv(cfg.Storage.GCS.CredentialsJSON)
	cfg.Cloud.APIKey = expandEnv(cfg.Cloud.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Watch re-loads the configuration whenever the config file changes and hands
// the new value to onChange. Invalid edits are logged and ignored.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return fmt.Errorf("config watch requires an explicit config file")
	}
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(configPath)
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.max_upload_size", 0)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "ayon")
	v.SetDefault("database.user", "ayon")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.kind", StorageKindLocal)
	v.SetDefault("storage.root", "/storage/server/projects")
	v.SetDefault("storage.signed_url_ttl", "1h")
	v.SetDefault("storage.object.provider", "s3")
	v.SetDefault("storage.object.create_bucket", false)
	v.SetDefault("storage.object.multipart_threshold", 64<<20)
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.auth_method", "default")
	v.SetDefault("storage.gcs.auth_method", "default")

	// Cloud defaults
	v.SetDefault("cloud.resolver_timeout", "10s")

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "10m")
	v.SetDefault("sweeper.concurrency", 4)

	// Media defaults
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.timeout", "30s")

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 600)
	v.SetDefault("security.rate_limiting.burst", 50)
	v.SetDefault("security.rate_limiting.uploads_per_minute", 120)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.service_name", "project-storage")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if err := c.Storage.Validate(); err != nil {
		return err
	}

	if c.Sweeper.Enabled && c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweeper.interval must be positive when the sweeper is enabled")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// Validate checks the storage kind, the bucket invariant and the selected
// object provider's credentials.
func (s *StorageConfig) Validate() error {
	switch s.Kind {
	case StorageKindLocal:
		if s.Object.Bucket != "" {
			return fmt.Errorf("storage.object.bucket must be empty when storage.kind is local")
		}
	case StorageKindObject:
		if s.Object.Bucket == "" {
			return fmt.Errorf("storage.object.bucket is required when storage.kind is object")
		}
	default:
		return fmt.Errorf("invalid storage kind: %s (must be local or object)", s.Kind)
	}

	if s.Root == "" {
		return fmt.Errorf("storage.root is required")
	}

	if s.Kind != StorageKindObject {
		return nil
	}

	switch s.Object.Provider {
	case "s3":
		if s.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using the s3 provider")
		}
	case "azure":
		if s.Azure.AccountName == "" {
			return fmt.Errorf("storage.azure.account_name is required when using the azure provider")
		}
		if s.Azure.AccountKey == "" {
			return fmt.Errorf("storage.azure.account_key is required when using the azure provider")
		}
	case "gcs":
	default:
		return fmt.Errorf("invalid object storage provider: %s (must be s3, azure, or gcs)", s.Object.Provider)
	}
	return nil
}

// ResolveRoot substitutes the instance id into the root template.
func (s *StorageConfig) ResolveRoot(instanceID string) string {
	return strings.ReplaceAll(s.Root, InstanceIDPlaceholder, instanceID)
}

// NeedsInstanceID reports whether the root template references the instance id.
func (s *StorageConfig) NeedsInstanceID() bool {
	return strings.Contains(s.Root, InstanceIDPlaceholder)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
