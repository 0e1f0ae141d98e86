// Package config loads and validates collector configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/sourcemap-collector/internal/collector"
)

// Storage engines.
const (
	EngineMemory   = "memory"
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Blob backends for the mirror.
const (
	BlobNone  = "none"
	BlobLocal = "local"
	BlobGCS   = "gcs"
	BlobS3    = "s3"
)

// Notification publishers for the mirror and badge.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
	PublisherAMQP   = "amqp"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	FetchCache FetchCacheConfig `mapstructure:"fetch_cache"`
	Lock       LockConfig       `mapstructure:"lock"`
	Detector   DetectorConfig   `mapstructure:"detector"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	Settings   SettingsConfig   `mapstructure:"settings"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the raw fetcher.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// FetchCacheConfig configures the short-lived content cache.
type FetchCacheConfig struct {
	TTLMillis int `mapstructure:"ttl_ms"`
	SoftCap   int `mapstructure:"soft_cap"`
}

// LockConfig configures the per-key mutation lock.
type LockConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// DetectorConfig configures candidate detection.
type DetectorConfig struct {
	ExcludedOrigins []string `mapstructure:"excluded_origins"`
	GuessMapURL     bool     `mapstructure:"guess_map_url"`
	ChromeVersion   string   `mapstructure:"chrome_version"`
}

// ObserverConfig configures headless Chrome observation.
type ObserverConfig struct {
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis      int    `mapstructure:"settle_ms"`
	ExecPath          string `mapstructure:"exec_path"`
}

// StorageConfig selects the versioned store engine and the mirror blob backend.
type StorageConfig struct {
	Engine        string `mapstructure:"engine"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	BlobBackend   string `mapstructure:"blob_backend"`
	Bucket        string `mapstructure:"bucket"`
	Prefix        string `mapstructure:"prefix"`
	LocalBaseDir  string `mapstructure:"local_base_dir"`
	S3Region      string `mapstructure:"s3_region"`
	S3Endpoint    string `mapstructure:"s3_endpoint"`
	S3PathStyle   bool   `mapstructure:"s3_path_style"`
	S3AccessKey   string `mapstructure:"s3_access_key_id"`
	S3SecretKey   string `mapstructure:"s3_secret_access_key"`
	GCSCheckExist bool   `mapstructure:"gcs_verify_bucket"`
}

// MirrorConfig configures the best-effort secondary sync.
type MirrorConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Publisher     string `mapstructure:"publisher"`
	Topic         string `mapstructure:"topic"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	BackoffBaseMs int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs  int    `mapstructure:"backoff_max_ms"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// RateLimitConfig bounds outbound fetches per host.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// IntakeConfig sizes the event queue and worker pool. PubSubSubscription
// additionally pulls events published by remote observers.
type IntakeConfig struct {
	Workers            int    `mapstructure:"workers"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	PubSubSubscription string `mapstructure:"pubsub_subscription"`
}

// SettingsConfig seeds the stored settings row on first access.
type SettingsConfig struct {
	MaxFileSize      int64 `mapstructure:"max_file_size"`
	CleanupThreshold int64 `mapstructure:"cleanup_threshold"`
	RetentionDays    int   `mapstructure:"retention_days"`
	AutoCleanup      bool  `mapstructure:"auto_cleanup"`
	CollectJS        bool  `mapstructure:"collect_js"`
	CollectCSS       bool  `mapstructure:"collect_css"`
	CollectCRX       bool  `mapstructure:"collect_crx"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter     string  `mapstructure:"exporter"`
	ServiceName  string  `mapstructure:"service_name"`
	ProjectID    string  `mapstructure:"project_id"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAPCOLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := collector.DefaultSettings()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.user_agent", "mapcollector/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("fetch_cache.ttl_ms", 5000)
	v.SetDefault("fetch_cache.soft_cap", 100)
	v.SetDefault("lock.timeout_seconds", 10)
	v.SetDefault("detector.excluded_origins", []string{})
	v.SetDefault("detector.guess_map_url", true)
	v.SetDefault("detector.chrome_version", "130.0")
	v.SetDefault("observer.max_parallel", 1)
	v.SetDefault("observer.nav_timeout_seconds", 45)
	v.SetDefault("observer.settle_ms", 1500)
	v.SetDefault("observer.exec_path", "")
	v.SetDefault("storage.engine", EngineSQLite)
	v.SetDefault("storage.sqlite_path", "mapcollector.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("storage.blob_backend", BlobNone)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "mirror")
	v.SetDefault("storage.local_base_dir", "mirror-data")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.s3_access_key_id", "")
	v.SetDefault("storage.s3_secret_access_key", "")
	v.SetDefault("storage.gcs_verify_bucket", true)
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.publisher", PublisherNone)
	v.SetDefault("mirror.topic", "artifact.mirrored")
	v.SetDefault("mirror.max_attempts", 3)
	v.SetDefault("mirror.backoff_base_ms", 250)
	v.SetDefault("mirror.backoff_max_ms", 5000)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "mapcollector")
	v.SetDefault("ratelimit.default_rps", 0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("intake.workers", 4)
	v.SetDefault("intake.queue_depth", 256)
	v.SetDefault("intake.pubsub_subscription", "")
	v.SetDefault("settings.max_file_size", defaults.MaxFileSize)
	v.SetDefault("settings.cleanup_threshold", defaults.CleanupThreshold)
	v.SetDefault("settings.retention_days", defaults.RetentionDays)
	v.SetDefault("settings.auto_cleanup", defaults.AutoCleanup)
	v.SetDefault("settings.collect_js", defaults.CollectJS)
	v.SetDefault("settings.collect_css", defaults.CollectCSS)
	v.SetDefault("settings.collect_crx", defaults.CollectCRX)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.service_name", "mapcollector")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Intake.Workers <= 0 {
		return fmt.Errorf("intake.workers must be > 0")
	}
	if c.Intake.QueueDepth < 0 {
		return fmt.Errorf("intake.queue_depth must be >= 0")
	}
	if c.Intake.PubSubSubscription != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required for intake.pubsub_subscription")
	}
	switch c.Storage.Engine {
	case EngineMemory:
	case EngineSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite engine")
		}
	case EnginePostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres engine")
		}
	default:
		return fmt.Errorf("unknown storage.engine %q", c.Storage.Engine)
	}
	switch c.Storage.BlobBackend {
	case BlobNone, BlobLocal:
	case BlobGCS, BlobS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s blob backend", c.Storage.BlobBackend)
		}
	default:
		return fmt.Errorf("unknown storage.blob_backend %q", c.Storage.BlobBackend)
	}
	if c.Mirror.Enabled && c.Storage.BlobBackend == BlobNone {
		return fmt.Errorf("mirror.enabled requires storage.blob_backend")
	}
	switch c.Mirror.Publisher {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub publisher")
		}
	case PublisherAMQP:
		if c.AMQP.URL == "" {
			return fmt.Errorf("amqp.url is required for the amqp publisher")
		}
	default:
		return fmt.Errorf("unknown mirror.publisher %q", c.Mirror.Publisher)
	}
	switch c.Telemetry.Exporter {
	case "", "none", "otlp", "stdout":
	case "gcp":
		if c.Telemetry.ProjectID == "" {
			return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("unknown telemetry.exporter %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if err := collector.ValidateSettings(c.InitialSettings()); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// InitialSettings converts the settings section into the stored defaults.
func (c Config) InitialSettings() collector.Settings {
	return collector.Settings{
		MaxFileSize:      c.Settings.MaxFileSize,
		CleanupThreshold: c.Settings.CleanupThreshold,
		RetentionDays:    c.Settings.RetentionDays,
		AutoCleanup:      c.Settings.AutoCleanup,
		CollectJS:        c.Settings.CollectJS,
		CollectCSS:       c.Settings.CollectCSS,
		CollectCRX:       c.Settings.CollectCRX,
	}
}

// HTTPTimeout returns the fetch timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// LockTimeout returns the per-key wait limit; zero disables the timeout.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the API handler deadline.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
