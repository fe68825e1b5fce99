// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service modes.
const (
	ModeRelay = "relay"
	ModeProxy = "proxy"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// RequestTimeout bounds every route except the result long-poll.
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RelayConfig governs uploads, forwarding and result polling.
type RelayConfig struct {
	WebhookURL         string        `mapstructure:"webhook_url"`
	FileField          string        `mapstructure:"file_field"`
	JobIDField         string        `mapstructure:"job_id_field"`
	MaxUploadBytes     int64         `mapstructure:"max_upload_bytes"`
	MaxMemoryBytes     int64         `mapstructure:"max_memory_bytes"`
	QueueDepth         int           `mapstructure:"queue_depth"`
	ForwardConcurrency int           `mapstructure:"forward_concurrency"`
	ForwardTimeout     time.Duration `mapstructure:"forward_timeout"`
	EnqueueTimeout     time.Duration `mapstructure:"enqueue_timeout"`
	PollTimeout        time.Duration `mapstructure:"poll_timeout"`
	ResultTTL          time.Duration `mapstructure:"result_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	// StorePollInterval is how often a waiting poll re-reads a shared result
	// store (redis or postgres); zero waits on local delivery only.
	StorePollInterval time.Duration `mapstructure:"store_poll_interval"`
	// UploadRateLimit is the sustained uploads per second allowed per client;
	// zero disables limiting.
	UploadRateLimit   float64 `mapstructure:"upload_rate_limit"`
	UploadBurst       int     `mapstructure:"upload_burst"`
	TrustForwardedFor bool    `mapstructure:"trust_forwarded_for"`
}

// ProxyConfig configures the reverse proxy mode.
type ProxyConfig struct {
	TargetBaseURL string        `mapstructure:"target_base_url"`
	TargetPath    string        `mapstructure:"target_path"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// AuthConfig defines API authentication toggles for the callback route.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig is the cross-origin policy applied in both modes.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// Result store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// StoreConfig selects where results live.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig controls the Postgres result and job history stores.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	JobTable        string        `mapstructure:"job_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig controls the Redis result store.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig controls optional copies of uploaded files.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	// Overwrite lets a later upload replace an archived object of the same name.
	Overwrite bool `mapstructure:"overwrite"`
}

// PubSubConfig holds metadata for lifecycle event publication.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether events should be published to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// RabbitMQConfig holds settings for publishing lifecycle events to RabbitMQ.
type RabbitMQConfig struct {
	URL            string        `mapstructure:"url"`
	Exchange       string        `mapstructure:"exchange"`
	RoutingKey     string        `mapstructure:"routing_key"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Enabled reports whether events should be published to RabbitMQ.
func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

// EventsConfig tunes the lifecycle event hub.
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	ProjectID   string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Hosting platforms inject a bare PORT.
	if err := v.BindEnv("server.port", "RELAY_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

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
	v.SetDefault("mode", ModeRelay)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("relay.webhook_url", "")
	v.SetDefault("relay.file_field", "files")
	v.SetDefault("relay.job_id_field", "jobId")
	v.SetDefault("relay.max_upload_bytes", 32<<20)
	v.SetDefault("relay.max_memory_bytes", 8<<20)
	v.SetDefault("relay.queue_depth", 64)
	v.SetDefault("relay.forward_concurrency", 4)
	v.SetDefault("relay.forward_timeout", "120s")
	v.SetDefault("relay.enqueue_timeout", "5s")
	v.SetDefault("relay.poll_timeout", "300s")
	v.SetDefault("relay.result_ttl", "1h")
	v.SetDefault("relay.sweep_interval", "1m")
	v.SetDefault("relay.store_poll_interval", "500ms")
	v.SetDefault("relay.upload_rate_limit", 0)
	v.SetDefault("relay.upload_burst", 0)
	v.SetDefault("relay.trust_forwarded_for", false)
	v.SetDefault("proxy.target_base_url", "")
	v.SetDefault("proxy.target_path", "/")
	v.SetDefault("proxy.timeout", "300s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{})
	v.SetDefault("cors.allowed_headers", []string{})
	v.SetDefault("cors.exposed_headers", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 0)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "job_results")
	v.SetDefault("store.postgres.job_table", "job_runs")
	v.SetDefault("store.postgres.max_conns", 0)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "0s")
	v.SetDefault("store.postgres.migrate", false)
	v.SetDefault("store.redis.url", "")
	v.SetDefault("store.redis.key_prefix", "relay:result:")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "uploads")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.overwrite", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "relay.events")
	v.SetDefault("rabbitmq.routing_key", "job.lifecycle")
	v.SetDefault("rabbitmq.publish_timeout", "5s")
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "upload-relay")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Mode {
	case ModeRelay:
		return c.validateRelay()
	case ModeProxy:
		return c.validateProxy()
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeRelay, ModeProxy, c.Mode)
	}
}

func (c Config) validateRelay() error {
	if err := validateHTTPURL(c.Relay.WebhookURL); err != nil {
		return fmt.Errorf("relay.webhook_url: %w", err)
	}
	if c.Relay.FileField == "" || c.Relay.JobIDField == "" {
		return fmt.Errorf("relay.file_field and relay.job_id_field must be set")
	}
	if c.Relay.ForwardConcurrency <= 0 {
		return fmt.Errorf("relay.forward_concurrency must be > 0")
	}
	if c.Relay.QueueDepth < 0 {
		return fmt.Errorf("relay.queue_depth must be >= 0")
	}
	if c.Relay.MaxUploadBytes <= 0 {
		return fmt.Errorf("relay.max_upload_bytes must be > 0")
	}
	if c.Relay.PollTimeout <= 0 {
		return fmt.Errorf("relay.poll_timeout must be > 0")
	}
	if c.Relay.ResultTTL < 0 {
		return fmt.Errorf("relay.result_ttl must be >= 0")
	}
	if c.Relay.ResultTTL > 0 && c.Relay.SweepInterval <= 0 {
		return fmt.Errorf("relay.sweep_interval must be > 0 when relay.result_ttl is set")
	}
	if c.Relay.StorePollInterval < 0 {
		return fmt.Errorf("relay.store_poll_interval must be >= 0")
	}
	if c.Relay.UploadRateLimit < 0 || c.Relay.UploadBurst < 0 {
		return fmt.Errorf("relay.upload_rate_limit and relay.upload_burst must be >= 0")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case StoreRedis:
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("store.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.RabbitMQ.Enabled() && c.RabbitMQ.RoutingKey == "" {
		return fmt.Errorf("rabbitmq.routing_key is required when rabbitmq.url is set")
	}
	return nil
}

func (c Config) validateProxy() error {
	if err := validateHTTPURL(c.Proxy.TargetBaseURL); err != nil {
		return fmt.Errorf("proxy.target_base_url: %w", err)
	}
	if !strings.HasPrefix(c.Proxy.TargetPath, "/") {
		return fmt.Errorf("proxy.target_path must start with /")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL")
	}
	return nil
}
