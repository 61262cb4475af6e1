package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StartupMode defines how Chimera handles initialization failures
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default)
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds all data directory and file path configuration
// These paths can be overridden via environment variables
type DataPaths struct {
	// DataDir is the base data directory (CHIMERA_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (CHIMERA_SQLITE_PATH, default: ${DataDir}/chimera.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// MappingsDir holds ingest field-mapping profiles (CHIMERA_MAPPINGS_DIR, default: ${DataDir}/mappings)
	MappingsDir string `mapstructure:"mappings_dir"`
}

// StorageConfig selects the primary alert store and its read cache.
type StorageConfig struct {
	// Backend is the primary alert store: "sqlite" (default) or "mongodb"
	Backend string `mapstructure:"backend"`
	// AlertCacheSize is the LRU read-cache capacity in alerts (0 disables)
	AlertCacheSize int `mapstructure:"alert_cache_size"`
}

// MongoDBConfig configures the optional MongoDB alert store backend.
type MongoDBConfig struct {
	URI            string `mapstructure:"uri"`
	Database       string `mapstructure:"database"`
	MaxPoolSize    uint64 `mapstructure:"max_pool_size"`
	ConnectTimeout int    `mapstructure:"connect_timeout"` // seconds
}

// RedisConfig configures the fingerprint index and statistics cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ClickHouseConfig configures the merge audit sink.
type ClickHouseConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	Database    string `mapstructure:"database"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TLS         bool   `mapstructure:"tls"`
	MaxPoolSize int    `mapstructure:"max_pool_size"`
	AuditTTL    int    `mapstructure:"audit_ttl"` // days
}

// EngineConfig holds the correlation and deduplication tunables.
type EngineConfig struct {
	// WindowMinutes is the half-width of the candidate window in minutes
	WindowMinutes int `mapstructure:"window_minutes"`
	// Threshold is the minimum correlation score for a match (0..1)
	Threshold float64 `mapstructure:"threshold"`
	// MaxResults caps a single correlation result set
	MaxResults int `mapstructure:"max_results"`
	// AttachCorrelated controls whether submissions that stay active carry
	// their correlated neighbors in the result
	AttachCorrelated bool `mapstructure:"attach_correlated"`
}

// APIConfig configures the HTTP/WebSocket surface.
type APIConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// ReadTimeout and WriteTimeout are in seconds
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
}

// IngestConfig bounds the alert intake surface.
type IngestConfig struct {
	// MaxBatch is the maximum alerts accepted in one msgpack batch
	MaxBatch int `mapstructure:"max_batch"`
	// MaxBodyBytes bounds a single request body
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// DefaultProfile is the mapping profile used when the request names none
	DefaultProfile string `mapstructure:"default_profile"`
}

// WebhookConfig configures the outbound merge-event webhook.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Timeout int    `mapstructure:"timeout"` // seconds
	// RequestsPerSecond and Burst feed the client-side rate limiter
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	AllowLocalhost    bool    `mapstructure:"allow_localhost"`
	AllowPrivateIPs   bool    `mapstructure:"allow_private_ips"`
}

// NATSConfig configures the merge-event broker publisher.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Subject       string `mapstructure:"subject"`
	Name          string `mapstructure:"name"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	ReconnectWait int    `mapstructure:"reconnect_wait"` // seconds
}

// NotifyConfig groups the merge-event delivery channels.
type NotifyConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// StatsConfig controls the correlation statistics endpoint.
type StatsConfig struct {
	// CacheTTL is how long computed statistics stay cached, in seconds
	CacheTTL int `mapstructure:"cache_ttl"`
}

// VaultConfig holds HashiCorp Vault connection settings.
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Path    string `mapstructure:"path"`
}

// AWSConfig holds AWS Secrets Manager settings.
type AWSConfig struct {
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	SecretID  string `mapstructure:"secret_id"`
}

// SecretsConfig selects the secret provider.
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env, vault, aws
	Vault    VaultConfig `mapstructure:"vault"`
	AWS      AWSConfig   `mapstructure:"aws"`
}

// Config holds all configuration for the Chimera service
type Config struct {
	// StartupMode controls how initialization failures are handled
	// "strict" (default): Fail fast on any error
	// "graceful": Start with degraded functionality, log warnings
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths  DataPaths        `mapstructure:"data_paths"`
	Storage    StorageConfig    `mapstructure:"storage"`
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Engine     EngineConfig     `mapstructure:"engine"`
	API        APIConfig        `mapstructure:"api"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	// Data paths with environment variable overrides
	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "")  // Empty = derive from data_dir
	viper.SetDefault("data_paths.mappings_dir", "") // Empty = derive from data_dir

	viper.SetDefault("storage.backend", "sqlite")
	viper.SetDefault("storage.alert_cache_size", 4096)

	viper.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongodb.database", "chimera")
	viper.SetDefault("mongodb.max_pool_size", 10)
	viper.SetDefault("mongodb.connect_timeout", 10)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	// Use 127.0.0.1 instead of localhost to avoid IPv6 resolution issues on Windows
	viper.SetDefault("clickhouse.enabled", false)
	viper.SetDefault("clickhouse.addr", "127.0.0.1:9000")
	viper.SetDefault("clickhouse.database", "chimera")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.tls", false)
	viper.SetDefault("clickhouse.max_pool_size", 10)
	viper.SetDefault("clickhouse.audit_ttl", 90)

	viper.SetDefault("engine.window_minutes", 60)
	viper.SetDefault("engine.threshold", 0.3)
	viper.SetDefault("engine.max_results", 50)
	viper.SetDefault("engine.attach_correlated", true)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8081)
	viper.SetDefault("api.allowed_origins", []string{"http://localhost:3000"})
	viper.SetDefault("api.read_timeout", 30)
	viper.SetDefault("api.write_timeout", 30)

	viper.SetDefault("ingest.max_batch", 500)
	viper.SetDefault("ingest.max_body_bytes", 1048576) // 1MB
	viper.SetDefault("ingest.default_profile", "default")

	viper.SetDefault("notify.webhook.enabled", false)
	viper.SetDefault("notify.webhook.url", "")
	viper.SetDefault("notify.webhook.timeout", 10)
	viper.SetDefault("notify.webhook.requests_per_second", 5.0)
	viper.SetDefault("notify.webhook.burst", 10)
	viper.SetDefault("notify.webhook.allow_localhost", false)
	viper.SetDefault("notify.webhook.allow_private_ips", false)

	viper.SetDefault("notify.nats.enabled", false)
	viper.SetDefault("notify.nats.url", "nats://localhost:4222")
	viper.SetDefault("notify.nats.subject", "chimera.merges")
	viper.SetDefault("notify.nats.name", "chimera")
	viper.SetDefault("notify.nats.max_reconnects", 10)
	viper.SetDefault("notify.nats.reconnect_wait", 2)

	viper.SetDefault("stats.cache_ttl", 60)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("CHIMERA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Explicit environment variable bindings for path settings
	// These allow shorter, cleaner env var names
	_ = viper.BindEnv("startup_mode", "CHIMERA_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "CHIMERA_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "CHIMERA_SQLITE_PATH")
	_ = viper.BindEnv("data_paths.mappings_dir", "CHIMERA_MAPPINGS_DIR")
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths resolves all data paths, deriving from DataDir if not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "chimera.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.MappingsDir == "" {
		c.DataPaths.MappingsDir = filepath.Join(dataDir, "mappings")
	} else if !filepath.IsAbs(c.DataPaths.MappingsDir) {
		c.DataPaths.MappingsDir = filepath.Clean(c.DataPaths.MappingsDir)
	}

	c.DataPaths.DataDir = dataDir
}

// GetDataDir returns the resolved base data directory
func (c *Config) GetDataDir() string {
	if c.DataPaths.DataDir == "" {
		return "./data"
	}
	return c.DataPaths.DataDir
}

// GetSQLitePath returns the resolved SQLite database path
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.GetDataDir(), "chimera.db")
	}
	return c.DataPaths.SQLitePath
}

// GetMappingsDir returns the resolved ingest mapping profiles directory
func (c *Config) GetMappingsDir() string {
	if c.DataPaths.MappingsDir == "" {
		return filepath.Join(c.GetDataDir(), "mappings")
	}
	return c.DataPaths.MappingsDir
}

// IsGracefulMode returns true if the startup mode is graceful
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// Window returns the configured candidate window as a duration.
func (c *Config) Window() time.Duration {
	if c.Engine.WindowMinutes <= 0 {
		return 60 * time.Minute
	}
	return time.Duration(c.Engine.WindowMinutes) * time.Minute
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	switch config.StartupMode {
	case "", StartupModeStrict, StartupModeGraceful:
	default:
		return fmt.Errorf("invalid startup_mode: %s (must be strict or graceful)", config.StartupMode)
	}

	switch config.Storage.Backend {
	case "sqlite", "mongodb":
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be sqlite or mongodb)", config.Storage.Backend)
	}

	if config.Storage.Backend == "mongodb" {
		if !strings.HasPrefix(config.MongoDB.URI, "mongodb://") && !strings.HasPrefix(config.MongoDB.URI, "mongodb+srv://") {
			return fmt.Errorf("invalid MongoDB URI: must start with mongodb:// or mongodb+srv://")
		}
		parsed, err := url.Parse(config.MongoDB.URI)
		if err != nil {
			return fmt.Errorf("invalid MongoDB URI: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("invalid MongoDB URI: missing host")
		}
		if config.MongoDB.Database == "" {
			return fmt.Errorf("MongoDB database cannot be empty")
		}
	}

	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d (must be 1-65535)", config.API.Port)
	}

	if config.Engine.WindowMinutes < 1 {
		return fmt.Errorf("engine.window_minutes must be positive, got %d", config.Engine.WindowMinutes)
	}
	if config.Engine.Threshold < 0 || config.Engine.Threshold > 1 {
		return fmt.Errorf("engine.threshold must be between 0 and 1, got %v", config.Engine.Threshold)
	}
	if config.Engine.MaxResults < 1 {
		return fmt.Errorf("engine.max_results must be positive, got %d", config.Engine.MaxResults)
	}

	if config.Ingest.MaxBatch < 1 {
		return fmt.Errorf("ingest.max_batch must be positive, got %d", config.Ingest.MaxBatch)
	}
	if config.Ingest.MaxBodyBytes < 1024 {
		return fmt.Errorf("ingest.max_body_bytes must be at least 1024, got %d", config.Ingest.MaxBodyBytes)
	}

	if config.Notify.Webhook.Enabled {
		if config.Notify.Webhook.URL == "" {
			return fmt.Errorf("notify.webhook.url cannot be empty when the webhook channel is enabled")
		}
		parsed, err := url.Parse(config.Notify.Webhook.URL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("invalid notify.webhook.url: %s", config.Notify.Webhook.URL)
		}
		if config.Notify.Webhook.Timeout < 1 || config.Notify.Webhook.Timeout > 60 {
			return fmt.Errorf("notify.webhook.timeout must be between 1 and 60 seconds, got %d", config.Notify.Webhook.Timeout)
		}
		if config.Notify.Webhook.RequestsPerSecond <= 0 {
			return fmt.Errorf("notify.webhook.requests_per_second must be positive, got %v", config.Notify.Webhook.RequestsPerSecond)
		}
	}

	if config.Notify.NATS.Enabled {
		if config.Notify.NATS.URL == "" {
			return fmt.Errorf("notify.nats.url cannot be empty when the NATS channel is enabled")
		}
		if config.Notify.NATS.Subject == "" {
			return fmt.Errorf("notify.nats.subject cannot be empty when the NATS channel is enabled")
		}
	}

	if config.ClickHouse.Enabled {
		if config.ClickHouse.Addr == "" {
			return fmt.Errorf("clickhouse.addr cannot be empty when the audit sink is enabled")
		}
		if config.ClickHouse.AuditTTL < 1 {
			return fmt.Errorf("clickhouse.audit_ttl must be at least 1 day, got %d", config.ClickHouse.AuditTTL)
		}
	}

	if config.Stats.CacheTTL < 0 {
		return fmt.Errorf("stats.cache_ttl cannot be negative, got %d", config.Stats.CacheTTL)
	}

	return nil
}
