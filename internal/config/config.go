package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// Config holds the main configuration for the application.
type Config struct {
	Server       Server     `mapstructure:"server"`
	Paths        Paths      `mapstructure:"paths"`
	Storage      Storage    `mapstructure:"storage"`
	Conversion   Conversion `mapstructure:"conversion"`
	Ledger       Ledger     `mapstructure:"ledger"`
	Catalog      Catalog    `mapstructure:"catalog"`
	Kafka        Kafka      `mapstructure:"kafka"`
	Retry        Retry      `mapstructure:"retry"`
	Batch        Batch      `mapstructure:"batch"`
	Rewrite      Rewrite    `mapstructure:"rewrite"`
	KeepOriginal bool       `mapstructure:"keep_original"` // originals are always retained
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Paths describes where uploads live on disk and how they are served.
type Paths struct {
	UploadDir  string `mapstructure:"upload_dir"`  // root directory of managed uploads
	UploadURL  string `mapstructure:"upload_url"`  // public URL of UploadDir
	ContentDir string `mapstructure:"content_dir"` // markup documents for bulk rewriting
}

// Storage holds configuration for CDN offload.
type Storage struct {
	Enabled      bool          `mapstructure:"enabled"`       // CDN offload toggle
	Driver       string        `mapstructure:"driver"`        // "sigv4" or "minio"
	Provider     string        `mapstructure:"provider"`      // r2, s3, spaces, wasabi, backblaze, custom
	AccountID    string        `mapstructure:"account_id"`    // Cloudflare account (r2 only)
	Region       string        `mapstructure:"region"`        // provider region, "auto" for r2
	Endpoint     string        `mapstructure:"endpoint"`      // custom S3-compatible endpoint
	AccessKey    string        `mapstructure:"access_key"`    // access key ID
	SecretKey    string        `mapstructure:"secret_key"`    // secret access key
	BucketName   string        `mapstructure:"bucket_name"`   // target bucket
	PublicDomain string        `mapstructure:"public_domain"` // public-facing CDN domain
	UseSSL       bool          `mapstructure:"use_ssl"`       // minio driver only
	Timeout      time.Duration `mapstructure:"timeout"`       // per-request timeout
}

// Conversion holds WebP conversion settings.
type Conversion struct {
	UseRemote    bool          `mapstructure:"use_remote"`     // exclusive remote conversion
	RemoteURL    string        `mapstructure:"remote_url"`     // remote conversion endpoint
	RemoteAPIKey string        `mapstructure:"remote_api_key"` // optional X-API-Key
	Timeout      time.Duration `mapstructure:"timeout"`        // remote and local codec timeout
	CWebPPath    string        `mapstructure:"cwebp_path"`     // libwebp encoder binary
	MagickPath   string        `mapstructure:"magick_path"`    // ImageMagick binary
}

// Ledger selects and configures the asset ledger backend.
type Ledger struct {
	Driver   string   `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLite   `mapstructure:"sqlite"`
	Postgres Database `mapstructure:"postgres"`
}

// SQLite holds the SQLite ledger parameters.
type SQLite struct {
	Path     string `mapstructure:"path"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Catalog selects where assets are enumerated from.
type Catalog struct {
	Manifest string `mapstructure:"manifest"` // YAML export of host attachments; empty scans upload_dir
}

// Kafka holds configuration for the asset event queue.
type Kafka struct {
	Enabled bool     `mapstructure:"enabled"`
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Topic   string   `mapstructure:"topic"`    // Kafka topic name
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Batch holds page sizes of the batch driver operations.
type Batch struct {
	ProcessSize int `mapstructure:"process_size"`
	SyncSize    int `mapstructure:"sync_size"`
	RewriteSize int `mapstructure:"rewrite_size"`
}

// Rewrite holds reference rewriting options.
type Rewrite struct {
	PreferredURLKind string `mapstructure:"preferred_url_kind"` // "local" or "cdn"
	CacheSize        int    `mapstructure:"cache_size"`         // resolver LRU size
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// PreferredKind returns the parsed preferred URL kind.
func (r Rewrite) PreferredKind() model.URLKind {
	kind, ok := model.ParseURLKind(r.PreferredURLKind)
	if !ok {
		return model.URLKindLocal
	}
	return kind
}

// setDefaults registers the explicit defaults of every optional key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")

	// Empty defaults make the keys visible to AutomaticEnv.
	for _, key := range []string{
		"paths.upload_dir", "paths.upload_url", "paths.content_dir",
		"storage.account_id", "storage.region", "storage.endpoint",
		"storage.bucket_name", "storage.public_domain",
		"conversion.remote_url", "catalog.manifest",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("storage.enabled", false)
	v.SetDefault("conversion.use_remote", false)
	v.SetDefault("kafka.enabled", false)

	v.SetDefault("storage.driver", "sigv4")
	v.SetDefault("storage.provider", ProviderR2)
	v.SetDefault("storage.timeout", 60*time.Second)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("conversion.timeout", 60*time.Second)
	v.SetDefault("conversion.cwebp_path", "cwebp")
	v.SetDefault("conversion.magick_path", "magick")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.sqlite.path", "./data/ledger.db")
	v.SetDefault("ledger.sqlite.pool_size", 4)
	v.SetDefault("kafka.topic", "asset.uploaded")
	v.SetDefault("kafka.group_id", "webp-offload")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 2*time.Second)
	v.SetDefault("retry.backoff", 2.0)
	v.SetDefault("batch.process_size", 5)
	v.SetDefault("batch.sync_size", 20)
	v.SetDefault("batch.rewrite_size", 10)
	v.SetDefault("rewrite.preferred_url_kind", string(model.URLKindLocal))
	v.SetDefault("rewrite.cache_size", 1024)
	v.SetDefault("keep_original", true)
}

// bindEnv binds secrets and deployment-specific keys to plain environment
// variable names.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"storage.access_key":          "STORAGE_ACCESS_KEY",
		"storage.secret_key":          "STORAGE_SECRET_KEY",
		"conversion.remote_api_key":   "CONVERSION_API_KEY",
		"ledger.postgres.master.host": "DB_HOST",
		"ledger.postgres.master.port": "DB_PORT",
		"ledger.postgres.master.user": "DB_USER",
		"ledger.postgres.master.pass": "DB_PASSWORD",
		"ledger.postgres.master.name": "DB_NAME",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	return nil
}

// Load reads the configuration file at path (optional when empty), applies
// WEBP_-prefixed environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEBP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks required fields and enumerated options once, at
// construction time.
func (c *Config) Validate() error {
	var problems []string

	if c.Paths.UploadDir == "" {
		problems = append(problems, "paths.upload_dir is required")
	}
	if c.Paths.UploadURL == "" {
		problems = append(problems, "paths.upload_url is required")
	}
	if !c.KeepOriginal {
		problems = append(problems, "keep_original=false is not supported: originals are always retained")
	}

	switch c.Storage.Driver {
	case "sigv4", "minio":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of sigv4, minio", c.Storage.Driver))
	}
	if !validProvider(c.Storage.Provider) {
		problems = append(problems, fmt.Sprintf("storage.provider %q is unknown", c.Storage.Provider))
	}
	if c.Storage.Timeout < 60*time.Second {
		problems = append(problems, "storage.timeout must be at least 60s")
	}
	if c.Storage.Enabled {
		if c.Storage.PublicDomain == "" {
			problems = append(problems, "storage.public_domain is required when offload is enabled")
		}
		if c.Storage.Provider == ProviderCustom && c.Storage.Endpoint == "" {
			problems = append(problems, "storage.endpoint is required for the custom provider")
		}
	}

	if c.Conversion.UseRemote && c.Conversion.RemoteURL == "" {
		problems = append(problems, "conversion.remote_url is required when use_remote is set")
	}
	if c.Conversion.Timeout < 60*time.Second {
		problems = append(problems, "conversion.timeout must be at least 60s")
	}

	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.SQLite.Path == "" {
			problems = append(problems, "ledger.sqlite.path is required")
		}
	case "postgres":
		if c.Ledger.Postgres.Master.Host == "" {
			problems = append(problems, "ledger.postgres.master.host is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("ledger.driver %q is not one of sqlite, postgres", c.Ledger.Driver))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.brokers is required when kafka is enabled")
	}
	if _, ok := model.ParseURLKind(c.Rewrite.PreferredURLKind); !ok {
		problems = append(problems, fmt.Sprintf("rewrite.preferred_url_kind %q is not one of local, cdn", c.Rewrite.PreferredURLKind))
	}
	if c.Batch.ProcessSize <= 0 || c.Batch.SyncSize <= 0 || c.Batch.RewriteSize <= 0 {
		problems = append(problems, "batch sizes must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}

	return nil
}
