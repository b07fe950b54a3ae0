// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jobrunner/vicinus/internal/domain"
)

// EnvPrefix is the prefix of all configuration environment variables.
const EnvPrefix = "VICINUS"

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Search   SearchConfig   `mapstructure:"search"`
	Datasets DatasetsConfig `mapstructure:"datasets"`
	TLS      TLSConfig      `mapstructure:"tls"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string          `mapstructure:"host"`
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	CORS            CORSConfig      `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Rate    float64 `mapstructure:"rate"` // requests per second
	Burst   int     `mapstructure:"burst"`
}

// Store types.
const (
	StoreMemory     = "memory"
	StoreBadger     = "badger"
	StoreSQLite     = "sqlite"
	StoreSpatiaLite = "spatialite"
	StorePostGIS    = "postgis"
)

// StoreConfig selects and configures the geometry store.
type StoreConfig struct {
	Type         string      `mapstructure:"type"`
	Path         string      `mapstructure:"path"` // badger directory or sqlite/spatialite file
	DSN          string      `mapstructure:"dsn"`  // postgis connection string
	MaxOpenConns int         `mapstructure:"max_open_conns"`
	MaxIdleConns int         `mapstructure:"max_idle_conns"`
	CreateSchema bool        `mapstructure:"create_schema"`
	Table        TableConfig `mapstructure:"table"`
}

// TableConfig names the table and columns SQL stores read items from.
type TableConfig struct {
	Name     string `mapstructure:"name"`
	ID       string `mapstructure:"id_column"`
	Layer    string `mapstructure:"layer_column"`
	RefSys   string `mapstructure:"ref_sys_column"`
	Dataset  string `mapstructure:"dataset_column"`
	Geometry string `mapstructure:"geometry_column"`
	SRID     int    `mapstructure:"srid"`
}

// SearchConfig tunes the neighbor searches.
type SearchConfig struct {
	InitialGuess  float64       `mapstructure:"initial_guess"` // degrees per neighbor
	MaxRadius     float64       `mapstructure:"max_radius"`    // degrees
	KmPerDegree   float64       `mapstructure:"km_per_degree"`
	DefaultRefSys string        `mapstructure:"default_ref_sys"`
	MaxK          int           `mapstructure:"max_k"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// DatasetsConfig configures where datasets come from and how they are loaded.
type DatasetsConfig struct {
	LocalPath       string        `mapstructure:"local_path"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"` // 0 disables periodic sync
	SyncCooldown    time.Duration `mapstructure:"sync_cooldown"`
	Watch           bool          `mapstructure:"watch"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
	LoadConcurrency int           `mapstructure:"load_concurrency"`
	Storage         StorageConfig `mapstructure:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // local, s3, azure, http, minio
	S3    S3Config    `mapstructure:"s3"`
	Azure AzureConfig `mapstructure:"azure"`
	HTTP  HTTPConfig  `mapstructure:"http"`
	MinIO MinIOConfig `mapstructure:"minio"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// MinIOConfig holds MinIO configuration.
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Domains  []string     `mapstructure:"domains"`
	Email    string       `mapstructure:"email"`
	CacheDir string       `mapstructure:"cache_dir"`
	Staging  bool         `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      TLSDNSConfig `mapstructure:"dns"`
}

// TLSDNSConfig holds the Azure DNS settings for DNS-01 challenges.
type TLSDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values on v.
func Defaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.rate", 100.0)
	v.SetDefault("server.rate_limit.burst", 200)
	v.SetDefault("server.cors.allowed_origins", []string{})

	// Store defaults
	v.SetDefault("store.type", StoreMemory)
	v.SetDefault("store.path", "./store")
	v.SetDefault("store.create_schema", true)
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.table.name", "spatial_items")
	v.SetDefault("store.table.id_column", "item_id")
	v.SetDefault("store.table.layer_column", "layer_name")
	v.SetDefault("store.table.ref_sys_column", "ref_sys_name")
	v.SetDefault("store.table.dataset_column", "dataset")
	v.SetDefault("store.table.geometry_column", "geometry")
	v.SetDefault("store.table.srid", domain.SRIDWGS84)

	// Search defaults
	v.SetDefault("search.initial_guess", 0.01)
	v.SetDefault("search.max_radius", 180.0)
	v.SetDefault("search.km_per_degree", 112.0)
	v.SetDefault("search.default_ref_sys", domain.DefaultRefSys)
	v.SetDefault("search.max_k", 1000)
	v.SetDefault("search.timeout", 30*time.Second)

	// Dataset defaults
	v.SetDefault("datasets.local_path", "./data")
	v.SetDefault("datasets.sync_interval", time.Duration(0))
	v.SetDefault("datasets.sync_cooldown", 30*time.Second)
	v.SetDefault("datasets.watch", false)
	v.SetDefault("datasets.watch_debounce", 500*time.Millisecond)
	v.SetDefault("datasets.load_concurrency", 4)
	v.SetDefault("datasets.storage.type", "local")
	v.SetDefault("datasets.storage.http.index_file", "index.txt")
	v.SetDefault("datasets.storage.http.timeout", 5*time.Minute)
	v.SetDefault("datasets.storage.minio.use_ssl", true)

	// TLS defaults
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cache_dir", "./.certmagic")
	v.SetDefault("tls.staging", false)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "vicinus")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Option adjusts the viper instance Load reads from.
type Option func(v *viper.Viper) error

// WithFlags binds command line flags to config keys. A flag only
// overrides the other sources when it was set explicitly.
func WithFlags(flags map[string]*pflag.Flag) Option {
	return func(v *viper.Viper) error {
		for key, flag := range flags {
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return fmt.Errorf("binding flag %s: %w", flag.Name, err)
			}
		}
		return nil
	}
}

// Load loads configuration from an optional .env file, the environment and
// an optional config file. Flags win over the environment, which wins over
// the file.
func Load(configPath string, opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading .env file: %w", err)
	}

	v := viper.New()
	Defaults(v)

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	// Environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/vicinus")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &domain.ConfigError{Field: "server.port", Message: fmt.Sprintf("invalid port %d", c.Server.Port)}
	}
	if c.Server.RateLimit.Enabled && (c.Server.RateLimit.Rate <= 0 || c.Server.RateLimit.Burst < 1) {
		return &domain.ConfigError{Field: "server.rate_limit", Message: "rate and burst must be positive"}
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return &domain.ConfigError{Field: "tls.domains", Message: "TLS enabled but no domains specified"}
		}
		if c.TLS.Email == "" {
			return &domain.ConfigError{Field: "tls.email", Message: "TLS enabled but no email specified"}
		}
	}

	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Search.validate(); err != nil {
		return err
	}
	return c.Datasets.validate()
}

func (c *StoreConfig) validate() error {
	switch c.Type {
	case StoreMemory:
	case StoreBadger, StoreSQLite, StoreSpatiaLite:
		if c.Path == "" {
			return &domain.ConfigError{Field: "store.path", Message: c.Type + " store needs a path"}
		}
	case StorePostGIS:
		if c.DSN == "" {
			return &domain.ConfigError{Field: "store.dsn", Message: "postgis store needs a DSN"}
		}
	default:
		return &domain.ConfigError{Field: "store.type", Message: fmt.Sprintf("unknown store type %q", c.Type)}
	}
	if c.Table.SRID <= 0 {
		return &domain.ConfigError{Field: "store.table.srid", Message: "must be positive"}
	}
	return nil
}

func (c *SearchConfig) validate() error {
	if c.InitialGuess <= 0 {
		return &domain.ConfigError{Field: "search.initial_guess", Message: "must be positive"}
	}
	if c.MaxRadius <= 0 || c.MaxRadius > 180 {
		return &domain.ConfigError{Field: "search.max_radius", Message: "must be in (0, 180]"}
	}
	if c.KmPerDegree <= 0 {
		return &domain.ConfigError{Field: "search.km_per_degree", Message: "must be positive"}
	}
	if c.DefaultRefSys == "" {
		return &domain.ConfigError{Field: "search.default_ref_sys", Message: "is required"}
	}
	if c.MaxK < 0 {
		return &domain.ConfigError{Field: "search.max_k", Message: "must not be negative"}
	}
	return nil
}

// storageTypes lists the supported dataset storage backends.
var storageTypes = []string{"local", "s3", "azure", "http", "minio"}

func (c *DatasetsConfig) validate() error {
	if c.LocalPath == "" {
		return &domain.ConfigError{Field: "datasets.local_path", Message: "is required"}
	}
	if c.SyncInterval < 0 {
		return &domain.ConfigError{Field: "datasets.sync_interval", Message: "must not be negative"}
	}

	s := c.Storage
	if !slices.Contains(storageTypes, s.Type) {
		return &domain.ConfigError{Field: "datasets.storage.type", Message: fmt.Sprintf("unknown storage type %q", s.Type)}
	}
	switch s.Type {
	case "s3":
		if s.S3.Bucket == "" {
			return &domain.ConfigError{Field: "datasets.storage.s3.bucket", Message: "S3 bucket is required"}
		}
		if s.S3.Region == "" {
			return &domain.ConfigError{Field: "datasets.storage.s3.region", Message: "S3 region is required"}
		}
	case "azure":
		if s.Azure.Container == "" {
			return &domain.ConfigError{Field: "datasets.storage.azure.container", Message: "azure container is required"}
		}
		if s.Azure.AccountName == "" && s.Azure.ConnectionString == "" {
			return &domain.ConfigError{Field: "datasets.storage.azure", Message: "account name or connection string is required"}
		}
	case "http":
		if s.HTTP.BaseURL == "" {
			return &domain.ConfigError{Field: "datasets.storage.http.base_url", Message: "HTTP base URL is required"}
		}
	case "minio":
		if s.MinIO.Endpoint == "" || s.MinIO.Bucket == "" {
			return &domain.ConfigError{Field: "datasets.storage.minio", Message: "endpoint and bucket are required"}
		}
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
