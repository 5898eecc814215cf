// Package config defines the vault-node configuration surface.
//
// Values are merged from defaults, an optional HCL config file, VAULT_*
// environment variables, and cobra flags, in ascending precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Storage modes.
const (
	ModeMemory = "memory"
	ModeLedger = "ledger"
)

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Limits        LimitsConfig        `mapstructure:"limits"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Pool          PoolConfig          `mapstructure:"pool"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Session       SessionConfig       `mapstructure:"session"`
	KeyIndex      KeyIndexConfig      `mapstructure:"keyindex"`
	Quota         QuotaConfig         `mapstructure:"quota"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type LimitsConfig struct {
	MaxFileSize         int64    `mapstructure:"max_file_size"`
	ChunkSize           int      `mapstructure:"chunk_size"`
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
}

type LedgerConfig struct {
	DefaultBTLDays int           `mapstructure:"default_btl_days"`
	BlocksPerDay   int           `mapstructure:"blocks_per_day"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	GatewayURL     string        `mapstructure:"gateway_url"`
	APIKey         string        `mapstructure:"api_key"`
}

type PoolConfig struct {
	ReadMax        int           `mapstructure:"read_max"`
	WriteMax       int           `mapstructure:"write_max"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type IngestConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type SessionConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type KeyIndexConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	GetTimeout time.Duration `mapstructure:"get_timeout"`
}

type QuotaConfig struct {
	MaxBytes         int64         `mapstructure:"max_bytes"`
	MaxUploadsPerDay int           `mapstructure:"max_uploads_per_day"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	CommitTimeout    time.Duration `mapstructure:"commit_timeout"`
	BypassKey        string        `mapstructure:"bypass_key"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Mode     string        `mapstructure:"mode"`
	Entities BackendConfig `mapstructure:"entities"`
	Index    BackendConfig `mapstructure:"index"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vault"
	}
	return filepath.Join(home, ".vault")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())

	v.SetDefault("limits.max_file_size", int64(50<<20))
	v.SetDefault("limits.chunk_size", 32<<10)
	v.SetDefault("limits.allowed_content_types", []string{
		"text/", "image/", "audio/", "video/",
		"application/json", "application/pdf", "application/zip",
		"application/octet-stream",
	})

	v.SetDefault("ledger.default_btl_days", 30)
	v.SetDefault("ledger.blocks_per_day", 2880)
	v.SetDefault("ledger.call_timeout", "30s")
	v.SetDefault("ledger.gateway_url", "")
	v.SetDefault("ledger.api_key", "")

	v.SetDefault("pool.read_max", 8)
	v.SetDefault("pool.write_max", 4)
	v.SetDefault("pool.idle_timeout", "5m")
	v.SetDefault("pool.health_interval", "30s")
	v.SetDefault("pool.connect_timeout", "10s")

	v.SetDefault("ingest.batch_size", 16)

	v.SetDefault("session.ttl", "2h")

	v.SetDefault("keyindex.ttl", "168h")
	v.SetDefault("keyindex.get_timeout", "5s")

	v.SetDefault("quota.max_bytes", int64(500<<20))
	v.SetDefault("quota.max_uploads_per_day", 100)
	v.SetDefault("quota.cache_ttl", "10m")
	v.SetDefault("quota.commit_timeout", "30s")
	v.SetDefault("quota.bypass_key", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("storage.mode", ModeMemory)
	v.SetDefault("storage.entities.backend", "memory")
	v.SetDefault("storage.index.backend", "memory")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "text")
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "vault-node")
	v.SetDefault("observability.service_version", "dev")
}

// BindServeFlags binds cobra flags to viper for the start command.
func BindServeFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.vault)")
	f.String("mode", "", "storage mode (memory, ledger)")
	f.String("gateway-url", "", "ledger gateway base URL (ledger mode)")
	f.String("redis-addr", "", "redis address for session and key caches")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("storage.mode", f.Lookup("mode"))
	_ = v.BindPFlag("ledger.gateway_url", f.Lookup("gateway-url"))
	_ = v.BindPFlag("redis.addr", f.Lookup("redis-addr"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

// Load reads config from flags, env, and file, returning the merged Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("vault")
		v.SetConfigType("hcl")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.vault")
		v.AddConfigPath("/etc/vault-node")
	}

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) && configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipelines cannot run with.
func (c *Config) Validate() error {
	if c.Storage.Mode != ModeMemory && c.Storage.Mode != ModeLedger {
		return fmt.Errorf("storage.mode must be %q or %q, got %q", ModeMemory, ModeLedger, c.Storage.Mode)
	}
	if c.Storage.Mode == ModeLedger && c.Ledger.GatewayURL == "" {
		return fmt.Errorf("ledger.gateway_url is required in ledger mode")
	}
	if c.Limits.ChunkSize <= 0 {
		return fmt.Errorf("limits.chunk_size must be positive, got %d", c.Limits.ChunkSize)
	}
	if c.Limits.MaxFileSize <= 0 {
		return fmt.Errorf("limits.max_file_size must be positive, got %d", c.Limits.MaxFileSize)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Pool.ReadMax <= 0 || c.Pool.WriteMax <= 0 {
		return fmt.Errorf("pool.read_max and pool.write_max must be positive")
	}
	return nil
}
