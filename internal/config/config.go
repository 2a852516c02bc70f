// Package config provides configuration loading and validation for the
// KawPoW solo-mining Stratum server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mining   MiningConfig   `yaml:"mining"`
	VarDiff  VarDiffConfig  `yaml:"vardiff"`
	Upstream UpstreamConfig `yaml:"rpc"`
	Coin     CoinConfig     `yaml:"coin"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds TCP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
	TLS            TLSConfig     `yaml:"tls"`
	Metrics        MetricsConfig `yaml:"metrics"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MiningConfig holds job-assembly settings.
type MiningConfig struct {
	// PortDiff is the initial per-client difficulty. Zero means "derive the
	// geometric mean of vardiff.min_diff/max_diff" per spec §4.3.
	PortDiff int `yaml:"port_diff"`

	Extranonce1Size     int           `yaml:"extranonce1_size"`
	BlockPollInterval   time.Duration `yaml:"block_poll_interval_ms"`
	JobUpdateInterval   time.Duration `yaml:"job_update_interval"`
	EpochLength         uint64        `yaml:"epoch_length"`
}

// VarDiffConfig holds variable-difficulty engine settings (spec §4.3).
type VarDiffConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MinDiff           float64 `yaml:"min_diff"`
	MaxDiff           float64 `yaml:"max_diff"`
	TargetShareTime   float64 `yaml:"target_share_time"`
	RetargetTime      float64 `yaml:"retarget_time"`
	VariancePercent   float64 `yaml:"variance_percent"`
	AdjustmentFactor  float64 `yaml:"adjustment_factor"`
	UseProportional   bool    `yaml:"use_proportional"`
}

// UpstreamConfig holds the coin daemon JSON-RPC connection settings.
type UpstreamConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	User                 string        `yaml:"user"`
	Password             string        `yaml:"password"`
	Timeout              time.Duration `yaml:"timeout"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	StartupRetryAttempts int           `yaml:"startup_retry_attempts"`
	StartupRetryDelay    time.Duration `yaml:"startup_retry_delay"`
}

// CoinConfig holds coin-specific addressing and branding.
type CoinConfig struct {
	CoinbaseAddress string `yaml:"coinbase_address"`
	BlockBrand      string `yaml:"block_brand"`
}

// RedisConfig holds Redis connection settings, used for miner presence and
// job-cache diagnostics (not the correctness-critical duplicate-share path).
type RedisConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	WorkerTTL time.Duration `yaml:"worker_ttl"`
}

// PostgresConfig holds PostgreSQL connection settings for the found-block
// journal.
type PostgresConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Database       string        `yaml:"database"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	MaxConnections int           `yaml:"max_connections"`
	MinConnections int           `yaml:"min_connections"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
	Debug    bool   `yaml:"debug"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables so secrets (rpc password, etc.) need not
	// be committed to the file on disk.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unset configuration options.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3333
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 5 * time.Minute
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 10 * time.Minute
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 5 * time.Second
	}
	if cfg.Server.Metrics.Port == 0 {
		cfg.Server.Metrics.Port = 9090
	}

	if cfg.Mining.Extranonce1Size == 0 {
		cfg.Mining.Extranonce1Size = 4
	}
	if cfg.Mining.BlockPollInterval == 0 {
		cfg.Mining.BlockPollInterval = 250 * time.Millisecond
	}
	if cfg.Mining.JobUpdateInterval == 0 {
		cfg.Mining.JobUpdateInterval = 55 * time.Second
	}
	if cfg.Mining.EpochLength == 0 {
		cfg.Mining.EpochLength = 7500
	}

	if cfg.VarDiff.MinDiff == 0 {
		cfg.VarDiff.MinDiff = 0.001
	}
	if cfg.VarDiff.MaxDiff == 0 {
		cfg.VarDiff.MaxDiff = 1000000.0
	}
	if cfg.VarDiff.TargetShareTime == 0 {
		cfg.VarDiff.TargetShareTime = 10
	}
	if cfg.VarDiff.RetargetTime == 0 {
		cfg.VarDiff.RetargetTime = 90
	}
	if cfg.VarDiff.VariancePercent == 0 {
		cfg.VarDiff.VariancePercent = 0.3
	}
	if cfg.VarDiff.AdjustmentFactor == 0 {
		cfg.VarDiff.AdjustmentFactor = 2.0
	}

	if cfg.Upstream.Timeout == 0 {
		cfg.Upstream.Timeout = 30 * time.Second
	}
	if cfg.Upstream.RetryAttempts == 0 {
		cfg.Upstream.RetryAttempts = 5
	}
	if cfg.Upstream.RetryDelay == 0 {
		cfg.Upstream.RetryDelay = time.Second
	}
	if cfg.Upstream.StartupRetryAttempts == 0 {
		cfg.Upstream.StartupRetryAttempts = 10
	}
	if cfg.Upstream.StartupRetryDelay == 0 {
		cfg.Upstream.StartupRetryDelay = 3 * time.Second
	}

	if cfg.Coin.BlockBrand == "" {
		cfg.Coin.BlockBrand = "/kawpowd/"
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "kawpowd:"
	}
	if cfg.Redis.WorkerTTL == 0 {
		cfg.Redis.WorkerTTL = 5 * time.Minute
	}

	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.MinConnections == 0 {
		cfg.Postgres.MinConnections = 2
	}
	if cfg.Postgres.ConnectTimeout == 0 {
		cfg.Postgres.ConnectTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// validate checks the configuration for required fields and valid values.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS enabled but cert_file not specified")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS enabled but key_file not specified")
		}
	}

	if cfg.VarDiff.MinDiff <= 0 || cfg.VarDiff.MaxDiff <= 0 {
		return fmt.Errorf("vardiff min_diff and max_diff must be positive")
	}
	if cfg.VarDiff.MinDiff >= cfg.VarDiff.MaxDiff {
		return fmt.Errorf("vardiff min_diff must be less than max_diff")
	}

	if cfg.Mining.Extranonce1Size < 1 || cfg.Mining.Extranonce1Size > 8 {
		return fmt.Errorf("invalid extranonce1_size: %d", cfg.Mining.Extranonce1Size)
	}

	if cfg.Coin.CoinbaseAddress == "" {
		return fmt.Errorf("coin.coinbase_address must be set")
	}

	if cfg.Upstream.Host == "" {
		return fmt.Errorf("rpc.host must be set")
	}

	return nil
}
