package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Session   SessionConfig   `mapstructure:"session"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Policy    PolicyConfig    `mapstructure:"policy"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	APIPort      int    `mapstructure:"api_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	APIRateLimit int    `mapstructure:"api_rate_limit"` // requests per minute per client IP
}

// DownloadsConfig bounds the download workload
type DownloadsConfig struct {
	Dir              string `mapstructure:"dir"`
	MaxConcurrent    int    `mapstructure:"max_concurrent"`
	MaxFileSizeMB    int64  `mapstructure:"max_file_size_mb"`
	BatchConcurrency int    `mapstructure:"batch_concurrency"`
	MaxPlaylistItems int    `mapstructure:"max_playlist_items"`
	EnablePlaylists  bool   `mapstructure:"enable_playlists"`
}

// MaxFileSize returns the size cap in bytes.
func (d DownloadsConfig) MaxFileSize() int64 {
	return d.MaxFileSizeMB * 1024 * 1024
}

// RateLimitConfig defines per-user admission
type RateLimitConfig struct {
	PerUserPerHour int `mapstructure:"per_user_per_hour"`
}

// SessionConfig defines interactive session lifetime
type SessionConfig struct {
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

// TTL returns the inactivity expiry.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// ProgressConfig defines progress reporting cadence
type ProgressConfig struct {
	IntervalMS int `mapstructure:"interval_ms"`
	Buffer     int `mapstructure:"buffer"`
}

// Interval returns the throttle gate.
func (p ProgressConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// FetcherConfig defines the yt-dlp backend
type FetcherConfig struct {
	Binary            string   `mapstructure:"binary"`
	CookiesFile       string   `mapstructure:"cookies_file"`
	Proxy             string   `mapstructure:"proxy"`
	SocketTimeout     string   `mapstructure:"socket_timeout"`
	ResolveTimeout    string   `mapstructure:"resolve_timeout"`
	SubtitleLanguages []string `mapstructure:"subtitle_languages"`
	DefaultQuality    int      `mapstructure:"default_quality"`
	InfoCacheSize     int      `mapstructure:"info_cache_size"`
	InfoCacheTTL      string   `mapstructure:"info_cache_ttl"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type         string      `mapstructure:"type"` // memory, redis or sqlite
	Path         string      `mapstructure:"path"`
	HistoryLimit int         `mapstructure:"history_limit"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the redis connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig defines the access policy inputs
type PolicyConfig struct {
	Dir        string   `mapstructure:"dir"` // optional directory of *.rego files replacing the built-in policy
	AdminIDs   []string `mapstructure:"admin_ids"`
	BannedIDs  []string `mapstructure:"banned_ids"`
	AllowedIDs []string `mapstructure:"allowed_ids"` // empty allows everyone not banned
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := New(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return Decode(v)
}

// New returns a viper instance with defaults and environment binding set up.
func New(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("KFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Decode unmarshals and validates a configured viper instance.
func Decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns every configuration key the application reads.
func KnownKeys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	return keys
}

// UnknownKeys lists keys set in the file at path that the application
// does not read, usually typos.
func UnknownKeys(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := KnownKeys()
	var unknown []string
	for _, k := range v.AllKeys() {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.api_rate_limit", 120)

	// Download defaults
	v.SetDefault("downloads.dir", "/var/lib/kfetch/downloads")
	v.SetDefault("downloads.max_concurrent", 5)
	v.SetDefault("downloads.max_file_size_mb", 2000)
	v.SetDefault("downloads.batch_concurrency", 3)
	v.SetDefault("downloads.max_playlist_items", 50)
	v.SetDefault("downloads.enable_playlists", true)

	v.SetDefault("rate_limit.per_user_per_hour", 10)

	v.SetDefault("session.ttl_seconds", 600)
	v.SetDefault("session.sweep_interval", "1m")

	v.SetDefault("progress.interval_ms", 2000)
	v.SetDefault("progress.buffer", 64)

	// Fetcher defaults
	v.SetDefault("fetcher.binary", "yt-dlp")
	v.SetDefault("fetcher.cookies_file", "")
	v.SetDefault("fetcher.proxy", "")
	v.SetDefault("fetcher.socket_timeout", "30s")
	v.SetDefault("fetcher.resolve_timeout", "60s")
	v.SetDefault("fetcher.subtitle_languages", []string{"ar", "en", "fr", "es", "de", "ru"})
	v.SetDefault("fetcher.default_quality", 720)
	v.SetDefault("fetcher.info_cache_size", 256)
	v.SetDefault("fetcher.info_cache_ttl", "10m")

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "/var/lib/kfetch/kfetch.db")
	v.SetDefault("storage.history_limit", 100)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("policy.dir", "")
	v.SetDefault("policy.admin_ids", []string{})
	v.SetDefault("policy.banned_ids", []string{})
	v.SetDefault("policy.allowed_ids", []string{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	d := cfg.Downloads
	if d.MaxConcurrent <= 0 {
		return fmt.Errorf("downloads.max_concurrent must be positive, got %d", d.MaxConcurrent)
	}
	if d.BatchConcurrency <= 0 {
		return fmt.Errorf("downloads.batch_concurrency must be positive, got %d", d.BatchConcurrency)
	}
	if d.BatchConcurrency > d.MaxConcurrent {
		return fmt.Errorf("downloads.batch_concurrency (%d) must not exceed downloads.max_concurrent (%d)",
			d.BatchConcurrency, d.MaxConcurrent)
	}
	if d.MaxPlaylistItems <= 0 {
		return fmt.Errorf("downloads.max_playlist_items must be positive, got %d", d.MaxPlaylistItems)
	}
	if d.MaxFileSizeMB <= 0 {
		return fmt.Errorf("downloads.max_file_size_mb must be positive, got %d", d.MaxFileSizeMB)
	}

	if cfg.Session.TTLSeconds <= 0 {
		return fmt.Errorf("session.ttl_seconds must be positive, got %d", cfg.Session.TTLSeconds)
	}
	if cfg.Progress.IntervalMS < 0 {
		return fmt.Errorf("progress.interval_ms must not be negative, got %d", cfg.Progress.IntervalMS)
	}

	for key, value := range map[string]string{
		"session.sweep_interval":  cfg.Session.SweepInterval,
		"fetcher.socket_timeout":  cfg.Fetcher.SocketTimeout,
		"fetcher.resolve_timeout": cfg.Fetcher.ResolveTimeout,
		"fetcher.info_cache_ttl":  cfg.Fetcher.InfoCacheTTL,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	switch cfg.Storage.Type {
	case "", "memory":
		cfg.Storage.Type = "memory"
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	if cfg.Downloads.Dir == "" {
		return fmt.Errorf("downloads.dir is required")
	}
	if err := os.MkdirAll(cfg.Downloads.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create downloads directory: %w", err)
	}

	return nil
}
