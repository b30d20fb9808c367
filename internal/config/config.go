package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Presence PresenceConfig `mapstructure:"presence"`
	Sessions SessionsConfig `mapstructure:"sessions"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress     string `mapstructure:"bind_address"`
	APIPort         int    `mapstructure:"api_port"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "bolt"
	Path  string      `mapstructure:"path"` // bolt database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
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
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PresenceConfig defines real-time connection settings
type PresenceConfig struct {
	SendBuffer     int      `mapstructure:"send_buffer"`
	WriteTimeout   string   `mapstructure:"write_timeout"`
	PingInterval   string   `mapstructure:"ping_interval"`
	PongWait       string   `mapstructure:"pong_wait"`
	MaxMessageSize int64    `mapstructure:"max_message_size"`
	EmployeeHeader string   `mapstructure:"employee_header"` // set by the authenticating proxy
	RoleHeader     string   `mapstructure:"role_header"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SessionsConfig defines session lifecycle settings
type SessionsConfig struct {
	SweepInterval   string `mapstructure:"sweep_interval"`
	DisconnectGrace string `mapstructure:"disconnect_grace"`
	AppCacheSize    int    `mapstructure:"app_cache_size"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("WORKSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.shutdown_timeout", "15s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.path", "/var/lib/worksight/worksight.bolt")
	v.SetDefault("storage.redis.host", "127.0.0.1")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 20)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "worksight")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Presence defaults
	v.SetDefault("presence.send_buffer", 16)
	v.SetDefault("presence.write_timeout", "5s")
	v.SetDefault("presence.ping_interval", "30s")
	v.SetDefault("presence.pong_wait", "60s")
	v.SetDefault("presence.max_message_size", 4096)
	v.SetDefault("presence.employee_header", "X-Employee-ID")
	v.SetDefault("presence.role_header", "X-Employee-Role")
	v.SetDefault("presence.allowed_origins", []string{})

	// Session defaults
	v.SetDefault("sessions.sweep_interval", "1m")
	v.SetDefault("sessions.disconnect_grace", "5m")
	v.SetDefault("sessions.app_cache_size", 1024)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	durations := map[string]string{
		"server.shutdown_timeout":   cfg.Server.ShutdownTimeout,
		"presence.write_timeout":    cfg.Presence.WriteTimeout,
		"presence.ping_interval":    cfg.Presence.PingInterval,
		"presence.pong_wait":        cfg.Presence.PongWait,
		"sessions.sweep_interval":   cfg.Sessions.SweepInterval,
		"sessions.disconnect_grace": cfg.Sessions.DisconnectGrace,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", key, value)
		}
		// Only the grace period may be zero; the rest drive tickers and deadlines.
		switch {
		case key == "sessions.disconnect_grace" && d < 0:
			return fmt.Errorf("%s must not be negative: %q", key, value)
		case key != "sessions.disconnect_grace" && d <= 0:
			return fmt.Errorf("%s must be positive: %q", key, value)
		}
	}

	if cfg.Presence.SendBuffer <= 0 {
		return fmt.Errorf("presence.send_buffer must be positive")
	}
	if cfg.Presence.EmployeeHeader == "" {
		return fmt.Errorf("presence.employee_header is required")
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "redis"
	case "redis":
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be 'redis' or 'bolt')", cfg.Storage.Type)
	}

	return nil
}
