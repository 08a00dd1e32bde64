package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Hot       HotConfig       `yaml:"hot"`
	JWT       JWTConfig       `yaml:"jwt"`
	Log       LogConfig       `yaml:"log"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Chat      ChatConfig      `yaml:"chat"`
	Push      PushConfig      `yaml:"push"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds WARM (PostgreSQL + spatial extension) configuration.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// HotConfig holds HOT (shared in-memory datastore) configuration.
type HotConfig struct {
	Endpoint string `yaml:"endpoint"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig holds JWT configuration for the default TokenVerifier.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ThrottleConfig holds the location-engine tunables.
type ThrottleConfig struct {
	PingThrottleMs        int `yaml:"ping_throttle_ms"`
	ProximityRadiusMeters int `yaml:"proximity_radius_meters"`
	PresenceTtlSeconds    int `yaml:"presence_ttl_seconds"`
	BatchSize             int `yaml:"batch_size"`
	BatchFlushMs          int `yaml:"batch_flush_ms"`
}

// ChatConfig holds the chat-engine cache tunables.
type ChatConfig struct {
	CacheSize      int `yaml:"cache_size"`
	CacheTtlSecond int `yaml:"cache_ttl_seconds"`
	TypingTtlSecs  int `yaml:"typing_ttl_seconds"`
}

// PushConfig holds the APNs push-notification collaborator configuration.
type PushConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CertFile    string `yaml:"cert_file"`
	Topic       string `yaml:"topic"`
	Development bool   `yaml:"development"`
}

// TimeoutsConfig holds bounded-timeout policy for downstream calls.
type TimeoutsConfig struct {
	WarmTimeoutMs int `yaml:"warm_timeout_ms"`
	HotTimeoutMs  int `yaml:"hot_timeout_ms"`
}

// Load reads configuration from a YAML file, then applies any
// SLOPESTREAM_-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Throttle: ThrottleConfig{
			PingThrottleMs:        1000,
			ProximityRadiusMeters: 500,
			PresenceTtlSeconds:    300,
			BatchSize:             100,
			BatchFlushMs:          5000,
		},
		Chat: ChatConfig{
			CacheSize:      50,
			CacheTtlSecond: 3600,
			TypingTtlSecs:  5,
		},
		Timeouts: TimeoutsConfig{
			WarmTimeoutMs: 5000,
			HotTimeoutMs:  1000,
		},
	}
}

// envOverrides is the small, fixed set of secrets/endpoints operators can
// override without editing the YAML file. It is parsed separately from
// Config itself because the YAML file remains the primary source of
// truth; this struct only ever overlays fields that were explicitly set
// in the environment.
type envOverrides struct {
	HotEndpoint     string `envconfig:"HOT_ENDPOINT"`
	HotPassword     string `envconfig:"HOT_PASSWORD"`
	WarmDSNPassword string `envconfig:"WARM_DSN_PASSWORD"`
	JWTSecret       string `envconfig:"JWT_SECRET"`
	PingThrottleMs  int    `envconfig:"PING_THROTTLE_MS"`
}

// applyEnvOverrides lets operators override a handful of secrets/endpoints
// without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	var ov envOverrides
	if err := envconfig.Process("slopestream", &ov); err != nil {
		return
	}
	if ov.HotEndpoint != "" {
		cfg.Hot.Endpoint = ov.HotEndpoint
	}
	if ov.HotPassword != "" {
		cfg.Hot.Password = ov.HotPassword
	}
	if ov.WarmDSNPassword != "" {
		cfg.Database.Password = ov.WarmDSNPassword
	}
	if ov.JWTSecret != "" {
		cfg.JWT.Secret = ov.JWTSecret
	}
	if ov.PingThrottleMs != 0 {
		cfg.Throttle.PingThrottleMs = ov.PingThrottleMs
	}
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
