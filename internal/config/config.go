// Package config loads realtime-edge configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config mirrors the environment variables named in the system spec:
// bus, KV, auth, windowing, and websocket liveness knobs.
type Config struct {
	// HTTP / WebSocket
	Host         string        `env:"HOST" envDefault:"0.0.0.0"`
	Port         int           `env:"PORT" envDefault:"8001"`
	WSPingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WSPingTimeout  time.Duration `env:"WS_PING_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes int64        `env:"WS_MAX_MESSAGE_BYTES" envDefault:"32768"`
	CORSAllowOrigins []string    `env:"CORS_ALLOW_ORIGINS" envSeparator:"," envDefault:"*"`

	// Kafka-compatible bus
	KafkaBootstrapServers []string `env:"KAFKA_BOOTSTRAP_SERVERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopicMessages    string   `env:"KAFKA_TOPIC_MESSAGES" envDefault:"signalink.messages"`
	KafkaTopicAnalytics   string   `env:"KAFKA_TOPIC_ANALYTICS" envDefault:"signalink.analytics"`
	KafkaConsumerGroup    string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"realtime-edge"`
	KafkaConsumerGroupAnalytics string `env:"KAFKA_CONSUMER_GROUP_ANALYTICS" envDefault:"realtime-edge-analytics"`

	// Redis (volatile KV: presence, typing)
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Durable store
	DatabaseURL string `env:"DATABASE_URL,required"`

	// JWT
	SecretKey                string        `env:"SECRET_KEY,required"`
	Algorithm                string        `env:"ALGORITHM" envDefault:"HS256"`
	AccessTokenExpireMinutes int           `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"30"`

	// Metrics aggregator
	MetricsWindowSeconds int `env:"METRICS_WINDOW_SECONDS" envDefault:"60"`
	MetricsRetentionDays int `env:"METRICS_RETENTION_DAYS" envDefault:"30"`

	// Connection-accept rate limiting (ambient)
	MaxUpgradesPerSecond float64 `env:"MAX_UPGRADES_PER_SECOND" envDefault:"50"`
	MaxUpgradeBurst      int     `env:"MAX_UPGRADE_BURST" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and then the
// environment, applying defaults and validating the result. Priority:
// real env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks range and enum constraints that struct tags alone
// cannot express.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.MetricsWindowSeconds < 1 {
		return fmt.Errorf("METRICS_WINDOW_SECONDS must be > 0, got %d", c.MetricsWindowSeconds)
	}
	if c.WSPingTimeout >= c.WSPingInterval {
		return fmt.Errorf("WS_PING_TIMEOUT (%s) must be less than WS_PING_INTERVAL (%s)", c.WSPingTimeout, c.WSPingInterval)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, console (got %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the host:port the HTTP server should bind to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogFields logs the resolved configuration at startup, redacting the
// JWT secret.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr()).
		Strs("kafka_bootstrap_servers", c.KafkaBootstrapServers).
		Str("kafka_topic_messages", c.KafkaTopicMessages).
		Str("kafka_topic_analytics", c.KafkaTopicAnalytics).
		Str("kafka_consumer_group", c.KafkaConsumerGroup).
		Str("kafka_consumer_group_analytics", c.KafkaConsumerGroupAnalytics).
		Str("redis_url", c.RedisURL).
		Int("metrics_window_seconds", c.MetricsWindowSeconds).
		Dur("ws_ping_interval", c.WSPingInterval).
		Dur("ws_ping_timeout", c.WSPingTimeout).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
