package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Background job intervals
const (
	ReconcileInterval = 1 * time.Hour
	BadgerGCInterval  = 10 * time.Minute
)

// Webhook and server limits
const (
	MaxWebhookBodyBytes   = 64 * 1024
	MaxDeviceIDLength     = 128
	MaxFrmPayloadLength   = 512
	ServerReadTimeout     = 10 * time.Second
	ServerWriteTimeout    = 15 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Read API defaults and limits
const (
	QueryTimeout           = 10 * time.Second
	HistoryDefaultWindow   = 24 * time.Hour
	HistoryDefaultLimit    = 1000
	HistoryMaxLimit        = 10000
	HistoryMaxWindow       = 31 * 24 * time.Hour
	DailyDefaultWindowDays = 7
	DailyMaxWindowDays     = 366
)

// Export defaults and limits
const (
	DefaultExportWindow = 24 * time.Hour
	MaxExportWindow     = 30 * 24 * time.Hour
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Storage backends
const (
	StorageBadger   = "badger"
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the process configuration, read once from the environment.
type Config struct {
	Port      string `env:"AVAILO_PORT" envDefault:"8080"`
	LogLevel  string `env:"AVAILO_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AVAILO_LOG_FORMAT" envDefault:"json"`

	Storage      string `env:"AVAILO_STORAGE" envDefault:"badger"`
	DataDir      string `env:"AVAILO_DATA_DIR" envDefault:"./data/availo"`
	MaxStorageGB int64  `env:"AVAILO_MAX_STORAGE_GB" envDefault:"1"`
	MaxMemoryMB  int64  `env:"AVAILO_MAX_MEMORY_MB" envDefault:"48"`
	PostgresDSN  string `env:"AVAILO_POSTGRES_DSN"`

	RedisAddr     string `env:"AVAILO_REDIS_ADDR"`
	RedisPassword string `env:"AVAILO_REDIS_PASSWORD"`
	RedisDB       int    `env:"AVAILO_REDIS_DB" envDefault:"0"`
	RedisStream   string `env:"AVAILO_REDIS_STREAM" envDefault:"availo:status"`

	MQTTBroker   string   `env:"AVAILO_MQTT_BROKER"`
	MQTTClientID string   `env:"AVAILO_MQTT_CLIENT_ID" envDefault:"availo-ingest"`
	MQTTUsername string   `env:"AVAILO_MQTT_USERNAME"`
	MQTTPassword string   `env:"AVAILO_MQTT_PASSWORD"`
	MQTTTopics   []string `env:"AVAILO_MQTT_TOPICS" envSeparator:"," envDefault:"v3/+/devices/+/up,v3/+/devices/+/join"`

	DevicesFile string `env:"AVAILO_DEVICES_FILE"`
	Timezone    string `env:"AVAILO_TIMEZONE" envDefault:"UTC"`

	WebhookTimeout    time.Duration `env:"AVAILO_WEBHOOK_TIMEOUT" envDefault:"10s"`
	AggregationBudget time.Duration `env:"AVAILO_AGGREGATION_BUDGET" envDefault:"2s"`
	ReconcileInterval time.Duration `env:"AVAILO_RECONCILE_INTERVAL" envDefault:"1h"`
	ReconcileLag      time.Duration `env:"AVAILO_RECONCILE_LAG" envDefault:"36h"`

	AllowedOrigins []string `env:"AVAILO_ALLOWED_ORIGINS" envSeparator:","`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageBadger, StorageMemory:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("AVAILO_POSTGRES_DSN is required when AVAILO_STORAGE=%s", StoragePostgres)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid AVAILO_TIMEZONE %q: %w", c.Timezone, err)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("AVAILO_WEBHOOK_TIMEOUT must be positive")
	}
	if c.AggregationBudget < 0 || c.AggregationBudget >= c.WebhookTimeout {
		return fmt.Errorf("AVAILO_AGGREGATION_BUDGET must be within [0, AVAILO_WEBHOOK_TIMEOUT)")
	}
	return nil
}

// Location returns the time zone used to derive calendar fields.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
