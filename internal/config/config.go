package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port            int           `envconfig:"PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Storage
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"memory"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`

	// Fulfillment
	CarrierTimeout      time.Duration `envconfig:"CARRIER_TIMEOUT" default:"30s"`
	QuoteMaxAttempts    int           `envconfig:"QUOTE_MAX_ATTEMPTS" default:"3"`
	QuoteInitialBackoff time.Duration `envconfig:"QUOTE_INITIAL_BACKOFF" default:"200ms"`
	QuoteMaxBackoff     time.Duration `envconfig:"QUOTE_MAX_BACKOFF" default:"2s"`
	RefundMaxAttempts   int           `envconfig:"REFUND_MAX_ATTEMPTS" default:"3"`
	IdempotencyTTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"48h"`
	CacheSize           int           `envconfig:"CACHE_SIZE" default:"10000"`

	// Freightcom
	FreightcomBaseURL      string        `envconfig:"FREIGHTCOM_BASE_URL" default:"https://external-api.freightcom.com"`
	FreightcomEnabled      bool          `envconfig:"FREIGHTCOM_ENABLED" default:"true"`
	FreightcomUseMock      bool          `envconfig:"FREIGHTCOM_USE_MOCK" default:"false"`
	FreightcomPollInterval time.Duration `envconfig:"FREIGHTCOM_POLL_INTERVAL" default:"1s"`

	// Canada Post
	CanadaPostBaseURL string `envconfig:"CANADAPOST_BASE_URL" default:"https://soa-gw.canadapost.ca"`
	CanadaPostEnabled bool   `envconfig:"CANADAPOST_ENABLED" default:"true"`
	CanadaPostUseMock bool   `envconfig:"CANADAPOST_USE_MOCK" default:"false"`

	// Mock carrier, for local runs without carrier sandboxes
	MockCarrierEnabled bool `envconfig:"MOCK_CARRIER_ENABLED" default:"false"`

	// Events
	KafkaEnabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"shipgate.events"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"shipgate"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads a .env file when one is present, then the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.StorageDriver)
	}
	if c.KafkaEnabled && (len(c.KafkaBrokers) == 0 || c.KafkaTopic == "") {
		return errors.New("config: KAFKA_BROKERS and KAFKA_TOPIC are required when events are enabled")
	}
	if c.QuoteMaxAttempts < 1 || c.RefundMaxAttempts < 1 {
		return errors.New("config: retry attempts must be at least 1")
	}
	return nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.String("storage.driver", c.StorageDriver),
		attribute.Bool("freightcom.enabled", c.FreightcomEnabled),
		attribute.Bool("canadapost.enabled", c.CanadaPostEnabled),
		attribute.Bool("kafka.enabled", c.KafkaEnabled),
	}
}
