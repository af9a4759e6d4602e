package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipgate/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, config.StorageMemory, cfg.StorageDriver)
	assert.Equal(t, 30*time.Second, cfg.CarrierTimeout)
	assert.Equal(t, 3, cfg.QuoteMaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("CARRIER_TIMEOUT", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.CarrierTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"memory", func(c *config.Config) {}, ""},
		{"postgres without url", func(c *config.Config) { c.StorageDriver = config.StoragePostgres }, "DATABASE_URL"},
		{"postgres", func(c *config.Config) {
			c.StorageDriver = config.StoragePostgres
			c.DatabaseURL = "postgres://localhost/shipgate"
		}, ""},
		{"unknown driver", func(c *config.Config) { c.StorageDriver = "sqlite" }, "unknown storage driver"},
		{"kafka without topic", func(c *config.Config) {
			c.KafkaEnabled = true
			c.KafkaTopic = ""
		}, "KAFKA_TOPIC"},
		{"zero attempts", func(c *config.Config) { c.QuoteMaxAttempts = 0 }, "at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &config.Config{
				StorageDriver:     config.StorageMemory,
				KafkaBrokers:      []string{"localhost:9092"},
				KafkaTopic:        "events",
				QuoteMaxAttempts:  3,
				RefundMaxAttempts: 3,
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestAttributes(t *testing.T) {
	cfg := &config.Config{ServiceName: "shipgate", Version: "1.2.3", StorageDriver: config.StoragePostgres, KafkaEnabled: true}

	attrs := map[string]string{}
	for _, kv := range cfg.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "shipgate", attrs["service.name"])
	assert.Equal(t, "1.2.3", attrs["service.version"])
	assert.Equal(t, "postgres", attrs["storage.driver"])
	assert.Equal(t, "true", attrs["kafka.enabled"])
	assert.Equal(t, "false", attrs["freightcom.enabled"])
}
