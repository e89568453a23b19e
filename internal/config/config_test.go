package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "provider:loc:", cfg.RedisLocationKey)
	assert.Equal(t, "request-events", cfg.KafkaEventsTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("PG_DSN", "postgres://localhost/carwash")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KAFKA_LOCATION_TOPIC", "locs")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ETA_SPEED_MPS", "12.5")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "locs", cfg.KafkaLocationTopic)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12.5, cfg.ETASpeedMps)
}

func TestLoadServerConfig_JoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("HTTP_WRITE_TIMEOUT", "0s")
	t.Setenv("MIGRATE", "true")
	t.Setenv("ETA_SPEED_MPS", "-1")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid HTTP_READ_TIMEOUT")
	assert.ErrorContains(t, err, "HTTP_WRITE_TIMEOUT must be > 0")
	assert.ErrorContains(t, err, "MIGRATE=true requires PG_DSN")
	assert.ErrorContains(t, err, "ETA_SPEED_MPS must be > 0")
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3, cfg.ApplyAttempts)

	t.Setenv("KAFKA_GROUP", "g1")
	t.Setenv("CONSUMER_APPLY_ATTEMPTS", "0")
	cfg, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_APPLY_ATTEMPTS must be > 0")
	assert.Equal(t, "g1", cfg.KafkaGroup)

	t.Setenv("CONSUMER_APPLY_ATTEMPTS", "many")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "invalid CONSUMER_APPLY_ATTEMPTS")
}
