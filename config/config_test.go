package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "memory://", cfg.DatabaseURL)
	assert.Equal(t, []string{"file://./keys"}, cfg.KeyStorage)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Empty(t, cfg.KafkaBrokers)

	assert.ErrorContains(t, cfg.Validate(), "admin-key-hash is required")
}

func TestLoad_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database-url: postgres://relay@db/relay
heartbeat-timeout: 2m
key-storage:
  - file:///var/lib/relay
  - s3://bucket/keys
admin-key-hash: from-file
`), 0600))

	t.Setenv("RELAY_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("RELAY_KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load(path, map[string]any{"admin-key-hash": "from-flag"})
	require.NoError(t, err)

	assert.Equal(t, "postgres://relay@db/relay", cfg.DatabaseURL)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, []string{"file:///var/lib/relay", "s3://bucket/keys"}, cfg.KeyStorage)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "from-flag", cfg.AdminKeyHash)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("", map[string]any{"admin-key-hash": "hash"})
		require.NoError(t, err)
		return cfg
	}
	require.NoError(t, base().Validate())

	cfg := base()
	cfg.KeyPassphrase = "secret"
	cfg.KeyUnsealThreshold = 3
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.KeyUnsealThreshold = 1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.KeyStorage = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.KafkaBrokers = []string{"kafka:9092"}
	cfg.KafkaTopic = ""
	assert.Error(t, cfg.Validate())
}

func TestKeys(t *testing.T) {
	assert.Contains(t, Keys(), "database-url")
	assert.Contains(t, Keys(), "jwt-secret")
}
