package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, "local", cfg.Gateway.Relay)
	assert.Equal(t, 50, cfg.Chat.HistoryDefaultLimit)
	assert.Equal(t, 200, cfg.Chat.HistoryMaxLimit)
	assert.True(t, cfg.Chat.EnforceMembership)
	assert.Equal(t, int64(8<<20), cfg.Websocket.MaxMessageSize)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
port = 8080
mode = "debug"

[database]
driver = "postgres"
host = "db"
dbname = "nyx"
query_timeout = "2s"

[gateway]
node_id = "node-a"
relay = "local"

[gateway.nodes]
node-a = 1
node-b = 2

[chat]
history_max_limit = 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("NYX_SERVER_PORT", "9090")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "debug", cfg.Server.Mode)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, map[string]int{"node-a": 1, "node-b": 2}, cfg.Gateway.Nodes)
	assert.Equal(t, 100, cfg.Chat.HistoryMaxLimit)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.Database.Driver = "mysql"
		assert.Error(t, cfg.Validate())
	})

	t.Run("redis relay without redis", func(t *testing.T) {
		cfg := base()
		cfg.Gateway.Relay = "redis"
		assert.Error(t, cfg.Validate())

		cfg.Redis.Enabled = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("kafka relay without brokers", func(t *testing.T) {
		cfg := base()
		cfg.Gateway.Relay = "kafka"
		cfg.Kafka.Enabled = true
		assert.Error(t, cfg.Validate())

		cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("default limit above cap", func(t *testing.T) {
		cfg := base()
		cfg.Chat.HistoryDefaultLimit = 500
		assert.Error(t, cfg.Validate())
	})
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
}
