package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
session:
  secret: s3cret
ledger:
  driver: sqlite
  dsn: "file::memory:"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3333, cfg.Server.Port)
	assert.Equal(t, "sessionId", cfg.Session.CookieName)
	assert.Equal(t, 30*24*time.Hour, cfg.Session.MaxAge)
	assert.Equal(t, "etcd", cfg.Lock.Backend)
	assert.Equal(t, 1024, cfg.Publisher.BufferSize)
	assert.Equal(t, "/graphql", cfg.GraphQL.Path)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
session:
  secret: from-file
ledger:
  driver: mysql
  dsn: "user:pass@tcp(localhost:3306)/votes"
`)
	t.Setenv("LIVEVOTE_SESSION_SECRET", "from-env")
	t.Setenv("LIVEVOTE_SERVER_PORT", "8080")
	t.Setenv("LIVEVOTE_REDIS_TIMEOUT", "250ms")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Session.Secret)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Redis.Timeout)
}

func TestLoadConfigAllowsPlaceholderSecretOutsideRelease(t *testing.T) {
	for _, mode := range []string{"debug", "test"} {
		t.Run(mode, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, "server:\n  mode: "+mode+"\nsession:\n  secret: change-me\nledger:\n  driver: sqlite\n  dsn: x\n"))
			require.NoError(t, err)
			assert.Equal(t, "change-me", cfg.Session.Secret)
		})
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "missing secret",
			body: "ledger:\n  driver: sqlite\n  dsn: x\n",
		},
		{
			name: "unknown driver",
			body: "session:\n  secret: s\nledger:\n  driver: oracle\n  dsn: x\n",
		},
		{
			name: "kafka without brokers",
			body: "session:\n  secret: s\nledger:\n  driver: sqlite\n  dsn: x\nkafka:\n  enabled: true\n",
		},
		{
			name: "unknown server mode",
			body: "server:\n  mode: production\nsession:\n  secret: s\nledger:\n  driver: sqlite\n  dsn: x\n",
		},
		{
			name: "placeholder secret in release mode",
			body: "server:\n  mode: release\nsession:\n  secret: change-me\nledger:\n  driver: sqlite\n  dsn: x\n",
		},
		{
			name: "unknown lock backend",
			body: "session:\n  secret: s\nledger:\n  driver: sqlite\n  dsn: x\nlock:\n  backend: zookeeper\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
