package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAT_CONFIG", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "50051", cfg.Port)
	assert.Equal(t, StoreMongo, cfg.Store)
	assert.Equal(t, 5, cfg.Send.MaxAttempts)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	err := os.WriteFile(path, []byte(`
port: "6000"
store: memory
jwt_secret: from-file
send:
  max_attempts: 3
  initial_backoff: 10ms
hub:
  reconnect_max: 5s
`), 0o600)
	require.NoError(t, err)

	t.Setenv("CHAT_CONFIG", path)
	t.Setenv("PORT", "7000")
	t.Setenv("JWT_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port, "env overrides file")
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 3, cfg.Send.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Send.InitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.Hub.ReconnectMax)
	require.NoError(t, cfg.Validate())
}

func TestLoadJWTKeys(t *testing.T) {
	t.Setenv("CHAT_CONFIG", "")
	t.Setenv("JWT_KEYS", "k1:one, k2:two")
	t.Setenv("JWT_ACTIVE_KID", "k2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "one", "k2": "two"}, cfg.JWTKeys)
	assert.Equal(t, "k2", cfg.JWTActiveKid)
}

func TestParseKeysRejectsMalformed(t *testing.T) {
	_, err := ParseKeys("k1")
	assert.Error(t, err)
	_, err = ParseKeys("k1:")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MONGODB_URI")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	cfg.Store = StoreMemory
	cfg.JWTKeys = map[string]string{"k1": "one"}
	cfg.JWTActiveKid = "k9"
	assert.ErrorContains(t, cfg.Validate(), "JWT_ACTIVE_KID")

	cfg.JWTActiveKid = "k1"
	assert.NoError(t, cfg.Validate())
}
