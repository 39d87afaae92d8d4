package cacheengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
defaultTTLSeconds: 300
compression: true
memory:
  maxBytes: 1048576
  maxItems: 1000
  eviction: lfu
  sweepIntervalSeconds: 30
remote:
  addrs:
    - redis-1:6379
    - redis-2:6379
  db: 2
  namespace: "tunexa:"
  opTimeoutMillis: 150
  healthIntervalSeconds: 10
  reconnectMaxAttempts: 5
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "cache.yml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0644))
	return filename
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeTestConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 300, config.DefaultTTLSeconds)
	assert.True(t, config.Compression)
	assert.Equal(t, 1048576, config.Memory.MaxBytes)
	assert.Equal(t, "lfu", config.Memory.Eviction)
	assert.Equal(t, []string{"redis-1:6379", "redis-2:6379"}, config.Remote.Addrs)
	assert.Equal(t, 2, config.Remote.DB)
	assert.Equal(t, "tunexa:", config.Remote.Namespace)
	assert.Equal(t, 150, config.Remote.OpTimeoutMillis)
	assert.Equal(t, 5, config.Remote.ReconnectMaxAttempts)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := LoadConfig(writeTestConfig(t, "defaultTTLSeconds: [not a number"))
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDRS", "redis-a:6379,redis-b:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("REDIS_DB", "7")
	t.Setenv("CACHE_NAMESPACE", "staging:")

	config, err := LoadConfig(writeTestConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, config.Remote.Addrs)
	assert.Equal(t, "hunter2", config.Remote.Password)
	assert.Equal(t, 7, config.Remote.DB)
	assert.Equal(t, "staging:", config.Remote.Namespace)
	// unrelated file settings survive the overrides
	assert.Equal(t, 300, config.DefaultTTLSeconds)
}

func TestValidate(t *testing.T) {
	valid := Config{DefaultTTLSeconds: 60}
	assert.NoError(t, valid.Validate())

	negativeTTL := Config{DefaultTTLSeconds: -1}
	assert.Error(t, negativeTTL.Validate())

	negativeBudget := Config{Memory: MemorySettings{MaxBytes: -1}}
	assert.Error(t, negativeBudget.Validate())
}
