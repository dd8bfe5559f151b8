package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, uint32(100), config.BufferPoolSize)
	assert.Equal(t, ReplacerLRUK, config.CacheReplacer)
	assert.Equal(t, DefaultReplacerK, config.ReplacerK)
	assert.Equal(t, DiskBackendFile, config.DiskBackend)
	assert.True(t, config.EnableMetrics)
	assert.Equal(t, "info", config.LogLevel)
	require.NoError(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"zero buffer pool size", func(c *Config) { c.BufferPoolSize = 0 }, true},
		{"unknown replacer", func(c *Config) { c.CacheReplacer = "arc" }, true},
		{"lru replacer", func(c *Config) { c.CacheReplacer = ReplacerLRU }, false},
		{"2q replacer", func(c *Config) { c.CacheReplacer = Replacer2Q }, false},
		{"zero k", func(c *Config) { c.ReplacerK = 0 }, true},
		{"prefetch without distance", func(c *Config) {
			c.EnablePrefetching = true
			c.PrefetchDistance = 0
		}, true},
		{"unknown backend", func(c *Config) { c.DiskBackend = "s3" }, true},
		{"file backend without data file", func(c *Config) { c.DataFile = "" }, true},
		{"memory backend without data file", func(c *Config) {
			c.DiskBackend = DiskBackendMemory
			c.DataFile = ""
		}, false},
		{"direct io on mmap", func(c *Config) {
			c.DiskBackend = DiskBackendMmap
			c.DirectIO = true
		}, true},
		{"unknown compression", func(c *Config) { c.Compression = "zstd" }, true},
		{"lz4 compression", func(c *Config) { c.Compression = "lz4" }, false},
		{"negative workers", func(c *Config) { c.FlushWorkers = -1 }, true},
		{"flush interval too short", func(c *Config) { c.FlushIntervalMs = 5 }, true},
		{"short interval without flusher", func(c *Config) {
			c.EnableAdaptiveFlush = false
			c.FlushIntervalMs = 0
		}, false},
		{"negative rate limit", func(c *Config) { c.FlushRateLimit = -1 }, true},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"invalid log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	for _, name := range []string{"hexpool.json", "hexpool.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			config := DefaultConfig()
			config.BufferPoolSize = 256
			config.CacheReplacer = Replacer2Q
			config.Compression = "snappy"
			config.FlushRateLimit = 500
			config.LogFormat = "console"
			require.NoError(t, config.SaveToFile(path))

			loaded, err := LoadConfigFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, config, loaded)
		})
	}
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	require.NoError(t, os.WriteFile(path, []byte("buffer_pool_size: 64\nreplacer_k: 3\n"), 0644))

	config, err := LoadConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), config.BufferPoolSize)
	assert.Equal(t, 3, config.ReplacerK)
	assert.Equal(t, DefaultConfig().DataFile, config.DataFile, "unset fields keep defaults")
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0644))
	_, err = LoadConfigFromFile(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(invalid, []byte(`{"buffer_pool_size": 0}`), 0644))
	_, err = LoadConfigFromFile(invalid)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HEXPOOL_BUFFER_POOL_SIZE", "512")
	t.Setenv("HEXPOOL_CACHE_REPLACER", ReplacerLRU)
	t.Setenv("HEXPOOL_REPLACER_K", "4")
	t.Setenv("HEXPOOL_DISK_BACKEND", DiskBackendMemory)
	t.Setenv("HEXPOOL_ENABLE_ADAPTIVE_FLUSH", "0")
	t.Setenv("HEXPOOL_DETECT_DEADLOCKS", "true")
	t.Setenv("HEXPOOL_FLUSH_WORKERS", "not-a-number")

	config := LoadConfigFromEnv()
	assert.Equal(t, uint32(512), config.BufferPoolSize)
	assert.Equal(t, ReplacerLRU, config.CacheReplacer)
	assert.Equal(t, 4, config.ReplacerK)
	assert.Equal(t, DiskBackendMemory, config.DiskBackend)
	assert.False(t, config.EnableAdaptiveFlush)
	assert.True(t, config.DetectDeadlocks)
	assert.Equal(t, DefaultFlushWorkers, config.FlushWorkers)
	require.NoError(t, config.Validate())
}

func TestConfigClone(t *testing.T) {
	original := DefaultConfig()
	clone := original.Clone()

	clone.BufferPoolSize = 7
	clone.LogLevel = "debug"

	assert.Equal(t, uint32(100), original.BufferPoolSize)
	assert.Equal(t, "info", original.LogLevel)
	assert.Equal(t, uint32(7), clone.BufferPoolSize)
}
