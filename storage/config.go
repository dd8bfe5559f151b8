package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds storage engine configuration
type Config struct {
	// Buffer Pool Configuration
	BufferPoolSize    uint32 `json:"buffer_pool_size" yaml:"buffer_pool_size"`       // Number of frames in the pool
	CacheReplacer     string `json:"cache_replacer" yaml:"cache_replacer"`           // Replacement policy (lru-k, lru, 2q)
	ReplacerK         int    `json:"replacer_k" yaml:"replacer_k"`                   // History depth for lru-k
	EnablePrefetching bool   `json:"enable_prefetching" yaml:"enable_prefetching"`   // Prefetch ahead of sequential scans
	PrefetchDistance  int    `json:"prefetch_distance" yaml:"prefetch_distance"`     // Pages loaded ahead at full confidence

	// Disk Configuration
	DiskBackend string `json:"disk_backend" yaml:"disk_backend"` // file, mmap or memory
	DataFile    string `json:"data_file" yaml:"data_file"`       // Database file for file and mmap backends
	DirectIO    bool   `json:"direct_io" yaml:"direct_io"`       // O_DIRECT for the file backend
	Compression string `json:"compression" yaml:"compression"`   // none, lz4 or snappy

	// I/O Configuration
	SchedulerWorkers    int     `json:"scheduler_workers" yaml:"scheduler_workers"`
	SchedulerQueueDepth int     `json:"scheduler_queue_depth" yaml:"scheduler_queue_depth"`
	FlushWorkers        int     `json:"flush_workers" yaml:"flush_workers"`                 // Parallelism of FlushAllPages
	EnableAdaptiveFlush bool    `json:"enable_adaptive_flush" yaml:"enable_adaptive_flush"` // Background dirty page flushing
	FlushIntervalMs     int     `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	FlushRateLimit      float64 `json:"flush_rate_limit" yaml:"flush_rate_limit"` // Background pages/sec, 0 = unlimited

	// Observability Configuration
	EnableMetrics   bool   `json:"enable_metrics" yaml:"enable_metrics"`     // Register prometheus collector
	MetricsAddr     string `json:"metrics_addr" yaml:"metrics_addr"`         // Listen address for /metrics
	LogLevel        string `json:"log_level" yaml:"log_level"`               // Log level (debug, info, warn, error)
	LogFormat       string `json:"log_format" yaml:"log_format"`             // json or console
	DetectDeadlocks bool   `json:"detect_deadlocks" yaml:"detect_deadlocks"` // go-deadlock detection on the pool latch
}

const (
	DiskBackendFile   = "file"
	DiskBackendMmap   = "mmap"
	DiskBackendMemory = "memory"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		BufferPoolSize:      100,
		CacheReplacer:       ReplacerLRUK,
		ReplacerK:           DefaultReplacerK,
		EnablePrefetching:   false,
		PrefetchDistance:    8,
		DiskBackend:         DiskBackendFile,
		DataFile:            "./data/hexpool.db",
		DirectIO:            false,
		Compression:         "none",
		SchedulerWorkers:    DefaultSchedulerWorkers,
		SchedulerQueueDepth: DefaultSchedulerQueueDepth,
		FlushWorkers:        DefaultFlushWorkers,
		EnableAdaptiveFlush: true,
		FlushIntervalMs:     100,
		FlushRateLimit:      0,
		EnableMetrics:       true,
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		LogFormat:           "json",
		DetectDeadlocks:     false,
	}
}

// LoadConfigFromFile loads configuration from a YAML (.yaml, .yml) or JSON
// file. Fields missing from the file keep their default values.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func envBool(val string) bool {
	return val == "true" || val == "1"
}

// LoadConfigFromEnv loads configuration from HEXPOOL_* environment variables.
// Unset or unparsable variables keep their default values.
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	// Buffer Pool
	if val := os.Getenv("HEXPOOL_BUFFER_POOL_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.BufferPoolSize = uint32(size)
		}
	}
	if val := os.Getenv("HEXPOOL_CACHE_REPLACER"); val != "" {
		config.CacheReplacer = val
	}
	if val := os.Getenv("HEXPOOL_REPLACER_K"); val != "" {
		if k, err := strconv.Atoi(val); err == nil {
			config.ReplacerK = k
		}
	}
	if val := os.Getenv("HEXPOOL_ENABLE_PREFETCHING"); val != "" {
		config.EnablePrefetching = envBool(val)
	}

	// Disk
	if val := os.Getenv("HEXPOOL_DISK_BACKEND"); val != "" {
		config.DiskBackend = val
	}
	if val := os.Getenv("HEXPOOL_DATA_FILE"); val != "" {
		config.DataFile = val
	}
	if val := os.Getenv("HEXPOOL_DIRECT_IO"); val != "" {
		config.DirectIO = envBool(val)
	}
	if val := os.Getenv("HEXPOOL_COMPRESSION"); val != "" {
		config.Compression = val
	}

	// I/O
	if val := os.Getenv("HEXPOOL_FLUSH_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.FlushWorkers = n
		}
	}
	if val := os.Getenv("HEXPOOL_ENABLE_ADAPTIVE_FLUSH"); val != "" {
		config.EnableAdaptiveFlush = envBool(val)
	}
	if val := os.Getenv("HEXPOOL_FLUSH_RATE_LIMIT"); val != "" {
		if r, err := strconv.ParseFloat(val, 64); err == nil {
			config.FlushRateLimit = r
		}
	}

	// Observability
	if val := os.Getenv("HEXPOOL_ENABLE_METRICS"); val != "" {
		config.EnableMetrics = envBool(val)
	}
	if val := os.Getenv("HEXPOOL_METRICS_ADDR"); val != "" {
		config.MetricsAddr = val
	}
	if val := os.Getenv("HEXPOOL_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}
	if val := os.Getenv("HEXPOOL_LOG_FORMAT"); val != "" {
		config.LogFormat = val
	}
	if val := os.Getenv("HEXPOOL_DETECT_DEADLOCKS"); val != "" {
		config.DetectDeadlocks = envBool(val)
	}

	return config
}

// SaveToFile saves the configuration as YAML or JSON, chosen by extension
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BufferPoolSize == 0 {
		return fmt.Errorf("buffer pool size must be greater than 0")
	}

	switch c.CacheReplacer {
	case "", ReplacerLRUK, ReplacerLRU, Replacer2Q:
	default:
		return fmt.Errorf("invalid cache replacer: %s (must be lru-k, lru, or 2q)", c.CacheReplacer)
	}

	if c.ReplacerK < 1 {
		return fmt.Errorf("replacer k must be at least 1, got %d", c.ReplacerK)
	}

	if c.EnablePrefetching && c.PrefetchDistance <= 0 {
		return fmt.Errorf("prefetch distance must be greater than 0 when prefetching is enabled")
	}

	switch c.DiskBackend {
	case DiskBackendFile, DiskBackendMmap:
		if c.DataFile == "" {
			return fmt.Errorf("data file cannot be empty for the %s backend", c.DiskBackend)
		}
	case DiskBackendMemory:
	default:
		return fmt.Errorf("invalid disk backend: %s (must be file, mmap, or memory)", c.DiskBackend)
	}

	if c.DirectIO && c.DiskBackend != DiskBackendFile {
		return fmt.Errorf("direct I/O is only supported by the file backend")
	}

	if _, err := ParseCompressionType(c.Compression); err != nil {
		return err
	}

	if c.SchedulerWorkers < 0 || c.SchedulerQueueDepth < 0 || c.FlushWorkers < 0 {
		return fmt.Errorf("worker counts and queue depth cannot be negative")
	}

	if c.EnableAdaptiveFlush && c.FlushIntervalMs < 10 {
		return fmt.Errorf("flush interval must be at least 10ms, got %d", c.FlushIntervalMs)
	}

	if c.FlushRateLimit < 0 {
		return fmt.Errorf("flush rate limit cannot be negative")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	return nil
}

// Clone creates a copy of the configuration
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
