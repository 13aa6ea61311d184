// Package datasync assembles the client-side synchronization core: cache,
// event bus, optimistic-write ledger, request coalescing, prefetch, chunked
// upload and the worker pool, built and wired by an explicit composition
// root.
package datasync

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	defaultVersion            = 1
	defaultCoalesceDelayMs    = 10
	defaultBatchTimeoutSec    = 30
	defaultStalenessSec       = 30
	defaultCacheTTLMin        = 5
	defaultPrefetchTTLMin     = 2
	defaultChunkKB            = 1024
	defaultMaxParallelUploads = 3
	defaultChunkAttempts      = 3
	defaultRequestTimeoutSec  = 30
)

// ErrConfigMissing signals that no config file existed and a template was
// written in its place for the user to edit.
var ErrConfigMissing = errors.New("sync config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// NetworkClass coarsely describes the link quality reported by the host.
// It scales upload parallelism and prefetch lifetime; it never changes a
// structural contract.
type NetworkClass string

const (
	NetworkWifi     NetworkClass = "wifi"
	NetworkCellular NetworkClass = "cellular"
	NetworkSlow     NetworkClass = "slow"
)

// Config describes runtime behaviour of the sync core.
type Config struct {
	Version      int             `yaml:"version"`
	BaseURL      string          `yaml:"base_url"`
	NetworkClass NetworkClass    `yaml:"network_class"`
	Batch        BatchConfig     `yaml:"batch"`
	Ledger       LedgerConfig    `yaml:"ledger"`
	Cache        CacheConfig     `yaml:"cache"`
	Upload       UploadConfig    `yaml:"upload"`
	Workers      WorkersConfig   `yaml:"workers"`
	Transport    TransportTuning `yaml:"transport"`
}

// BatchConfig captures request-coalescing tuning.
type BatchConfig struct {
	CoalesceDelayMs   int `yaml:"coalesce_delay_ms"`
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// LedgerConfig captures optimistic-write staleness tuning.
type LedgerConfig struct {
	StalenessSec int `yaml:"staleness_sec"`
	SweepSec     int `yaml:"sweep_sec"`
}

// CacheConfig captures cache entry lifetimes.
type CacheConfig struct {
	DefaultTTLMin  int `yaml:"default_ttl_min"`
	PrefetchTTLMin int `yaml:"prefetch_ttl_min"`
}

// UploadConfig captures chunked-transfer tuning.
type UploadConfig struct {
	ChunkKB            int `yaml:"chunk_kb"`
	MaxParallelUploads int `yaml:"max_parallel_uploads"`
	ChunkAttempts      int `yaml:"chunk_attempts"`
}

// WorkersConfig captures worker pool sizing. Zero workers defers to the
// host parallelism probe.
type WorkersConfig struct {
	Count      int `yaml:"count"`
	QueueDepth int `yaml:"queue_depth"`
}

// TransportTuning captures the shared HTTP client settings.
type TransportTuning struct {
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
}

// LoadConfig reads config from the provided path. When the file does not
// exist it writes a template and returns ErrConfigMissing to prompt the user
// to edit the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sync config: %w", err)
	}

	cfg.ApplyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// ApplyDefaults fills every unset knob with its default.
func (c *Config) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.NetworkClass == "" {
		c.NetworkClass = NetworkWifi
	}
	if c.Batch.CoalesceDelayMs == 0 {
		c.Batch.CoalesceDelayMs = defaultCoalesceDelayMs
	}
	if c.Batch.RequestTimeoutSec == 0 {
		c.Batch.RequestTimeoutSec = defaultBatchTimeoutSec
	}
	if c.Ledger.StalenessSec == 0 {
		c.Ledger.StalenessSec = defaultStalenessSec
	}
	if c.Ledger.SweepSec == 0 {
		c.Ledger.SweepSec = c.Ledger.StalenessSec
	}
	if c.Cache.DefaultTTLMin == 0 {
		c.Cache.DefaultTTLMin = defaultCacheTTLMin
	}
	if c.Cache.PrefetchTTLMin == 0 {
		c.Cache.PrefetchTTLMin = defaultPrefetchTTLMin
	}
	if c.Upload.ChunkKB == 0 {
		c.Upload.ChunkKB = defaultChunkKB
	}
	if c.Upload.MaxParallelUploads == 0 {
		c.Upload.MaxParallelUploads = defaultMaxParallelUploads
	}
	if c.Upload.ChunkAttempts == 0 {
		c.Upload.ChunkAttempts = defaultChunkAttempts
	}
	if c.Transport.RequestTimeoutSec == 0 {
		c.Transport.RequestTimeoutSec = defaultRequestTimeoutSec
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	if c.BaseURL == "" {
		issues = append(issues, "base_url must be set")
	}
	switch c.NetworkClass {
	case NetworkWifi, NetworkCellular, NetworkSlow:
	default:
		issues = append(issues, "network_class must be one of wifi, cellular, slow")
	}
	if c.Batch.CoalesceDelayMs <= 0 {
		issues = append(issues, "batch.coalesce_delay_ms must be > 0")
	}
	if c.Batch.RequestTimeoutSec <= 0 {
		issues = append(issues, "batch.request_timeout_sec must be > 0")
	}
	if c.Ledger.StalenessSec <= 0 {
		issues = append(issues, "ledger.staleness_sec must be > 0")
	}
	if c.Ledger.SweepSec <= 0 {
		issues = append(issues, "ledger.sweep_sec must be > 0")
	}
	if c.Cache.DefaultTTLMin <= 0 {
		issues = append(issues, "cache.default_ttl_min must be > 0")
	}
	if c.Cache.PrefetchTTLMin <= 0 {
		issues = append(issues, "cache.prefetch_ttl_min must be > 0")
	}
	if c.Upload.ChunkKB <= 0 {
		issues = append(issues, "upload.chunk_kb must be > 0")
	}
	if c.Upload.MaxParallelUploads <= 0 {
		issues = append(issues, "upload.max_parallel_uploads must be > 0")
	}
	if c.Upload.ChunkAttempts <= 0 {
		issues = append(issues, "upload.chunk_attempts must be > 0")
	}
	if c.Workers.Count < 0 {
		issues = append(issues, "workers.count must be >= 0")
	}
	if c.Transport.RequestTimeoutSec <= 0 {
		issues = append(issues, "transport.request_timeout_sec must be > 0")
	}

	return ValidationError{Issues: issues}
}

// TunedParallelUploads applies the network-class policy to the configured
// upload parallelism.
func (c Config) TunedParallelUploads() int {
	n := c.Upload.MaxParallelUploads
	switch c.NetworkClass {
	case NetworkCellular:
		if n > 2 {
			n = 2
		}
	case NetworkSlow:
		n = 1
	}
	return n
}

// TunedPrefetchTTLMin stretches prefetch lifetimes on poor links, where a
// refetch costs more than slightly stale data.
func (c Config) TunedPrefetchTTLMin() int {
	ttl := c.Cache.PrefetchTTLMin
	if c.NetworkClass == NetworkSlow {
		ttl *= 2
	}
	return ttl
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tpl := bytes.NewBufferString("# coresync client configuration\n")
	tpl.WriteString("version: 1\n")
	tpl.WriteString("# base_url: https://api.example.com\n")
	tpl.WriteString("network_class: wifi\n")
	tpl.WriteString("batch:\n")
	tpl.WriteString("  coalesce_delay_ms: 10\n")
	tpl.WriteString("  request_timeout_sec: 30\n")
	tpl.WriteString("ledger:\n")
	tpl.WriteString("  staleness_sec: 30\n")
	tpl.WriteString("  sweep_sec: 30\n")
	tpl.WriteString("cache:\n")
	tpl.WriteString("  default_ttl_min: 5\n")
	tpl.WriteString("  prefetch_ttl_min: 2\n")
	tpl.WriteString("upload:\n")
	tpl.WriteString("  chunk_kb: 1024\n")
	tpl.WriteString("  max_parallel_uploads: 3\n")
	tpl.WriteString("  chunk_attempts: 3\n")
	tpl.WriteString("workers:\n")
	tpl.WriteString("  count: 0\n")
	tpl.WriteString("  queue_depth: 64\n")
	tpl.WriteString("transport:\n")
	tpl.WriteString("  request_timeout_sec: 30\n")

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
