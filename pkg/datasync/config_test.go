package datasync_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/creatordeck/coresync/pkg/datasync"
)

func TestLoadConfigCreatesTemplateWhenMissing(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	cfg, err := datasync.LoadConfig(configPath)
	if !errors.Is(err, datasync.ErrConfigMissing) {
		t.Fatalf("expected ErrConfigMissing, got %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config when missing, got %#v", cfg)
	}

	data, readErr := os.ReadFile(configPath)
	if readErr != nil {
		t.Fatalf("expected template to be created, read failed: %v", readErr)
	}
	if !strings.Contains(string(data), "coalesce_delay_ms") {
		t.Fatalf("template content does not contain expected default, got:\n%s", string(data))
	}
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
base_url: https://api.example.com
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := datasync.LoadConfig(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Batch.CoalesceDelayMs != 10 {
		t.Fatalf("expected default coalesce delay 10ms, got %d", cfg.Batch.CoalesceDelayMs)
	}
	if cfg.Ledger.StalenessSec != 30 {
		t.Fatalf("expected default staleness 30s, got %d", cfg.Ledger.StalenessSec)
	}
	if cfg.Ledger.SweepSec != 30 {
		t.Fatalf("expected sweep to default to staleness, got %d", cfg.Ledger.SweepSec)
	}
	if cfg.NetworkClass != datasync.NetworkWifi {
		t.Fatalf("expected default network class wifi, got %s", cfg.NetworkClass)
	}
	if cfg.Upload.ChunkKB != 1024 {
		t.Fatalf("expected default chunk size 1024KB, got %d", cfg.Upload.ChunkKB)
	}
}

func TestLoadConfigFailsValidation(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yaml := `version: 1
base_url: https://api.example.com
network_class: dialup
batch:
  coalesce_delay_ms: -5
upload:
  chunk_kb: -1
`
	if err := os.WriteFile(configPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := datasync.LoadConfig(configPath)
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	if cfg != nil {
		t.Fatalf("expected nil config on validation failure, got %#v", cfg)
	}

	var vErr datasync.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(vErr.Issues) < 3 {
		t.Fatalf("expected issues for network class, delay and chunk size, got %v", vErr.Issues)
	}
}

func TestNetworkClassPolicy(t *testing.T) {
	cfg := datasync.Config{}
	cfg.ApplyDefaults()

	cfg.NetworkClass = datasync.NetworkWifi
	cfg.Upload.MaxParallelUploads = 4
	if got := cfg.TunedParallelUploads(); got != 4 {
		t.Fatalf("wifi: expected 4 parallel uploads, got %d", got)
	}

	cfg.NetworkClass = datasync.NetworkCellular
	if got := cfg.TunedParallelUploads(); got != 2 {
		t.Fatalf("cellular: expected clamp to 2, got %d", got)
	}

	cfg.NetworkClass = datasync.NetworkSlow
	if got := cfg.TunedParallelUploads(); got != 1 {
		t.Fatalf("slow: expected 1, got %d", got)
	}
	if got := cfg.TunedPrefetchTTLMin(); got != cfg.Cache.PrefetchTTLMin*2 {
		t.Fatalf("slow: expected doubled prefetch ttl, got %d", got)
	}
}
