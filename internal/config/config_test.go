package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/AltairaLabs/keeper/internal/service"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.MaxPayloadSize != 1048575 {
		t.Errorf("Expected MaxPayloadSize 1048575, got %d", cfg.MaxPayloadSize)
	}
}

func TestDefaultDispatchConfig(t *testing.T) {
	config := DefaultDispatchConfig()

	if config.Workers != DefaultWorkers {
		t.Errorf("Expected Workers %d, got %d", DefaultWorkers, config.Workers)
	}
	if config.QueueSize != DefaultQueueSize {
		t.Errorf("Expected QueueSize %d, got %d", DefaultQueueSize, config.QueueSize)
	}
	if config.OperationTimeout != DefaultOperationTimeout {
		t.Errorf("Expected OperationTimeout %v, got %v", DefaultOperationTimeout, config.OperationTimeout)
	}
}

func TestTimingConstants(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected time.Duration
	}{
		{"DefaultSessionTimeout", DefaultSessionTimeout, 60 * time.Second},
		{"DefaultConnectionTimeout", DefaultConnectionTimeout, 15 * time.Second},
		{"DefaultAttemptTimeout", DefaultAttemptTimeout, 10 * time.Second},
		{"DefaultOperationTimeout", DefaultOperationTimeout, 2 * time.Minute},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if test.duration != test.expected {
				t.Errorf("Expected %v, got %v", test.expected, test.duration)
			}
		})
	}
}

func TestEndpoints(t *testing.T) {
	cfg := Config{Connect: " a:2181, b:2181 ,,c:2181"}
	want := []string{"a:2181", "b:2181", "c:2181"}
	if diff := cmp.Diff(want, cfg.Endpoints()); diff != "" {
		t.Errorf("Endpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	data := `
connect: zk1:2181,zk2:2181
namespace: app
session:
  timeout: 30s
  can_be_read_only: true
dispatch:
  workers: 2
retry:
  max_retries: 7
  initial_delay: 50ms
  max_delay: 2s
  backoff_multiplier: 2
compression:
  codec: zstd
errors:
  classes:
    session_expired: recoverable
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Namespace != "app" {
		t.Errorf("Expected namespace app, got %q", cfg.Namespace)
	}
	if cfg.Session.Timeout != 30*time.Second {
		t.Errorf("Expected session timeout 30s, got %v", cfg.Session.Timeout)
	}
	if !cfg.Session.CanBeReadOnly {
		t.Error("Expected can_be_read_only to be set")
	}
	if cfg.Session.ConnectionTimeout != DefaultConnectionTimeout {
		t.Errorf("Expected unset fields to keep defaults, got %v", cfg.Session.ConnectionTimeout)
	}
	if cfg.Dispatch.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.Dispatch.Workers)
	}
	if cfg.Retry.MaxRetries != 7 || cfg.Retry.InitialDelay != 50*time.Millisecond {
		t.Errorf("Unexpected retry config %+v", cfg.Retry)
	}
	if cfg.Compression.Codec != "zstd" {
		t.Errorf("Expected zstd, got %q", cfg.Compression.Codec)
	}

	classifier, err := cfg.Errors.Classifier()
	if err != nil {
		t.Fatalf("Classifier failed: %v", err)
	}
	if !classifier.Recoverable(service.ErrSessionExpired) {
		t.Error("Expected session_expired override to apply")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	if err := os.WriteFile(path, []byte("conect: typo:2181\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected unknown field to be rejected")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvConnect:        "x:1",
		EnvSessionTimeout: "5s",
		EnvWorkers:        "9",
		EnvCompression:    "snappy",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := applyEnv(&cfg, lookup); err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}
	if cfg.Connect != "x:1" || cfg.Session.Timeout != 5*time.Second || cfg.Dispatch.Workers != 9 || cfg.Compression.Codec != "snappy" {
		t.Errorf("Overrides not applied: %+v", cfg)
	}

	env[EnvWorkers] = "many"
	if err := applyEnv(&cfg, lookup); err == nil || !strings.Contains(err.Error(), EnvWorkers) {
		t.Errorf("Expected error naming %s, got %v", EnvWorkers, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no endpoints", func(c *Config) { c.Connect = " , " }, "connect"},
		{"bad namespace", func(c *Config) { c.Namespace = "a//b" }, "namespace"},
		{"zero payload", func(c *Config) { c.MaxPayloadSize = 0 }, "max_payload_size"},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }, "workers"},
		{"bad retry", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry"},
		{"bad class", func(c *Config) { c.Errors.Classes = map[string]string{"no_node": "timeout"} }, "errors"},
		{"unknown code", func(c *Config) { c.Errors.Classes = map[string]string{"bogus": "semantic"} }, "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestAllTools(t *testing.T) {
	tools := AllTools()
	if len(tools) != 8 {
		t.Errorf("Expected 8 tools, got %d", len(tools))
	}
	seen := map[string]bool{}
	for _, name := range tools {
		if seen[name] {
			t.Errorf("Duplicate tool name %s", name)
		}
		seen[name] = true
	}
}
