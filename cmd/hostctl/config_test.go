package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/host"
	"github.com/rs/zerolog"
)

func fixturePath(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("resolve test file path")
	}
	return filepath.Join(filepath.Dir(file), "ex.config.toml")
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadServiceConfig(fixturePath(t))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Host.Name != "reference-host" {
		t.Fatalf("unexpected name: %q", cfg.Host.Name)
	}
	if cfg.Host.ListenAddr != "127.0.0.1:34687" {
		t.Fatalf("unexpected listen: %q", cfg.Host.ListenAddr)
	}
	if cfg.Admin.ListenAddr != "127.0.0.1:7020" {
		t.Fatalf("unexpected admin listen: %q", cfg.Admin.ListenAddr)
	}
	if !cfg.Host.SharedMemory || cfg.Host.SharedMemorySize != 1048576 {
		t.Fatalf("unexpected shared memory: %v %d", cfg.Host.SharedMemory, cfg.Host.SharedMemorySize)
	}
	if cfg.Host.LogHistory != 64 {
		t.Fatalf("unexpected log history: %d", cfg.Host.LogHistory)
	}
	if cfg.Log.Level != zerolog.DebugLevel {
		t.Fatalf("unexpected log level: %v", cfg.Log.Level)
	}
	if cfg.Host.PollTimeout != 200*time.Millisecond || cfg.Host.ResponseTimeout != 5*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", cfg.Host.PollTimeout, cfg.Host.ResponseTimeout)
	}
	if cfg.Admin.PingTimeout != time.Second {
		t.Fatalf("unexpected ping timeout: %v", cfg.Admin.PingTimeout)
	}
	if len(cfg.Admin.CorsOrigins) != 1 || cfg.Admin.CorsOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.Admin.CorsOrigins)
	}
	if cfg.Admin.Token != "change-me" {
		t.Fatalf("unexpected admin token: %q", cfg.Admin.Token)
	}
	if cfg.Host.DataTimeout != host.DefaultConfig().DataTimeout {
		t.Fatalf("unset field should keep default, got %v", cfg.Host.DataTimeout)
	}
}

func TestLoadServiceConfigPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("shared_memory = false\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := host.DefaultConfig()
	if cfg.Host.SharedMemory {
		t.Fatalf("expected shared memory disabled")
	}
	if cfg.Host.ListenAddr != def.ListenAddr || cfg.Host.Name != def.Name {
		t.Fatalf("defaults lost: %+v", cfg.Host)
	}
}

func TestLoadServiceConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("response_timeout = \"soon\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadServiceConfigRejectsSmallSegment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "shared_memory = true\nshared_memory_size = 16\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadServiceConfigUnknownLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("log_level = \"loud\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadServiceConfig(path); err == nil {
		t.Fatalf("expected level error")
	}
}
