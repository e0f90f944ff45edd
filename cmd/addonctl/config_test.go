package main

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/session"
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

func TestLoadRunConfigDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadRunConfig(fixturePath(t))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	props := cfg.Addon.Properties
	if props.Name != "demo" || props.Version != "2.0.0" || !props.NetOnly || props.Independent {
		t.Fatalf("unexpected properties: %+v", props)
	}
	sc := cfg.Addon.Session
	if sc.Address != "127.0.0.1:34687" {
		t.Fatalf("unexpected address: %q", sc.Address)
	}
	if sc.ConnectTimeout != 2*time.Second || sc.ResponseTimeout != 5*time.Second || sc.PollTimeout != 100*time.Millisecond {
		t.Fatalf("unexpected timeouts: %v %v %v", sc.ConnectTimeout, sc.ResponseTimeout, sc.PollTimeout)
	}
	if !sc.Reconnect {
		t.Fatalf("expected reconnect enabled")
	}
	if sc.DataTimeout != session.DefaultConfig().DataTimeout {
		t.Fatalf("unset field should keep default, got %v", sc.DataTimeout)
	}
	if cfg.Addon.FailFast {
		t.Fatalf("expected fail_fast disabled")
	}
	if cfg.Workers != 4 || cfg.Messages != 10 {
		t.Fatalf("unexpected workers/messages: %d/%d", cfg.Workers, cfg.Messages)
	}
	if cfg.Log.Level != zerolog.WarnLevel {
		t.Fatalf("unexpected log level: %v", cfg.Log.Level)
	}
}

func TestLoadRunConfigMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("name = \"  \"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRunConfig(path); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestLoadRunConfigBadValues(t *testing.T) {
	cases := map[string]string{
		"duration": "connect_timeout = \"later\"\n",
		"address":  "address = \"nowhere\"\n",
		"workers":  "workers = -1\n",
		"level":    "log_level = \"shout\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := loadRunConfig(path); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}
