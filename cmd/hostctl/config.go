package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/addonlink/internal/host"
	"github.com/danmuck/addonlink/internal/host/admin"
	"github.com/danmuck/addonlink/internal/logging"
	"github.com/danmuck/addonlink/internal/protocol"
)

type fileConfig struct {
	Name             string   `toml:"name"`
	Version          string   `toml:"version"`
	Listen           string   `toml:"listen"`
	AdminListen      string   `toml:"admin_listen"`
	APILevel         uint32   `toml:"api_level"`
	SharedMemory     bool     `toml:"shared_memory"`
	SharedMemorySize int      `toml:"shared_memory_size"`
	ShmDir           string   `toml:"shm_dir"`
	LogHistory       int      `toml:"log_history"`
	LogLevel         string   `toml:"log_level"`
	PollTimeout      string   `toml:"poll_timeout"`
	ResponseTimeout  string   `toml:"response_timeout"`
	PingTimeout      string   `toml:"ping_timeout"`
	CorsOrigins      []string `toml:"cors_origins"`
	AdminToken       string   `toml:"admin_token"`
	LogoutStatus     uint32   `toml:"logout_status"`
}

type serviceConfig struct {
	Host  host.Config
	Admin admin.Config
	Log   logging.Config
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Host:  host.DefaultConfig(),
		Admin: admin.Config{ListenAddr: "127.0.0.1:34688", PingTimeout: 2 * time.Second},
		Log:   logging.RuntimeConfig(),
	}
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load host config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Host.Name = name
		}
	}
	if meta.IsDefined("version") {
		cfg.Host.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("listen") {
		cfg.Host.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("admin_listen") {
		cfg.Admin.ListenAddr = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("api_level") {
		cfg.Host.APILevel = raw.APILevel
	}
	if meta.IsDefined("shared_memory") {
		cfg.Host.SharedMemory = raw.SharedMemory
	}
	if meta.IsDefined("shared_memory_size") {
		cfg.Host.SharedMemorySize = raw.SharedMemorySize
	}
	if meta.IsDefined("shm_dir") {
		cfg.Host.ShmDir = strings.TrimSpace(raw.ShmDir)
	}
	if meta.IsDefined("log_history") {
		cfg.Host.LogHistory = raw.LogHistory
	}
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return serviceConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.Log.Level = lvl
	}
	if meta.IsDefined("poll_timeout") {
		if cfg.Host.PollTimeout, err = parseDuration("poll_timeout", raw.PollTimeout); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("response_timeout") {
		if cfg.Host.ResponseTimeout, err = parseDuration("response_timeout", raw.ResponseTimeout); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("ping_timeout") {
		if cfg.Admin.PingTimeout, err = parseDuration("ping_timeout", raw.PingTimeout); err != nil {
			return serviceConfig{}, err
		}
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_token") {
		cfg.Admin.Token = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("logout_status") {
		cfg.Host.LogoutStatus = protocol.Code(raw.LogoutStatus)
	}

	cfg.Host = cfg.Host.WithDefaults()
	if err := cfg.Host.Validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
