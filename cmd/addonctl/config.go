package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/addonlink/internal/addon"
	"github.com/danmuck/addonlink/internal/logging"
	"github.com/danmuck/addonlink/internal/session"
)

type fileConfig struct {
	Name            string `toml:"name"`
	Version         string `toml:"version"`
	Address         string `toml:"address"`
	Independent     bool   `toml:"independent"`
	NetOnly         bool   `toml:"net_only"`
	ShmDir          string `toml:"shm_dir"`
	ConnectTimeout  string `toml:"connect_timeout"`
	ResponseTimeout string `toml:"response_timeout"`
	PollTimeout     string `toml:"poll_timeout"`
	Reconnect       bool   `toml:"reconnect"`
	FailFast        bool   `toml:"fail_fast"`
	Workers         int    `toml:"workers"`
	Messages        int    `toml:"messages"`
	LogLevel        string `toml:"log_level"`
}

type runConfig struct {
	Addon addon.Options
	Log   logging.Config
	// Workers is the number of threads that each open a sub-session.
	Workers int
	// Messages is the number of log lines every session sends.
	Messages int
}

func defaultRunConfig() runConfig {
	return runConfig{
		Addon: addon.Options{
			Session:    session.DefaultConfig(),
			Properties: session.Properties{Name: "addonctl"},
			FailFast:   true,
		},
		Log:      logging.RuntimeConfig(),
		Workers:  2,
		Messages: 3,
	}
}

func loadRunConfig(path string) (runConfig, error) {
	cfg := defaultRunConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runConfig{}, fmt.Errorf("load addon config: %w", err)
	}

	if meta.IsDefined("name") {
		cfg.Addon.Properties.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("version") {
		cfg.Addon.Properties.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("independent") {
		cfg.Addon.Properties.Independent = raw.Independent
	}
	if meta.IsDefined("net_only") {
		cfg.Addon.Properties.NetOnly = raw.NetOnly
	}
	if meta.IsDefined("address") {
		cfg.Addon.Session.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("shm_dir") {
		cfg.Addon.Session.ShmDir = strings.TrimSpace(raw.ShmDir)
	}
	if meta.IsDefined("connect_timeout") {
		if cfg.Addon.Session.ConnectTimeout, err = parseDuration("connect_timeout", raw.ConnectTimeout); err != nil {
			return runConfig{}, err
		}
	}
	if meta.IsDefined("response_timeout") {
		if cfg.Addon.Session.ResponseTimeout, err = parseDuration("response_timeout", raw.ResponseTimeout); err != nil {
			return runConfig{}, err
		}
	}
	if meta.IsDefined("poll_timeout") {
		if cfg.Addon.Session.PollTimeout, err = parseDuration("poll_timeout", raw.PollTimeout); err != nil {
			return runConfig{}, err
		}
	}
	if meta.IsDefined("reconnect") {
		cfg.Addon.Session.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("fail_fast") {
		cfg.Addon.FailFast = raw.FailFast
	}
	if meta.IsDefined("workers") {
		cfg.Workers = raw.Workers
	}
	if meta.IsDefined("messages") {
		cfg.Messages = raw.Messages
	}
	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return runConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.Log.Level = lvl
	}

	if cfg.Addon.Properties.Name == "" {
		return runConfig{}, fmt.Errorf("addon config missing name")
	}
	if cfg.Workers < 0 || cfg.Messages < 0 {
		return runConfig{}, fmt.Errorf("addon config workers and messages must not be negative")
	}
	cfg.Addon.Session = cfg.Addon.Session.WithDefaults()
	if err := cfg.Addon.Session.Validate(); err != nil {
		return runConfig{}, err
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
