package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// HostFile is the on-disk shape of a hostctl config.
type HostFile struct {
	Name             string   `toml:"name"`
	Version          string   `toml:"version"`
	Listen           string   `toml:"listen"`
	AdminListen      string   `toml:"admin_listen"`
	APILevel         uint32   `toml:"api_level"`
	SharedMemory     bool     `toml:"shared_memory"`
	SharedMemorySize int      `toml:"shared_memory_size"`
	ShmDir           string   `toml:"shm_dir"`
	LogHistory       int      `toml:"log_history"`
	CorsOrigins      []string `toml:"cors_origins"`
	AdminToken       string   `toml:"admin_token"`
}

// AddonFile is the on-disk shape of an addonctl config.
type AddonFile struct {
	Name            string `toml:"name"`
	Version         string `toml:"version"`
	Address         string `toml:"address"`
	Independent     bool   `toml:"independent"`
	NetOnly         bool   `toml:"net_only"`
	ShmDir          string `toml:"shm_dir"`
	ConnectTimeout  string `toml:"connect_timeout"`
	ResponseTimeout string `toml:"response_timeout"`
	Reconnect       bool   `toml:"reconnect"`
	FailFast        bool   `toml:"fail_fast"`
	Workers         int    `toml:"workers"`
}

func LoadHostFile(path string) (HostFile, error) {
	var cfg HostFile
	if err := loadToml(path, &cfg); err != nil {
		return HostFile{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "addonlink-host"
	}
	if err := ValidateHostFile(cfg); err != nil {
		return HostFile{}, err
	}
	return cfg, nil
}

func LoadAddonFile(path string) (AddonFile, error) {
	var cfg AddonFile
	if err := loadToml(path, &cfg); err != nil {
		return AddonFile{}, err
	}
	if err := ValidateAddonFile(cfg); err != nil {
		return AddonFile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateHostFile(cfg HostFile) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("host config missing listen")
	}
	if err := validAddr(cfg.Listen); err != nil {
		return fmt.Errorf("host config listen: %w", err)
	}
	if cfg.AdminListen != "" {
		if err := validAddr(cfg.AdminListen); err != nil {
			return fmt.Errorf("host config admin_listen: %w", err)
		}
	}
	if cfg.SharedMemorySize < 0 {
		return fmt.Errorf("host config shared_memory_size must not be negative")
	}
	return nil
}

func ValidateAddonFile(cfg AddonFile) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("addon config missing name")
	}
	if strings.ContainsRune(cfg.Name, 0) || strings.ContainsRune(cfg.Version, 0) {
		return fmt.Errorf("addon config name and version must not contain NUL")
	}
	if cfg.Address != "" {
		if err := validAddr(cfg.Address); err != nil {
			return fmt.Errorf("addon config address: %w", err)
		}
	}
	for key, v := range map[string]string{
		"connect_timeout":  cfg.ConnectTimeout,
		"response_timeout": cfg.ResponseTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("addon config %s: %w", key, err)
		}
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("addon config workers must not be negative")
	}
	return nil
}

func validAddr(addr string) error {
	_, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	return err
}
