package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "addon":
		return addonTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `name = "addonlink-host"
version = "2.0.0"
listen = "127.0.0.1:34687"
admin_listen = "127.0.0.1:34688"
shared_memory = true
shared_memory_size = 2097152
shm_dir = "/dev/shm"
log_history = 256
cors_origins = ["http://localhost:3000"]
admin_token = ""
`

const addonTemplate = `name = "demo"
version = "2.0.0"
address = "127.0.0.1:34687"
independent = false
net_only = false
connect_timeout = "3s"
response_timeout = "10s"
reconnect = false
fail_fast = true
workers = 2
`
