package config

import (
	"os"
	"path/filepath"
	"strings"
)

func defaultConfigDir() string {
	if v := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); v != "" {
		return filepath.Join(v, "portalkombat")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "portalkombat")
	}
	return filepath.Join(os.TempDir(), "portalkombat")
}

func defaultSocketPath() string {
	if v := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); v != "" {
		return filepath.Join(v, "portalkombat.sock")
	}
	return "/tmp/portalkombat.sock"
}
