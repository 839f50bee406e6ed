package main

import (
	"path/filepath"

	"github.com/comflowy/comfyd/internal/config"
)

// comfydHome returns the comfyd home directory (~/.comfyd).
func comfydHome() string {
	return config.Home()
}

func defaultSocketPath() string {
	return filepath.Join(comfydHome(), "comfyd.sock")
}

func lockPath() string {
	return filepath.Join(comfydHome(), "daemon.lock")
}

func auditPath() string {
	return filepath.Join(comfydHome(), "audit.log")
}

func backendLogPath() string {
	return filepath.Join(comfydHome(), "backend.log")
}

// configPath returns the --config flag value or the default location.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}
