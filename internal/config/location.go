package config

import (
	"os"
	"path/filepath"
)

// GetConfigPath returns the configuration file path. It first checks the
// GROOT_CONFIG environment variable, then falls back to the default
// location (~/.groot-interpreter/config).
func GetConfigPath() (string, error) {
	if configPath := os.Getenv("GROOT_CONFIG"); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".groot-interpreter", "config"), nil
}
