// Package config loads the interpreter's configuration file. The file uses
// a dnsmasq-style format, one option per line: optionName followed by the
// rest of the line as the value. Empty lines and # comments are ignored.
package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration.
type Config struct {
	// Hostname of the rosbridge server.
	Hostname string
	// Port of the rosbridge server.
	Port int
	// TickInterval is the auto-run tick cadence.
	TickInterval time.Duration
	// TreeFile is an optional behavior tree XML file loaded at startup.
	TreeFile string
	// Autorun enables automatic ticking immediately after a tree loads.
	Autorun bool
	// Warnings contains any warnings generated during config loading.
	Warnings []string
}

// NewConfig creates a configuration with default values.
func NewConfig() *Config {
	return &Config{
		Hostname:     "127.0.0.1",
		Port:         9090,
		TickInterval: 20 * time.Millisecond,
	}
}

// Load loads configuration from the default config file path.
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	return LoadFromPath(configPath)
}

// LoadFromPath loads configuration from the specified file path. A missing
// file yields the defaults.
//
// SECURITY: This function rejects symlinks to prevent symlink attacks
// that could read sensitive files through symlink traversal.
func LoadFromPath(path string) (*Config, error) {
	// Lstat checks the final path component for symlinks. Intermediate
	// directory symlinks are NOT checked: the threat model targets direct
	// file symlink substitution.
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewConfig(), nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("symlink not allowed in config path: %s", path)
	}

	file, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadFromReader(file)
}

// LoadFromReader loads configuration from an io.Reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	config := NewConfig()
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse option line: optionName remainingLineIsTheValue
		parts := strings.SplitN(line, " ", 2)
		optionName := parts[0]
		var value string
		if len(parts) > 1 {
			value = strings.TrimSpace(parts[1])
		}

		if err := parseOption(config, optionName, value); err != nil {
			return nil, fmt.Errorf("invalid option %q: %w", optionName, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}

	return config, nil
}

// parseOption parses a single configuration option.
// Supported options:
//   - hostname <string>: rosbridge server hostname (default: 127.0.0.1)
//   - port <int>: rosbridge server port (default: 9090)
//   - tick-interval-ms <int>: auto-run tick cadence in milliseconds (default: 20)
//   - tree-file <path>: behavior tree XML file loaded at startup
//   - autorun <bool>: enable automatic ticking after the tree loads (default: false)
func parseOption(c *Config, name, value string) error {
	switch name {
	case "hostname":
		if value == "" {
			return fmt.Errorf("empty hostname")
		}
		c.Hostname = value

	case "port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value %q: %w", value, err)
		}
		if port < 1 || port > 65535 {
			return fmt.Errorf("port out of range: %d", port)
		}
		c.Port = port

	case "tick-interval-ms":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value %q: %w", value, err)
		}
		if ms < 1 {
			return fmt.Errorf("tick-interval-ms must be at least 1: %d", ms)
		}
		c.TickInterval = time.Duration(ms) * time.Millisecond

	case "tree-file":
		c.TreeFile = value

	case "autorun":
		enabled, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value %q: %w", value, err)
		}
		c.Autorun = enabled

	default:
		c.addWarning("unknown option: %s", name)
	}
	return nil
}

// addWarning adds a warning to the config's warnings list.
func (c *Config) addWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Warnings = append(c.Warnings, msg)
	slog.Warn("[Config] " + msg)
}

// parseBool parses a boolean value from string.
// Accepts: true, false, 1, 0, yes, no, on, off (case-insensitive)
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

// GetWarnings returns any warnings generated during config loading.
func (c *Config) GetWarnings() []string {
	return c.Warnings
}

// HasWarnings returns true if there are any warnings.
func (c *Config) HasWarnings() bool {
	return len(c.Warnings) > 0
}
