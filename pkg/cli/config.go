package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultBaseDir is the base configuration directory name.
	DefaultBaseDir = ".mqttmanager"
	// DefaultConfigFile is the CLI's own preferences file, distinct from
	// the device configuration file a command operates on.
	DefaultConfigFile = "cli.yaml"
)

// Config holds this CLI's own preferences — which device config file to
// fall back to when a command's --device-config flag is omitted, and the default
// output format — as opposed to the device identity and transport
// settings a deviceconfig.Store manages.
type Config struct {
	// DefaultConfigPath is the device config YAML path used when a
	// command's --device-config flag is not given.
	DefaultConfigPath string `yaml:"default_config_path,omitempty"`

	// DefaultFormat is the output format used when a command's --output
	// flag is not given.
	DefaultFormat OutputFormat `yaml:"default_format,omitempty"`

	configPath string
}

// LoadConfig loads or creates this CLI's preferences file for appName.
func LoadConfig(appName string) (*Config, error) {
	return LoadConfigWithPath(appName, "")
}

// LoadConfigWithPath loads the CLI's preferences from a custom path.
func LoadConfigWithPath(appName, customPath string) (*Config, error) {
	var configPath string
	if customPath != "" {
		configPath = customPath
		if err := os.MkdirAll(filepath.Dir(customPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	} else {
		paths, err := NewPaths(appName)
		if err != nil {
			return nil, err
		}
		if err := paths.EnsureAppDir(); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = paths.ConfigFile()
	}

	cfg := &Config{configPath: configPath}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Save()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.configPath = configPath
	return cfg, nil
}

// Save persists the CLI's preferences to disk.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the preferences file path.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the preferences file's directory.
func (c *Config) Dir() string {
	return filepath.Dir(c.configPath)
}
