// Package util provides configuration loading for Log Sentinel.
package util

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/supporttools/log-sentinel/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a file (YAML or JSON).
// The file format is determined by extension (.yaml, .yml, .json).
// Environment variables are substituted, defaults are applied, and validation is performed.
func LoadConfig(path string) (*types.SentinelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Expand before parsing so env vars work in non-string fields (port: ${SMTP_PORT})
	data = []byte(os.ExpandEnv(string(data)))

	var config types.SentinelConfig

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	default:
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			err = json.Unmarshal(data, &config)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.SubstituteEnvVars()

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadConfigOrDefault loads configuration from a file, or returns the default
// configuration if the file doesn't exist.
func LoadConfigOrDefault(path string) (*types.SentinelConfig, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config, err := DefaultConfig()
		return config, true, err
	}
	config, err := LoadConfig(path)
	return config, false, err
}

// DefaultConfig returns a configuration that scans ./logs with the built-in
// rules and thresholds, storing events under ./data.
func DefaultConfig() (*types.SentinelConfig, error) {
	config := &types.SentinelConfig{
		APIVersion: types.ConfigAPIVersion,
		Kind:       types.ConfigKind,
		Metadata: types.ConfigMetadata{
			Name: "default",
		},
		Sources: types.SourcesConfig{
			Mode: "local",
			Local: types.LocalSourcesConfig{
				Paths: []string{"./logs"},
			},
		},
		Storage: types.StorageConfig{
			Maintenance: types.MaintenanceConfig{Enabled: true},
		},
		Metrics: types.MetricsConfig{Enabled: true},
		Health:  types.HealthConfig{Enabled: true},
	}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("default config validation failed: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file (YAML or JSON based on extension).
func SaveConfig(config *types.SentinelConfig, path string) error {
	var (
		data []byte
		err  error
	)

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported file extension: %s (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidateConfigFile loads and validates a configuration file.
func ValidateConfigFile(path string) error {
	_, err := LoadConfig(path)
	return err
}
