// Package util provides configuration loading for dmesg-check.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/supporttools/dmesg-check/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a file (YAML or JSON).
// The file format is determined by extension (.yaml, .yml, .json).
// Environment variables are substituted, defaults are applied, and validation is performed.
func LoadConfig(path string) (*types.DmesgCheckConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Substitute environment variables in raw data BEFORE parsing
	// so they also work in non-string fields (e.g., chunkSize: ${CHUNK})
	data = []byte(os.ExpandEnv(string(data)))

	var config types.DmesgCheckConfig

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	default:
		// Try YAML first, then JSON
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

// LoadConfigOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadConfigOrDefault(path string) (*types.DmesgCheckConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig()
	}
	return LoadConfig(path)
}

// DefaultConfig returns the configuration used when no config file is present:
// dmesg is read from the `dmesg` command and pattern files from /usr/share/rhts.
func DefaultConfig() (*types.DmesgCheckConfig, error) {
	config := &types.DmesgCheckConfig{}

	if err := config.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("default config validation failed: %w", err)
	}

	return config, nil
}

// WriteConfig writes configuration to w as YAML or JSON.
func WriteConfig(w io.Writer, config *types.DmesgCheckConfig, format string) error {
	var data []byte
	var err error

	switch format {
	case "yaml", "yml":
		data, err = yaml.Marshal(config)
	case "json":
		data, err = json.MarshalIndent(config, "", "  ")
		data = append(data, '\n')
	default:
		return fmt.Errorf("unsupported config format: %s (use yaml or json)", format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
