package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

// EnsureRoot creates the root, config, and data directories if they don't
// exist, and writes a default config file if one is missing.
func EnsureRoot(rootDir string) error {
	if err := ensureDir(rootDir); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(rootDir, defaultConfigDir)); err != nil {
		return err
	}
	if err := ensureDir(filepath.Join(rootDir, defaultDataDir)); err != nil {
		return err
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		return WriteConfigFile(configFilePath, DefaultConfig())
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
		return fmt.Errorf("could not create directory %q: %w", dir, err)
	}
	return nil
}

// tomlConfig mirrors Config for encoding: the anonymous BaseConfig becomes
// top-level keys, the service sections become tables.
type tomlConfig struct {
	BaseConfig
	Sync            *SyncConfig            `toml:"sync"`
	Instrumentation *InstrumentationConfig `toml:"instrumentation"`
}

// WriteConfigFile renders config using its TOML tags and writes it to
// configFilePath.
func WriteConfigFile(configFilePath string, config *Config) error {
	var buffer bytes.Buffer

	encoder := toml.NewEncoder(&buffer)
	if err := encoder.Encode(tomlConfig{
		BaseConfig:      config.BaseConfig,
		Sync:            config.Sync,
		Instrumentation: config.Instrumentation,
	}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return os.WriteFile(configFilePath, buffer.Bytes(), 0644)
}
