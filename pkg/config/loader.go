package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads the YAML config at configPath, layered over the
// defaults. On first run, when no file exists yet, the defaults are
// written there so the user has something to edit.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	switch _, err := os.Stat(configPath); {
	case os.IsNotExist(err):
		if err := writeConfig(configPath, cfg); err != nil {
			return nil, fmt.Errorf("write default config %s: %w", configPath, err)
		}
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("stat config %s: %w", configPath, err)
	}

	// Policy host keys contain dots, so viper's default "." key
	// delimiter would split "foo.test" into nested keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", configPath, err)
	}
	return cfg, nil
}

// GenerateConfig writes the default configuration to configPath. It
// refuses to clobber an existing file.
func GenerateConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config %s already exists", configPath)
	}
	return writeConfig(configPath, DefaultConfig())
}

// writeConfig marshals cfg as YAML to path, creating parent directories.
func writeConfig(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Client.CnnTimeout <= 0 {
		return fmt.Errorf("client connect timeout must be positive")
	}
	if c.DoH.Endpoint == "" {
		return fmt.Errorf("doh endpoint cannot be empty")
	}
	return nil
}
