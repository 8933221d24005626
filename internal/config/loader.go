package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := Default()

	if globalPath != "" {
		if err := mergeFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.tributary/config.yaml
// Project: .tributary/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".tributary", "config.yaml")
	projectPath := filepath.Join(".tributary", "config.yaml")

	return Load(globalPath, projectPath)
}

// mergeFile unmarshals a YAML file over the base config. Unset fields keep
// their previous values because yaml.Unmarshal only writes present keys.
func mergeFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Capacity.MaxConcurrent <= 0 {
		return fmt.Errorf("capacity.max_concurrent must be positive, got %d", c.Capacity.MaxConcurrent)
	}
	if c.Capacity.OvercapLimit < 0 {
		return fmt.Errorf("capacity.overcap_limit must not be negative, got %d", c.Capacity.OvercapLimit)
	}
	if c.Scoring.AgeCeiling <= 0 {
		return fmt.Errorf("scoring.age_ceiling must be positive")
	}
	if c.Scoring.BlockerCeiling <= 0 {
		return fmt.Errorf("scoring.blocker_ceiling must be positive")
	}
	if c.Convergence.RetryBudget < 1 {
		return fmt.Errorf("convergence.retry_budget must be at least 1, got %d", c.Convergence.RetryBudget)
	}
	if c.Validation.SignatureLimit < 1 {
		return fmt.Errorf("validation.signature_limit must be at least 1, got %d", c.Validation.SignatureLimit)
	}
	return nil
}
