// Package config loads the per-user CLI configuration and credentials
// kept under ~/.skylift. Both are read once at process start and passed
// down explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DirName is the per-user configuration directory under $HOME.
const DirName = ".skylift"

const configFile = "config.yaml"

// DefaultMaxConcurrency bounds how many functions build and upload at
// once when the config does not set a limit.
const DefaultMaxConcurrency = 10

var (
	ErrMissingBucket = errors.New("artifact bucket is not configured")
	ErrMissingRegion = errors.New("deployment region is not configured")
)

// Config is the deployment target settings. Domain, hosted zone and
// KMS key are optional; without a domain the routing layer serves the
// distribution's default hostname.
type Config struct {
	// Bucket receives built function bundles.
	Bucket string `yaml:"bucket"`

	// Region is the deployment region for all provisioned resources.
	Region string `yaml:"region"`

	// Domain, when set, fronts the routing layer with a custom
	// hostname. Requires HostedZoneID.
	Domain string `yaml:"domain,omitempty"`

	// HostedZoneID is the DNS zone holding the Domain record.
	HostedZoneID string `yaml:"hostedZoneId,omitempty"`

	// KMSKeyID encrypts stored secrets when set.
	KMSKeyID string `yaml:"kmsKeyId,omitempty"`

	// MaxConcurrency caps parallel build/upload jobs.
	MaxConcurrency int `yaml:"maxConcurrency,omitempty"`
}

// Dir returns the configuration directory, honoring SKYLIFT_HOME for
// tests and sandboxed runs.
func Dir() (string, error) {
	if custom := os.Getenv("SKYLIFT_HOME"); custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Load reads the config file from the default directory and applies
// environment overrides.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	return LoadFrom(dir)
}

// LoadFrom reads the config file from dir. A missing file yields an
// empty config so environment overrides alone can satisfy validation.
func LoadFrom(dir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(dir, configFile)
	payload, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(payload, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"SKYLIFT_BUCKET":         &cfg.Bucket,
		"SKYLIFT_REGION":         &cfg.Region,
		"SKYLIFT_DOMAIN":         &cfg.Domain,
		"SKYLIFT_HOSTED_ZONE_ID": &cfg.HostedZoneID,
		"SKYLIFT_KMS_KEY_ID":     &cfg.KMSKeyID,
	}
	for name, target := range overrides {
		if value := os.Getenv(name); value != "" {
			*target = value
		}
	}
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return ErrMissingBucket
	}
	if c.Region == "" {
		return ErrMissingRegion
	}
	if c.Domain != "" && c.HostedZoneID == "" {
		return fmt.Errorf("domain %s is configured without a hosted zone id", c.Domain)
	}
	return nil
}

// Save writes the config back to dir, creating it when needed.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	payload, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := filepath.Join(dir, configFile)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
