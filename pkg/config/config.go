package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds broker configuration
type Config struct {
	// StateDir is the root of the broker's durable state (databases,
	// layer cache, certificate bundles).
	StateDir string `yaml:"state_dir"`

	// ExternalIP is the broker's underlay-facing address, contributed to
	// the network topology as subnet 1.
	ExternalIP string `yaml:"external_ip"`

	// InspectPort is the loopback port for the JSON inspection endpoint.
	InspectPort int `yaml:"inspect_port"`

	// HAProxyConfig is the path the front-end config is rendered to.
	HAProxyConfig string `yaml:"haproxy_config"`

	// CertDir is where per-FQDN certificate bundles are materialised.
	CertDir string `yaml:"cert_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config with every field at its default
func Default() *Config {
	return &Config{
		StateDir:      "state",
		InspectPort:   1024,
		HAProxyConfig: "haproxy.cfg",
		CertDir:       ".",
		LogLevel:      "info",
	}
}

// Load reads a YAML config file and applies defaults for unset fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.InspectPort == 0 {
		c.InspectPort = d.InspectPort
	}
	if c.HAProxyConfig == "" {
		c.HAProxyConfig = d.HAProxyConfig
	}
	if c.CertDir == "" {
		c.CertDir = d.CertDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

// LayerCacheDir returns the layer cache directory under the state root
func (c *Config) LayerCacheDir() string {
	return filepath.Join(c.StateDir, "layer_cache")
}
