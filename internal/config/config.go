package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models .stint/config.yml.
type Config struct {
	Jira JiraConfig `yaml:"jira"`
}

// JiraConfig carries the remote tracker connection. All three fields are
// required once any of them is set; an empty block disables import.
type JiraConfig struct {
	BaseURL  string `yaml:"base_url"`
	User     string `yaml:"user"`
	APIToken string `yaml:"api_token"`
}

// Enabled reports whether remote import is configured.
func (j JiraConfig) Enabled() bool {
	return j.BaseURL != "" || j.User != "" || j.APIToken != ""
}

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".stint", "config.yml")
}

// Load reads config from the workspace. A missing file yields defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate ensures a partially filled jira block is rejected early rather
// than failing on the first import.
func (c *Config) Validate() error {
	if !c.Jira.Enabled() {
		return nil
	}
	if c.Jira.BaseURL == "" {
		return fmt.Errorf("config.jira.base_url is required")
	}
	if c.Jira.User == "" {
		return fmt.Errorf("config.jira.user is required")
	}
	if c.Jira.APIToken == "" {
		return fmt.Errorf("config.jira.api_token is required")
	}
	return nil
}

// Default returns an empty config with remote import disabled.
func Default() *Config {
	return &Config{}
}
