package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"relocation/internal/domain"
)

// Config models relocation.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret   string `yaml:"jwt_secret"`
		DevTokenTTL string `yaml:"dev_token_ttl"`
		// DevLogin exposes POST /auth/dev/login, which mints tokens for any role.
		DevLogin bool `yaml:"dev_login"`
	} `yaml:"auth"`
	Ledger struct {
		PageSize int `yaml:"page_size"`
	} `yaml:"ledger"`
	// Seed holds the stage templates `rl init` writes into empty scopes, keyed by scope.
	Seed map[string][]SeedStage `yaml:"seed"`
}

type SeedStage struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	SubStages   []SeedStage `yaml:"sub_stages"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Auth.DevTokenTTL != "" {
		if _, err := time.ParseDuration(c.Auth.DevTokenTTL); err != nil {
			return fmt.Errorf("config.auth.dev_token_ttl: %w", err)
		}
	}
	if c.Ledger.PageSize < 0 || c.Ledger.PageSize > 200 {
		return fmt.Errorf("config.ledger.page_size must be between 1 and 200")
	}
	for key, stages := range c.Seed {
		if _, err := domain.ParseScope(key); err != nil {
			return fmt.Errorf("config.seed: %w", err)
		}
		for i, st := range stages {
			if strings.TrimSpace(st.Name) == "" {
				return fmt.Errorf("config.seed.%s[%d] has empty name", key, i)
			}
			for j, sub := range st.SubStages {
				if strings.TrimSpace(sub.Name) == "" {
					return fmt.Errorf("config.seed.%s[%d].sub_stages[%d] has empty name", key, i, j)
				}
			}
		}
	}
	return nil
}

// PageSize returns the ledger list default, falling back to 15.
func (c *Config) PageSize() int {
	if c == nil || c.Ledger.PageSize <= 0 {
		return 15
	}
	return c.Ledger.PageSize
}

// TokenTTL parses auth.dev_token_ttl, defaulting to 24h.
func (c *Config) TokenTTL() time.Duration {
	if c != nil && c.Auth.DevTokenTTL != "" {
		if d, err := time.ParseDuration(c.Auth.DevTokenTTL); err == nil {
			return d
		}
	}
	return 24 * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "relocation.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0

auth:
  jwt_secret: ""
  dev_token_ttl: 24h
  dev_login: false

ledger:
  page_size: 15

seed:
  village:
    - name: Survey
      description: "Household and land survey"
      sub_stages:
        - name: Notice issued
        - name: Survey completed
    - name: Consent
      description: "Gram sabha consent for relocation"
      sub_stages:
        - name: Gram sabha resolution
        - name: Consent forms collected
    - name: Compensation
      description: "Compensation package disbursal"
      sub_stages:
        - name: Option selected
        - name: First installment
        - name: Final installment
    - name: Relocation
      description: "Families moved to the new site"
      sub_stages:
        - name: Shifting
        - name: Handover
`
