package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canonhq/canon/internal/canonical"
)

// Config represents the canon configuration
type Config struct {
	TenantID string                          `yaml:"tenant_id"`
	Sources  map[string]canonical.SourceSpec `yaml:"sources"`
	Vector   VectorConfig                    `yaml:"vector"`
	Embedder EmbedderConfig                  `yaml:"embedder"`
	Ingest   IngestConfig                    `yaml:"ingest"`
	Watch    WatchConfig                     `yaml:"watch"`
}

// VectorConfig selects and configures the vector store backend
type VectorConfig struct {
	Backend    string        `yaml:"backend"` // "memory", "embedded", or "qdrant"
	Dimension  int           `yaml:"dimension"`
	URL        string        `yaml:"url,omitempty"`
	APIKeyEnv  string        `yaml:"api_key_env,omitempty"`
	Collection string        `yaml:"collection,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// EmbedderConfig selects and configures the embedder used by the
// ingestion writer
type EmbedderConfig struct {
	Provider  string `yaml:"provider"` // "hash" or "openai"
	BaseURL   string `yaml:"base_url,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Model     string `yaml:"model,omitempty"`
}

// IngestConfig bounds the dedup and retry behavior
type IngestConfig struct {
	ScanPageSize int           `yaml:"scan_page_size"`
	PageTimeout  time.Duration `yaml:"page_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// WatchConfig controls the drop-folder watcher
type WatchConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir,omitempty"`
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("CANON_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "canon"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("CANON_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Canon"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "canon"), nil
	}

	return filepath.Join(home, ".local", "share", "canon"), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults merges configured sources over the built-in source table
// and fills in operational defaults.
func (c *Config) applyDefaults() {
	merged := canonical.Defaults()
	for name, spec := range c.Sources {
		merged[name] = spec
	}
	c.Sources = merged

	if c.TenantID == "" {
		c.TenantID = "default"
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "embedded"
	}
	if c.Vector.Dimension <= 0 {
		c.Vector.Dimension = 256
	}
	if c.Vector.Collection == "" {
		c.Vector.Collection = "canon_chunks"
	}
	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "hash"
	}
	if c.Ingest.ScanPageSize <= 0 {
		c.Ingest.ScanPageSize = 1000
	}
	if c.Ingest.PageTimeout <= 0 {
		c.Ingest.PageTimeout = 5 * time.Second
	}
	if c.Ingest.MaxRetries <= 0 {
		c.Ingest.MaxRetries = 3
	}
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
