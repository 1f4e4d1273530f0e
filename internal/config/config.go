// Package config loads meshgate's YAML configuration, fills defaults and
// applies environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meshgate/internal/backend"
	"meshgate/internal/embedding"
	"meshgate/internal/gate"
	"meshgate/internal/logging"
)

// Config holds all meshgate configuration.
type Config struct {
	// WorkspaceDir holds one directory per task.
	WorkspaceDir string `yaml:"workspace_dir"`

	// Gate decision policy
	Gate gate.Policy `yaml:"gate"`

	// Embedding backend used by the gate
	Embedding embedding.Config `yaml:"embedding"`

	// Reconstruction backends, one per mode
	Backends []BackendConfig `yaml:"backends"`

	// HTTP layer
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging logging.Config `yaml:"logging"`
}

// ServerConfig configures the HTTP layer.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// MaxConcurrentReconstructions bounds running backend processes.
	MaxConcurrentReconstructions int64 `yaml:"max_concurrent_reconstructions"`

	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	MaxConnections  int    `yaml:"max_connections"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceDir: "workspace",
		Gate:         gate.DefaultPolicy(),
		Embedding:    embedding.DefaultConfig(),
		Backends:     DefaultBackends(),

		Server: ServerConfig{
			ListenAddr:                   ":5000",
			MaxConcurrentReconstructions: 1,
			MaxUploadBytes:               32 << 20,
			MaxConnections:               64,
			ShutdownTimeout:              "30s",
		},

		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// defaults
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("MESHGATE_WORKSPACE"); dir != "" {
		c.WorkspaceDir = dir
	}
	if addr := os.Getenv("MESHGATE_LISTEN_ADDR"); addr != "" {
		c.Server.ListenAddr = addr
	}
	if level := os.Getenv("MESHGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if p := os.Getenv("MESHGATE_EMBEDDING_PROVIDER"); p != "" {
		c.Embedding.Provider = p
	}
	if url := os.Getenv("MESHGATE_EMBEDDING_ENDPOINT"); url != "" {
		c.Embedding.Endpoint = url
	}

	// GenAI key, GEMINI_API_KEY wins
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
}

// GetShutdownTimeout returns the graceful shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ValidProviders lists all supported embedding providers.
var ValidProviders = []string{"http", "process", "genai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		return fmt.Errorf("workspace_dir is required (or set MESHGATE_WORKSPACE)")
	}

	if err := c.Gate.Validate(len(gate.DefaultCategories())); err != nil {
		return fmt.Errorf("invalid gate config: %w", err)
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.Embedding.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid embedding provider: %s (valid: %v)", c.Embedding.Provider, ValidProviders)
	}
	if c.Embedding.Provider == "genai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("genai embedding needs an API key (set GEMINI_API_KEY or GOOGLE_API_KEY)")
	}

	descs, err := c.Descriptors()
	if err != nil {
		return err
	}
	if _, err := backend.NewRegistry(descs...); err != nil {
		return fmt.Errorf("invalid backends: %w", err)
	}

	if c.Server.MaxConcurrentReconstructions < 1 {
		return fmt.Errorf("server.max_concurrent_reconstructions must be at least 1")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must not be negative")
	}

	return nil
}
