package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all researchd configuration.
type Config struct {
	// Gemini API configuration
	Gemini GeminiConfig `yaml:"gemini"`

	// Session storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Polling and retry behavior
	Monitor MonitorConfig `yaml:"monitor"`

	// Embedding engine for semantic session resolution
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GeminiConfig configures the Gemini API clients.
type GeminiConfig struct {
	APIKey        string `yaml:"api_key"`
	BaseURL       string `yaml:"base_url"`
	Agent         string `yaml:"agent"`
	QuickModel    string `yaml:"quick_model"`
	FollowupModel string `yaml:"followup_model"`
	Timeout       string `yaml:"timeout"`
}

// StorageConfig configures the on-disk session store.
type StorageConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// MonitorConfig configures status polling.
type MonitorConfig struct {
	// Sessions older than this are always polled; half of it is the idle
	// threshold.
	RefreshThreshold string `yaml:"refresh_threshold"`
	MaxRetries       int    `yaml:"max_retries"`
	InitialBackoff   string `yaml:"initial_backoff"`
	MaxBackoff       string `yaml:"max_backoff"`
}

// EmbeddingConfig configures the semantic resolver's embedding engine.
type EmbeddingConfig struct {
	Provider       string  `yaml:"provider"` // genai, ollama, none
	Model          string  `yaml:"model"`
	OllamaEndpoint string  `yaml:"ollama_endpoint"`
	Threshold      float64 `yaml:"threshold"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Gemini: GeminiConfig{
			BaseURL:       "https://generativelanguage.googleapis.com/v1beta",
			Agent:         "deep-research-pro-preview-12-2025",
			QuickModel:    "gemini-3-flash-preview",
			FollowupModel: "gemini-3-pro-preview",
			Timeout:       "120s",
		},

		Storage: StorageConfig{
			Dir:           defaultStorageDir(),
			RetentionDays: 55,
		},

		Monitor: MonitorConfig{
			RefreshThreshold: "5m",
			MaxRetries:       3,
			InitialBackoff:   "2s",
			MaxBackoff:       "30s",
		},

		Embedding: EmbeddingConfig{
			Provider:  "genai",
			Model:     "gemini-embedding-001",
			Threshold: 0.55,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".researchd/sessions"
	}
	return filepath.Join(home, ".researchd", "sessions")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
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
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Gemini.APIKey = key
	}
	if agent := os.Getenv("RESEARCHD_AGENT"); agent != "" {
		c.Gemini.Agent = agent
	}
	if dir := os.Getenv("RESEARCHD_STORAGE_DIR"); dir != "" {
		c.Storage.Dir = dir
	}
	if days := os.Getenv("RESEARCHD_RETENTION_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			c.Storage.RetentionDays = n
		}
	}
	if model := os.Getenv("RESEARCHD_EMBED_MODEL"); model != "" {
		c.Embedding.Model = model
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Gemini.APIKey == "" {
		return fmt.Errorf("Gemini API key not configured (set GEMINI_API_KEY or gemini.api_key)")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("storage.retention_days must be positive, got %d", c.Storage.RetentionDays)
	}
	switch c.Embedding.Provider {
	case "genai", "ollama", "none", "":
	default:
		return fmt.Errorf("invalid embedding provider: %s (valid: genai, ollama, none)", c.Embedding.Provider)
	}
	return nil
}

// GetTimeout returns the Gemini request timeout as a duration.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Gemini.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetRefreshThreshold returns the monitor refresh threshold as a duration.
func (c *Config) GetRefreshThreshold() time.Duration {
	d, err := time.ParseDuration(c.Monitor.RefreshThreshold)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetInitialBackoff returns the initial retry backoff as a duration.
func (c *Config) GetInitialBackoff() time.Duration {
	d, err := time.ParseDuration(c.Monitor.InitialBackoff)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetMaxBackoff returns the maximum retry backoff as a duration.
func (c *Config) GetMaxBackoff() time.Duration {
	d, err := time.ParseDuration(c.Monitor.MaxBackoff)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetRetention returns the session retention window as a duration.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}
