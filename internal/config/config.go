// Package config loads and persists plotloom configuration.
// Config lives at .plotloom/config.json inside the project workspace and can
// be overridden by PLOTLOOM_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all plotloom configuration.
type Config struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	// LLM configuration for the text-generation collaborator
	LLM LLMConfig `json:"llm"`

	// Extraction collaborator (deterministic triple extraction)
	Extraction ExtractionConfig `json:"extraction"`

	// Storage
	Storage StorageConfig `json:"storage"`

	// Consolidation pipeline
	Consolidator ConsolidatorConfig `json:"consolidator"`

	// Prompt assembly
	Prompt PromptConfig `json:"prompt"`

	// Logging
	Logging LoggingConfig `json:"logging"`
}

// LLMConfig configures the text-generation collaborator.
type LLMConfig struct {
	Provider string `json:"provider"` // openai-compatible endpoints
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url"`
	Timeout  string `json:"timeout"`

	// Model capability profile, drives tier classification.
	ContextWindowTokens int `json:"context_window_tokens"`
	// Fraction of past structured replies that parsed cleanly (0.0-1.0).
	// Updated out-of-band; 1.0 means the model always follows the tag protocol.
	StructuredReliability float64 `json:"structured_reliability"`
}

// ExtractionConfig configures the advisory entity-extraction collaborator.
type ExtractionConfig struct {
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
	// Deterministic settings are mandatory for extraction; these are not
	// configurable on purpose (temperature 0, fixed seed) but the seed is
	// exposed so reruns can be reproduced.
	Seed int32 `json:"seed"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `json:"database_path"`
}

// ConsolidatorConfig configures the background consolidation pipeline.
type ConsolidatorConfig struct {
	Interval    string `json:"interval"`     // how often a cycle runs
	BatchSize   int    `json:"batch_size"`   // max items per project per cycle
	MaxParallel int    `json:"max_parallel"` // projects consolidated concurrently
}

// PromptConfig configures context assembly.
type PromptConfig struct {
	// Reserved tokens for the model's reply; assembly must always leave this.
	ReplyReserveTokens int `json:"reply_reserve_tokens"`
	// Max conversation turns considered before tier trimming.
	MaxConversationTurns int `json:"max_conversation_turns"`
	// Optional on-disk layer overrides (.plotloom/prompts/*.yaml).
	LayerDir string `json:"layer_dir"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "plotloom",
		Version: "0.4.0",

		LLM: LLMConfig{
			Provider:              "openai-compatible",
			Model:                 "gpt-4o",
			BaseURL:               "https://api.openai.com/v1",
			Timeout:               "120s",
			ContextWindowTokens:   128000,
			StructuredReliability: 0.9,
		},

		Extraction: ExtractionConfig{
			Model: "gemini-2.0-flash",
			Seed:  7,
		},

		Storage: StorageConfig{
			DatabasePath: ".plotloom/plotloom.db",
		},

		Consolidator: ConsolidatorConfig{
			Interval:    "5m",
			BatchSize:   50,
			MaxParallel: 4,
		},

		Prompt: PromptConfig{
			ReplyReserveTokens:   4096,
			MaxConversationTurns: 20,
			LayerDir:             ".plotloom/prompts",
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".plotloom", "config.json")
}

// Load reads config from .plotloom/config.json, applying defaults for
// missing fields and environment overrides on top.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the config back to .plotloom/config.json.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".plotloom")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(Path(workspace), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets PLOTLOOM_* env vars override file values.
// Only the keys operators actually rotate are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLOTLOOM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("PLOTLOOM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PLOTLOOM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PLOTLOOM_EXTRACTION_API_KEY"); v != "" {
		cfg.Extraction.APIKey = v
	}
	if v := os.Getenv("PLOTLOOM_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("PLOTLOOM_CONTEXT_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.ContextWindowTokens = n
		}
	}
	if v := os.Getenv("PLOTLOOM_DEBUG"); v == "1" || v == "true" {
		cfg.Logging.DebugMode = true
	}
}

// LLMTimeout parses the LLM timeout with a safe fallback.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// ConsolidatorInterval parses the consolidation interval with a safe fallback.
func (c *Config) ConsolidatorInterval() time.Duration {
	d, err := time.ParseDuration(c.Consolidator.Interval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
