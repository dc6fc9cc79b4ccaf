package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Ingat configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database path (defaults to <data_dir>/ingat.db)
	DBPath string `json:"db_path" mapstructure:"db_path"`

	// Retrieval configuration
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	// Ingestion configuration
	Ingestion IngestionConfig `json:"ingestion" mapstructure:"ingestion"`

	// Maintenance configuration
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`

	// Embedding configuration
	Embedding EmbeddingConfig `json:"embedding" mapstructure:"embedding"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// RetrievalConfig holds hybrid search tuning
type RetrievalConfig struct {
	VectorWeight float64 `json:"vector_weight" mapstructure:"vector_weight"`
	TextWeight   float64 `json:"text_weight" mapstructure:"text_weight"`
	DefaultTopK  int     `json:"default_top_k" mapstructure:"default_top_k"`
	// SearchWindow bounds the per-owner scan so latency stays predictable
	// regardless of total stored volume.
	SearchWindow int `json:"search_window" mapstructure:"search_window"`
}

// IngestionConfig holds save-path tuning
type IngestionConfig struct {
	DuplicateThreshold float64 `json:"duplicate_threshold" mapstructure:"duplicate_threshold"`
	// DedupeWindow is how many recent same-type records the duplicate scan covers.
	DedupeWindow int `json:"dedupe_window" mapstructure:"dedupe_window"`
}

// MaintenanceConfig holds compaction defaults
type MaintenanceConfig struct {
	DedupeThreshold float64 `json:"dedupe_threshold" mapstructure:"dedupe_threshold"`
	StaleDays       int     `json:"stale_days" mapstructure:"stale_days"`
	IntervalHours   int     `json:"interval_hours" mapstructure:"interval_hours"`
	// CronExpr drives the optional in-process scheduler (pkg/maintsched).
	CronExpr string `json:"cron_expr" mapstructure:"cron_expr"`
}

// EmbeddingConfig holds embedding provider settings
type EmbeddingConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, none
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Retrieval: RetrievalConfig{
			VectorWeight: 0.7,
			TextWeight:   0.3,
			DefaultTopK:  10,
			SearchWindow: 500,
		},
		Ingestion: IngestionConfig{
			DuplicateThreshold: 0.96,
			DedupeWindow:       200,
		},
		Maintenance: MaintenanceConfig{
			DedupeThreshold: 0.92,
			StaleDays:       120,
			IntervalHours:   24,
			CronExpr:        "0 4 * * *",
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
	}
}

// Validate checks configuration values
func (c *Config) Validate() error {
	const epsilon = 1e-9

	sum := c.Retrieval.VectorWeight + c.Retrieval.TextWeight
	if sum < 1-epsilon || sum > 1+epsilon {
		return fmt.Errorf("retrieval weights must sum to 1, got %f", sum)
	}
	if c.Retrieval.VectorWeight < 0 || c.Retrieval.TextWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if c.Retrieval.DefaultTopK <= 0 {
		return fmt.Errorf("default_top_k must be positive, got %d", c.Retrieval.DefaultTopK)
	}
	if c.Retrieval.SearchWindow <= 0 {
		return fmt.Errorf("search_window must be positive, got %d", c.Retrieval.SearchWindow)
	}
	if c.Ingestion.DuplicateThreshold <= 0 || c.Ingestion.DuplicateThreshold > 1 {
		return fmt.Errorf("duplicate_threshold must be in (0,1], got %f", c.Ingestion.DuplicateThreshold)
	}
	if c.Ingestion.DedupeWindow <= 0 {
		return fmt.Errorf("dedupe_window must be positive, got %d", c.Ingestion.DedupeWindow)
	}
	if c.Maintenance.DedupeThreshold <= 0 || c.Maintenance.DedupeThreshold > 1 {
		return fmt.Errorf("maintenance dedupe_threshold must be in (0,1], got %f", c.Maintenance.DedupeThreshold)
	}
	if c.Maintenance.StaleDays <= 0 {
		return fmt.Errorf("stale_days must be positive, got %d", c.Maintenance.StaleDays)
	}
	if c.Maintenance.IntervalHours <= 0 {
		return fmt.Errorf("interval_hours must be positive, got %d", c.Maintenance.IntervalHours)
	}

	switch c.Embedding.Provider {
	case "", "none", "openai":
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embedding.Provider)
	}

	return nil
}

// String returns a JSON representation with the API key masked
func (c *Config) String() string {
	clone := *c
	if clone.Embedding.APIKey != "" {
		clone.Embedding.APIKey = "***"
	}
	data, err := json.MarshalIndent(&clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
