package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.7, cfg.Retrieval.VectorWeight)
	assert.Equal(t, 0.3, cfg.Retrieval.TextWeight)
	assert.Equal(t, 0.96, cfg.Ingestion.DuplicateThreshold)
	assert.Equal(t, 200, cfg.Ingestion.DedupeWindow)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "weights do not sum to 1",
			mutate: func(c *Config) { c.Retrieval.VectorWeight = 0.9 },
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Retrieval.VectorWeight = 1.3
				c.Retrieval.TextWeight = -0.3
			},
		},
		{
			name:   "zero top_k",
			mutate: func(c *Config) { c.Retrieval.DefaultTopK = 0 },
		},
		{
			name:   "zero search window",
			mutate: func(c *Config) { c.Retrieval.SearchWindow = 0 },
		},
		{
			name:   "duplicate threshold above 1",
			mutate: func(c *Config) { c.Ingestion.DuplicateThreshold = 1.5 },
		},
		{
			name:   "zero dedupe window",
			mutate: func(c *Config) { c.Ingestion.DedupeWindow = 0 },
		},
		{
			name:   "zero stale days",
			mutate: func(c *Config) { c.Maintenance.StaleDays = 0 },
		},
		{
			name:   "unknown embedding provider",
			mutate: func(c *Config) { c.Embedding.Provider = "quantum" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoader_MissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Retrieval.VectorWeight)
	assert.NotEmpty(t, cfg.DBPath)
}

func TestLoader_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingat.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Retrieval.VectorWeight = 0.6
	cfg.Retrieval.TextWeight = 0.4
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 0.6, loaded.Retrieval.VectorWeight)
	assert.Equal(t, 0.4, loaded.Retrieval.TextWeight)
}

func TestString_MasksAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.APIKey = "sk-super-secret"

	s := cfg.String()
	assert.NotContains(t, s, "sk-super-secret")
	assert.Contains(t, s, "***")

	// Save must not leak the key either
	path := filepath.Join(t.TempDir(), "ingat.json")
	require.NoError(t, NewLoader(path).Save(cfg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-super-secret")
}
