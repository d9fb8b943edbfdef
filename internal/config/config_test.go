package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, 7861, cfg.Server.Port)
	assert.Equal(t, "./knowledge_base", cfg.Storage.KBRoot)
	assert.Equal(t, "es", cfg.Storage.DefaultVSType)
	assert.Equal(t, 250, cfg.Search.ChunkSize)
	assert.Equal(t, 50, cfg.Search.ChunkOverlap)
	assert.Equal(t, 3, cfg.Search.TopK)
	assert.Equal(t, 1.0, cfg.Search.ScoreThreshold)
	assert.Equal(t, 0.5, cfg.Search.DenseWeight)
	assert.Equal(t, 0.5, cfg.Search.SparseWeight)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 1024, cfg.Embedding.Dims)
	assert.Equal(t, 0.7, cfg.Reranker.ScoreMin)
	assert.Equal(t, "l2_norm", cfg.ES.Similarity)
	assert.Equal(t, 300*time.Second, cfg.ES.Deadline)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7861, cfg.Server.Port)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	// Given: a config file with partial overrides
	dir := t.TempDir()
	path := filepath.Join(dir, "kbserve.yaml")
	content := `
server:
  port: 9000
storage:
  kb_root: /data/kb
  default_vs_type: local
search:
  chunk_size: 400
  top_k: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// When: loading the explicit path
	cfg, err := Load(path)
	require.NoError(t, err)

	// Then: file values win, unset values keep defaults
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/data/kb", cfg.Storage.KBRoot)
	assert.Equal(t, "local", cfg.Storage.DefaultVSType)
	assert.Equal(t, 400, cfg.Search.ChunkSize)
	assert.Equal(t, 5, cfg.Search.TopK)
	assert.Equal(t, 50, cfg.Search.ChunkOverlap)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))

	t.Setenv("KBSERVE_PORT", "9100")
	t.Setenv("KBSERVE_ES_URL", "http://es.internal:9200")
	t.Setenv("KBSERVE_VS_TYPE", "local")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "http://es.internal:9200", cfg.ES.URL)
	assert.Equal(t, "local", cfg.Storage.DefaultVSType)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kbserve.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "verbose" }},
		{"bad vs type", func(c *Config) { c.Storage.DefaultVSType = "faiss" }},
		{"weights do not sum", func(c *Config) { c.Search.DenseWeight = 0.9 }},
		{"weight out of range", func(c *Config) { c.Search.DenseWeight = 1.5; c.Search.SparseWeight = -0.5 }},
		{"overlap >= chunk size", func(c *Config) { c.Search.ChunkOverlap = 250 }},
		{"bad dims", func(c *Config) { c.Embedding.Dims = 0 }},
		{"bad similarity", func(c *Config) { c.ES.Similarity = "euclidean" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	assert.NoError(t, NewConfig().Validate())
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := NewConfig()
	cfg.Server.Port = 8123
	require.NoError(t, cfg.WriteYAML(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8123, loaded.Server.Port)
}

func TestWatchDebounceDuration(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.WatchDebounceDuration())

	cfg.Server.WatchDebounce = "2s"
	assert.Equal(t, 2*time.Second, cfg.WatchDebounceDuration())

	cfg.Server.WatchDebounce = "garbage"
	assert.Equal(t, 500*time.Millisecond, cfg.WatchDebounceDuration())
}
