// Package config loads kbserve configuration from YAML files with
// environment variable overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kbserve configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Reranker  RerankerConfig  `yaml:"reranker" json:"reranker"`
	ES        ESConfig        `yaml:"es" json:"es"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`
	// WatchDebounce is the settle window for --watch re-ingestion.
	WatchDebounce string `yaml:"watch_debounce" json:"watch_debounce"`
}

// StorageConfig configures where knowledge base content lives.
type StorageConfig struct {
	// KBRoot is the root directory holding per-KB content folders and
	// the catalog database.
	KBRoot string `yaml:"kb_root" json:"kb_root"`
	// DefaultVSType selects the vector store backend for new knowledge
	// bases ("es" or "local").
	DefaultVSType string `yaml:"default_vs_type" json:"default_vs_type"`
}

// SearchConfig configures chunking and hybrid retrieval parameters.
type SearchConfig struct {
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
	TopK         int `yaml:"top_k" json:"top_k"`

	// ScoreThreshold is forwarded to backends that support native
	// filtering. It is not applied to fused hybrid scores.
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`

	// DenseWeight and SparseWeight are the RRF fusion weights for the
	// kNN and BM25 rankings. Must sum to 1.0.
	DenseWeight  float64 `yaml:"dense_weight" json:"dense_weight"`
	SparseWeight float64 `yaml:"sparse_weight" json:"sparse_weight"`

	// RRFConstant is the RRF smoothing parameter (c). Default: 60.
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`

	// ZhTitleEnhance enables the title-augmentation post pass on chunks.
	ZhTitleEnhance bool `yaml:"zh_title_enhance" json:"zh_title_enhance"`
}

// EmbeddingConfig configures the remote embedding worker.
type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url" json:"base_url"`
	Model     string        `yaml:"model" json:"model"`
	Dims      int           `yaml:"dims" json:"dims"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
}

// RerankerConfig configures the optional cross-encoder rerank stage.
type RerankerConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	BaseURL  string        `yaml:"base_url" json:"base_url"`
	Model    string        `yaml:"model" json:"model"`
	TopN     int           `yaml:"top_n" json:"top_n"`
	ScoreMin float64       `yaml:"score_min" json:"score_min"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// ESConfig configures the Elasticsearch index backend.
type ESConfig struct {
	URL      string `yaml:"url" json:"url"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	// Similarity for the dense_vector field: cosine, l2_norm,
	// dot_product or max_inner_product.
	Similarity string        `yaml:"similarity" json:"similarity"`
	Shards     int           `yaml:"shards" json:"shards"`
	Replicas   int           `yaml:"replicas" json:"replicas"`
	Deadline   time.Duration `yaml:"deadline" json:"deadline"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          7861,
			LogLevel:      "info",
			WatchDebounce: "500ms",
		},
		Storage: StorageConfig{
			KBRoot:        "./knowledge_base",
			DefaultVSType: "es",
		},
		Search: SearchConfig{
			ChunkSize:      250,
			ChunkOverlap:   50,
			TopK:           3,
			ScoreThreshold: 1.0,
			DenseWeight:    0.5,
			SparseWeight:   0.5,
			// k=60 is the standard RRF smoothing constant
			RRFConstant:    60,
			ZhTitleEnhance: false,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "http://127.0.0.1:21001",
			Model:     "bge-large-zh-v1.5",
			Dims:      1024,
			Timeout:   300 * time.Second,
			CacheSize: 1000,
		},
		Reranker: RerankerConfig{
			Enabled:  false,
			BaseURL:  "http://127.0.0.1:21002",
			Model:    "bge-reranker-large",
			TopN:     3,
			ScoreMin: 0.7,
			Timeout:  300 * time.Second,
		},
		ES: ESConfig{
			URL:        "http://127.0.0.1:9200",
			Similarity: "l2_norm",
			Shards:     1,
			Replicas:   0,
			Deadline:   300 * time.Second,
		},
	}
}

// DefaultConfigPath returns the path to the user configuration file.
// It follows XDG Base Directory conventions.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kbserve", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "kbserve", "config.yaml")
	}
	return filepath.Join(home, ".config", "kbserve", "config.yaml")
}

// Load loads configuration with increasing precedence:
//  1. Hardcoded defaults
//  2. YAML file (explicit path, else ./kbserve.yaml, else user config)
//  3. Environment variables (KBSERVE_*)
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range []string{"kbserve.yaml", "kbserve.yml", DefaultConfigPath()} {
			if fileExists(candidate) {
				if err := cfg.loadYAML(candidate); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML loads and merges configuration from a YAML file.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Parse into a scratch struct so type errors surface before merging.
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.LogFile != "" {
		c.Server.LogFile = other.Server.LogFile
	}
	if other.Server.WatchDebounce != "" {
		c.Server.WatchDebounce = other.Server.WatchDebounce
	}

	// Storage
	if other.Storage.KBRoot != "" {
		c.Storage.KBRoot = other.Storage.KBRoot
	}
	if other.Storage.DefaultVSType != "" {
		c.Storage.DefaultVSType = other.Storage.DefaultVSType
	}

	// Search
	if other.Search.ChunkSize != 0 {
		c.Search.ChunkSize = other.Search.ChunkSize
	}
	if other.Search.ChunkOverlap != 0 {
		c.Search.ChunkOverlap = other.Search.ChunkOverlap
	}
	if other.Search.TopK != 0 {
		c.Search.TopK = other.Search.TopK
	}
	if other.Search.ScoreThreshold != 0 {
		c.Search.ScoreThreshold = other.Search.ScoreThreshold
	}
	// 0 is not a practical weight, so only merge non-zero values
	if other.Search.DenseWeight != 0 {
		c.Search.DenseWeight = other.Search.DenseWeight
	}
	if other.Search.SparseWeight != 0 {
		c.Search.SparseWeight = other.Search.SparseWeight
	}
	if other.Search.RRFConstant != 0 {
		c.Search.RRFConstant = other.Search.RRFConstant
	}
	if other.Search.ZhTitleEnhance {
		c.Search.ZhTitleEnhance = true
	}

	// Embedding
	if other.Embedding.BaseURL != "" {
		c.Embedding.BaseURL = other.Embedding.BaseURL
	}
	if other.Embedding.Model != "" {
		c.Embedding.Model = other.Embedding.Model
	}
	if other.Embedding.Dims != 0 {
		c.Embedding.Dims = other.Embedding.Dims
	}
	if other.Embedding.Timeout != 0 {
		c.Embedding.Timeout = other.Embedding.Timeout
	}
	if other.Embedding.CacheSize != 0 {
		c.Embedding.CacheSize = other.Embedding.CacheSize
	}

	// Reranker
	if other.Reranker.Enabled {
		c.Reranker.Enabled = true
	}
	if other.Reranker.BaseURL != "" {
		c.Reranker.BaseURL = other.Reranker.BaseURL
	}
	if other.Reranker.Model != "" {
		c.Reranker.Model = other.Reranker.Model
	}
	if other.Reranker.TopN != 0 {
		c.Reranker.TopN = other.Reranker.TopN
	}
	if other.Reranker.ScoreMin != 0 {
		c.Reranker.ScoreMin = other.Reranker.ScoreMin
	}
	if other.Reranker.Timeout != 0 {
		c.Reranker.Timeout = other.Reranker.Timeout
	}

	// ES
	if other.ES.URL != "" {
		c.ES.URL = other.ES.URL
	}
	if other.ES.User != "" {
		c.ES.User = other.ES.User
	}
	if other.ES.Password != "" {
		c.ES.Password = other.ES.Password
	}
	if other.ES.Similarity != "" {
		c.ES.Similarity = other.ES.Similarity
	}
	if other.ES.Shards != 0 {
		c.ES.Shards = other.ES.Shards
	}
	if other.ES.Replicas != 0 {
		c.ES.Replicas = other.ES.Replicas
	}
	if other.ES.Deadline != 0 {
		c.ES.Deadline = other.ES.Deadline
	}
}

// applyEnvOverrides applies KBSERVE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KBSERVE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("KBSERVE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("KBSERVE_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("KBSERVE_KB_ROOT"); v != "" {
		c.Storage.KBRoot = v
	}
	if v := os.Getenv("KBSERVE_VS_TYPE"); v != "" {
		c.Storage.DefaultVSType = v
	}
	if v := os.Getenv("KBSERVE_EMBEDDING_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("KBSERVE_RERANKER_URL"); v != "" {
		c.Reranker.BaseURL = v
	}
	if v := os.Getenv("KBSERVE_ES_URL"); v != "" {
		c.ES.URL = v
	}
	if v := os.Getenv("KBSERVE_ES_USER"); v != "" {
		c.ES.User = v
	}
	if v := os.Getenv("KBSERVE_ES_PASSWORD"); v != "" {
		c.ES.Password = v
	}
	if v := os.Getenv("KBSERVE_DENSE_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Search.DenseWeight = w
		}
	}
	if v := os.Getenv("KBSERVE_SPARSE_WEIGHT"); v != "" {
		if w, err := strconv.ParseFloat(v, 64); err == nil && w >= 0 && w <= 1 {
			c.Search.SparseWeight = w
		}
	}
	if v := os.Getenv("KBSERVE_RRF_CONSTANT"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			c.Search.RRFConstant = k
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	switch c.Storage.DefaultVSType {
	case "es", "local":
	default:
		return fmt.Errorf("storage.default_vs_type must be 'es' or 'local', got %s", c.Storage.DefaultVSType)
	}

	if c.Search.DenseWeight < 0 || c.Search.DenseWeight > 1 {
		return fmt.Errorf("dense_weight must be between 0 and 1, got %f", c.Search.DenseWeight)
	}
	if c.Search.SparseWeight < 0 || c.Search.SparseWeight > 1 {
		return fmt.Errorf("sparse_weight must be between 0 and 1, got %f", c.Search.SparseWeight)
	}
	sum := c.Search.DenseWeight + c.Search.SparseWeight
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("dense_weight + sparse_weight must equal 1.0, got %.2f", sum)
	}

	if c.Search.ChunkSize < 0 {
		return fmt.Errorf("chunk_size must be non-negative, got %d", c.Search.ChunkSize)
	}
	if c.Search.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_overlap must be non-negative, got %d", c.Search.ChunkOverlap)
	}
	if c.Search.ChunkOverlap >= c.Search.ChunkSize && c.Search.ChunkSize > 0 {
		return fmt.Errorf("chunk_overlap must be smaller than chunk_size, got %d >= %d", c.Search.ChunkOverlap, c.Search.ChunkSize)
	}

	if c.Embedding.Dims <= 0 {
		return fmt.Errorf("embedding.dims must be positive, got %d", c.Embedding.Dims)
	}

	validSimilarities := map[string]bool{
		"cosine": true, "l2_norm": true, "dot_product": true, "max_inner_product": true,
	}
	if !validSimilarities[c.ES.Similarity] {
		return fmt.Errorf("es.similarity must be one of cosine, l2_norm, dot_product, max_inner_product, got %s", c.ES.Similarity)
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// WatchDebounce parses the watch debounce window, falling back to 500ms.
func (c *Config) WatchDebounceDuration() time.Duration {
	d, err := time.ParseDuration(c.Server.WatchDebounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
