// Package config loads the memory engine's YAML configuration as a single
// tagged struct tree plus a defaulting pass applied right after unmarshal.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	Path    string `yaml:"path"`
	Model   string `yaml:"model"`
	// Dimension is D; MUST match the vector store collection dimension.
	Dimension int `yaml:"dimension"`
	// APIHeader/APIKey implement the legacy single-header auth scheme.
	// "Authorization" sends "Bearer <APIKey>"; any other name sends the
	// key verbatim under that header.
	APIHeader string `yaml:"api_header"`
	APIKey    string `yaml:"api_key"`
	// Headers, when set, take precedence per-key over APIHeader/APIKey.
	Headers map[string]string `yaml:"headers"`
	// RolePrefixes maps "query"/"document" to a model-specific text prefix,
	// e.g. {"query": "search_query: ", "document": "search_document: "}.
	RolePrefixes map[string]string `yaml:"role_prefixes"`
	TimeoutSec   int               `yaml:"timeout_seconds"`
	MaxRetries   int               `yaml:"max_retries"`
	// MaxInFlight bounds concurrent outstanding embedding calls.
	MaxInFlight int `yaml:"max_in_flight"`
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxEntries bounds the cache with LRU eviction; 0 = unbounded.
	MaxEntries int    `yaml:"max_entries"`
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
}

// ChunkingConfig configures the chunker.
type ChunkingConfig struct {
	TargetSize int `yaml:"target_size"`
	Overlap    int `yaml:"overlap"`
}

// RecallConfig tunes retrieval defaults for the memory manager.
type RecallConfig struct {
	DefaultLimit    int     `yaml:"default_limit"`
	MinScore        float64 `yaml:"min_score"`
	OverfetchFactor int     `yaml:"overfetch_factor"`
}

// ConsolidationConfig holds maintenance defaults. Enabled is a
// pointer so an omitted key defaults to true rather than to the bool zero
// value.
type ConsolidationConfig struct {
	Enabled           *bool   `yaml:"enabled"`
	SimilarityThresh  float64 `yaml:"similarity_threshold"`
	MaxAgeDays        int     `yaml:"max_age_days"`
	MinImportance     float64 `yaml:"min_importance"`
	DecayHalfLifeDays int     `yaml:"decay_half_life_days"`
	AutoAcceptConf    float64 `yaml:"auto_accept_threshold"`
	SuggestMinConf    float64 `yaml:"suggest_min_confidence"`
}

// GraphConfig toggles the relational graph layer.
type GraphConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"` // "memory" | "postgres"
	DSN     string `yaml:"dsn"`
}

// VectorConfig selects the vector store backend.
type VectorConfig struct {
	Backend   string `yaml:"backend"` // "memory" | "qdrant" | "postgres"
	DSN       string `yaml:"dsn"`
	Metric    string `yaml:"metric"` // cosine|l2|ip
	Dimension int    `yaml:"dimension"`
}

// BackupConfig configures backup destinations.
type BackupConfig struct {
	// Destination is "file" or "s3"; S3Bucket/S3Prefix apply when "s3".
	Destination string `yaml:"destination"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Prefix    string `yaml:"s3_prefix"`
}

// Config is the root configuration tree for the memory engine.
type Config struct {
	DefaultCategory string              `yaml:"default_category"`
	LogLevel        string              `yaml:"log_level"`
	LogPath         string              `yaml:"log_path"`
	Embedding       EmbeddingConfig     `yaml:"embedding"`
	Cache           CacheConfig         `yaml:"cache"`
	Chunking        ChunkingConfig      `yaml:"chunking"`
	Recall          RecallConfig        `yaml:"recall"`
	Consolidation   ConsolidationConfig `yaml:"consolidation"`
	Graph           GraphConfig         `yaml:"graph"`
	Vector          VectorConfig        `yaml:"vector"`
	Backup          BackupConfig        `yaml:"backup"`
}

// Load reads filename, unmarshals it, and applies defaults. A missing
// file is not an error: the zero-value config plus defaults is returned,
// so the engine runs with in-memory backends out of the box.
func Load(filename string) (*Config, error) {
	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %q: %w", filename, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %q: %w", filename, err)
		}
	}
	applyEnvOverrides(&cfg)
	withDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("VECTOR_DSN"); v != "" {
		cfg.Vector.DSN = v
	}
	if v := os.Getenv("GRAPH_DSN"); v != "" {
		cfg.Graph.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
}

func withDefaults(cfg *Config) {
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = "semantic"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Embedding.Path == "" {
		cfg.Embedding.Path = "/v1/embeddings"
	}
	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = 1536
	}
	if cfg.Embedding.TimeoutSec == 0 {
		cfg.Embedding.TimeoutSec = 30
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 3
	}
	if cfg.Embedding.MaxInFlight == 0 {
		cfg.Embedding.MaxInFlight = 8
	}
	if cfg.Embedding.APIHeader == "" {
		cfg.Embedding.APIHeader = "Authorization"
	}
	if cfg.Chunking.TargetSize == 0 {
		cfg.Chunking.TargetSize = 500
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 50
	}
	if cfg.Recall.DefaultLimit == 0 {
		cfg.Recall.DefaultLimit = 10
	}
	if cfg.Recall.OverfetchFactor == 0 {
		cfg.Recall.OverfetchFactor = 3
	}
	if cfg.Consolidation.Enabled == nil {
		enabled := true
		cfg.Consolidation.Enabled = &enabled
	}
	if cfg.Consolidation.SimilarityThresh == 0 {
		cfg.Consolidation.SimilarityThresh = 0.9
	}
	if cfg.Consolidation.MaxAgeDays == 0 {
		cfg.Consolidation.MaxAgeDays = 180
	}
	if cfg.Consolidation.DecayHalfLifeDays == 0 {
		cfg.Consolidation.DecayHalfLifeDays = 90
	}
	if cfg.Consolidation.AutoAcceptConf == 0 {
		cfg.Consolidation.AutoAcceptConf = 0.85
	}
	if cfg.Consolidation.SuggestMinConf == 0 {
		cfg.Consolidation.SuggestMinConf = 0.4
	}
	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "memory"
	}
	if cfg.Vector.Metric == "" {
		cfg.Vector.Metric = "cosine"
	}
	if cfg.Vector.Dimension == 0 {
		cfg.Vector.Dimension = cfg.Embedding.Dimension
	}
	if cfg.Graph.Backend == "" {
		cfg.Graph.Backend = "memory"
	}
	if cfg.Backup.Destination == "" {
		cfg.Backup.Destination = "file"
	}
}

// RolePrefix returns the configured prefix for role ("query" or "document"),
// or "" if none is configured for that role.
func (c EmbeddingConfig) RolePrefix(role string) string {
	if c.RolePrefixes == nil {
		return ""
	}
	return c.RolePrefixes[strings.ToLower(role)]
}
