package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultCategory != "semantic" {
		t.Fatalf("expected default category semantic, got %q", cfg.DefaultCategory)
	}
	if cfg.Chunking.TargetSize != 500 || cfg.Chunking.Overlap != 50 {
		t.Fatalf("expected chunking defaults 500/50, got %d/%d", cfg.Chunking.TargetSize, cfg.Chunking.Overlap)
	}
	if cfg.Recall.DefaultLimit != 10 || cfg.Recall.OverfetchFactor != 3 {
		t.Fatalf("expected recall defaults 10/3, got %d/%d", cfg.Recall.DefaultLimit, cfg.Recall.OverfetchFactor)
	}
	if cfg.Consolidation.Enabled == nil || !*cfg.Consolidation.Enabled {
		t.Fatal("expected consolidation enabled by default")
	}
	if cfg.Vector.Dimension != cfg.Embedding.Dimension {
		t.Fatalf("expected vector dimension to default to the embedding dimension, got %d vs %d", cfg.Vector.Dimension, cfg.Embedding.Dimension)
	}
}

func TestLoad_YAMLValuesSurviveDefaulting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
default_category: episodic
embedding:
  model: nomic-embed-text
  dimension: 768
  role_prefixes:
    query: "search_query: "
    document: "search_document: "
chunking:
  target_size: 800
  overlap: 100
consolidation:
  enabled: false
  similarity_threshold: 0.85
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DefaultCategory != "episodic" {
		t.Fatalf("expected episodic, got %q", cfg.DefaultCategory)
	}
	if cfg.Embedding.Dimension != 768 {
		t.Fatalf("expected dimension 768, got %d", cfg.Embedding.Dimension)
	}
	if got := cfg.Embedding.RolePrefix("query"); got != "search_query: " {
		t.Fatalf("expected the query role prefix, got %q", got)
	}
	if cfg.Chunking.TargetSize != 800 || cfg.Chunking.Overlap != 100 {
		t.Fatalf("expected chunking 800/100, got %d/%d", cfg.Chunking.TargetSize, cfg.Chunking.Overlap)
	}
	if cfg.Consolidation.Enabled == nil || *cfg.Consolidation.Enabled {
		t.Fatal("expected consolidation explicitly disabled")
	}
	if cfg.Consolidation.SimilarityThresh != 0.85 {
		t.Fatalf("expected threshold 0.85, got %v", cfg.Consolidation.SimilarityThresh)
	}
	if cfg.Vector.Dimension != 768 {
		t.Fatalf("expected vector dimension to follow embedding dimension, got %d", cfg.Vector.Dimension)
	}
}

func TestLoad_EnvOverridesSecrets(t *testing.T) {
	t.Setenv("EMBED_API_KEY", "from-env")
	t.Setenv("GRAPH_DSN", "postgres://env/graph")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Embedding.APIKey != "from-env" {
		t.Fatalf("expected env API key, got %q", cfg.Embedding.APIKey)
	}
	if cfg.Graph.DSN != "postgres://env/graph" {
		t.Fatalf("expected env graph DSN, got %q", cfg.Graph.DSN)
	}
}
