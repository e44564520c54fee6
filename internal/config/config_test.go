package config

import (
	"strings"
	"testing"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"QDRANT_URL":   "http://localhost:6333",
		"GROQ_API_KEY": "gsk_test",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Embedding.Dimension != 384 {
		t.Errorf("Embedding.Dimension = %d, want 384", cfg.Embedding.Dimension)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("Retrieval.TopK = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.Chat.SessionCollection != "semsearch_sessions" {
		t.Errorf("Chat.SessionCollection = %q", cfg.Chat.SessionCollection)
	}
	if cfg.Store.Backend != "qdrant" {
		t.Errorf("Store.Backend = %q, want qdrant", cfg.Store.Backend)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"QDRANT_URL":              "http://qdrant.internal:6333",
		"QDRANT_API_KEY":          "qd-key",
		"GROQ_API_KEY":            "gsk_test",
		"GROQ_MODEL":              "llama-3.1-70b-versatile",
		"SEMSEARCH_PORT":          "9090",
		"SEMSEARCH_TOP_K":         "3",
		"SEMSEARCH_CHUNK_SIZE":    "800",
		"SEMSEARCH_CHUNK_OVERLAP": "50",
		"SEMSEARCH_LOG_LEVEL":     "debug",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Qdrant.URL != "http://qdrant.internal:6333" {
		t.Errorf("Qdrant.URL = %q", cfg.Qdrant.URL)
	}
	if cfg.Qdrant.APIKey != "qd-key" {
		t.Errorf("Qdrant.APIKey = %q", cfg.Qdrant.APIKey)
	}
	if cfg.LLM.Model != "llama-3.1-70b-versatile" {
		t.Errorf("LLM.Model = %q", cfg.LLM.Model)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("Retrieval.TopK = %d, want 3", cfg.Retrieval.TopK)
	}
	if cfg.Ingest.ChunkSize != 800 || cfg.Ingest.ChunkOverlap != 50 {
		t.Errorf("chunking = (%d, %d), want (800, 50)", cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	}
}

func TestLoadMissingQdrantURL(t *testing.T) {
	_, err := loadWith(envMap(map[string]string{
		"GROQ_API_KEY": "gsk_test",
	}))
	if err == nil {
		t.Fatal("expected error for missing QDRANT_URL")
	}
	if !strings.Contains(err.Error(), "QDRANT_URL") {
		t.Errorf("error %q does not mention QDRANT_URL", err)
	}
}

func TestLoadMissingGroqKey(t *testing.T) {
	_, err := loadWith(envMap(map[string]string{
		"QDRANT_URL": "http://localhost:6333",
	}))
	if err == nil {
		t.Fatal("expected error for missing GROQ_API_KEY")
	}
	if !strings.Contains(err.Error(), "GROQ_API_KEY") {
		t.Errorf("error %q does not mention GROQ_API_KEY", err)
	}
}

func TestLoadSQLiteBackendNoQdrant(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"SEMSEARCH_STORE_BACKEND": "sqlite",
		"GROQ_API_KEY":            "gsk_test",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
}

func TestLoadInvalidOverlap(t *testing.T) {
	_, err := loadWith(envMap(map[string]string{
		"QDRANT_URL":              "http://localhost:6333",
		"GROQ_API_KEY":            "gsk_test",
		"SEMSEARCH_CHUNK_SIZE":    "100",
		"SEMSEARCH_CHUNK_OVERLAP": "100",
	}))
	if err == nil {
		t.Fatal("expected error for overlap == chunk size")
	}
}

func TestLoadBadIntIgnored(t *testing.T) {
	cfg, err := loadWith(envMap(map[string]string{
		"QDRANT_URL":     "http://localhost:6333",
		"GROQ_API_KEY":   "gsk_test",
		"SEMSEARCH_PORT": "not-a-number",
	}))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want default 8000 for unparseable value", cfg.Server.Port)
	}
}
