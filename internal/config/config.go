package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Qdrant    QdrantConfig
	Store     StoreConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	Retrieval RetrievalConfig
	Ingest    IngestConfig
	Chat      ChatConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host     string
	Port     int
	APIToken string // optional; empty disables bearer auth
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

// StoreConfig selects the vector store backend: "qdrant" (default) or
// "sqlite" for a local embedded store.
type StoreConfig struct {
	Backend string
	Path    string
}

type EmbeddingConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
}

type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type RetrievalConfig struct {
	TopK int
}

type IngestConfig struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
}

type ChatConfig struct {
	SessionCollection string
	MaxHistoryTurns   int
	PromptBudget      int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8000,
		},
		Store: StoreConfig{
			Backend: "qdrant",
			Path:    defaultStorePath(),
		},
		Embedding: EmbeddingConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 384,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "llama3-8b-8192",
			MaxTokens:   512,
			Temperature: 0.3,
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Ingest: IngestConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			BatchSize:    16,
		},
		Chat: ChatConfig{
			SessionCollection: "semsearch_sessions",
			MaxHistoryTurns:   20,
			PromptBudget:      6000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "semsearch.db"
	}
	return home + "/.semsearch/vectors.db"
}

// Load reads configuration from the environment, with a .env file in the
// working directory applied first (without overriding already-set variables).
//
// Secrets and endpoints use the same variable names as the original
// deployment (QDRANT_URL, QDRANT_API_KEY, GROQ_API_KEY); everything else is
// prefixed SEMSEARCH_.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadWith(os.LookupEnv)
}

func loadWith(lookup func(string) (string, bool)) (Config, error) {
	cfg := defaults()

	setString(lookup, "QDRANT_URL", &cfg.Qdrant.URL)
	setString(lookup, "QDRANT_API_KEY", &cfg.Qdrant.APIKey)
	setString(lookup, "GROQ_API_KEY", &cfg.LLM.APIKey)
	setString(lookup, "GROQ_MODEL", &cfg.LLM.Model)
	setString(lookup, "EMBEDDING_API_KEY", &cfg.Embedding.APIKey)

	setString(lookup, "SEMSEARCH_HOST", &cfg.Server.Host)
	setInt(lookup, "SEMSEARCH_PORT", &cfg.Server.Port)
	setString(lookup, "SEMSEARCH_API_TOKEN", &cfg.Server.APIToken)
	setString(lookup, "SEMSEARCH_STORE_BACKEND", &cfg.Store.Backend)
	setString(lookup, "SEMSEARCH_STORE_PATH", &cfg.Store.Path)
	setString(lookup, "SEMSEARCH_EMBEDDING_URL", &cfg.Embedding.BaseURL)
	setString(lookup, "SEMSEARCH_EMBEDDING_MODEL", &cfg.Embedding.Model)
	setInt(lookup, "SEMSEARCH_EMBEDDING_DIM", &cfg.Embedding.Dimension)
	setString(lookup, "SEMSEARCH_LLM_URL", &cfg.LLM.BaseURL)
	setInt(lookup, "SEMSEARCH_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	setFloat(lookup, "SEMSEARCH_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	setInt(lookup, "SEMSEARCH_TOP_K", &cfg.Retrieval.TopK)
	setInt(lookup, "SEMSEARCH_CHUNK_SIZE", &cfg.Ingest.ChunkSize)
	setInt(lookup, "SEMSEARCH_CHUNK_OVERLAP", &cfg.Ingest.ChunkOverlap)
	setInt(lookup, "SEMSEARCH_BATCH_SIZE", &cfg.Ingest.BatchSize)
	setString(lookup, "SEMSEARCH_SESSION_COLLECTION", &cfg.Chat.SessionCollection)
	setInt(lookup, "SEMSEARCH_MAX_HISTORY_TURNS", &cfg.Chat.MaxHistoryTurns)
	setInt(lookup, "SEMSEARCH_PROMPT_BUDGET", &cfg.Chat.PromptBudget)
	setString(lookup, "SEMSEARCH_LOG_LEVEL", &cfg.Log.Level)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Store.Backend {
	case "qdrant":
		if cfg.Qdrant.URL == "" {
			return fmt.Errorf("missing required config: Qdrant URL. Set it via environment variable QDRANT_URL or switch to the local backend with SEMSEARCH_STORE_BACKEND=sqlite")
		}
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("missing required config: SEMSEARCH_STORE_PATH for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (want \"qdrant\" or \"sqlite\")", cfg.Store.Backend)
	}

	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("missing required config: Groq API key. Set it via environment variable GROQ_API_KEY")
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("invalid SEMSEARCH_EMBEDDING_DIM %d: must be positive", cfg.Embedding.Dimension)
	}
	if cfg.Ingest.ChunkOverlap < 0 || cfg.Ingest.ChunkOverlap >= cfg.Ingest.ChunkSize {
		return fmt.Errorf("invalid chunking config: overlap %d must satisfy 0 <= overlap < chunk size %d",
			cfg.Ingest.ChunkOverlap, cfg.Ingest.ChunkSize)
	}
	if cfg.Retrieval.TopK <= 0 {
		return fmt.Errorf("invalid SEMSEARCH_TOP_K %d: must be positive", cfg.Retrieval.TopK)
	}
	return nil
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(lookup func(string) (string, bool), key string, dst *int) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = n
}

func setFloat(lookup func(string) (string, bool), key string, dst *float64) {
	v, ok := lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return
	}
	*dst = f
}
