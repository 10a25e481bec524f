package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the engine.
type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	Server      ServerConfig      `mapstructure:"server"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	Keyword     KeywordConfig     `mapstructure:"keyword"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Retriever   RetrieverConfig   `mapstructure:"retriever"`
	Rerank      RerankConfig      `mapstructure:"rerank"`
	Graph       GraphConfig       `mapstructure:"graph"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// ProviderConfig configures the OpenAI-compatible model endpoint shared by
// the embedder, the generator, and the reranker/grader.
type ProviderConfig struct {
	APIKey              string `mapstructure:"api_key"`
	BaseURL             string `mapstructure:"base_url"`
	LLMModel            string `mapstructure:"llm_model"`
	EmbeddingModel      string `mapstructure:"embedding_model"`
	EmbeddingDimensions int    `mapstructure:"embedding_dimensions"`
	MaxConcurrent       int    `mapstructure:"max_concurrent"`
}

type VectorStoreConfig struct {
	// Backend selects the strategy: "sqlite" (embedded) or "qdrant" (remote).
	Backend    string `mapstructure:"backend"`
	DBPath     string `mapstructure:"db_path"`
	QdrantURL  string `mapstructure:"qdrant_url"`
	VectorSize int    `mapstructure:"vector_size"`
}

type KeywordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IndexPath string `mapstructure:"index_path"`
}

type IngestConfig struct {
	ParentChunkSize int `mapstructure:"parent_chunk_size"`
	ChildChunkSize  int `mapstructure:"child_chunk_size"`
	ChildOverlap    int `mapstructure:"child_overlap"`
	MinParentSize   int `mapstructure:"min_parent_size"`
	MinChildSize    int `mapstructure:"min_child_size"`
	EmbedBatchSize  int `mapstructure:"embed_batch_size"`
	EmbedRetries    int `mapstructure:"embed_retries"`
	MaxConcurrent   int `mapstructure:"max_concurrent"`
}

type RetrieverConfig struct {
	TopK        int     `mapstructure:"top_k"`
	Oversample  int     `mapstructure:"oversample"`
	RRFConstant float64 `mapstructure:"rrf_constant"`
}

type RerankConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	TopN           int      `mapstructure:"top_n"`
	ScoreThreshold *float64 `mapstructure:"score_threshold"`
}

type GraphConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	ScoreFloor  float64       `mapstructure:"score_floor"`
	UseGrader   bool          `mapstructure:"use_grader"`
	NodeRetries int           `mapstructure:"node_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

type CheckpointConfig struct {
	// Backend is "sqlite" or "memory".
	Backend       string        `mapstructure:"backend"`
	DBPath        string        `mapstructure:"db_path"`
	Retention     time.Duration `mapstructure:"retention"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// Load reads configuration from the given file (optional), environment
// variables prefixed with RAGENGINE_, and built-in defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAGENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	if cfg.VectorStore.DBPath == "" {
		cfg.VectorStore.DBPath = filepath.Join(cfg.DataDir, "vectors.db")
	}
	if cfg.Keyword.IndexPath == "" {
		cfg.Keyword.IndexPath = filepath.Join(cfg.DataDir, "keyword")
	}
	if cfg.Checkpoint.DBPath == "" {
		cfg.Checkpoint.DBPath = filepath.Join(cfg.DataDir, "checkpoints.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.VectorStore.Backend {
	case "sqlite", "qdrant":
	default:
		return fmt.Errorf("unknown vector store backend %q", c.VectorStore.Backend)
	}
	if c.VectorStore.Backend == "qdrant" && c.VectorStore.QdrantURL == "" {
		return fmt.Errorf("vector_store.qdrant_url is required for the qdrant backend")
	}
	switch c.Checkpoint.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Ingest.ChildChunkSize <= 0 {
		return fmt.Errorf("ingest.child_chunk_size must be positive")
	}
	if c.Ingest.ChildOverlap >= c.Ingest.ChildChunkSize {
		return fmt.Errorf("ingest.child_overlap must be smaller than child_chunk_size")
	}
	if c.Ingest.ParentChunkSize < c.Ingest.ChildChunkSize {
		return fmt.Errorf("ingest.parent_chunk_size must be at least child_chunk_size")
	}
	if c.Graph.MaxRetries < 0 {
		return fmt.Errorf("graph.max_retries must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "~/.ragengine")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7180)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.llm_model", "gpt-4o-mini")
	v.SetDefault("provider.embedding_model", "text-embedding-3-small")
	v.SetDefault("provider.embedding_dimensions", 768)
	v.SetDefault("provider.max_concurrent", 4)

	v.SetDefault("vector_store.backend", "sqlite")
	v.SetDefault("vector_store.vector_size", 768)

	v.SetDefault("keyword.enabled", true)

	v.SetDefault("ingest.parent_chunk_size", 1200)
	v.SetDefault("ingest.child_chunk_size", 300)
	v.SetDefault("ingest.child_overlap", 75)
	v.SetDefault("ingest.min_parent_size", 200)
	v.SetDefault("ingest.min_child_size", 50)
	v.SetDefault("ingest.embed_batch_size", 32)
	v.SetDefault("ingest.embed_retries", 3)
	v.SetDefault("ingest.max_concurrent", 2)

	v.SetDefault("retriever.top_k", 20)
	v.SetDefault("retriever.oversample", 3)
	v.SetDefault("retriever.rrf_constant", 60)

	v.SetDefault("rerank.enabled", true)
	v.SetDefault("rerank.top_n", 5)

	v.SetDefault("graph.max_retries", 2)
	v.SetDefault("graph.score_floor", 0.25)
	v.SetDefault("graph.use_grader", true)
	v.SetDefault("graph.node_retries", 2)
	v.SetDefault("graph.retry_delay", 500*time.Millisecond)
	v.SetDefault("graph.node_timeout", 60*time.Second)
	v.SetDefault("graph.run_timeout", 5*time.Minute)

	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("checkpoint.retention", 24*time.Hour)
	v.SetDefault("checkpoint.prune_schedule", "@hourly")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
