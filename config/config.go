// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Embedding and generator providers.
const (
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
	ProviderGemini  = "gemini"
	ProviderHashing = "hashing"
	ProviderStatic  = "static"
)

// Vector index backends.
const (
	IndexChromem  = "chromem"
	IndexPgvector = "pgvector"
	IndexQdrant   = "qdrant"
	IndexMemory   = "memory"
)

// Conversation store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Neo4jURI    string `yaml:"neo4j_uri"`
	Neo4jUser   string `yaml:"neo4j_username"`
	Neo4jPass   string `yaml:"neo4j_password"`

	QdrantHost   string `yaml:"qdrant_host"`
	QdrantPort   int    `yaml:"qdrant_port"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`
	QdrantUseTLS bool   `yaml:"qdrant_use_tls"`

	OllamaHost    string `yaml:"ollama_host"`
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	GeminiAPIKey  string `yaml:"gemini_api_key"`

	DataDir     string `yaml:"data_dir"`
	DatasetFile string `yaml:"dataset_file"`

	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	LLM           LLMConfig           `yaml:"llm"`
	Index         IndexConfig         `yaml:"index"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Prompt        PromptConfig        `yaml:"prompt"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Retry         RetryConfig         `yaml:"retry"`
	Server        ServerConfig        `yaml:"server"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Graph         GraphConfig         `yaml:"graph"`
	Log           LogConfig           `yaml:"log"`
}

type EmbeddingsConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type IndexConfig struct {
	Backend           string `yaml:"backend"`
	Path              string `yaml:"path"`
	Compress          bool   `yaml:"compress"`
	DatasetCollection string `yaml:"dataset_collection"`
	ChunkCollection   string `yaml:"chunk_collection"`
}

type ConversationsConfig struct {
	Backend   string        `yaml:"backend"`
	SQLiteDSN string        `yaml:"sqlite_dsn"`
	IdleTTL   time.Duration `yaml:"idle_ttl"`
}

type ChunkingConfig struct {
	SizeWords    int `yaml:"size_words"`
	OverlapWords int `yaml:"overlap_words"`
}

// IngestionConfig controls batching and the ledger of ingested documents.
// LedgerBackend is one of the conversation store backends.
type IngestionConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	LedgerBackend string        `yaml:"ledger_backend"`
	LedgerDSN     string        `yaml:"ledger_dsn"`
	Debounce      time.Duration `yaml:"debounce"`
}

type RetrievalConfig struct {
	DefaultLimit  int      `yaml:"default_limit"`
	MinScore      *float64 `yaml:"min_score"`
	IncludeChunks bool     `yaml:"include_chunks"`
}

type PromptConfig struct {
	MaxHistoryTurns     int `yaml:"max_history_turns"`
	CandidateCharBudget int `yaml:"candidate_char_budget"`
	ContextCharBudget   int `yaml:"context_char_budget"`
	SentenceLookback    int `yaml:"sentence_lookback"`
	TokenBudget         int `yaml:"token_budget"`
}

type TimeoutsConfig struct {
	Embed    time.Duration `yaml:"embed"`
	Retrieve time.Duration `yaml:"retrieve"`
	Generate time.Duration `yaml:"generate"`
}

type RetryConfig struct {
	MaxTries        uint          `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type TelemetryConfig struct {
	Tracing bool `yaml:"tracing"`
	Metrics bool `yaml:"metrics"`
}

type GraphConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration. It runs fully offline: hashing
// embeddings, a chromem index on disk, in-memory conversations and the static
// generator.
func Default() Config {
	return Config{
		PostgresDSN: "postgres://localhost:5432/datasearch?sslmode=disable",
		Neo4jURI:    "neo4j://localhost:7687",
		Neo4jUser:   "neo4j",
		Neo4jPass:   "password",
		QdrantHost:  "localhost",
		QdrantPort:  6334,
		OllamaHost:  "http://localhost:11434",
		DataDir:     "./data/docs",
		DatasetFile: "./data/datasets.json",
		Embeddings: EmbeddingsConfig{
			Provider:  ProviderHashing,
			Model:     "hashing-v1",
			Dimension: 384,
		},
		LLM: LLMConfig{
			Provider:    ProviderStatic,
			Model:       "gemini-flash-latest",
			Temperature: 0.7,
			MaxTokens:   2048,
		},
		Index: IndexConfig{
			Backend:           IndexChromem,
			Path:              "./data/vectors",
			DatasetCollection: "dataset_embeddings",
			ChunkCollection:   "document_chunks",
		},
		Conversations: ConversationsConfig{
			Backend:   StoreMemory,
			SQLiteDSN: "file:./data/conversations.db?_foreign_keys=on",
		},
		Chunking: ChunkingConfig{
			SizeWords:    300,
			OverlapWords: 40,
		},
		Ingestion: IngestionConfig{
			BatchSize:     64,
			LedgerBackend: StoreSQLite,
			LedgerDSN:     "file:./data/ingestion.db?_foreign_keys=on",
			Debounce:      500 * time.Millisecond,
		},
		Retrieval: RetrievalConfig{
			DefaultLimit:  5,
			IncludeChunks: true,
		},
		Prompt: PromptConfig{
			MaxHistoryTurns:     10,
			CandidateCharBudget: 1000,
			ContextCharBudget:   8000,
			SentenceLookback:    200,
			TokenBudget:         6000,
		},
		Timeouts: TimeoutsConfig{
			Embed:    10 * time.Second,
			Retrieve: 15 * time.Second,
			Generate: 60 * time.Second,
		},
		Retry: RetryConfig{
			MaxTries:        2,
			InitialInterval: 250 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:         ":8000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 90 * time.Second,
		},
		Telemetry: TelemetryConfig{Metrics: true},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if raw == nil {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			expandEnvHook(),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

// expandEnvHook expands ${VAR} references inside string values.
func expandEnvHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, _ reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		return os.ExpandEnv(data.(string)), nil
	}
}

// applyEnv overlays the environment on cfg. Malformed numeric or boolean
// values are reported together rather than ignored.
func applyEnv(cfg *Config) error {
	var errs []error
	cfg.PostgresDSN = getEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.Neo4jURI = getEnv("NEO4J_URI", cfg.Neo4jURI)
	cfg.Neo4jUser = getEnv("NEO4J_USERNAME", cfg.Neo4jUser)
	cfg.Neo4jPass = getEnv("NEO4J_PASSWORD", cfg.Neo4jPass)

	cfg.QdrantHost = getEnv("QDRANT_HOST", cfg.QdrantHost)
	cfg.QdrantPort = getEnvInt("QDRANT_PORT", cfg.QdrantPort, &errs)
	cfg.QdrantAPIKey = getEnv("QDRANT_API_KEY", cfg.QdrantAPIKey)
	cfg.QdrantUseTLS = getEnvBool("QDRANT_USE_TLS", cfg.QdrantUseTLS, &errs)

	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.DatasetFile = getEnv("DATASET_FILE", cfg.DatasetFile)

	cfg.Embeddings.Provider = strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", cfg.Embeddings.Provider))
	cfg.Embeddings.Model = getEnv("EMBEDDINGS_MODEL", cfg.Embeddings.Model)
	cfg.Embeddings.Dimension = getEnvInt("EMBEDDINGS_DIMENSION", cfg.Embeddings.Dimension, &errs)

	cfg.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", cfg.LLM.Provider))
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)

	cfg.Index.Backend = strings.ToLower(getEnv("INDEX_BACKEND", cfg.Index.Backend))
	cfg.Index.Path = getEnv("INDEX_PATH", cfg.Index.Path)

	cfg.Conversations.Backend = strings.ToLower(getEnv("CONVERSATIONS_BACKEND", cfg.Conversations.Backend))
	cfg.Conversations.SQLiteDSN = getEnv("CONVERSATIONS_SQLITE_DSN", cfg.Conversations.SQLiteDSN)

	cfg.Ingestion.LedgerBackend = strings.ToLower(getEnv("INGESTION_LEDGER_BACKEND", cfg.Ingestion.LedgerBackend))
	cfg.Ingestion.LedgerDSN = getEnv("INGESTION_LEDGER_DSN", cfg.Ingestion.LedgerDSN)

	if v := getEnv("RETRIEVAL_MIN_SCORE", ""); v != "" {
		score, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RETRIEVAL_MIN_SCORE: %q is not a number", v))
		} else {
			cfg.Retrieval.MinScore = &score
		}
	}

	cfg.Server.Addr = getEnv("SERVER_ADDR", cfg.Server.Addr)
	cfg.Graph.Enabled = getEnvBool("GRAPH_ENABLED", cfg.Graph.Enabled, &errs)
	cfg.Telemetry.Tracing = getEnvBool("TRACING_ENABLED", cfg.Telemetry.Tracing, &errs)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	return errors.Join(errs...)
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Chunking.OverlapWords < 0 || c.Chunking.SizeWords <= c.Chunking.OverlapWords {
		return fmt.Errorf("chunking: size_words (%d) must exceed overlap_words (%d) and overlap must be non-negative",
			c.Chunking.SizeWords, c.Chunking.OverlapWords)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings: dimension must be positive")
	}
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderHashing:
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embeddings.Provider)
	}
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderGemini, ProviderStatic:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	switch c.Index.Backend {
	case IndexChromem, IndexPgvector, IndexQdrant, IndexMemory:
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}
	switch c.Conversations.Backend {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unknown conversation backend: %s", c.Conversations.Backend)
	}
	switch c.Ingestion.LedgerBackend {
	case StoreMemory, StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("unknown ingestion ledger backend: %s", c.Ingestion.LedgerBackend)
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion: batch_size must be positive")
	}
	if c.Index.DatasetCollection == "" || c.Index.ChunkCollection == "" {
		return fmt.Errorf("index: collection names are required")
	}
	if c.Retrieval.MinScore != nil && (*c.Retrieval.MinScore < 0 || *c.Retrieval.MinScore > 1) {
		return fmt.Errorf("retrieval: min_score must be within [0,1]")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool, errs *[]error) bool {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, value))
		return fallback
	}
	return parsed
}
