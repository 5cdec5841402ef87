// Package config provides unified configuration loading for the engine.
// Precedence: defaults, then YAML file, then environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("JAVIS").
//	    Load()
//
// The returned Config is constructed once at process start and passed by
// reference to each component; it is never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	// Embedding provider configuration.
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// LLM inference gateway configuration.
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Qdrant vector store configuration.
	Qdrant QdrantConfig `yaml:"qdrant" env:"QDRANT"`

	// Redis cache configuration.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Retrieval pipeline configuration.
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Session bounds.
	Session SessionConfig `yaml:"session" env:"SESSION"`

	// Log configuration.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// EmbeddingConfig configures the embedding provider adapter.
type EmbeddingConfig struct {
	// Model name, e.g. "nomic-embed-text".
	Model string `yaml:"model" env:"MODEL"`
	// Base URL of the local model server.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Expected vector dimensionality. Must match the store collection.
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// Per-call request timeout.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LLMConfig configures the inference gateway.
type LLMConfig struct {
	// Model name, e.g. "llama3.1".
	Model string `yaml:"model" env:"MODEL"`
	// Base URL of the local inference server.
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// Output length cap per generation.
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// Sampling temperature.
	Temperature float32 `yaml:"temperature" env:"TEMPERATURE"`
	// Early-termination markers.
	Stop []string `yaml:"stop" env:"STOP"`
	// Per-attempt request timeout.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// Bounded retry count on transient failures.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// Client-side request rate limit (requests/second, 0 disables).
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
}

// QdrantConfig configures the Qdrant vector store adapter.
type QdrantConfig struct {
	Host       string `yaml:"host" env:"HOST"`
	Port       int    `yaml:"port" env:"PORT"`
	APIKey     string `yaml:"api_key" env:"API_KEY"`
	Collection string `yaml:"collection" env:"COLLECTION"`
	// Distance metric, fixed per collection: "Cosine" or "Dot".
	Distance   string        `yaml:"distance" env:"DISTANCE"`
	AutoCreate bool          `yaml:"auto_create" env:"AUTO_CREATE"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RedisConfig configures the cache layer. When Enabled is false the engine
// runs with a no-op cache and correctness is unaffected.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	// TTL applied to cached embeddings and generation results.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// RetrievalConfig configures similarity search and context assembly.
type RetrievalConfig struct {
	// Number of nearest neighbours requested per query.
	TopK int `yaml:"top_k" env:"TOP_K"`
	// Total prompt token budget (scaffolding and answer reservation included).
	TokenBudget int `yaml:"token_budget" env:"TOKEN_BUDGET"`
	// Results below this score are dropped before assembly (0 keeps all).
	ScoreThreshold float64 `yaml:"score_threshold" env:"SCORE_THRESHOLD"`
	// When true, a query with zero retrieved chunks still attempts
	// ungrounded generation instead of failing closed.
	AllowUngrounded bool `yaml:"allow_ungrounded" env:"ALLOW_UNGROUNDED"`
	// Chunk size and overlap used at ingestion, in tokens.
	ChunkSize    int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
}

// SessionConfig bounds conversation history.
type SessionConfig struct {
	// Maximum turns retained per session; oldest evicted first.
	MaxTurns int `yaml:"max_turns" env:"MAX_TURNS"`
	// Maximum history tokens retained per session (0 disables).
	MaxTokens int `yaml:"max_tokens" env:"MAX_TOKENS"`
	// Number of recent turns included in the prompt.
	HistoryTurns int `yaml:"history_turns" env:"HISTORY_TURNS"`
	// TTL for redis-persisted sessions.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Model:      "nomic-embed-text",
			BaseURL:    "http://localhost:11434",
			Dimensions: 768,
			Timeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			Model:          "llama3.1",
			BaseURL:        "http://localhost:11434",
			MaxTokens:      1024,
			Temperature:    0.2,
			RequestTimeout: 60 * time.Second,
			MaxRetries:     2,
			RatePerSecond:  0,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6333,
			Collection: "javis_knowledge",
			Distance:   "Cosine",
			AutoCreate: true,
			Timeout:    30 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  true,
			Addr:     "localhost:6379",
			CacheTTL: 24 * time.Hour,
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			TokenBudget:     4096,
			ScoreThreshold:  0,
			AllowUngrounded: true,
			ChunkSize:       512,
			ChunkOverlap:    64,
		},
		Session: SessionConfig{
			MaxTurns:     20,
			MaxTokens:    8192,
			HistoryTurns: 6,
			TTL:          24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks configuration consistency. The process refuses to serve on
// inconsistency rather than silently coercing values.
func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0, got %d", c.Embedding.Dimensions)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.TokenBudget <= 0 {
		return fmt.Errorf("retrieval.token_budget must be > 0, got %d", c.Retrieval.TokenBudget)
	}
	if c.LLM.MaxTokens >= c.Retrieval.TokenBudget {
		return fmt.Errorf("llm.max_tokens (%d) must be smaller than retrieval.token_budget (%d)",
			c.LLM.MaxTokens, c.Retrieval.TokenBudget)
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries must be >= 0, got %d", c.LLM.MaxRetries)
	}
	switch c.Qdrant.Distance {
	case "Cosine", "Dot":
	default:
		return fmt.Errorf("qdrant.distance must be Cosine or Dot, got %q", c.Qdrant.Distance)
	}
	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("session.max_turns must be > 0, got %d", c.Session.MaxTurns)
	}
	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("retrieval.chunk_size must be > 0, got %d", c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap must be in [0, chunk_size), got %d", c.Retrieval.ChunkOverlap)
	}
	return nil
}

// Loader loads configuration with the default -> YAML -> env precedence.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{envPrefix: "JAVIS"}
}

// WithConfigPath sets the YAML file path. Missing files are not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load builds the configuration and validates it.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv walks the struct and overrides fields from environment variables
// named PREFIX_SECTION_FIELD according to the env tags.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		name := prefix + "_" + tag

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnv(fv, name); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Interface().(type) {
	case time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	case []string:
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		fv.Set(reflect.ValueOf(parts))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
