package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Tokens    TokensConfig
	Memory    MemoryConfig
	Worker    WorkerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken enables bearer authentication on the HTTP API when set.
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration
	Retries    int
	// RateLimit is model calls per second; zero disables limiting.
	RateLimit float64
	// PullMissing downloads absent models on start.
	PullMissing bool
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string
	DataDir     string
	PostgresURL string
}

type RetrievalConfig struct {
	// Backend is "sqlite", "chromem" or "pgvector".
	Backend      string
	TopK         int
	ChromemDir   string
	CacheBytes   int
	RewriteQuery bool
	ChunkSize    int
	ChunkOverlap int
}

type TokensConfig struct {
	// Estimator is "heuristic" or "tiktoken".
	Estimator string
	// ContextWindow overrides the registry for the chat model when positive.
	ContextWindow int
	UnknownWindow int
}

type MemoryConfig struct {
	Retention     int
	MaxIterations int
	HistoryTurns  int
}

type WorkerConfig struct {
	Concurrency int
	QueueSize   int
	MaxAttempts int
	TaskTimeout time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:     "http://localhost:11434",
			ChatModel:   "gemma3:1b",
			EmbedModel:  "nomic-embed-text",
			Timeout:     60 * time.Second,
			Retries:     2,
			PullMissing: true,
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: dataDir,
		},
		Retrieval: RetrievalConfig{
			Backend:      "sqlite",
			TopK:         5,
			CacheBytes:   32 << 20,
			ChunkSize:    10000,
			ChunkOverlap: 1000,
		},
		Tokens: TokensConfig{
			Estimator:     "heuristic",
			UnknownWindow: 4096,
		},
		Memory: MemoryConfig{
			Retention:     5,
			MaxIterations: 3,
			HistoryTurns:  5,
		},
		Worker: WorkerConfig{
			Concurrency: 2,
			QueueSize:   64,
			MaxAttempts: 3,
			TaskTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/mnemo/config.yaml and environment variables.
//
// Environment variables (MNEMO_*) override file values. Secrets such as
// the API token and the Postgres URL are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("invalid config %s=%q: want one of %s", key, v, strings.Join(allowed, ", "))
}

func (c Config) validate() error {
	if err := oneOf("storage.driver", c.Storage.Driver, "sqlite", "postgres"); err != nil {
		return err
	}
	if err := oneOf("retrieval.backend", c.Retrieval.Backend, "sqlite", "chromem", "pgvector"); err != nil {
		return err
	}
	if err := oneOf("tokens.estimator", c.Tokens.Estimator, "heuristic", "tiktoken"); err != nil {
		return err
	}
	if err := oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"); err != nil {
		return err
	}
	needsPostgres := c.Storage.Driver == "postgres" || c.Retrieval.Backend == "pgvector"
	if needsPostgres && c.Storage.PostgresURL == "" {
		return fmt.Errorf("missing required config: Postgres URL. Set it via environment variable MNEMO_POSTGRES_URL")
	}
	if c.Retrieval.Backend == "sqlite" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("retrieval.backend=sqlite requires storage.driver=sqlite")
	}
	if c.Memory.Retention <= 0 {
		return fmt.Errorf("invalid config memory.retention=%d: must be positive", c.Memory.Retention)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "mnemo-data"
		}
	}
	return filepath.Join(dir, "mnemo")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "mnemo", "config.yaml")
}
