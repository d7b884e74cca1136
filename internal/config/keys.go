package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MNEMO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "MNEMO_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "MNEMO_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "MNEMO_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "MNEMO_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.timeout", typ: kDuration, env: "MNEMO_OLLAMA_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ollama.Timeout },
	},
	{
		key: "ollama.retries", typ: kInt, env: "MNEMO_OLLAMA_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.Retries },
	},
	{
		key: "ollama.rate_limit", typ: kFloat, env: "MNEMO_OLLAMA_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.RateLimit },
	},
	{
		key: "ollama.pull_missing", typ: kBool, env: "MNEMO_OLLAMA_PULL_MISSING",
		apply:   func(cfg *Config, v any) { cfg.Ollama.PullMissing = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.PullMissing },
	},
	{
		key: "storage.driver", typ: kString, env: "MNEMO_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MNEMO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.postgres_url", typ: kString, env: "MNEMO_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.PostgresURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PostgresURL },
	},
	{
		key: "retrieval.backend", typ: kString, env: "MNEMO_RETRIEVAL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Backend },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "MNEMO_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.chromem_dir", typ: kString, env: "MNEMO_RETRIEVAL_CHROMEM_DIR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChromemDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChromemDir },
	},
	{
		key: "retrieval.cache_bytes", typ: kInt, env: "MNEMO_RETRIEVAL_CACHE_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CacheBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.CacheBytes },
	},
	{
		key: "retrieval.rewrite_query", typ: kBool, env: "MNEMO_RETRIEVAL_REWRITE_QUERY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.RewriteQuery = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.RewriteQuery },
	},
	{
		key: "retrieval.chunk_size", typ: kInt, env: "MNEMO_RETRIEVAL_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkSize },
	},
	{
		key: "retrieval.chunk_overlap", typ: kInt, env: "MNEMO_RETRIEVAL_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.ChunkOverlap },
	},
	{
		key: "tokens.estimator", typ: kString, env: "MNEMO_TOKENS_ESTIMATOR",
		apply:   func(cfg *Config, v any) { cfg.Tokens.Estimator = v.(string) },
		extract: func(cfg Config) any { return cfg.Tokens.Estimator },
	},
	{
		key: "tokens.context_window", typ: kInt, env: "MNEMO_TOKENS_CONTEXT_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Tokens.ContextWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Tokens.ContextWindow },
	},
	{
		key: "tokens.unknown_window", typ: kInt, env: "MNEMO_TOKENS_UNKNOWN_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Tokens.UnknownWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Tokens.UnknownWindow },
	},
	{
		key: "memory.retention", typ: kInt, env: "MNEMO_MEMORY_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Memory.Retention = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.Retention },
	},
	{
		key: "memory.max_iterations", typ: kInt, env: "MNEMO_MEMORY_MAX_ITERATIONS",
		apply:   func(cfg *Config, v any) { cfg.Memory.MaxIterations = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.MaxIterations },
	},
	{
		key: "memory.history_turns", typ: kInt, env: "MNEMO_MEMORY_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Memory.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Memory.HistoryTurns },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "MNEMO_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.queue_size", typ: kInt, env: "MNEMO_WORKER_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Worker.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.QueueSize },
	},
	{
		key: "worker.max_attempts", typ: kInt, env: "MNEMO_WORKER_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Worker.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.MaxAttempts },
	},
	{
		key: "worker.task_timeout", typ: kDuration, env: "MNEMO_WORKER_TASK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Worker.TaskTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.TaskTimeout },
	},
	{
		key: "log.level", typ: kString, env: "MNEMO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw text to the spec's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
