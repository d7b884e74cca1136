package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/mnemo/internal/api"
	"github.com/kalambet/mnemo/internal/composer"
	"github.com/kalambet/mnemo/internal/config"
	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/observability"
	"github.com/kalambet/mnemo/internal/persist"
	"github.com/kalambet/mnemo/internal/pipeline"
	"github.com/kalambet/mnemo/internal/query"
	"github.com/kalambet/mnemo/internal/retrieval"
	"github.com/kalambet/mnemo/internal/storage"
	"github.com/kalambet/mnemo/internal/storage/postgres"
	"github.com/kalambet/mnemo/internal/summarize"
	"github.com/kalambet/mnemo/internal/tokens"
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg       config.Config
	metrics   *observability.Metrics
	engine    engine.Engine
	memory    storage.Memory
	embedder  *retrieval.Embedder
	index     *retrieval.Index
	queue     *persist.Queue
	responder *pipeline.Responder

	closers []func() error
}

// newApp wires the components described by cfg. Readiness output (model
// pulls) is written to progress.
func newApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	a := &app{cfg: cfg, metrics: observability.NewMetrics()}
	ready := false
	defer func() {
		if !ready {
			a.closeAll()
		}
	}()

	guard := engine.DefaultGuardConfig()
	guard.Timeout = cfg.Ollama.Timeout
	guard.Retries = cfg.Ollama.Retries
	guard.RateLimit = cfg.Ollama.RateLimit
	eng, err := engine.Detect(engine.DetectConfig{
		OllamaBaseURL: cfg.Ollama.BaseURL,
		Guard:         guard,
		Observer:      a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := ensureModels(ctx, eng, cfg, progress); err != nil {
		return nil, err
	}
	a.engine = eng

	pool, err := a.openMemory(ctx)
	if err != nil {
		return nil, err
	}

	vectors, err := a.openVectors(ctx, pool)
	if err != nil {
		return nil, err
	}

	a.embedder, err = retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel, int64(cfg.Retrieval.CacheBytes))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	a.closers = append(a.closers, func() error { a.embedder.Close(); return nil })

	a.index = retrieval.NewIndex(a.embedder, vectors, retrieval.IndexConfig{
		TopK:         cfg.Retrieval.TopK,
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
	})

	var overrides map[string]int
	if cfg.Tokens.ContextWindow > 0 {
		overrides = map[string]int{cfg.Ollama.ChatModel: cfg.Tokens.ContextWindow}
	}
	est, err := tokens.New(cfg.Tokens.Estimator, tokens.NewRegistry(overrides))
	if err != nil {
		return nil, err
	}

	summarizer := summarize.New(eng, cfg.Ollama.ChatModel)
	injector := composer.NewInjector(eng, est, summarizer, composer.Config{
		Model:         cfg.Ollama.ChatModel,
		MaxIterations: cfg.Memory.MaxIterations,
		UnknownWindow: cfg.Tokens.UnknownWindow,
		Observer:      a.metrics,
	})

	qcfg := persist.DefaultConfig()
	qcfg.Concurrency = cfg.Worker.Concurrency
	qcfg.QueueSize = cfg.Worker.QueueSize
	qcfg.MaxAttempts = cfg.Worker.MaxAttempts
	qcfg.TaskTimeout = cfg.Worker.TaskTimeout
	a.queue = persist.NewQueue(qcfg, a.metrics)

	persister := persist.NewPersister(a.memory, a.index, summarizer, cfg.Memory.Retention, a.metrics)

	rcfg := pipeline.Config{HistoryTurns: cfg.Memory.HistoryTurns}
	if cfg.Retrieval.RewriteQuery {
		rcfg.Rewriter = query.NewRewriter(eng, cfg.Ollama.ChatModel, query.DefaultTimeout)
	}
	a.responder = pipeline.NewResponder(a.memory, a.index, composer.NewAssembler(injector), persister, a.queue, rcfg)

	slog.Info("mnemo ready",
		"chat_model", cfg.Ollama.ChatModel,
		"embed_model", cfg.Ollama.EmbedModel,
		"storage", cfg.Storage.Driver,
		"retrieval", cfg.Retrieval.Backend,
		"estimator", cfg.Tokens.Estimator,
	)
	ready = true
	return a, nil
}

// openMemory opens the relational store. For postgres it returns the pool so
// the pgvector index can share it.
func (a *app) openMemory(ctx context.Context) (*pgxpool.Pool, error) {
	switch a.cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, a.cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		a.memory = store
		a.closers = append(a.closers, store.Close)
		return store.Pool(), nil
	default:
		store, err := storage.Open(a.cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.memory = store
		a.closers = append(a.closers, store.Close)
		return nil, nil
	}
}

func (a *app) openVectors(ctx context.Context, pool *pgxpool.Pool) (retrieval.VectorStore, error) {
	switch a.cfg.Retrieval.Backend {
	case "chromem":
		s, err := retrieval.NewChromemStore(a.cfg.Retrieval.ChromemDir)
		if err != nil {
			return nil, fmt.Errorf("opening chromem store: %w", err)
		}
		return s, nil
	case "pgvector":
		if pool == nil {
			var err error
			pool, err = pgxpool.New(ctx, a.cfg.Storage.PostgresURL)
			if err != nil {
				return nil, fmt.Errorf("connecting to pgvector database: %w", err)
			}
			a.closers = append(a.closers, func() error { pool.Close(); return nil })
		}
		s, err := retrieval.NewPGVectorStore(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("opening pgvector store: %w", err)
		}
		return s, nil
	default:
		store, ok := a.memory.(*storage.Store)
		if !ok {
			return nil, errors.New("sqlite retrieval backend requires the sqlite storage driver")
		}
		return retrieval.NewSQLiteStore(store.DB()), nil
	}
}

// ensureModels checks the engine and, when configured, pulls missing models.
func ensureModels(ctx context.Context, eng engine.Engine, cfg config.Config, w io.Writer) error {
	if cfg.Ollama.PullMissing {
		return engine.EnsureReady(ctx, eng, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel, w)
	}
	if !eng.IsRunning(ctx) {
		return fmt.Errorf("%w: Ollama is not running at %s", engine.ErrModelUnavailable, cfg.Ollama.BaseURL)
	}
	for _, m := range []string{cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel} {
		if !eng.HasModel(ctx, m) {
			return fmt.Errorf("%w: model %s is not installed (run: ollama pull %s)", engine.ErrInvalidModel, m, m)
		}
	}
	return nil
}

// apiDeps exposes the app to the HTTP and MCP surfaces.
func (a *app) apiDeps() api.Deps {
	return api.Deps{
		Responder: a.responder,
		Memory:    a.memory,
		Index:     a.index,
		Health:    a.memory.Ping,
		Metrics:   a.metrics.Handler(),
		Observer:  a.metrics,
	}
}

// Close drains pending persistence tasks within ctx and releases resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		if n := a.queue.Len(); n > 0 {
			slog.Info("waiting for pending memory updates", "pending", n)
		}
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining persistence queue: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
