package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/datasearch/api"
	"github.com/fabfab/datasearch/chat"
	"github.com/fabfab/datasearch/config"
	"github.com/fabfab/datasearch/conversation"
	"github.com/fabfab/datasearch/database"
	"github.com/fabfab/datasearch/embeddings"
	"github.com/fabfab/datasearch/ingestion"
	"github.com/fabfab/datasearch/knowledge"
	"github.com/fabfab/datasearch/llm"
	"github.com/fabfab/datasearch/logging"
	"github.com/fabfab/datasearch/retrieval"
	"github.com/fabfab/datasearch/telemetry"
	"github.com/fabfab/datasearch/vectorindex"
)

// app holds the shared components every command starts from. Optional
// parts are nil when disabled in the configuration.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	embedder embeddings.Embedder
	index    vectorindex.Index
	datasets vectorindex.Collection
	chunks   vectorindex.Collection

	driver neo4j.DriverWithContext
	graph  *knowledge.Graph

	closers []func(context.Context) error
}

func openApp(ctx context.Context, cli *CLI) (_ *app, err error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}

	logger, err := logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	shutdown, err := telemetry.InitTracing(cfg.Telemetry.Tracing, os.Stderr)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdown)
	if cfg.Telemetry.Metrics {
		a.metrics = telemetry.NewMetrics()
	}

	a.embedder, err = embeddings.NewEmbedder(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}

	a.index, err = vectorindex.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", cfg.Index.Backend, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return a.index.Close() })

	dim := a.embedder.Dimension()
	if a.datasets, err = a.index.Collection(ctx, cfg.Index.DatasetCollection, dim); err != nil {
		return nil, err
	}
	if a.chunks, err = a.index.Collection(ctx, cfg.Index.ChunkCollection, dim); err != nil {
		return nil, err
	}

	if cfg.Graph.Enabled {
		a.driver, err = database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		a.closers = append(a.closers, a.driver.Close)
		a.graph = knowledge.NewGraph(a.driver)
	}

	logger.Debug("components ready",
		"index", a.index.Backend(),
		"embeddings", cfg.Embeddings.Provider,
		"dimension", dim,
		"graph", cfg.Graph.Enabled,
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) retriever() (*retrieval.Retriever, error) {
	refs := []retrieval.CollectionRef{{Collection: a.datasets, SourceType: vectorindex.SourceDataset}}
	if a.cfg.Retrieval.IncludeChunks {
		refs = append(refs, retrieval.CollectionRef{Collection: a.chunks, SourceType: vectorindex.SourceDocumentChunk})
	}
	return retrieval.New(a.embedder, refs, retrieval.Options{
		MinScore:     a.cfg.Retrieval.MinScore,
		EmbedTimeout: a.cfg.Timeouts.Embed,
		QueryTimeout: a.cfg.Timeouts.Retrieve,
		Metrics:      a.metrics,
		Logger:       a.logger,
	})
}

func (a *app) conversationStore(ctx context.Context) (conversation.Store, error) {
	var (
		store conversation.Store
		err   error
	)
	switch a.cfg.Conversations.Backend {
	case config.StoreMemory:
		store = conversation.NewMemoryStore()
	case config.StoreSQLite:
		store, err = conversation.OpenSQLStore(ctx, database.DialectSQLite, a.cfg.Conversations.SQLiteDSN)
	case config.StorePostgres:
		store, err = conversation.OpenSQLStore(ctx, database.DialectPostgres, a.cfg.PostgresDSN)
	default:
		err = fmt.Errorf("unknown conversation backend: %s", a.cfg.Conversations.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return store, nil
}

func (a *app) chatService(ctx context.Context) (*chat.Service, conversation.Store, error) {
	retriever, err := a.retriever()
	if err != nil {
		return nil, nil, err
	}
	store, err := a.conversationStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	generator, err := llm.NewClient(a.cfg, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("llm setup: %w", err)
	}

	opts := chat.OrchestratorOptions{
		Prompt: chat.PromptOptions{
			MaxHistoryTurns:     a.cfg.Prompt.MaxHistoryTurns,
			CandidateCharBudget: a.cfg.Prompt.CandidateCharBudget,
			ContextCharBudget:   a.cfg.Prompt.ContextCharBudget,
			SentenceLookback:    a.cfg.Prompt.SentenceLookback,
			TokenBudget:         a.cfg.Prompt.TokenBudget,
		},
		GenerateTimeout: a.cfg.Timeouts.Generate,
		Provider:        a.cfg.LLM.Provider,
		TokenCounter:    llm.NewTokenCounter(a.logger),
		Metrics:         a.metrics,
		Logger:          a.logger,
	}
	if a.graph != nil {
		opts.Insights = a.graph
	}

	orchestrator, err := chat.NewOrchestrator(retriever, store, generator, opts)
	if err != nil {
		return nil, nil, err
	}
	return chat.NewService(orchestrator, retriever, store, a.logger), store, nil
}

func (a *app) ledger(ctx context.Context) (ingestion.Ledger, error) {
	var (
		ledger ingestion.Ledger
		err    error
	)
	switch a.cfg.Ingestion.LedgerBackend {
	case config.StoreMemory:
		ledger = ingestion.NewMemoryLedger()
	case config.StoreSQLite:
		ledger, err = ingestion.OpenSQLLedger(ctx, database.DialectSQLite, a.cfg.Ingestion.LedgerDSN)
	case config.StorePostgres:
		ledger, err = ingestion.OpenSQLLedger(ctx, database.DialectPostgres, a.cfg.PostgresDSN)
	default:
		err = fmt.Errorf("unknown ledger backend: %s", a.cfg.Ingestion.LedgerBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open ingestion ledger: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return ledger.Close() })
	return ledger, nil
}

func (a *app) ingestor(ctx context.Context) (*ingestion.Ingestor, error) {
	ledger, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	chunker, err := ingestion.NewChunker(a.cfg.Chunking.SizeWords, a.cfg.Chunking.OverlapWords)
	if err != nil {
		return nil, err
	}
	opts := ingestion.Options{
		BatchSize: a.cfg.Ingestion.BatchSize,
		Ledger:    ledger,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}
	if a.graph != nil {
		opts.Graph = a.graph
	}
	return ingestion.NewIngestor(a.embedder, a.datasets, a.chunks, chunker, opts)
}

// health counts indexed records and live conversations for /health.
func (a *app) health(store conversation.Store) func(context.Context) (api.Health, error) {
	return func(ctx context.Context) (api.Health, error) {
		var h api.Health
		var err error
		if h.Datasets, err = a.datasets.Count(ctx); err != nil {
			return h, err
		}
		if h.Chunks, err = a.chunks.Count(ctx); err != nil {
			return h, err
		}
		summaries, err := store.List(ctx)
		if err != nil {
			return h, err
		}
		h.Conversations = len(summaries)
		return h, nil
	}
}

// clearAll empties both collections, the document ledger and the graph.
func (a *app) clearAll(ctx context.Context) error {
	var errs []error
	for _, col := range []vectorindex.Collection{a.datasets, a.chunks} {
		if err := col.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear %s: %w", col.Name(), err))
		}
	}
	ledger, err := a.ledger(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if err := ledger.Reset(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.graph != nil {
		if err := a.graph.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("purge graph: %w", err))
		}
	}
	return errors.Join(errs...)
}

func formatCandidate(n int, c vectorindex.Candidate) string {
	title := c.Payload.Title
	if title == "" {
		title = c.Payload.SourceFile
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d. %s (%s, score %.2f)\n", n, title, c.SourceType, c.Score)
	fmt.Fprintf(&b, "   id: %s", c.ID)
	if c.SourceType == vectorindex.SourceDocumentChunk {
		fmt.Fprintf(&b, "  dataset: %s  file: %s", c.Payload.DatasetID, c.Payload.SourceFile)
	}
	if c.Payload.URL != "" {
		fmt.Fprintf(&b, "\n   %s", c.Payload.URL)
	}
	return b.String()
}
