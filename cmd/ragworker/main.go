package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/signal305/rag-service/internal/config"
	"github.com/signal305/rag-service/internal/embedder"
	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/ingestion"
	"github.com/signal305/rag-service/internal/llm"
	"github.com/signal305/rag-service/internal/queue"
	"github.com/signal305/rag-service/internal/repository/postgres"
	"github.com/signal305/rag-service/internal/vectorstore"
	"github.com/signal305/rag-service/internal/worker"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run worker", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ingestion worker",
		"environment", cfg.Environment,
		"concurrency", cfg.WorkerConcurrency,
	)

	// Initialize PostgreSQL
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	documentRepo := postgres.NewDocumentRepo(db)
	slog.Info("connected to PostgreSQL")

	// Initialize Redis queue + pub/sub
	rds, err := queue.NewRedis(cfg.RedisURL, cfg.RedisQueue, cfg.RedisProgressChannel)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer rds.Close()
	if err := rds.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	slog.Info("connected to Redis", "queue", cfg.RedisQueue)

	// Initialize Weaviate vector store
	vectors := vectorstore.NewWeaviate(cfg.WeaviateScheme, cfg.WeaviateHost, cfg.WeaviateCollection)
	if err := vectors.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("failed to ensure Weaviate collection: %w", err)
	}
	slog.Info("connected to Weaviate", "collection", cfg.WeaviateCollection)

	// Initialize Neo4j graph store
	var graph graphstore.GraphStore = graphstore.Disabled{}
	if cfg.GraphEnabled {
		neo, err := graphstore.NewNeo4j(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
		if err != nil {
			return fmt.Errorf("failed to connect to Neo4j: %w", err)
		}
		defer neo.Close(context.Background())
		if err := neo.EnsureConstraints(ctx); err != nil {
			return fmt.Errorf("failed to ensure Neo4j constraints: %w", err)
		}
		graph = neo
		slog.Info("connected to Neo4j")
	} else {
		slog.Info("graph store disabled")
	}

	embed := embedder.NewOpenAIEmbedder(cfg.EmbeddingsBaseURL, cfg.EmbeddingsModel, cfg.EmbeddingsAPIKey)
	slog.Info("initialized embedder", "model", cfg.EmbeddingsModel)

	llmClient := llm.NewOpenAIClient(cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMAPIKey,
		llm.WithTimeout(cfg.LLMTimeout))
	slog.Info("initialized chat model", "model", cfg.LLMModel)

	chunker := ingestion.NewChunker(llmClient,
		cfg.ChunkerWindowTokens, cfg.ChunkerOverlapTokens, cfg.ChunkerLLMMaxTokens, cfg.ChunkerTokenizerModel)
	entities := ingestion.NewEntityExtractor(llmClient, cfg.EntityMaxEntities)

	// The pool size caps how many documents this process will work at once.
	concurrency := cfg.WorkerConcurrency
	if cfg.WorkerPoolSize > 0 && concurrency > cfg.WorkerPoolSize {
		concurrency = cfg.WorkerPoolSize
	}

	svc := worker.New(documentRepo, rds, rds, rds, rds,
		chunker, entities, embed, vectors, graph,
		worker.Options{
			Concurrency: concurrency,
			DrainWait:   cfg.WorkerDrainWait,
		})

	err = svc.Run(ctx)
	if err != nil {
		slog.Warn("worker stopped", "error", err)
		return err
	}
	slog.Info("worker stopped")
	return nil
}
