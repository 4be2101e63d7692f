package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signal305/rag-service/internal/auth"
	"github.com/signal305/rag-service/internal/config"
	"github.com/signal305/rag-service/internal/embedder"
	"github.com/signal305/rag-service/internal/graphstore"
	"github.com/signal305/rag-service/internal/progress"
	"github.com/signal305/rag-service/internal/queue"
	"github.com/signal305/rag-service/internal/repository"
	"github.com/signal305/rag-service/internal/repository/postgres"
	"github.com/signal305/rag-service/internal/reranker"
	"github.com/signal305/rag-service/internal/retrieval"
	"github.com/signal305/rag-service/internal/server"
	"github.com/signal305/rag-service/internal/vectorstore"
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
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting RAG API",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	resolver, err := auth.NewTenantResolver(cfg.TenantsJSON)
	if err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}
	adminGate := auth.NewAdminGate(cfg.AdminUsername, cfg.AdminPassword, cfg.AdminJWTSecret, cfg.AdminJWTExpiry)
	if !adminGate.Enabled() {
		slog.Info("admin surface disabled: no credentials configured")
	}

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
	slog.Info("connected to Redis")

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

	var rerank reranker.Reranker
	if cfg.RerankerEnabled {
		rerank = reranker.NewHTTPReranker(cfg.RerankerBaseURL, cfg.RerankerModel)
		slog.Info("initialized reranker", "model", cfg.RerankerModel)
	} else {
		slog.Info("reranker disabled")
	}

	pipeline := retrieval.NewPipeline(embed, vectors, graph, rerank,
		cfg.GraphSeedLimit, cfg.GraphExpansionLimit, cfg.GraphEntityLimit)

	// Fan progress events out to SSE clients.
	broadcaster := progress.NewBroadcaster()
	go func() {
		if err := broadcaster.Run(ctx, rds); err != nil && ctx.Err() == nil {
			slog.Error("progress broadcaster stopped", "error", err)
		}
	}()

	srv := server.New(server.Config{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
	}, server.Deps{
		Resolver:  resolver,
		Admin:     adminGate,
		Repo:      documentRepo,
		Jobs:      rds,
		Progress:  rds,
		Bus:       rds,
		Broadcast: broadcaster,
		Retrieval: pipeline,
		Vectors:   vectors,
		Graph:     graph,
		Control:   rds,
		DataDir:   cfg.DataDir,
		Probes: []server.Probe{
			{Name: "postgres", Ping: db.Ping},
			{Name: "redis", Ping: rds.Ping},
			{Name: "weaviate", Ping: vectors.Ping},
			{Name: "neo4j", Ping: graph.Ping},
			{Name: "embeddings", Ping: embed.Ping},
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.DocumentRepository = (*postgres.DocumentRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.Weaviate)(nil)
	_ graphstore.GraphStore         = (*graphstore.Neo4j)(nil)
	_ embedder.Embedder             = (*embedder.OpenAIEmbedder)(nil)
	_ reranker.Reranker             = (*reranker.HTTPReranker)(nil)
)
