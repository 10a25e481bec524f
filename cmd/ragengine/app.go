package main

import (
	"fmt"
	"os"

	"github.com/contexa/ragengine/pkg/checkpoint"
	"github.com/contexa/ragengine/pkg/config"
	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/embedding"
	"github.com/contexa/ragengine/pkg/generation"
	"github.com/contexa/ragengine/pkg/graph"
	"github.com/contexa/ragengine/pkg/ingest"
	"github.com/contexa/ragengine/pkg/keyword"
	"github.com/contexa/ragengine/pkg/rerank"
	"github.com/contexa/ragengine/pkg/retriever"
	"github.com/contexa/ragengine/pkg/tokens"
	"github.com/contexa/ragengine/pkg/vectorstore"
)

// app holds the wired component graph for one process.
type app struct {
	cfg     *config.Config
	ingest  *ingest.Service
	engine  *graph.Engine
	pruner  *checkpoint.Pruner
	closers []func() error
}

func buildApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}

	embedder, err := embedding.NewOpenAIProvider(embedding.Config{
		APIKey:        cfg.Provider.APIKey,
		BaseURL:       cfg.Provider.BaseURL,
		Model:         cfg.Provider.EmbeddingModel,
		Dimensions:    cfg.Provider.EmbeddingDimensions,
		MaxConcurrent: cfg.Provider.MaxConcurrent,
	})
	if err != nil {
		return nil, err
	}
	generator, err := generation.NewOpenAIProvider(generation.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
		Model:   cfg.Provider.LLMModel,
	})
	if err != nil {
		return nil, err
	}

	vectors, err := vectorstore.New(vectorstore.Config{
		Backend:    cfg.VectorStore.Backend,
		DBPath:     cfg.VectorStore.DBPath,
		QdrantURL:  cfg.VectorStore.QdrantURL,
		VectorSize: cfg.VectorStore.VectorSize,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, vectors.Close)

	var keywords *keyword.Store
	if cfg.Keyword.Enabled {
		keywords, err = keyword.Open(cfg.Keyword.IndexPath)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, keywords.Close)
	}

	tracker, err := ingest.NewTracker(cfg.VectorStore.DBPath)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, tracker.Close)

	pipeline, err := ingest.NewPipeline(embedder, vectors, keywords, tracker, ingest.Options{
		ParentChunkSize: cfg.Ingest.ParentChunkSize,
		ChildChunkSize:  cfg.Ingest.ChildChunkSize,
		ChildOverlap:    cfg.Ingest.ChildOverlap,
		MinParentSize:   cfg.Ingest.MinParentSize,
		MinChildSize:    cfg.Ingest.MinChildSize,
		EmbedBatchSize:  cfg.Ingest.EmbedBatchSize,
		EmbedRetries:    cfg.Ingest.EmbedRetries,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.ingest = ingest.NewService(pipeline, tracker, cfg.Ingest.MaxConcurrent)

	hybrid := retriever.NewHybrid(embedder, vectors, keywords, retriever.Options{
		TopK:        cfg.Retriever.TopK,
		Oversample:  cfg.Retriever.Oversample,
		RRFConstant: int(cfg.Retriever.RRFConstant),
	})

	var reranker domain.Reranker
	if cfg.Rerank.Enabled {
		reranker = rerank.NewLLM(generator)
	}

	var checkpoints checkpoint.Store
	switch cfg.Checkpoint.Backend {
	case "memory":
		checkpoints = checkpoint.NewMemory()
	default:
		checkpoints, err = checkpoint.NewSQLite(cfg.Checkpoint.DBPath)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	a.closers = append(a.closers, checkpoints.Close)

	a.pruner, err = checkpoint.NewPruner(checkpoints, cfg.Checkpoint.PruneSchedule, cfg.Checkpoint.Retention)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := graph.Options{
		MaxRetries:      cfg.Graph.MaxRetries,
		ScoreFloor:      cfg.Graph.ScoreFloor,
		UseGrader:       cfg.Graph.UseGrader,
		RerankEnabled:   cfg.Rerank.Enabled,
		RerankTopN:      cfg.Rerank.TopN,
		RerankThreshold: cfg.Rerank.ScoreThreshold,
		NodeRetries:     cfg.Graph.NodeRetries,
		RetryDelay:      cfg.Graph.RetryDelay,
		NodeTimeout:     cfg.Graph.NodeTimeout,
		RunTimeout:      cfg.Graph.RunTimeout,
	}
	nodes := graph.NewNodes(generator, hybrid, reranker, tracker, opts)
	a.engine = graph.NewEngine(nodes, checkpoints, tokens.NewCounter(), opts)

	return a, nil
}

func (a *app) close() {
	if a.ingest != nil {
		a.ingest.Shutdown()
	}
	if a.pruner != nil {
		a.pruner.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
