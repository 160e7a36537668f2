package rag

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
)

func qdrantConfig(cfg config.Config) vectorindex.QdrantConfig {
	return vectorindex.QdrantConfig{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey}
}

// NewIngestorFromConfig assembles loader, splitter and ingestor from cfg.
func NewIngestorFromConfig(cfg config.Config, embedder ai.Embedder, m *metrics.Metrics) (*Ingestor, error) {
	splitter, err := NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return NewIngestor(NewLoader(cfg.IngestExtensions), splitter, embedder, IngestOptions{
		Backend:    cfg.IndexBackend,
		Collection: cfg.QdrantCollection,
		Qdrant:     qdrantConfig(cfg),
		BatchSize:  cfg.EmbedBatchSize,
		RatePerSec: cfg.EmbedRatePerSec,
	}, m), nil
}

// OpenRetrieverFromConfig loads the index in cfg.IndexDir and pairs it with
// embedder. The retriever can Refresh from the same directory.
func OpenRetrieverFromConfig(ctx context.Context, cfg config.Config, embedder ai.Embedder, m *metrics.Metrics) (*Retriever, error) {
	loadOpts := vectorindex.Options{Qdrant: qdrantConfig(cfg)}
	idx, err := vectorindex.Load(ctx, cfg.IndexDir, loadOpts)
	if err != nil {
		return nil, fmt.Errorf("load index %s: %w", cfg.IndexDir, err)
	}
	r, err := NewRetriever(ctx, idx, embedder, RetrieverOptions{
		FetchK:   cfg.RetrieverFetchK,
		Lambda:   cfg.MMRLambda,
		IndexDir: cfg.IndexDir,
		Load:     loadOpts,
		Metrics:  m,
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	return r, nil
}
