package rag

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
	"golang.org/x/time/rate"
)

type IngestOptions struct {
	Backend    string
	Collection string
	Qdrant     vectorindex.QdrantConfig
	BatchSize  int
	// RatePerSec caps embedding batches per second; <= 0 means unlimited.
	RatePerSec float64
}

type IngestStats struct {
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
	Dimension int    `json:"dimension"`
	BuildID   string `json:"build_id"`
}

type Ingestor struct {
	loader   *Loader
	splitter *Splitter
	embedder ai.Embedder
	opts     IngestOptions
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
}

func NewIngestor(loader *Loader, splitter *Splitter, embedder ai.Embedder, opts IngestOptions, m *metrics.Metrics) *Ingestor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	return &Ingestor{
		loader:   loader,
		splitter: splitter,
		embedder: embedder,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		metrics:  m,
	}
}

// Ingest loads every matching document under dir, embeds its chunks and
// replaces the index in indexDir.
func (in *Ingestor) Ingest(ctx context.Context, dir, indexDir string) (IngestStats, error) {
	start := time.Now()

	docs, err := in.loader.Load(ctx, dir)
	if err != nil {
		return IngestStats{}, err
	}
	chunks := in.splitter.SplitAll(docs)
	if len(chunks) == 0 {
		return IngestStats{}, fmt.Errorf("%w: documents in %s produced no chunks", ErrNoDocuments, dir)
	}
	log.Printf("[Ingest] loaded docs=%d chunks=%d dir=%s", len(docs), len(chunks), dir)

	vectors, err := in.embed(ctx, chunks)
	if err != nil {
		return IngestStats{}, err
	}

	m, err := vectorindex.Build(ctx, indexDir, vectorindex.BuildOptions{
		Backend:        in.opts.Backend,
		EmbeddingModel: in.embedder.Name(),
		ChunkSize:      in.splitter.Size,
		ChunkOverlap:   in.splitter.Overlap,
		Documents:      len(docs),
		Collection:     in.opts.Collection,
		Qdrant:         in.opts.Qdrant,
	}, chunks, vectors)
	if err != nil {
		return IngestStats{}, fmt.Errorf("build index: %w", err)
	}
	in.metrics.AddIngestedChunks(len(chunks))

	log.Printf("[Ingest] built index build_id=%s backend=%s dim=%d cost=%s",
		m.BuildID, m.Backend, m.Dimension, time.Since(start))

	return IngestStats{
		Documents: len(docs),
		Chunks:    len(chunks),
		Dimension: m.Dimension,
		BuildID:   m.BuildID,
	}, nil
}

func (in *Ingestor) embed(ctx context.Context, chunks []vectorindex.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += in.opts.BatchSize {
		end := min(start+in.opts.BatchSize, len(chunks))
		if err := in.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = chunks[start+i].Text
		}
		batch, err := in.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end, len(batch))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
