package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
)

type Mode string

const (
	ModeTopK Mode = "top_k"
	ModeMMR  Mode = "mmr"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTopK:
		return ModeTopK, nil
	case ModeMMR:
		return ModeMMR, nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q", s)
	}
}

var ErrIncompatibleEmbedder = errors.New("embedder does not match index")

type RetrieverOptions struct {
	FetchK int
	Lambda float64
	// IndexDir and Load enable Refresh.
	IndexDir string
	Load     vectorindex.Options
	Metrics  *metrics.Metrics
}

// Retriever embeds queries with the model the index was built with. The
// pairing is checked when the retriever is created and on every Refresh.
type Retriever struct {
	embedder ai.Embedder
	opts     RetrieverOptions

	mu    sync.RWMutex
	index vectorindex.Index
}

func NewRetriever(ctx context.Context, index vectorindex.Index, embedder ai.Embedder, opts RetrieverOptions) (*Retriever, error) {
	if err := checkCompatible(ctx, index.Manifest(), embedder); err != nil {
		return nil, err
	}
	if opts.FetchK <= 0 {
		opts.FetchK = 10
	}
	if opts.Lambda < 0 || opts.Lambda > 1 {
		opts.Lambda = 0.5
	}
	return &Retriever{embedder: embedder, opts: opts, index: index}, nil
}

func checkCompatible(ctx context.Context, m vectorindex.Manifest, e ai.Embedder) error {
	if e.Name() != m.EmbeddingModel {
		return fmt.Errorf("%w: index built with %q, embedder is %q", ErrIncompatibleEmbedder, m.EmbeddingModel, e.Name())
	}
	dim, err := ai.ProbeDimension(ctx, e)
	if err != nil {
		return err
	}
	if dim != m.Dimension {
		return fmt.Errorf("%w: index dimension %d, embedder dimension %d", ErrIncompatibleEmbedder, m.Dimension, dim)
	}
	return nil
}

func (r *Retriever) Manifest() vectorindex.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Manifest()
}

// Retrieve returns at most k chunks for query, nearest first for ModeTopK
// and in selection order for ModeMMR.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, mode Mode) (chunks []vectorindex.Chunk, err error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	start := time.Now()
	defer func() { r.opts.Metrics.ObserveRetrieval(string(mode), time.Since(start), err) }()

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()

	var hits []vectorindex.Hit
	switch mode {
	case ModeMMR:
		hits, err = index.SearchMMR(ctx, vecs[0], k, max(r.opts.FetchK, k), r.opts.Lambda)
	case ModeTopK, "":
		hits, err = index.Search(ctx, vecs[0], k)
	default:
		return nil, fmt.Errorf("unknown retrieval mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	chunks = make([]vectorindex.Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = h.Chunk
	}
	return chunks, nil
}

// Refresh reloads the index when its manifest names a new build. An
// incompatible or unreadable build is rejected and the current index kept.
func (r *Retriever) Refresh(ctx context.Context) (bool, error) {
	if r.opts.IndexDir == "" {
		return false, errors.New("retriever has no index dir to refresh from")
	}
	m, err := vectorindex.ReadManifest(r.opts.IndexDir)
	if err != nil {
		return false, err
	}
	if m.BuildID == r.Manifest().BuildID {
		return false, nil
	}
	if err := checkCompatible(ctx, m, r.embedder); err != nil {
		return false, err
	}
	next, err := vectorindex.Load(ctx, r.opts.IndexDir, r.opts.Load)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	prev := r.index
	r.index = next
	r.mu.Unlock()

	_ = prev.Close()
	log.Printf("[Retriever] switched to build_id=%s chunks=%d", m.BuildID, m.Chunks)
	return true, nil
}

// Watch calls Refresh every interval until ctx is done.
func (r *Retriever) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Refresh(ctx); err != nil {
				log.Printf("[Retriever] refresh failed: %v", err)
			}
		}
	}
}
