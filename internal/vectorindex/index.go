// Package vectorindex persists embedded chunks and answers similarity
// queries against them. An index directory holds a manifest.yaml that names
// the backend and the embedding model the vectors came from.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
)

const (
	BackendLocal  = "local"
	BackendQdrant = "qdrant"
)

var (
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	ErrEmpty             = errors.New("no chunks to index")
)

// Chunk is an immutable span of a source document.
type Chunk struct {
	Source string `json:"source"`
	// Page is 1-based for paged documents (PDF), 0 otherwise.
	Page int `json:"page,omitempty"`
	// Offset counts runes from the start of the document (or page).
	Offset int    `json:"offset"`
	Index  int    `json:"index"`
	Text   string `json:"text"`
}

// Hit is a search result. Distance is 1 - cosine similarity.
type Hit struct {
	Chunk    Chunk
	Score    float64
	Distance float64
}

type Index interface {
	Manifest() Manifest
	// Search returns at most k hits ordered by ascending distance.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// SearchMMR fetches fetchK nearest chunks and greedily picks k of them,
	// trading relevance against redundancy by lambda (1 = relevance only).
	SearchMMR(ctx context.Context, query []float32, k, fetchK int, lambda float64) ([]Hit, error)
	Close() error
}

type QdrantConfig struct {
	URL    string
	APIKey string
}

type BuildOptions struct {
	Backend        string
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
	Documents      int
	// Collection is used by the qdrant backend.
	Collection string
	Qdrant     QdrantConfig
}

type Options struct {
	Qdrant QdrantConfig
}

// Build replaces whatever index lives in dir with one built from chunks and
// their vectors. The manifest is written last, so a concurrent Load sees
// either the old build or the new one.
func Build(ctx context.Context, dir string, opts BuildOptions, chunks []Chunk, vectors [][]float32) (Manifest, error) {
	dim, err := validate(chunks, vectors)
	if err != nil {
		return Manifest{}, err
	}
	if opts.Backend == "" {
		opts.Backend = BackendLocal
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("create index dir: %w", err)
	}

	m, err := newManifest(opts, dim, len(chunks))
	if err != nil {
		return Manifest{}, err
	}

	switch opts.Backend {
	case BackendLocal:
		m.DataFile = "chunks-" + m.BuildID + ".db"
		if err := writeLocal(ctx, dir, m.DataFile, chunks, vectors); err != nil {
			return Manifest{}, err
		}
	case BackendQdrant:
		m.Collection = opts.Collection
		if m.Collection == "" {
			return Manifest{}, errors.New("qdrant backend requires a collection name")
		}
		q := newQdrantClient(opts.Qdrant, m.Collection)
		if err := q.rebuild(ctx, m.BuildID, dim, chunks, vectors); err != nil {
			return Manifest{}, err
		}
	default:
		return Manifest{}, fmt.Errorf("unknown index backend: %s", opts.Backend)
	}

	if err := writeManifest(dir, m); err != nil {
		return Manifest{}, err
	}
	if m.Backend == BackendLocal {
		removeStaleData(dir, m.DataFile)
	}
	return m, nil
}

// Load opens the index described by dir/manifest.yaml. A missing manifest
// yields an error wrapping os.ErrNotExist.
func Load(ctx context.Context, dir string, opts Options) (Index, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	switch m.Backend {
	case BackendLocal:
		return openLocal(ctx, dir, m)
	case BackendQdrant:
		return &qdrantIndex{manifest: m, client: newQdrantClient(opts.Qdrant, m.Collection)}, nil
	default:
		return nil, fmt.Errorf("unknown index backend in manifest: %q", m.Backend)
	}
}

func validate(chunks []Chunk, vectors [][]float32) (int, error) {
	if len(chunks) == 0 {
		return 0, ErrEmpty
	}
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("chunks and vectors length mismatch: %d != %d", len(chunks), len(vectors))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has %d, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}

func checkQuery(m Manifest, q []float32) error {
	if len(q) != m.Dimension {
		return fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(q), m.Dimension)
	}
	return nil
}
