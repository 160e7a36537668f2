package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder turns texts into fixed-dimension vectors. Name identifies the
// model and is recorded in index manifests; Dimension is 0 until known.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProbeDimension returns the embedder's dimension, embedding a short probe
// text when the embedder has not reported one yet.
func ProbeDimension(ctx context.Context, e Embedder) (int, error) {
	if d := e.Dimension(); d > 0 {
		return d, nil
	}
	vecs, err := e.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return 0, errors.New("probe embedding dimension: empty vector")
	}
	return len(vecs[0]), nil
}

// HashEmbedder is a deterministic bag-of-words embedder using signed feature
// hashing. Useful offline and in tests; it captures lexical overlap only.
type HashEmbedder struct {
	Dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{Dim: dim}
}

func (e *HashEmbedder) Name() string   { return "hash/hash-v1" }
func (e *HashEmbedder) Dimension() int { return e.Dim }

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(t)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(e.Dim))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// CachedEmbedder memoizes vectors per text. Only misses reach the wrapped
// embedder, in a single batch.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: c}, nil
}

func (c *CachedEmbedder) Name() string   { return c.inner.Name() }
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(t); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d inputs", c.inner.Name(), len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Add(missTexts[j], vecs[j])
	}
	return out, nil
}
