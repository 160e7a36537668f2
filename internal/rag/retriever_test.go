package rag

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/vectorindex"
)

func ingestFixture(t *testing.T, embedder ai.Embedder) (string, IngestStats) {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "returns.txt"), "Return policy: items can be returned within 30 days for a full refund.")
	writeFile(t, filepath.Join(src, "shipping.md"), "Shipping: orders ship within two business days.")
	writeFile(t, filepath.Join(src, "hours.txt"), "Store hours: open nine to five on weekdays.")

	splitter, err := NewSplitter(1000, 200)
	require.NoError(t, err)
	indexDir := filepath.Join(t.TempDir(), "index")
	in := NewIngestor(NewLoader(nil), splitter, embedder, IngestOptions{BatchSize: 2}, nil)

	stats, err := in.Ingest(context.Background(), src, indexDir)
	require.NoError(t, err)
	return indexDir, stats
}

func TestIngest_BuildsIndex(t *testing.T) {
	indexDir, stats := ingestFixture(t, ai.NewHashEmbedder(128))

	assert.Equal(t, 3, stats.Documents)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, 128, stats.Dimension)

	m, err := vectorindex.ReadManifest(indexDir)
	require.NoError(t, err)
	assert.Equal(t, stats.BuildID, m.BuildID)
	assert.Equal(t, "hash/hash-v1", m.EmbeddingModel)
	assert.Equal(t, 1000, m.ChunkSize)
}

func TestIngest_EmptySourceSurfacesNoDocuments(t *testing.T) {
	splitter, _ := NewSplitter(100, 10)
	in := NewIngestor(NewLoader(nil), splitter, ai.NewHashEmbedder(8), IngestOptions{}, nil)
	_, err := in.Ingest(context.Background(), t.TempDir(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestRetriever_ReturnPolicy(t *testing.T) {
	embedder := ai.NewHashEmbedder(128)
	indexDir, _ := ingestFixture(t, embedder)
	idx, err := vectorindex.Load(context.Background(), indexDir, vectorindex.Options{})
	require.NoError(t, err)

	r, err := NewRetriever(context.Background(), idx, embedder, RetrieverOptions{})
	require.NoError(t, err)

	for _, mode := range []Mode{ModeTopK, ModeMMR} {
		chunks, err := r.Retrieve(context.Background(), "What is the return policy?", 2, mode)
		require.NoError(t, err)
		require.NotEmpty(t, chunks)
		assert.LessOrEqual(t, len(chunks), 2)
		assert.True(t, strings.Contains(chunks[0].Text, "30 days"), "mode %s got %q", mode, chunks[0].Text)
	}

	again, err := r.Retrieve(context.Background(), "What is the return policy?", 2, ModeTopK)
	require.NoError(t, err)
	first, _ := r.Retrieve(context.Background(), "What is the return policy?", 2, ModeTopK)
	assert.Equal(t, first, again)
}

func TestNewRetriever_RejectsMismatchedEmbedder(t *testing.T) {
	indexDir, _ := ingestFixture(t, ai.NewHashEmbedder(128))
	idx, err := vectorindex.Load(context.Background(), indexDir, vectorindex.Options{})
	require.NoError(t, err)

	_, err = NewRetriever(context.Background(), idx, ai.NewHashEmbedder(64), RetrieverOptions{})
	assert.ErrorIs(t, err, ErrIncompatibleEmbedder)

	_, err = NewRetriever(context.Background(), idx, &renamedEmbedder{ai.NewHashEmbedder(128)}, RetrieverOptions{})
	assert.ErrorIs(t, err, ErrIncompatibleEmbedder)
}

type renamedEmbedder struct{ *ai.HashEmbedder }

func (renamedEmbedder) Name() string { return "other/model" }

func TestRetriever_Refresh(t *testing.T) {
	embedder := ai.NewHashEmbedder(128)
	indexDir, first := ingestFixture(t, embedder)
	idx, err := vectorindex.Load(context.Background(), indexDir, vectorindex.Options{})
	require.NoError(t, err)
	r, err := NewRetriever(context.Background(), idx, embedder, RetrieverOptions{IndexDir: indexDir})
	require.NoError(t, err)

	changed, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = vectorindex.Build(context.Background(), indexDir, vectorindex.BuildOptions{EmbeddingModel: embedder.Name()},
		[]vectorindex.Chunk{{Source: "new.txt", Text: "Warranty lasts two years."}},
		mustEmbed(t, embedder, "Warranty lasts two years."))
	require.NoError(t, err)

	changed, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.NotEqual(t, first.BuildID, r.Manifest().BuildID)

	chunks, err := r.Retrieve(context.Background(), "warranty", 3, ModeTopK)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Warranty lasts two years.", chunks[0].Text)

	// a rebuild with another model is rejected and the current index kept
	current := r.Manifest().BuildID
	_, err = vectorindex.Build(context.Background(), indexDir, vectorindex.BuildOptions{EmbeddingModel: "other/model"},
		[]vectorindex.Chunk{{Text: "x"}}, [][]float32{make([]float32, 128)})
	require.NoError(t, err)
	_, err = r.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrIncompatibleEmbedder)
	assert.Equal(t, current, r.Manifest().BuildID)
}

func mustEmbed(t *testing.T, e ai.Embedder, texts ...string) [][]float32 {
	t.Helper()
	v, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	return v
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" MMR ")
	require.NoError(t, err)
	assert.Equal(t, ModeMMR, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeTopK, m)
	_, err = ParseMode("random")
	assert.Error(t, err)
}

func TestRenderContext(t *testing.T) {
	out, err := RenderContext(nil)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = RenderContext([]vectorindex.Chunk{
		{Source: "/kb/returns.txt", Text: "30 days"},
		{Source: "/kb/manual.pdf", Page: 4, Text: "hold the button"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "If you don't know the answer")
	assert.Contains(t, out, "[1] returns.txt\n30 days")
	assert.Contains(t, out, "[2] manual.pdf (page 4)\nhold the button")
}

func TestSetupFromConfig(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "faq.md"), "Refunds are issued within 30 days.")

	cfg := config.Config{
		IndexDir:         filepath.Join(t.TempDir(), "index"),
		IndexBackend:     vectorindex.BackendLocal,
		ChunkSize:        100,
		ChunkOverlap:     10,
		IngestExtensions: []string{".md"},
		EmbedBatchSize:   8,
	}
	embedder := ai.NewHashEmbedder(32)

	in, err := NewIngestorFromConfig(cfg, embedder, nil)
	require.NoError(t, err)
	_, err = in.Ingest(context.Background(), src, cfg.IndexDir)
	require.NoError(t, err)

	r, err := OpenRetrieverFromConfig(context.Background(), cfg, embedder, nil)
	require.NoError(t, err)
	chunks, err := r.Retrieve(context.Background(), "refunds", 1, ModeTopK)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "30 days")

	cfg.ChunkOverlap = cfg.ChunkSize
	_, err = NewIngestorFromConfig(cfg, embedder, nil)
	assert.Error(t, err)
}
