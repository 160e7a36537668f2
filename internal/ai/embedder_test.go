package ai

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls  int
	inputs []string
	dim    int
}

func (e *countingEmbedder) Name() string   { return "stub/counting" }
func (e *countingEmbedder) Dimension() int { return e.dim }

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.inputs = append(e.inputs, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0}
	}
	return out, nil
}

func TestHashEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, []string{"Return policy: 30 days, no questions asked."})
	require.NoError(t, err)
	b, err := e.Embed(ctx, []string{"Return policy: 30 days, no questions asked."})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	require.Len(t, a[0], 64)

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestHashEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewHashEmbedder(8)
	vecs, err := e.Embed(context.Background(), []string{"  ...  "})
	require.NoError(t, err)
	for _, v := range vecs[0] {
		assert.Zero(t, v)
	}
}

func TestHashEmbedder_OverlapScoresHigher(t *testing.T) {
	e := NewHashEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"what is the return policy",
		"our return policy allows refunds",
		"sunny weather expected tomorrow",
	})
	require.NoError(t, err)

	dot := func(a, b []float32) float64 {
		var s float64
		for i := range a {
			s += float64(a[i] * b[i])
		}
		return s
	}
	assert.Greater(t, dot(vecs[0], vecs[1]), dot(vecs[0], vecs[2]))
}

func TestCachedEmbedder_OnlyMissesReachInner(t *testing.T) {
	inner := &countingEmbedder{dim: 3}
	c, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Embed(ctx, []string{"a", "bb"})
	require.NoError(t, err)
	out, err := c.Embed(ctx, []string{"bb", "ccc", "a"})
	require.NoError(t, err)

	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, []string{"a", "bb", "ccc"}, inner.inputs)
	assert.Equal(t, float32(2), out[0][0])
	assert.Equal(t, float32(3), out[1][0])
	assert.Equal(t, float32(1), out[2][0])
	assert.Equal(t, "stub/counting", c.Name())
}

func TestProbeDimension(t *testing.T) {
	d, err := ProbeDimension(context.Background(), &countingEmbedder{dim: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, d)

	unknown := &countingEmbedder{}
	d, err = ProbeDimension(context.Background(), unknown)
	require.NoError(t, err)
	assert.Equal(t, 3, d)
	assert.Equal(t, 1, unknown.calls)
}
