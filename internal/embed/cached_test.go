package embed

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder is a test double that counts inner calls
type countingEmbedder struct {
	*StaticEmbedder
	embedCalls atomic.Int64
	batchCalls atomic.Int64
	batchSizes []int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.embedCalls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batchCalls.Add(1)
	c.batchSizes = append(c.batchSizes, len(texts))
	return c.StaticEmbedder.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder_EmbedHitsCache(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder("static", 32)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	first, err := c.Embed(ctx, "what is the refund policy")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "what is the refund policy")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.embedCalls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCachedEmbedder_EmbedBatchOnlyEmbedsMisses(t *testing.T) {
	inner := &countingEmbedder{StaticEmbedder: NewStaticEmbedder("static", 32)}
	c := NewCachedEmbedder(inner, 10)
	ctx := context.Background()

	_, err := c.Embed(ctx, "cached")
	require.NoError(t, err)

	out, err := c.EmbedBatch(ctx, []string{"cached", "fresh one", "fresh two"})

	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, []int{2}, inner.batchSizes)
	assert.Equal(t, 3, c.Len())
}

func TestCachedEmbedder_EmbedTokensPassesThrough(t *testing.T) {
	c := NewCachedEmbedder(NewStaticEmbedder("static", 32), 10)

	tokens, err := c.EmbedTokens(context.Background(), "refund policy")

	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}
