package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCachedEmbedder_ServesRepeatsFromCache(t *testing.T) {
	db, err := OpenEmbeddingCache("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	inner := &countingEmbedder{inner: NewHashEmbedder(16)}
	cached := NewCachedEmbedder(inner, db, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.Texts())

	second, err := cached.Embed(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.Texts(), "only gamma reaches the embedder")
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])

	hits, misses := cached.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(3), misses)
	assert.Equal(t, "hash-16", cached.Model())
}

func TestCachedEmbedder_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := OpenEmbeddingCache(dir)
	require.NoError(t, err)
	inner := &countingEmbedder{inner: NewHashEmbedder(16)}
	_, err = NewCachedEmbedder(inner, db, zaptest.NewLogger(t)).Embed(ctx, []string{"alpha"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = OpenEmbeddingCache(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	inner2 := &countingEmbedder{inner: NewHashEmbedder(16)}
	_, err = NewCachedEmbedder(inner2, db, zaptest.NewLogger(t)).Embed(ctx, []string{"alpha"})
	require.NoError(t, err)
	assert.Zero(t, inner2.Texts())
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3e-7}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}
