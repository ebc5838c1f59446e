package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// OpenEmbeddingCache opens the badger store backing CachedEmbedder. An empty
// dir keeps the cache in memory.
func OpenEmbeddingCache(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}
	return db, nil
}

// CachedEmbedder memoises vectors by model and text so restarts and index
// rebuilds only pay for documents whose text changed.
type CachedEmbedder struct {
	inner  Embedder
	db     *badger.DB
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCachedEmbedder(inner Embedder, db *badger.DB, logger *zap.Logger) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, db: db, logger: logger}
}

func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([][]byte, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	var missing []int
	err := c.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				missing = append(missing, i)
				continue
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				out[i] = decodeVector(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// A broken cache must not block embedding.
		c.logger.Warn("Embedding cache read failed", zap.Error(err))
		missing = missing[:0]
		for i := range texts {
			missing = append(missing, i)
		}
	}
	c.hits.Add(int64(len(texts) - len(missing)))
	c.misses.Add(int64(len(missing)))
	if len(missing) == 0 {
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	vecs, err := c.inner.Embed(ctx, pending)
	if err != nil {
		return nil, err
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for j, i := range missing {
		out[i] = vecs[j]
		if err := wb.Set(keys[i], encodeVector(vecs[j])); err != nil {
			c.logger.Warn("Embedding cache write failed", zap.Error(err))
			return out, nil
		}
	}
	if err := wb.Flush(); err != nil {
		c.logger.Warn("Embedding cache flush failed", zap.Error(err))
	}
	return out, nil
}

// Stats returns cache hits and misses since creation.
func (c *CachedEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) key(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return append([]byte("emb/"+c.inner.Model()+"/"), sum[:]...)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
