package database

import (
	"context"
	"errors"

	"github.com/tieubaoca/workspace-assistant/types"
)

var (
	// ErrSchemaMismatch is returned when an existing collection does not have
	// the expected document properties. Callers recover by recreating it.
	ErrSchemaMismatch = errors.New("collection schema mismatch")

	ErrCollectionNotFound = errors.New("collection not found")
)

// VectorRecord is a document together with its embedding.
type VectorRecord struct {
	Document types.Document
	Vector   []float32
}

// VectorDatabase defines the vector-similarity backend used by the indexes.
type VectorDatabase interface {
	// EnsureCollection creates the collection when missing. With recreate set,
	// an existing collection is dropped first.
	EnsureCollection(ctx context.Context, name string, recreate bool) error
	Upsert(ctx context.Context, name string, records []VectorRecord) error
	Nearest(ctx context.Context, name string, vector []float32, k int) ([]types.ScoredDocument, error)
	DeleteCollection(ctx context.Context, name string) error
}
