package database

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tieubaoca/workspace-assistant/types"
)

type memoryCollection struct {
	records map[string]VectorRecord
	order   []string
	dim     int
}

// MemoryStore is an in-process VectorDatabase with exact cosine search.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memoryCollection),
	}
}

func (s *MemoryStore) EnsureCollection(_ context.Context, name string, recreate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok && !recreate {
		return nil
	}
	s.collections[name] = &memoryCollection{records: make(map[string]VectorRecord)}
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, name string, records []VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	dim := col.dim
	for _, rec := range records {
		if dim == 0 {
			dim = len(rec.Vector)
		}
		if len(rec.Vector) != dim {
			return fmt.Errorf("%w: %s holds %d-dim vectors, got %d", ErrSchemaMismatch, name, dim, len(rec.Vector))
		}
	}
	col.dim = dim
	for _, rec := range records {
		key := ObjectID(rec.Document.Source, rec.Document.ID)
		if _, exists := col.records[key]; !exists {
			col.order = append(col.order, key)
		}
		col.records[key] = rec
	}
	return nil
}

func (s *MemoryStore) Nearest(_ context.Context, name string, vector []float32, k int) ([]types.ScoredDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if col.dim != 0 && len(vector) != col.dim {
		return nil, fmt.Errorf("%w: %s holds %d-dim vectors, query has %d", ErrSchemaMismatch, name, col.dim, len(vector))
	}

	results := make([]types.ScoredDocument, 0, len(col.order))
	for _, key := range col.order {
		rec := col.records[key]
		results = append(results, types.ScoredDocument{
			Document: rec.Document,
			Score:    cosine(vector, rec.Vector),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

func (s *MemoryStore) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	delete(s.collections, name)
	return nil
}

// Collections lists the collection names currently held.
func (s *MemoryStore) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
