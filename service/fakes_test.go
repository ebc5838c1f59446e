package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tieubaoca/workspace-assistant/database"
	"github.com/tieubaoca/workspace-assistant/types"
)

// faultyStore wraps the in-memory store with injectable failures.
type faultyStore struct {
	*database.MemoryStore

	mu           sync.Mutex
	mismatches   int
	ensureErr    error
	ensureCalls  []bool
	nearestErr   error
	nearestDelay time.Duration
	deleted      []string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: database.NewMemoryStore()}
}

func (s *faultyStore) EnsureCollection(ctx context.Context, name string, recreate bool) error {
	s.mu.Lock()
	s.ensureCalls = append(s.ensureCalls, recreate)
	if s.ensureErr != nil {
		err := s.ensureErr
		s.mu.Unlock()
		return err
	}
	if !recreate && s.mismatches > 0 {
		s.mismatches--
		s.mu.Unlock()
		return fmt.Errorf("%w: class %s", database.ErrSchemaMismatch, name)
	}
	s.mu.Unlock()
	return s.MemoryStore.EnsureCollection(ctx, name, recreate)
}

func (s *faultyStore) Nearest(ctx context.Context, name string, vector []float32, k int) ([]types.ScoredDocument, error) {
	s.mu.Lock()
	delay, err := s.nearestDelay, s.nearestErr
	s.mu.Unlock()
	if delay > 0 {
		// Ignores ctx on purpose to model a hung backend.
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Nearest(ctx, name, vector, k)
}

func (s *faultyStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, name)
	s.mu.Unlock()
	return s.MemoryStore.DeleteCollection(ctx, name)
}

func (s *faultyStore) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func (s *faultyStore) EnsureCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.ensureCalls...)
}

func (s *faultyStore) setNearest(delay time.Duration, err error) {
	s.mu.Lock()
	s.nearestDelay, s.nearestErr = delay, err
	s.mu.Unlock()
}

// countingEmbedder counts texts passed to the wrapped embedder.
type countingEmbedder struct {
	inner Embedder
	mu    sync.Mutex
	calls int
	texts int
	err   error
	delay time.Duration
}

func (e *countingEmbedder) Model() string { return e.inner.Model() }

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.inner.Embed(ctx, texts)
}

func (e *countingEmbedder) Texts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.texts
}

func doc(source types.SourceSystem, id, title, excerpt string) types.Document {
	return types.Document{ID: id, Title: title, Source: source, BodyExcerpt: excerpt, Version: "1"}
}
