package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tieubaoca/workspace-assistant/database"
	"github.com/tieubaoca/workspace-assistant/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// SourceSpec describes where a source's snapshot lives and how it is indexed.
type SourceSpec struct {
	System     types.SourceSystem
	ExportPath string
	Collection string
	TopK       int
}

type IndexOptions struct {
	QueryTimeout time.Duration
	// BuildTimeout bounds a lazy build. The build does not stop when the
	// caller that triggered it gives up.
	BuildTimeout time.Duration
	BatchSize    int
	Parallelism  int
	// Recreate drops existing collections on the first build too.
	Recreate bool
}

// Index is one fully built generation of a source index. It is read-only
// once published.
type Index struct {
	source       types.SourceSystem
	collection   string
	generation   uint64
	docs         map[string]types.Document
	store        database.VectorDatabase
	embedder     Embedder
	queryTimeout time.Duration

	refs    atomic.Int64
	retired atomic.Bool
	drain   sync.Once
	onDrain func()
}

func (ix *Index) Source() types.SourceSystem { return ix.source }
func (ix *Index) Generation() uint64         { return ix.generation }
func (ix *Index) Collection() string         { return ix.collection }
func (ix *Index) Len() int                   { return len(ix.docs) }

type retrieval struct {
	hits []types.ScoredDocument
	err  error
}

// Query returns at most k documents ranked by similarity. Backend failures
// and timeouts yield an empty result and ErrRetrievalDegraded.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]types.ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}
	qctx, cancel := context.WithTimeout(ctx, ix.queryTimeout)
	defer cancel()

	done := make(chan retrieval, 1)
	go func() {
		vecs, err := ix.embedder.Embed(qctx, []string{text})
		if err != nil {
			done <- retrieval{err: fmt.Errorf("embed query: %w", err)}
			return
		}
		if len(vecs) != 1 {
			done <- retrieval{err: errors.New("embed query: no vector")}
			return
		}
		// Leftover objects of an older snapshot are dropped below, so ask
		// for a margin beyond k.
		hits, err := ix.store.Nearest(qctx, ix.collection, vecs[0], k+max(k, 10))
		done <- retrieval{hits: hits, err: err}
	}()

	var res retrieval
	select {
	case res = <-done:
	case <-qctx.Done():
		res = retrieval{err: qctx.Err()}
	}
	if res.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrRetrievalDegraded, ix.source, res.err)
	}

	out := make([]types.ScoredDocument, 0, len(res.hits))
	for _, hit := range res.hits {
		// Only documents of this generation's snapshot are returned.
		doc, ok := ix.docs[hit.ID]
		if !ok {
			continue
		}
		out = append(out, types.ScoredDocument{Document: doc, Score: hit.Score})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (ix *Index) acquire() { ix.refs.Add(1) }

func (ix *Index) release() {
	if ix.refs.Add(-1) == 0 && ix.retired.Load() {
		ix.drain.Do(ix.onDrain)
	}
}

func (ix *Index) retire() {
	ix.retired.Store(true)
	if ix.refs.Load() == 0 {
		ix.drain.Do(ix.onDrain)
	}
}

type indexSlot struct {
	spec SourceSpec

	current atomic.Pointer[Index]
	// swapMu pins readers: Acquire takes a reference under RLock, swaps happen
	// under Lock, so a retired generation never gains new readers.
	swapMu sync.RWMutex
	// buildMu serialises builds, rebuilds and resets; guards failure and generation.
	buildMu    sync.Mutex
	failure    error
	generation uint64
	flight     singleflight.Group

	builds atomic.Int64
	hits   atomic.Int64
}

// IndexRegistry owns every source index of the process. It is created once at
// startup and hands one IndexHandle to each specialist.
type IndexRegistry struct {
	store      database.VectorDatabase
	embedder   Embedder
	opts       IndexOptions
	logger     *zap.Logger
	slots      map[types.SourceSystem]*indexSlot
	loadExport func(path string, source types.SourceSystem) ([]types.Document, error)
}

func NewIndexRegistry(store database.VectorDatabase, embedder Embedder, specs []SourceSpec, opts IndexOptions, logger *zap.Logger) (*IndexRegistry, error) {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 15 * time.Second
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 10 * time.Minute
	}
	r := &IndexRegistry{
		store:      store,
		embedder:   embedder,
		opts:       opts,
		logger:     logger,
		slots:      make(map[types.SourceSystem]*indexSlot, len(specs)),
		loadExport: LoadExport,
	}
	for _, spec := range specs {
		if !spec.System.Valid() {
			return nil, fmt.Errorf("unknown source system %q", spec.System)
		}
		if _, dup := r.slots[spec.System]; dup {
			return nil, fmt.Errorf("source %s registered twice", spec.System)
		}
		if spec.Collection == "" {
			spec.Collection = spec.System.Label() + "Documents"
		}
		r.slots[spec.System] = &indexSlot{spec: spec}
	}
	return r, nil
}

func (r *IndexRegistry) slot(source types.SourceSystem) (*indexSlot, error) {
	s, ok := r.slots[source]
	if !ok {
		return nil, fmt.Errorf("source %s is not registered", source)
	}
	return s, nil
}

// Spec returns the registered spec of a source.
func (r *IndexRegistry) Spec(source types.SourceSystem) (SourceSpec, bool) {
	s, ok := r.slots[source]
	if !ok {
		return SourceSpec{}, false
	}
	return s.spec, true
}

// Handle returns the handle a specialist uses to reach its index.
func (r *IndexRegistry) Handle(source types.SourceSystem) (*IndexHandle, error) {
	if _, err := r.slot(source); err != nil {
		return nil, err
	}
	return &IndexHandle{registry: r, source: source}, nil
}

// Build returns the source's index, building it on first use. Concurrent
// first callers share one build, which runs detached from their contexts
// under BuildTimeout: a caller whose ctx ends gets ctx.Err() while the build
// carries on for the next one. A failed build is remembered and returned
// until Reset.
func (r *IndexRegistry) Build(ctx context.Context, source types.SourceSystem) (*Index, error) {
	s, err := r.slot(source)
	if err != nil {
		return nil, err
	}
	if ix := s.current.Load(); ix != nil {
		s.hits.Add(1)
		return ix, nil
	}

	leader := false
	ch := s.flight.DoChan("build", func() (any, error) {
		leader = true
		return r.buildOnce(ctx, s)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if !leader {
			s.hits.Add(1)
		}
		return res.Val.(*Index), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *IndexRegistry) buildOnce(ctx context.Context, s *indexSlot) (*Index, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if ix := s.current.Load(); ix != nil {
		s.hits.Add(1)
		return ix, nil
	}
	if s.failure != nil {
		return nil, s.failure
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.BuildTimeout)
	defer cancel()
	ix, err := r.build(bctx, s)
	if err != nil {
		s.failure = err
		r.logger.Error("Index build failed", zap.String("source", string(s.spec.System)), zap.Error(err))
		return nil, err
	}
	r.publish(s, ix)
	return ix, nil
}

// Rebuild loads a new generation and swaps it in atomically. Readers holding
// the old generation finish on it; its collection is dropped after the last
// one releases it. On failure the current generation keeps serving.
func (r *IndexRegistry) Rebuild(ctx context.Context, source types.SourceSystem) (*Index, error) {
	s, err := r.slot(source)
	if err != nil {
		return nil, err
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	ix, err := r.build(ctx, s)
	if err != nil {
		return nil, err
	}
	s.failure = nil
	r.publish(s, ix)
	r.logger.Info("Index rebuilt",
		zap.String("source", string(source)),
		zap.Uint64("generation", ix.generation),
		zap.Int("documents", ix.Len()))
	return ix, nil
}

// Reset forgets a cached build failure and unloads the current generation so
// the next Build loads the export again.
func (r *IndexRegistry) Reset(source types.SourceSystem) error {
	s, err := r.slot(source)
	if err != nil {
		return err
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	s.failure = nil

	s.swapMu.Lock()
	old := s.current.Swap(nil)
	s.swapMu.Unlock()
	if old != nil {
		old.retire()
	}
	r.logger.Info("Index reset", zap.String("source", string(source)))
	return nil
}

func (r *IndexRegistry) publish(s *indexSlot, ix *Index) {
	s.swapMu.Lock()
	old := s.current.Swap(ix)
	s.swapMu.Unlock()
	if old != nil {
		old.retire()
	}
}

func (r *IndexRegistry) acquire(ctx context.Context, source types.SourceSystem) (*Index, func(), error) {
	s, err := r.slot(source)
	if err != nil {
		return nil, nil, err
	}
	for {
		if _, err := r.Build(ctx, source); err != nil {
			return nil, nil, err
		}
		s.swapMu.RLock()
		ix := s.current.Load()
		if ix != nil {
			ix.acquire()
		}
		s.swapMu.RUnlock()
		if ix != nil {
			return ix, ix.release, nil
		}
		// Reset raced with us; build again.
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

// Search queries a source index directly, without a specialist.
func (r *IndexRegistry) Search(ctx context.Context, source types.SourceSystem, text string, k int) ([]types.ScoredDocument, error) {
	ix, release, err := r.acquire(ctx, source)
	if err != nil {
		return nil, err
	}
	defer release()
	return ix.Query(ctx, text, k)
}

// build must be called with s.buildMu held.
func (r *IndexRegistry) build(ctx context.Context, s *indexSlot) (*Index, error) {
	s.builds.Add(1)
	s.generation++
	gen := s.generation
	spec := s.spec
	collection := spec.Collection
	if gen > 1 {
		collection = fmt.Sprintf("%sGen%d", spec.Collection, gen)
	}
	start := time.Now()
	log := r.logger.With(
		zap.String("source", string(spec.System)),
		zap.String("collection", collection),
		zap.Uint64("generation", gen))
	log.Info("Building index")

	docs, err := r.loadExport(spec.ExportPath, spec.System)
	if err != nil {
		return nil, &types.IndexBuildError{Source: spec.System, Op: "read export", Err: err}
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = DocumentText(d)
	}
	vecs, err := EmbedAll(ctx, r.embedder, texts, r.opts.BatchSize, r.opts.Parallelism)
	if err != nil {
		return nil, &types.IndexBuildError{Source: spec.System, Op: "embed documents", Err: err}
	}
	records := make([]database.VectorRecord, len(docs))
	for i := range docs {
		records[i] = database.VectorRecord{Document: docs[i], Vector: vecs[i]}
	}

	// A fresh generation always starts from an empty collection.
	recreate := gen > 1 || r.opts.Recreate
	err = r.loadCollection(ctx, collection, records, recreate)
	if errors.Is(err, database.ErrSchemaMismatch) && !recreate {
		log.Warn("Collection schema mismatch, recreating", zap.Error(err))
		err = r.loadCollection(ctx, collection, records, true)
	}
	if err != nil {
		return nil, &types.IndexBuildError{Source: spec.System, Op: "load collection", Err: err}
	}

	byID := make(map[string]types.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	ix := &Index{
		source:       spec.System,
		collection:   collection,
		generation:   gen,
		docs:         byID,
		store:        r.store,
		embedder:     r.embedder,
		queryTimeout: r.opts.QueryTimeout,
	}
	ix.onDrain = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.store.DeleteCollection(ctx, collection); err != nil {
			log.Warn("Failed to drop retired collection", zap.Error(err))
			return
		}
		log.Info("Dropped retired collection")
	}
	log.Info("Index built", zap.Int("documents", len(docs)), zap.Duration("took", time.Since(start)))
	return ix, nil
}

func (r *IndexRegistry) loadCollection(ctx context.Context, collection string, records []database.VectorRecord, recreate bool) error {
	if err := r.store.EnsureCollection(ctx, collection, recreate); err != nil {
		return err
	}
	return r.store.Upsert(ctx, collection, records)
}

// WarmUp builds every registered index concurrently. Failures are logged and
// remembered per source; they do not stop the others.
func (r *IndexRegistry) WarmUp(ctx context.Context) {
	var g errgroup.Group
	for _, source := range types.SourceOrder {
		if _, ok := r.slots[source]; !ok {
			continue
		}
		g.Go(func() error {
			if _, err := r.Build(ctx, source); err != nil {
				r.logger.Error("Index warm-up failed", zap.String("source", string(source)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Status reports the admin view of a source index.
func (r *IndexRegistry) Status(source types.SourceSystem) (types.IndexStatus, error) {
	s, err := r.slot(source)
	if err != nil {
		return types.IndexStatus{}, err
	}
	st := types.IndexStatus{
		Source:    source,
		Builds:    s.builds.Load(),
		CacheHits: s.hits.Load(),
	}
	if ix := s.current.Load(); ix != nil {
		st.Loaded = true
		st.Generation = ix.generation
		st.Documents = ix.Len()
	}
	if s.buildMu.TryLock() {
		if s.failure != nil {
			st.Error = failureSummary(s.failure)
		}
		s.buildMu.Unlock()
	}
	return st, nil
}

// failureSummary names the failed step only; details stay in the logs.
func failureSummary(err error) string {
	var buildErr *types.IndexBuildError
	if errors.As(err, &buildErr) {
		return buildErr.Op + " failed; see server logs"
	}
	return "index build failed; see server logs"
}

// Statuses reports every registered source in fixed order.
func (r *IndexRegistry) Statuses() []types.IndexStatus {
	out := make([]types.IndexStatus, 0, len(r.slots))
	for _, source := range types.SourceOrder {
		if st, err := r.Status(source); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// IndexHandle is a specialist's reference-counted access to its source index.
type IndexHandle struct {
	registry *IndexRegistry
	source   types.SourceSystem
}

func (h *IndexHandle) Source() types.SourceSystem { return h.source }

// Acquire pins the current generation, building it on first use. Callers
// must call release when done querying.
func (h *IndexHandle) Acquire(ctx context.Context) (ix *Index, release func(), err error) {
	return h.registry.acquire(ctx, h.source)
}
