package storage

// ============================================================================
// Optimizer - buffered writes, cached reads
// ============================================================================
//
//   SaveJob ──> pending (by ID) ──Flush──> Backend.Store
//          └──> read cache (LRU)
//
//   GetJob: pending ──miss──> read cache ──miss──> Backend.Load
//
// Pending writes always win over the cache and the backend, so a job saved
// and not yet flushed is still readable. ClearCache drops only the read
// cache; pending writes are never discarded without a flush.
//
// ============================================================================

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// DefaultFlushThreshold is the number of pending writes that triggers a flush.
const DefaultFlushThreshold = 50

// Stats describes the optimizer's in-memory state.
type Stats struct {
	Pending   int    `json:"pending"`
	Cached    int    `json:"cached"`
	Flushes   uint64 `json:"flushes"`
	Writes    uint64 `json:"writes"`
	CacheHits uint64 `json:"cache_hits"`
	Loads     uint64 `json:"loads"`
}

// Optimizer fronts a Backend with a write buffer and a read cache.
type Optimizer struct {
	backend        Backend
	cache          *lru.Cache
	flushThreshold int
	log            *zap.Logger

	mu      sync.Mutex
	flushMu sync.Mutex
	pending map[string]*types.ReconciliationJob
	stats   Stats
}

// NewOptimizer wraps backend. flushThreshold <= 0 uses DefaultFlushThreshold.
func NewOptimizer(backend Backend, cacheSize, flushThreshold int, log *zap.Logger) (*Optimizer, error) {
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create storage read cache")
	}
	if flushThreshold <= 0 {
		flushThreshold = DefaultFlushThreshold
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Optimizer{
		backend:        backend,
		cache:          c,
		flushThreshold: flushThreshold,
		log:            log.Named("storage"),
		pending:        make(map[string]*types.ReconciliationJob),
	}, nil
}

// GetJob returns a copy of the job, or (nil, nil) when it does not exist.
func (o *Optimizer) GetJob(ctx context.Context, jobID string) (*types.ReconciliationJob, error) {
	o.mu.Lock()
	if j, ok := o.pending[jobID]; ok {
		o.mu.Unlock()
		return j.Clone(), nil
	}
	if v, ok := o.cache.Get(jobID); ok {
		o.stats.CacheHits++
		o.mu.Unlock()
		return v.(*types.ReconciliationJob).Clone(), nil
	}
	o.stats.Loads++
	o.mu.Unlock()

	job, err := o.backend.Load(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "load job %s", jobID)
	}

	o.mu.Lock()
	// a concurrent SaveJob is newer than what we loaded
	if _, ok := o.pending[jobID]; !ok {
		o.cache.Add(jobID, job.Clone())
	}
	o.mu.Unlock()
	return job, nil
}

// SaveJob buffers a copy of job and flushes once the buffer reaches the
// threshold.
func (o *Optimizer) SaveJob(ctx context.Context, job *types.ReconciliationJob) error {
	if job == nil || job.ID == "" {
		return errors.New("cannot save a job without an ID")
	}
	o.mu.Lock()
	c := job.Clone()
	o.pending[c.ID] = c
	o.cache.Add(c.ID, c.Clone())
	o.stats.Writes++
	full := len(o.pending) >= o.flushThreshold
	o.mu.Unlock()

	if full {
		return o.Flush(ctx)
	}
	return nil
}

// Flush writes pending jobs to the backend. On failure they stay pending.
func (o *Optimizer) Flush(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return nil
	}
	batch := make([]*types.ReconciliationJob, 0, len(o.pending))
	for _, j := range o.pending {
		batch = append(batch, j)
	}
	o.mu.Unlock()

	if err := o.backend.Store(ctx, batch); err != nil {
		return errors.Wrapf(err, "flush %d jobs", len(batch))
	}

	o.mu.Lock()
	for _, j := range batch {
		// only drop entries not replaced while we were writing
		if o.pending[j.ID] == j {
			delete(o.pending, j.ID)
		}
	}
	o.stats.Flushes++
	o.mu.Unlock()

	o.log.Debug("Flushed jobs", zap.Int("count", len(batch)))
	return nil
}

// ClearCache drops the read cache.
func (o *Optimizer) ClearCache() {
	o.mu.Lock()
	n := o.cache.Len()
	o.cache.Purge()
	o.mu.Unlock()
	o.log.Debug("Storage cache cleared", zap.Int("entries", n))
}

// List returns every job, pending writes included.
func (o *Optimizer) List(ctx context.Context) ([]*types.ReconciliationJob, error) {
	stored, err := o.backend.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	seen := make(map[string]bool, len(stored))
	out := make([]*types.ReconciliationJob, 0, len(stored)+len(o.pending))
	for _, j := range stored {
		if p, ok := o.pending[j.ID]; ok {
			j = p.Clone()
		}
		seen[j.ID] = true
		out = append(out, j)
	}
	for id, j := range o.pending {
		if !seen[id] {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// Cleanup flushes pending writes and closes the backend.
func (o *Optimizer) Cleanup(ctx context.Context) error {
	flushErr := o.Flush(ctx)
	o.ClearCache()
	closeErr := o.backend.Close()
	return errors.CombineErrors(flushErr, closeErr)
}

// Stats returns a snapshot of the optimizer's counters.
func (o *Optimizer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Pending = len(o.pending)
	s.Cached = o.cache.Len()
	return s
}
