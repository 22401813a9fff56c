// Package cache keeps recently used reconciliation jobs in memory.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// Service is a TTL'd LRU of reconciliation jobs.
// Jobs are addressable by ID and by their "<district>-<period>" key.
type Service struct {
	cache *lru.Cache
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time

	mu        sync.Mutex
	keys      map[string]string // district-period key -> job ID
	hits      uint64
	misses    uint64
	evictions uint64
	closed    bool
}

type cacheEntry struct {
	job         *types.ReconciliationJob
	lastUpdated time.Time
}

// New creates a cache holding up to size jobs for at most ttl each.
// A zero ttl disables expiry.
func New(size int, ttl time.Duration, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		ttl:  ttl,
		log:  log.Named("cache"),
		now:  time.Now,
		keys: make(map[string]string),
	}
	c, err := lru.NewWithEvict(size, s.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "create job cache")
	}
	s.cache = c
	return s, nil
}

// onEvict drops the key index entry of a removed job. It runs inside cache
// calls, which are always made with s.mu held.
func (s *Service) onEvict(idI, entryI interface{}) {
	id, _ := idI.(string)
	entry, ok := entryI.(*cacheEntry)
	if !ok {
		return
	}
	key := entry.job.Key()
	if s.keys[key] == id {
		delete(s.keys, key)
	}
}

// GetJob looks a job up by ID, falling back to the district-period key.
// It returns (nil, nil) on a miss.
func (s *Service) GetJob(_ context.Context, key string) (*types.ReconciliationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := key
	if mapped, ok := s.keys[key]; ok {
		id = mapped
	}

	entryI, ok := s.cache.Get(id)
	if !ok {
		s.misses++
		return nil, nil
	}
	entry := entryI.(*cacheEntry)
	if s.expired(entry) {
		s.cache.Remove(id)
		s.gc()
		s.misses++
		return nil, nil
	}
	s.hits++
	return entry.job.Clone(), nil
}

// SetJob stores a copy of job under jobID.
func (s *Service) SetJob(_ context.Context, jobID string, job *types.ReconciliationJob) error {
	if job == nil {
		return errors.New("cannot cache a nil job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if s.cache.Add(jobID, &cacheEntry{job: job.Clone(), lastUpdated: s.now()}) {
		s.evictions++
	}
	s.keys[job.Key()] = jobID
	return nil
}

// Clear drops every entry. Counters are kept.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cache.Len()
	s.cache.Purge()
	s.keys = make(map[string]string)
	s.log.Debug("Cache cleared", zap.Int("entries", n))
}

// Stats returns a snapshot of the cache counters.
func (s *Service) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := types.CacheStats{
		Entries:   s.cache.Len(),
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// Shutdown clears the cache. Later writes are ignored.
func (s *Service) Shutdown() {
	s.Clear()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// GC removes all expired entries.
func (s *Service) GC() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gc()
}

func (s *Service) gc() {
	for {
		id, entryI, ok := s.cache.GetOldest()
		if !ok {
			break
		}
		entry := entryI.(*cacheEntry)
		if !s.expired(entry) {
			break
		}
		s.cache.Remove(id)
	}
}

func (s *Service) expired(e *cacheEntry) bool {
	return s.ttl > 0 && s.now().Sub(e.lastUpdated) > s.ttl
}
