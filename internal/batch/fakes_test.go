package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/district-reconcile/internal/config"
	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// fakeReconciler records start order and concurrency. Jobs for a district
// with a gate block until the gate is closed.
type fakeReconciler struct {
	mu        sync.Mutex
	started   []string
	active    int
	maxActive int
	gates     map[string]chan struct{}
	fail      map[string]error
	delay     time.Duration
	hang      bool
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{gates: make(map[string]chan struct{}), fail: make(map[string]error)}
}

func (f *fakeReconciler) gate(district string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[district] = g
	return g
}

func (f *fakeReconciler) StartReconciliation(ctx context.Context, districtID, targetPeriod string, _ *types.ReconciliationConfig, _ types.Trigger) (*types.ReconciliationJob, error) {
	f.mu.Lock()
	f.started = append(f.started, districtID)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	g := f.gates[districtID]
	err := f.fail[districtID]
	delay, hang := f.delay, f.hang
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g != nil {
		<-g
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}
	return &types.ReconciliationJob{
		ID:           "job-" + types.JobKey(districtID, targetPeriod),
		DistrictID:   districtID,
		TargetPeriod: targetPeriod,
		Status:       types.JobActive,
	}, nil
}

func (f *fakeReconciler) ProcessReconciliationCycle(_ context.Context, jobID string, _, _ *types.DistrictSnapshot) (*types.ReconciliationStatus, error) {
	return &types.ReconciliationStatus{JobID: jobID, Phase: types.PhaseStabilizing}, nil
}

func (f *fakeReconciler) startedDistricts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeReconciler) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type fakeCache struct {
	mu       sync.Mutex
	jobs     map[string]*types.ReconciliationJob
	gets     int
	clears   int
	shutdown bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{jobs: make(map[string]*types.ReconciliationJob)}
}

func (c *fakeCache) GetJob(_ context.Context, key string) (*types.ReconciliationJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	return c.jobs[key], nil
}

func (c *fakeCache) SetJob(_ context.Context, jobID string, job *types.ReconciliationJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[jobID] = job
	return nil
}

func (c *fakeCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	c.jobs = make(map[string]*types.ReconciliationJob)
}

func (c *fakeCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.CacheStats{Entries: len(c.jobs), Hits: 7}
}

func (c *fakeCache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
}

func (c *fakeCache) completed(district, period string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[types.JobKey(district, period)] = &types.ReconciliationJob{
		ID: "cached-" + district, DistrictID: district, TargetPeriod: period, Status: types.JobCompleted,
	}
}

type fakeStorage struct {
	mu          sync.Mutex
	flushes     int
	flushErr    error
	cacheClears int
	cleanups    int
}

func (s *fakeStorage) GetJob(_ context.Context, jobID string) (*types.ReconciliationJob, error) {
	return &types.ReconciliationJob{ID: jobID, Status: types.JobActive}, nil
}

func (s *fakeStorage) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

func (s *fakeStorage) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheClears++
}

func (s *fakeStorage) Cleanup(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups++
	return nil
}

type recordingRecorder struct {
	mu          sync.Mutex
	admitted    []string
	finished    int
	cacheHits   int
	throttles   int
	maxInFlight int
}

func (r *recordingRecorder) JobAdmitted(job types.BatchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.admitted = append(r.admitted, job.DistrictID)
}

func (r *recordingRecorder) JobFinished(types.BatchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
}

func (r *recordingRecorder) CacheHit(types.BatchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheHits++
}

func (r *recordingRecorder) Throttled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.throttles++
}

func (r *recordingRecorder) QueueDepth(_, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inFlight > r.maxInFlight {
		r.maxInFlight = inFlight
	}
}

func (r *recordingRecorder) admissions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.admitted...)
}

type fixedMemory float64

func (m fixedMemory) UsageMB() (float64, error) { return float64(m), nil }

type harness struct {
	coord   *Coordinator
	rec     *fakeReconciler
	cache   *fakeCache
	storage *fakeStorage
	events  *recordingRecorder
}

func testConfig(maxConcurrent int) config.Batch {
	cfg := config.DefaultBatch()
	cfg.MaxConcurrentJobs = maxConcurrent
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 5 * time.Second
	cfg.EnableResourceThrottling = false
	return cfg
}

func newHarness(cfg config.Batch, mutate ...func(*Options)) (*harness, error) {
	h := &harness{
		rec:     newFakeReconciler(),
		cache:   newFakeCache(),
		storage: &fakeStorage{},
		events:  &recordingRecorder{},
	}
	opts := Options{
		Config:     cfg,
		Reconciler: h.rec,
		Cache:      h.cache,
		Storage:    h.storage,
		Recorder:   h.events,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	h.coord = c
	return h, nil
}

func job(district, period string, priority int) types.BatchJob {
	return types.BatchJob{DistrictID: district, TargetPeriod: period, Priority: priority}
}

func manyJobs(n int) []types.BatchJob {
	out := make([]types.BatchJob, n)
	for i := range out {
		out[i] = job(fmt.Sprintf("d%02d", i), "2024-10", i%4)
	}
	return out
}

var errNetwork = errors.New("Network error")
