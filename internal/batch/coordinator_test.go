package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ChuLiYu/district-reconcile/internal/worker"
	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

const waitFor = 2 * time.Second
const tick = 2 * time.Millisecond

func mustHarness(t *testing.T, maxConcurrent int, mutate ...func(*Options)) *harness {
	t.Helper()
	h, err := newHarness(testConfig(maxConcurrent), mutate...)
	require.NoError(t, err)
	return h
}

type runOutcome struct {
	results []types.BatchResult
	err     error
}

func runAsync(ctx context.Context, c *Coordinator, jobs []types.BatchJob) <-chan runOutcome {
	out := make(chan runOutcome, 1)
	go func() {
		res, err := c.ProcessBatch(ctx, jobs)
		out <- runOutcome{res, err}
	}()
	return out
}

func districts(results []types.BatchResult) map[string]types.BatchResult {
	m := make(map[string]types.BatchResult, len(results))
	for _, r := range results {
		m[r.DistrictID] = r
	}
	return m
}

func TestProcessBatch_ExampleScenario(t *testing.T) {
	h := mustHarness(t, 2)
	g42 := h.rec.gate("42")
	g12 := h.rec.gate("12")

	done := runAsync(context.Background(), h.coord, []types.BatchJob{
		job("33", "2024-10", 5),
		job("42", "2024-10", 10),
		job("12", "2024-09", 10),
	})

	require.Eventually(t, func() bool { return len(h.rec.startedDistricts()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"42", "12"}, h.events.admissions())

	p := h.coord.GetProgress()
	assert.Equal(t, 3, p.TotalJobs)
	assert.Equal(t, 2, p.ActiveJobs)
	assert.Equal(t, 1, p.QueuedJobs)
	assert.Equal(t, StateRunning, h.coord.State())

	close(g42)
	require.Eventually(t, func() bool { return len(h.events.admissions()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"42", "12", "33"}, h.events.admissions())
	close(g12)

	out := <-done
	require.NoError(t, out.err)
	assert.Len(t, out.results, 3)

	stats := h.coord.GetStatistics()
	assert.Equal(t, 3, stats.TotalProcessed)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Equal(t, uint64(7), stats.CacheStats.Hits, "cache stats are passed through")
	assert.Equal(t, StateIdle, h.coord.State())
	assert.Equal(t, 1, h.storage.flushes)
}

func TestProcessBatch_PriorityOrdering(t *testing.T) {
	h := mustHarness(t, 1)

	input := []types.BatchJob{
		job("a", "2024-10", 1),
		job("b", "2024-10", 3),
		job("c", "2024-10", 2),
		job("d", "2024-10", 3),
		job("e", "2024-10", 1),
		job("f", "2024-10", 2),
	}
	_, err := h.coord.ProcessBatch(context.Background(), input)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "d", "c", "f", "a", "e"}, h.events.admissions())
	assert.Equal(t, "a", input[0].DistrictID, "caller's slice is not reordered")
}

func TestProcessBatch_ConcurrencyBound(t *testing.T) {
	h := mustHarness(t, 3)
	h.rec.delay = 3 * time.Millisecond

	results, err := h.coord.ProcessBatch(context.Background(), manyJobs(20))
	require.NoError(t, err)

	assert.Len(t, results, 20)
	assert.LessOrEqual(t, h.rec.peak(), 3)
	assert.LessOrEqual(t, h.events.maxInFlight, 3)
}

func TestProcessBatch_CacheShortCircuit(t *testing.T) {
	h := mustHarness(t, 2)
	h.cache.completed("42", "2024-10")

	results, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{
		job("42", "2024-10", 1),
		job("33", "2024-10", 1),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"33"}, h.rec.startedDistricts())
	r := districts(results)["42"]
	assert.True(t, r.Success)
	assert.True(t, r.FromCache)
	assert.Equal(t, int64(0), r.ProcessingTimeMs)
	assert.Equal(t, 0, r.RetryCount)
	assert.Equal(t, "cached-42", r.JobID)
	assert.Equal(t, 1, h.events.cacheHits)
}

func TestProcessBatch_ActiveCachedJobRuns(t *testing.T) {
	h := mustHarness(t, 2)
	h.cache.jobs["42-2024-10"] = &types.ReconciliationJob{ID: "x", Status: types.JobActive}

	_, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{job("42", "2024-10", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, h.rec.startedDistricts())
}

func TestProcessBatch_RetryExhaustion(t *testing.T) {
	cfg := testConfig(2)
	cfg.RetryAttempts = 2
	h, err := newHarness(cfg)
	require.NoError(t, err)
	h.rec.fail["7"] = errNetwork

	results, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{
		job("7", "2024-10", 1),
		job("8", "2024-10", 1),
	})
	require.NoError(t, err, "job failures never fail the batch")

	r := districts(results)["7"]
	assert.False(t, r.Success)
	assert.Equal(t, 2, r.RetryCount)
	assert.Contains(t, r.Error, "Network error")
	assert.True(t, errors.Is(r.Err, errNetwork))
	assert.True(t, districts(results)["8"].Success)
	assert.Len(t, h.rec.startedDistricts(), 4, "three attempts for 7, one for 8")
}

func TestProcessBatch_TimeoutEnforced(t *testing.T) {
	cfg := testConfig(1)
	cfg.Timeout = 20 * time.Millisecond
	cfg.RetryAttempts = 1
	h, err := newHarness(cfg)
	require.NoError(t, err)
	h.rec.hang = true

	start := time.Now()
	results, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{job("slow", "2024-10", 1)})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.True(t, errors.Is(results[0].Err, worker.ErrAttemptTimeout))
	assert.Equal(t, 1, results[0].RetryCount)
	assert.Less(t, time.Since(start), waitFor)
}

func TestProcessBatch_Completeness(t *testing.T) {
	h := mustHarness(t, 4)
	h.rec.fail["d03"] = errNetwork
	h.cache.completed("d05", "2024-10")

	results, err := h.coord.ProcessBatch(context.Background(), manyJobs(25))
	require.NoError(t, err)

	assert.Len(t, results, 25)
	assert.Len(t, districts(results), 25)
	p := h.coord.GetProgress()
	assert.Equal(t, 25, p.CompletedJobs)
	assert.Equal(t, 25, p.TotalJobs)
	assert.Equal(t, 1, p.FailedJobs)
	assert.Equal(t, 0, p.ActiveJobs)
	assert.Equal(t, 0, p.QueuedJobs)
	assert.Equal(t, int64(0), p.EstimatedTimeRemainingMs)
}

func TestProcessBatch_Empty(t *testing.T) {
	h := mustHarness(t, 2)

	results, err := h.coord.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, h.storage.flushes)

	s := h.coord.GetStatistics()
	assert.Equal(t, 0, s.TotalProcessed)
	assert.Equal(t, 0.0, s.SuccessRate)
	assert.Equal(t, 0.0, s.AverageProcessingTimeMs)
}

func TestProcessBatch_AlreadyInProgress(t *testing.T) {
	h := mustHarness(t, 1)
	g := h.rec.gate("a")
	done := runAsync(context.Background(), h.coord, []types.BatchJob{job("a", "2024-10", 1)})
	require.Eventually(t, func() bool { return len(h.rec.startedDistricts()) == 1 }, waitFor, tick)

	_, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{job("b", "2024-10", 1)})
	assert.True(t, errors.Is(err, ErrBatchInProgress))
	assert.Equal(t, StateRunning, h.coord.State())

	close(g)
	out := <-done
	require.NoError(t, out.err)
	assert.Len(t, out.results, 1)

	// the coordinator is reusable once idle
	results, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{job("b", "2024-10", 1)})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, "b", results[0].DistrictID)
}

func TestProcessBatch_DuplicateInFlight(t *testing.T) {
	h := mustHarness(t, 2)
	g := h.rec.gate("42")

	done := runAsync(context.Background(), h.coord, []types.BatchJob{
		job("42", "2024-10", 1),
		job("42", "2024-10", 1),
	})
	require.Eventually(t, func() bool { return len(h.coord.Results()) == 1 }, waitFor, tick)
	close(g)
	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.results, 2)

	dup := out.results[0]
	assert.False(t, dup.Success)
	assert.True(t, errors.Is(dup.Err, ErrDuplicateInFlight))
	assert.True(t, out.results[1].Success)
	assert.Equal(t, []string{"42"}, h.rec.startedDistricts())
}

func TestCancelBatch_NeverPreemptsInFlight(t *testing.T) {
	h := mustHarness(t, 2)
	gates := map[string]chan struct{}{}
	for _, d := range []string{"a", "b", "c", "d", "e", "f"} {
		gates[d] = h.rec.gate(d)
	}
	input := []types.BatchJob{
		job("a", "2024-10", 6), job("b", "2024-10", 5), job("c", "2024-10", 4),
		job("d", "2024-10", 3), job("e", "2024-10", 2), job("f", "2024-10", 1),
	}
	done := runAsync(context.Background(), h.coord, input)
	require.Eventually(t, func() bool { return len(h.rec.startedDistricts()) == 2 }, waitFor, tick)

	cancelled := make(chan error, 1)
	go func() { cancelled <- h.coord.CancelBatch(context.Background()) }()
	require.Eventually(t, func() bool { return h.coord.State() == StateCancelling }, waitFor, tick)
	assert.Equal(t, 0, h.coord.GetProgress().QueuedJobs)

	select {
	case <-cancelled:
		t.Fatal("CancelBatch returned while jobs were in flight")
	case <-time.After(20 * time.Millisecond):
	}

	for _, g := range gates {
		close(g)
	}
	out := <-done
	require.NoError(t, out.err)
	require.NoError(t, <-cancelled)

	assert.ElementsMatch(t, []string{"a", "b"}, h.rec.startedDistricts())
	assert.Len(t, out.results, 2)
	for _, r := range out.results {
		assert.True(t, r.Success)
	}
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestProcessBatch_LogsPolicyAndDroppedJobs(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cfg := testConfig(1)
	cfg.RetryAttempts = 2
	h, err := newHarness(cfg, func(o *Options) { o.Logger = zap.New(core) })
	require.NoError(t, err)

	gate := h.rec.gate("a")
	input := []types.BatchJob{job("a", "2024-10", 3), job("b", "2024-10", 2), job("c", "2024-10", 1)}
	done := runAsync(context.Background(), h.coord, input)
	require.Eventually(t, func() bool { return len(h.rec.startedDistricts()) == 1 }, waitFor, tick)

	cancelled := make(chan error, 1)
	go func() { cancelled <- h.coord.CancelBatch(context.Background()) }()
	require.Eventually(t, func() bool { return h.coord.State() == StateCancelling }, waitFor, tick)
	close(gate)
	require.NoError(t, (<-done).err)
	require.NoError(t, <-cancelled)

	started := logs.FilterMessage("Batch started").All()
	require.Len(t, started, 1)
	assert.Equal(t, "retries=2 delay=1ms timeout=5s", started[0].ContextMap()["policy"])

	dropped := logs.FilterMessage("Dropped jobs").All()
	require.Len(t, dropped, 1)
	assert.ElementsMatch(t, []interface{}{"b-2024-10", "c-2024-10"}, dropped[0].ContextMap()["keys"])
}

func TestCancelBatch_Idle(t *testing.T) {
	h := mustHarness(t, 1)
	assert.NoError(t, h.coord.CancelBatch(context.Background()))
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestCancelBatch_ContextExpires(t *testing.T) {
	h := mustHarness(t, 1)
	g := h.rec.gate("a")
	done := runAsync(context.Background(), h.coord, []types.BatchJob{job("a", "2024-10", 1)})
	require.Eventually(t, func() bool { return len(h.rec.startedDistricts()) == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.coord.CancelBatch(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(g)
	out := <-done
	require.NoError(t, out.err)
	assert.Len(t, out.results, 1)
}

func TestProcessBatch_ContextCancelled(t *testing.T) {
	h := mustHarness(t, 1)
	g := h.rec.gate("a")
	ctx, cancel := context.WithCancel(context.Background())

	done := runAsync(ctx, h.coord, []types.BatchJob{job("a", "2024-10", 2), job("b", "2024-10", 1)})
	require.Eventually(t, func() bool { return len(h.rec.startedDistricts()) == 1 }, waitFor, tick)
	cancel()
	require.Eventually(t, func() bool { return h.coord.State() == StateCancelling }, waitFor, tick)
	close(g)

	out := <-done
	assert.True(t, errors.Is(out.err, context.Canceled))
	require.Len(t, out.results, 1)
	assert.True(t, out.results[0].Success, "in-flight job is not preempted by the caller's context")
	assert.Equal(t, []string{"a"}, h.rec.startedDistricts())
}

func TestProcessBatch_FlushError(t *testing.T) {
	h := mustHarness(t, 1)
	h.storage.flushErr = errors.New("disk full")

	results, err := h.coord.ProcessBatch(context.Background(), []types.BatchJob{job("a", "2024-10", 1)})
	assert.Error(t, err)
	assert.Nil(t, results)
	assert.Equal(t, StateIdle, h.coord.State())
}

func TestProcessBatch_Throttling(t *testing.T) {
	cfg := testConfig(2)
	cfg.EnableResourceThrottling = true
	cfg.MemoryThresholdMB = 10
	cfg.ThrottleCooldown = time.Millisecond
	collected := 0
	h, err := newHarness(cfg, func(o *Options) {
		o.Memory = fixedMemory(50)
		o.ForceCollect = func() { collected++ }
	})
	require.NoError(t, err)

	results, err := h.coord.ProcessBatch(context.Background(), manyJobs(3))
	require.NoError(t, err)
	assert.Len(t, results, 3)

	assert.Greater(t, h.events.throttles, 0)
	assert.Equal(t, h.events.throttles, collected)
	assert.Equal(t, h.events.throttles, h.cache.clears)
	assert.Equal(t, h.events.throttles, h.storage.cacheClears)
}

func TestProgressAndStatistics(t *testing.T) {
	h := mustHarness(t, 2)
	h.coord.mu.Lock()
	h.coord.startTime = time.Now().Add(-time.Second)
	h.coord.results = []types.BatchResult{
		{DistrictID: "1", Success: true, ProcessingTimeMs: 100},
		{DistrictID: "2", Success: true, ProcessingTimeMs: 300},
		{DistrictID: "3", Success: false, ProcessingTimeMs: 800},
		{DistrictID: "4", Success: true, ProcessingTimeMs: 0, FromCache: true},
	}
	h.coord.mu.Unlock()
	h.coord.queue.Seed(manyJobs(4))

	p := h.coord.GetProgress()
	assert.Equal(t, 8, p.TotalJobs)
	assert.Equal(t, 4, p.CompletedJobs)
	assert.Equal(t, 1, p.FailedJobs)
	assert.Equal(t, 4, p.QueuedJobs)
	assert.Equal(t, int64(133), p.AverageProcessingTimeMs, "mean over successful results")
	assert.Equal(t, int64(133*4/2), p.EstimatedTimeRemainingMs)

	s := h.coord.GetStatistics()
	assert.Equal(t, 4, s.TotalProcessed)
	assert.Equal(t, 3, s.Successful)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 0.75, s.SuccessRate)
	assert.Equal(t, 300.0, s.AverageProcessingTimeMs, "mean over all results")
	assert.GreaterOrEqual(t, s.TotalProcessingTimeMs, int64(1000))
}

func TestStatistics_NeverStarted(t *testing.T) {
	h := mustHarness(t, 2)
	s := h.coord.GetStatistics()
	assert.Equal(t, int64(0), s.TotalProcessingTimeMs)
	assert.Equal(t, 0, s.TotalProcessed)
}

func TestCleanup(t *testing.T) {
	h := mustHarness(t, 2)
	_, err := h.coord.ProcessBatch(context.Background(), manyJobs(2))
	require.NoError(t, err)

	require.NoError(t, h.coord.Cleanup(context.Background()))
	assert.Equal(t, 1, h.storage.cleanups)
	assert.True(t, h.cache.shutdown)
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(0)
	_, err := newHarness(cfg)
	assert.Error(t, err)

	_, err = New(Options{Config: testConfig(1)})
	assert.Error(t, err)
}

func TestResultsAreCopies(t *testing.T) {
	h := mustHarness(t, 1)
	_, err := h.coord.ProcessBatch(context.Background(), manyJobs(1))
	require.NoError(t, err)

	r := h.coord.Results()
	r[0].DistrictID = "mutated"
	assert.NotEqual(t, "mutated", h.coord.Results()[0].DistrictID)
}

func TestGetProgress_ConcurrentWithRun(t *testing.T) {
	h := mustHarness(t, 3)
	h.rec.delay = time.Millisecond
	done := runAsync(context.Background(), h.coord, manyJobs(30))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				p := h.coord.GetProgress()
				assert.LessOrEqual(t, p.ActiveJobs, 3)
				assert.LessOrEqual(t, p.TotalJobs, 30)
				_ = h.coord.GetStatistics()
			}
		}
	}()

	out := <-done
	close(stop)
	wg.Wait()
	require.NoError(t, out.err)
	assert.Len(t, out.results, 30)
}
