// ============================================================================
// Batch coordinator - drives one batch of reconciliation jobs to completion
// ============================================================================
//
// Package: internal/batch
// File: coordinator.go
//
// State machine (one ProcessBatch call):
//
//   Idle ──ProcessBatch──> Running ──queue and in-flight empty──> Idle
//                             │
//                             └──CancelBatch / ctx done──> Cancelling ──> Idle
//
// Main loop:
//   1. admit: while a slot is free, dequeue the highest-priority job. A
//      completed job in the cache is answered directly; anything else is
//      handed to the runner and tracked in flight.
//   2. await: if anything is in flight, collect exactly one completion.
//   3. govern: run the memory check (may clear caches and cool down).
//   Repeat until the queue and the in-flight set are both empty, then flush
//   storage.
//
// Cancellation drops the queue only. Jobs already in flight always run to
// the end, retries included, and their results are kept.
//
// ============================================================================

package batch

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/internal/config"
	"github.com/ChuLiYu/district-reconcile/internal/governor"
	"github.com/ChuLiYu/district-reconcile/internal/queue"
	"github.com/ChuLiYu/district-reconcile/internal/worker"
	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

var (
	// ErrBatchInProgress is returned by ProcessBatch when a batch is running.
	ErrBatchInProgress = errors.New("batch processing already in progress")
	// ErrDuplicateInFlight marks a job whose key was already in flight when
	// it was dequeued.
	ErrDuplicateInFlight = errors.New("job with the same district and period is already in flight")
)

// State is the coordinator's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
)

// Cache is the job cache the coordinator reads, fills and sheds.
type Cache interface {
	worker.JobCache
	Clear()
	Stats() types.CacheStats
	Shutdown()
}

// Storage is the buffered job store the coordinator flushes and sheds.
type Storage interface {
	worker.JobReader
	Flush(ctx context.Context) error
	ClearCache()
	Cleanup(ctx context.Context) error
}

// Options wires a Coordinator. Reconciler, Cache and Storage are required.
type Options struct {
	Config     config.Batch
	Reconciler worker.Reconciler
	Cache      Cache
	Storage    Storage

	// Memory defaults to the Go heap.
	Memory governor.MemoryReader
	// ForceCollect runs before caches are cleared under memory pressure.
	ForceCollect func()
	Recorder     Recorder
	Logger       *zap.Logger
}

// Coordinator runs batches of reconciliation jobs with bounded concurrency.
// One instance runs at most one batch at a time.
type Coordinator struct {
	cfg      config.Batch
	policy   worker.Policy
	cache    Cache
	storage  Storage
	runner   *worker.Runner
	governor *governor.Governor
	rec      Recorder
	log      *zap.Logger

	mu        sync.Mutex
	state     State
	queue     *queue.JobQueue
	inflight  *worker.InFlight
	results   []types.BatchResult
	startTime time.Time
	done      chan struct{}
}

// New validates opts and builds a coordinator.
func New(opts Options) (*Coordinator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Reconciler == nil || opts.Cache == nil || opts.Storage == nil {
		return nil, errors.New("reconciler, cache and storage are required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rec := opts.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	policy := worker.Policy{
		RetryAttempts: opts.Config.RetryAttempts,
		RetryDelay:    opts.Config.RetryDelay,
		Timeout:       opts.Config.Timeout,
	}
	runner := worker.NewRunner(opts.Reconciler, opts.Cache, opts.Storage, policy, log)
	gov := governor.New(governor.Options{
		Enabled:      opts.Config.EnableResourceThrottling,
		ThresholdMB:  opts.Config.MemoryThresholdMB,
		Cooldown:     opts.Config.ThrottleCooldown,
		ForceCollect: opts.ForceCollect,
		Reader:       opts.Memory,
		OnThrottle:   func(float64) { rec.Throttled() },
	}, opts.Cache, opts.Storage, log)

	return &Coordinator{
		cfg:      opts.Config,
		policy:   policy,
		cache:    opts.Cache,
		storage:  opts.Storage,
		runner:   runner,
		governor: gov,
		rec:      rec,
		log:      log.Named("batch"),
		state:    StateIdle,
		queue:    queue.New(),
		inflight: worker.NewInFlight(opts.Config.MaxConcurrentJobs),
	}, nil
}

// ProcessBatch runs jobs to completion and returns one result per job, in
// completion order.
//
// Cancelling ctx behaves like CancelBatch: queued jobs are dropped, in-flight
// jobs finish, and the results collected so far are returned with ctx's error.
func (c *Coordinator) ProcessBatch(ctx context.Context, jobs []types.BatchJob) ([]types.BatchResult, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrBatchInProgress
	}
	c.state = StateRunning
	c.startTime = time.Now()
	c.results = make([]types.BatchResult, 0, len(jobs))
	c.queue.Seed(jobs)
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = StateIdle
		close(done)
		c.mu.Unlock()
	}()

	c.log.Info("Batch started",
		zap.Int("jobs", len(jobs)),
		zap.Int("max_concurrent_jobs", c.cfg.MaxConcurrentJobs),
		zap.Stringer("policy", c.policy))

	// in-flight jobs must never be preempted, whatever happens to ctx
	runCtx := context.WithoutCancel(ctx)
	awaitCtx := ctx
	cancelled := false

	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			awaitCtx = runCtx
			c.dropQueue("context done")
		}

		c.admit(runCtx)
		queued, active := c.queue.Size(), c.inflight.Len()
		c.rec.QueueDepth(queued, active)
		if queued == 0 && active == 0 {
			break
		}

		if active > 0 {
			res, err := c.inflight.AwaitAny(awaitCtx)
			switch {
			case err == nil:
				c.record(res)
			case errors.Is(err, worker.ErrNothingInFlight):
			case ctx.Err() != nil:
				continue
			default:
				return nil, errors.Wrap(err, "await job completion")
			}
		}

		c.governor.Check(runCtx)
	}
	c.inflight.Wait()

	if err := c.storage.Flush(runCtx); err != nil {
		c.log.Error("Failed to flush storage", zap.Error(err))
		return nil, errors.Wrap(err, "flush storage")
	}

	results := c.Results()
	c.log.Info("Batch finished",
		zap.Int("results", len(results)),
		zap.Bool("cancelled", cancelled || c.State() == StateCancelling),
		zap.Duration("elapsed", time.Since(c.startTime)))

	if cancelled {
		return results, ctx.Err()
	}
	return results, nil
}

// admit starts jobs while capacity allows.
func (c *Coordinator) admit(ctx context.Context) {
	for c.inflight.CanAdmit() {
		job, ok := c.queue.DequeueNext()
		if !ok {
			return
		}
		key := job.Key()

		if c.inflight.Has(key) {
			c.log.Warn("Duplicate job dequeued while in flight", zap.String("key", key))
			err := errors.Wrapf(ErrDuplicateInFlight, "key %s", key)
			c.record(types.BatchResult{
				DistrictID:   job.DistrictID,
				TargetPeriod: job.TargetPeriod,
				Err:          err,
				Error:        err.Error(),
			})
			continue
		}

		if res, hit := c.runner.CachedResult(ctx, job); hit {
			c.rec.CacheHit(job)
			c.record(res)
			continue
		}

		c.rec.JobAdmitted(job)
		c.log.Debug("Job admitted", zap.String("key", key), zap.Int("priority", job.Priority))
		if err := c.inflight.Track(key, func() types.BatchResult {
			return c.runner.Execute(ctx, job)
		}); err != nil {
			// unreachable while CanAdmit and Has are checked above
			c.record(types.BatchResult{
				DistrictID:   job.DistrictID,
				TargetPeriod: job.TargetPeriod,
				Err:          err,
				Error:        err.Error(),
			})
		}
	}
}

func (c *Coordinator) record(res types.BatchResult) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
	c.rec.JobFinished(res)
	c.log.Debug("Job finished",
		zap.String("key", res.Key()),
		zap.Bool("success", res.Success),
		zap.Int64("processing_time_ms", res.ProcessingTimeMs),
		zap.Int("retries", res.RetryCount))
}

// dropQueue moves a running batch to Cancelling and discards queued jobs.
// It returns the channel closed when the batch ends, or nil when idle.
func (c *Coordinator) dropQueue(reason string) <-chan struct{} {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = StateCancelling
	pending := c.queue.Snapshot()
	dropped := c.queue.Clear()
	done := c.done
	c.mu.Unlock()

	c.log.Info("Batch cancelling",
		zap.String("reason", reason),
		zap.Int("dropped_jobs", dropped),
		zap.Int("in_flight", c.inflight.Len()))
	if ce := c.log.Check(zap.DebugLevel, "Dropped jobs"); ce != nil {
		keys := make([]string, len(pending))
		for i, j := range pending {
			keys[i] = j.Key()
		}
		ce.Write(zap.Strings("keys", keys))
	}
	return done
}

// CancelBatch drops every queued job and waits for in-flight jobs to finish.
// It returns nil immediately when no batch is running, and ctx's error if
// ctx ends first (the batch keeps draining).
func (c *Coordinator) CancelBatch(ctx context.Context) error {
	done := c.dropQueue("cancel requested")
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup cancels any running batch and releases the storage and cache.
func (c *Coordinator) Cleanup(ctx context.Context) error {
	cancelErr := c.CancelBatch(ctx)
	storageErr := c.storage.Cleanup(ctx)
	c.cache.Shutdown()
	return errors.CombineErrors(cancelErr, storageErr)
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Results returns a copy of the results collected so far.
func (c *Coordinator) Results() []types.BatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.BatchResult, len(c.results))
	copy(out, c.results)
	return out
}
