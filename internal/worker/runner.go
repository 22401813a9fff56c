// ============================================================================
// Runner - executes one batch job end to end
// ============================================================================
//
// Package: internal/worker
// File: runner.go
//
// Flow per job:
//   1. Cache check: a completed job cached under "<district>-<period>"
//      short-circuits with a successful result (0ms, 0 retries).
//   2. Attempt loop:
//        attempt ─┬─ ok ──> cache the persisted job (best effort) ──> success
//                 └─ err ─> retries left? ── yes ─> sleep delay*n ─> attempt
//                                           └ no ──> failure (last error)
//   3. Each attempt gets its own context.WithTimeout. The operation runs in
//      a goroutine and the runner stops waiting at the deadline, so an
//      operation that ignores its context still fails the attempt on time;
//      its late result is dropped.
//
// Retry count reported in a result is the number of retries performed:
// 0 when the first attempt succeeded, RetryAttempts when every attempt failed.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

var (
	// ErrAttemptTimeout marks an attempt that exceeded Policy.Timeout.
	ErrAttemptTimeout = errors.New("reconciliation attempt timed out")
	// ErrPanicked marks an attempt whose operation panicked.
	ErrPanicked = errors.New("reconciliation operation panicked")
)

// Policy controls retries and timeouts of a Runner.
type Policy struct {
	RetryAttempts int           // retries after the first attempt
	RetryDelay    time.Duration // base delay, multiplied by the attempt number
	Timeout       time.Duration // per attempt
}

// Runner executes batch jobs against the reconciliation operation.
type Runner struct {
	reconciler Reconciler
	cache      JobCache
	store      JobReader
	policy     Policy
	log        *zap.Logger

	sleep func(ctx context.Context, d time.Duration)
}

// NewRunner builds a runner. log may be nil.
func NewRunner(reconciler Reconciler, cache JobCache, store JobReader, policy Policy, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		reconciler: reconciler,
		cache:      cache,
		store:      store,
		policy:     policy,
		log:        log.Named("runner"),
		sleep:      sleepContext,
	}
}

// CachedResult returns a successful result for job when the cache holds a
// completed reconciliation for its key. ok is false on a miss; cache errors
// are logged and count as a miss.
func (r *Runner) CachedResult(ctx context.Context, job types.BatchJob) (types.BatchResult, bool) {
	key := job.Key()
	cached, err := r.cache.GetJob(ctx, key)
	if err != nil {
		r.log.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		return types.BatchResult{}, false
	}
	if cached == nil || cached.Status != types.JobCompleted {
		return types.BatchResult{}, false
	}

	r.log.Debug("Served from cache", zap.String("key", key), zap.String("job_id", cached.ID))
	return types.BatchResult{
		DistrictID:   job.DistrictID,
		TargetPeriod: job.TargetPeriod,
		Success:      true,
		JobID:        cached.ID,
		FromCache:    true,
	}, true
}

// Run processes job to completion, serving it from the cache when possible.
// It never returns an error: failures are reported in the result.
func (r *Runner) Run(ctx context.Context, job types.BatchJob) types.BatchResult {
	if res, ok := r.CachedResult(ctx, job); ok {
		return res
	}
	return r.Execute(ctx, job)
}

// Execute runs the attempt loop for job without consulting the cache.
func (r *Runner) Execute(ctx context.Context, job types.BatchJob) types.BatchResult {
	start := time.Now()
	schedule := retryBackOff(r.policy.RetryDelay, r.policy.RetryAttempts)
	retries := 0
	var lastErr error

	for {
		out := r.attempt(ctx, job)
		if out.err == nil {
			r.cacheJob(ctx, out.job)
			res := types.BatchResult{
				DistrictID:       job.DistrictID,
				TargetPeriod:     job.TargetPeriod,
				Success:          true,
				Status:           out.status,
				ProcessingTimeMs: time.Since(start).Milliseconds(),
				RetryCount:       retries,
			}
			if out.job != nil {
				res.JobID = out.job.ID
			}
			return res
		}

		lastErr = out.err
		if ctx.Err() != nil || retries >= r.policy.RetryAttempts {
			break
		}
		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		retries++
		r.log.Warn("Reconciliation attempt failed, retrying",
			zap.String("key", job.Key()),
			zap.Int("retry", retries),
			zap.Duration("delay", delay),
			zap.Error(out.err))
		r.sleep(ctx, delay)
	}

	r.log.Warn("Reconciliation failed after retries",
		zap.String("key", job.Key()),
		zap.Int("retries", retries),
		zap.Error(lastErr))

	return types.BatchResult{
		DistrictID:       job.DistrictID,
		TargetPeriod:     job.TargetPeriod,
		Success:          false,
		Err:              lastErr,
		Error:            lastErr.Error(),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		RetryCount:       retries,
	}
}

type attemptOutcome struct {
	job    *types.ReconciliationJob
	status *types.ReconciliationStatus
	err    error
}

// attempt runs one start (and optional cycle) under the per-attempt timeout.
func (r *Runner) attempt(ctx context.Context, job types.BatchJob) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	outCh := make(chan attemptOutcome, 1)
	go func() {
		outCh <- r.invoke(attemptCtx, job)
	}()

	select {
	case out := <-outCh:
		return out
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return attemptOutcome{err: err}
		}
		return attemptOutcome{err: errors.Wrapf(ErrAttemptTimeout, "%s after %s", job.Key(), r.policy.Timeout)}
	}
}

func (r *Runner) invoke(ctx context.Context, job types.BatchJob) (out attemptOutcome) {
	defer func() {
		if p := recover(); p != nil {
			out = attemptOutcome{err: errors.Wrapf(ErrPanicked, "%s: %v", job.Key(), p)}
		}
	}()

	started, err := r.reconciler.StartReconciliation(ctx, job.DistrictID, job.TargetPeriod, job.Config, types.TriggerAutomatic)
	if err != nil {
		return attemptOutcome{err: errors.Wrap(err, "start reconciliation")}
	}
	if started == nil {
		return attemptOutcome{err: errors.Newf("start reconciliation returned no job for %s", job.Key())}
	}
	out.job = started

	if job.CurrentData != nil && job.CachedData != nil {
		status, err := r.reconciler.ProcessReconciliationCycle(ctx, started.ID, job.CurrentData, job.CachedData)
		if err != nil {
			return attemptOutcome{err: errors.Wrap(err, "process reconciliation cycle")}
		}
		out.status = status
	}
	return out
}

// cacheJob copies the persisted job into the cache. Failures are logged only.
func (r *Runner) cacheJob(ctx context.Context, started *types.ReconciliationJob) {
	if started == nil || started.ID == "" {
		return
	}
	stored, err := r.store.GetJob(ctx, started.ID)
	if err != nil {
		r.log.Warn("Failed to read job for caching", zap.String("job_id", started.ID), zap.Error(err))
		return
	}
	if stored == nil {
		return
	}
	if err := r.cache.SetJob(ctx, stored.ID, stored); err != nil {
		r.log.Warn("Failed to cache job", zap.String("job_id", stored.ID), zap.Error(err))
	}
}

// String renders the policy for logs.
func (p Policy) String() string {
	return fmt.Sprintf("retries=%d delay=%s timeout=%s", p.RetryAttempts, p.RetryDelay, p.Timeout)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
