// ============================================================================
// Job Queue - priority-ordered pending work
// ============================================================================
//
// Package: internal/queue
// File: job_queue.go
//
// Ordering:
//   Seed() copies the batch and sorts it by priority, highest first. The sort
//   is stable, so jobs with equal priority keep their submission order:
//
//     input:  33(p5)  42(p10)  12(p10)
//     queue:  42(p10) 12(p10)  33(p5)
//
//   DequeueNext() always pops the head; nothing is inserted after seeding.
//
// Concurrency:
//   All methods take the internal mutex, so Size() and Snapshot() can be
//   called by progress queries while the coordinator loop is dequeuing.
//
// ============================================================================

package queue

import (
	"sort"
	"sync"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// JobQueue holds the pending jobs of one batch.
type JobQueue struct {
	mu   sync.Mutex
	jobs []types.BatchJob
}

// New returns an empty queue.
func New() *JobQueue {
	return &JobQueue{jobs: make([]types.BatchJob, 0)}
}

// Seed replaces the queue contents with a priority-sorted copy of jobs.
func (q *JobQueue) Seed(jobs []types.BatchJob) {
	sorted := make([]types.BatchJob, len(jobs))
	copy(sorted, jobs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	q.mu.Lock()
	q.jobs = sorted
	q.mu.Unlock()
}

// DequeueNext removes and returns the highest-priority job. ok is false
// when the queue is empty.
func (q *JobQueue) DequeueNext() (job types.BatchJob, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return types.BatchJob{}, false
	}

	job = q.jobs[0]
	q.jobs[0] = types.BatchJob{} // release snapshot pointers
	q.jobs = q.jobs[1:]
	return job, true
}

// Size returns the number of pending jobs.
func (q *JobQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Clear drops every pending job and returns how many were dropped.
func (q *JobQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.jobs)
	q.jobs = make([]types.BatchJob, 0)
	return n
}

// Snapshot returns the pending jobs in admission order.
func (q *JobQueue) Snapshot() []types.BatchJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]types.BatchJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}
