// ============================================================================
// In-flight set - bounded concurrent job execution
// ============================================================================
//
// Package: internal/worker
// File: inflight.go
//
// Model:
//   Every tracked job runs in its own goroutine. When it settles, the
//   goroutine pushes (key, result) onto a single completion channel:
//
//     Track(k1) ──go──> run() ──┐
//     Track(k2) ──go──> run() ──┼──> doneCh ──> AwaitAny()
//     Track(k3) ──go──> run() ──┘
//
//   AwaitAny() receives exactly one completion and untracks its key, so the
//   caller always knows which job finished even when several settle at once.
//
// Capacity:
//   A key stays tracked until its completion is received, so "in flight"
//   includes jobs that finished but were not collected yet. doneCh is
//   buffered to the ceiling, so a settled goroutine never blocks.
//
// ============================================================================

package worker

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

var (
	// ErrAtCapacity is returned by Track when the ceiling is reached.
	ErrAtCapacity = errors.New("in-flight set is at capacity")
	// ErrAlreadyTracked is returned by Track when the key is already in flight.
	ErrAlreadyTracked = errors.New("key is already in flight")
	// ErrNothingInFlight is returned by AwaitAny when nothing is tracked.
	ErrNothingInFlight = errors.New("nothing in flight")
)

type completion struct {
	key    string
	result types.BatchResult
}

// InFlight tracks running jobs by key and bounds how many run at once.
type InFlight struct {
	max     int
	mu      sync.Mutex
	running map[string]struct{}
	doneCh  chan completion
	wg      sync.WaitGroup
}

// NewInFlight returns an in-flight set admitting at most max jobs.
func NewInFlight(max int) *InFlight {
	if max < 1 {
		max = 1
	}
	return &InFlight{
		max:     max,
		running: make(map[string]struct{}, max),
		doneCh:  make(chan completion, max),
	}
}

// CanAdmit reports whether another job may start.
func (f *InFlight) CanAdmit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running) < f.max
}

// Has reports whether key is in flight.
func (f *InFlight) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[key]
	return ok
}

// Len returns the number of tracked jobs.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

// Cap returns the ceiling.
func (f *InFlight) Cap() int {
	return f.max
}

// Track registers key and starts run in a new goroutine.
func (f *InFlight) Track(key string, run func() types.BatchResult) error {
	f.mu.Lock()
	if _, ok := f.running[key]; ok {
		f.mu.Unlock()
		return errors.Wrapf(ErrAlreadyTracked, "key %s", key)
	}
	if len(f.running) >= f.max {
		f.mu.Unlock()
		return ErrAtCapacity
	}
	f.running[key] = struct{}{}
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		f.doneCh <- completion{key: key, result: run()}
	}()
	return nil
}

// Untrack forgets key without waiting for its result. The goroutine, if
// any, still delivers its completion, which AwaitAny then discards.
func (f *InFlight) Untrack(key string) {
	f.mu.Lock()
	delete(f.running, key)
	f.mu.Unlock()
}

// AwaitAny blocks until one tracked job settles, untracks it and returns its
// result.
func (f *InFlight) AwaitAny(ctx context.Context) (types.BatchResult, error) {
	for {
		f.mu.Lock()
		empty := len(f.running) == 0
		f.mu.Unlock()
		if empty {
			return types.BatchResult{}, ErrNothingInFlight
		}

		select {
		case <-ctx.Done():
			return types.BatchResult{}, ctx.Err()
		case c := <-f.doneCh:
			f.mu.Lock()
			_, tracked := f.running[c.key]
			delete(f.running, c.key)
			f.mu.Unlock()
			if !tracked {
				continue // untracked early
			}
			return c.result, nil
		}
	}
}

// Wait blocks until every started goroutine has settled.
func (f *InFlight) Wait() {
	f.wg.Wait()
}
