package reconciliation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// ErrSimulatedFailure is returned by Simulated for injected failures.
var ErrSimulatedFailure = errors.New("simulated reconciliation failure")

// Simulated wraps an Orchestrator with random latency and failures, for
// demos and load tests.
//
// Each call sleeps a random duration in [0, MaxLatency) and then fails with
// probability FailureRate (0..1).
type Simulated struct {
	*Orchestrator
	MaxLatency  time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated returns a simulated reconciler. seed makes runs repeatable.
func NewSimulated(o *Orchestrator, maxLatency time.Duration, failureRate float64, seed int64) *Simulated {
	return &Simulated{
		Orchestrator: o,
		MaxLatency:   maxLatency,
		FailureRate:  failureRate,
		rng:          rand.New(rand.NewSource(seed)),
	}
}

// StartReconciliation delays, maybe fails, then delegates.
func (s *Simulated) StartReconciliation(ctx context.Context, districtID, targetPeriod string, cfg *types.ReconciliationConfig, trigger types.Trigger) (*types.ReconciliationJob, error) {
	if err := s.work(ctx); err != nil {
		return nil, err
	}
	return s.Orchestrator.StartReconciliation(ctx, districtID, targetPeriod, cfg, trigger)
}

// ProcessReconciliationCycle delays, maybe fails, then delegates.
func (s *Simulated) ProcessReconciliationCycle(ctx context.Context, jobID string, current, cached *types.DistrictSnapshot) (*types.ReconciliationStatus, error) {
	if err := s.work(ctx); err != nil {
		return nil, err
	}
	return s.Orchestrator.ProcessReconciliationCycle(ctx, jobID, current, cached)
}

func (s *Simulated) work(ctx context.Context) error {
	s.mu.Lock()
	var d time.Duration
	if s.MaxLatency > 0 {
		d = time.Duration(s.rng.Int63n(int64(s.MaxLatency)))
	}
	fail := s.rng.Float64() < s.FailureRate
	s.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if fail {
		return ErrSimulatedFailure
	}
	return nil
}
