package worker

import (
	"context"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// Reconciler is the external reconciliation operation driven by the runner.
type Reconciler interface {
	// StartReconciliation starts (or resumes) reconciliation of a district
	// for a target period and returns the job handle.
	StartReconciliation(ctx context.Context, districtID, targetPeriod string, cfg *types.ReconciliationConfig, trigger types.Trigger) (*types.ReconciliationJob, error)

	// ProcessReconciliationCycle runs one cycle of a started job against a
	// fresh and a previously cached district snapshot.
	ProcessReconciliationCycle(ctx context.Context, jobID string, current, cached *types.DistrictSnapshot) (*types.ReconciliationStatus, error)
}

// JobCache is the slice of the cache collaborator the runner needs.
// GetJob returns (nil, nil) on a miss.
type JobCache interface {
	GetJob(ctx context.Context, key string) (*types.ReconciliationJob, error)
	SetJob(ctx context.Context, jobID string, job *types.ReconciliationJob) error
}

// JobReader reads persisted reconciliation jobs. GetJob returns (nil, nil)
// when the job does not exist.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*types.ReconciliationJob, error)
}
