// Package reconciliation runs the month-end reconciliation of a district:
// a job is started once per district and period, then each cycle compares a
// fresh data snapshot with the previous one until the numbers stop moving.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

var (
	// ErrInvalidPeriod is returned for a target period that is not YYYY-MM.
	ErrInvalidPeriod = errors.New("target period must be formatted as YYYY-MM")
	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("reconciliation job not found")
	// ErrJobNotActive is returned when cycling a finished job.
	ErrJobNotActive = errors.New("reconciliation job is not active")
)

const periodLayout = "2006-01"

// Store persists reconciliation jobs. GetJob returns (nil, nil) for an
// unknown ID.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*types.ReconciliationJob, error)
	SaveJob(ctx context.Context, job *types.ReconciliationJob) error
	List(ctx context.Context) ([]*types.ReconciliationJob, error)
}

// Orchestrator implements the reconciliation operation on top of a Store.
type Orchestrator struct {
	store    Store
	defaults types.ReconciliationConfig
	log      *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]string // district-period key -> active job ID
}

// NewOrchestrator returns an orchestrator using defaults for jobs started
// without a config override.
func NewOrchestrator(store Store, defaults types.ReconciliationConfig, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		defaults: defaults,
		log:      log.Named("reconciliation"),
		now:      time.Now,
		active:   make(map[string]string),
	}
}

// Restore indexes the active jobs already in the store so that a restarted
// process resumes them instead of starting duplicates.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "restore active jobs")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if j.Status == types.JobActive {
			o.active[j.Key()] = j.ID
			n++
		}
	}
	return n, nil
}

// StartReconciliation returns the active job for the district and period, or
// creates one.
func (o *Orchestrator) StartReconciliation(ctx context.Context, districtID, targetPeriod string, cfg *types.ReconciliationConfig, trigger types.Trigger) (*types.ReconciliationJob, error) {
	if districtID == "" {
		return nil, errors.New("district ID is required")
	}
	if _, err := time.Parse(periodLayout, targetPeriod); err != nil {
		return nil, errors.Wrapf(ErrInvalidPeriod, "got %q", targetPeriod)
	}

	key := types.JobKey(districtID, targetPeriod)
	o.mu.Lock()
	defer o.mu.Unlock()

	if id, ok := o.active[key]; ok {
		existing, err := o.store.GetJob(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "load active job %s", id)
		}
		if existing != nil && existing.Status == types.JobActive {
			o.log.Debug("Resuming active reconciliation", zap.String("key", key), zap.String("job_id", id))
			return existing, nil
		}
		delete(o.active, key)
	}

	c := o.defaults
	if cfg != nil {
		c = *cfg
	}
	now := o.now()
	job := &types.ReconciliationJob{
		ID:           uuid.NewString(),
		DistrictID:   districtID,
		TargetPeriod: targetPeriod,
		Status:       types.JobActive,
		TriggeredBy:  trigger,
		Config:       c,
		Progress:     types.ReconciliationProgress{Phase: types.PhaseMonitoring},
		StartedAt:    now,
		MaxEndAt:     now.AddDate(0, 0, c.MaxReconciliationDays),
		UpdatedAt:    now,
	}
	if err := o.store.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "save job for %s", key)
	}
	o.active[key] = job.ID

	o.log.Info("Reconciliation started",
		zap.String("job_id", job.ID),
		zap.String("district_id", districtID),
		zap.String("target_period", targetPeriod),
		zap.String("trigger", string(trigger)))
	return job, nil
}

// ProcessReconciliationCycle compares current with cached, advances the
// job's stability counters and completes it once it is stable long enough or
// its window has closed.
func (o *Orchestrator) ProcessReconciliationCycle(ctx context.Context, jobID string, current, cached *types.DistrictSnapshot) (*types.ReconciliationStatus, error) {
	if current == nil || cached == nil {
		return nil, errors.New("both current and cached snapshots are required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", jobID)
	}
	if job == nil {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	if job.Status != types.JobActive {
		return nil, errors.Wrapf(ErrJobNotActive, "job %s is %s", jobID, job.Status)
	}

	now := o.now()
	changed, reason := SignificantChange(job.Config, current, cached)

	p := &job.Progress
	p.CyclesRun++
	p.DaysActive = daysBetween(job.StartedAt, now)
	if changed {
		t := now
		p.LastChangeAt = &t
		p.DaysStable = 0
	} else {
		since := job.StartedAt
		if p.LastChangeAt != nil {
			since = *p.LastChangeAt
		}
		p.DaysStable = daysBetween(since, now)
	}

	status := &types.ReconciliationStatus{
		JobID:             job.ID,
		DaysActive:        p.DaysActive,
		DaysStable:        p.DaysStable,
		SignificantChange: changed,
	}

	stability := job.Config.StabilityPeriodDays
	switch {
	case !changed && p.DaysStable >= stability:
		o.complete(job, now)
		status.Message = fmt.Sprintf("data stable for %d days", p.DaysStable)
	case !now.Before(job.MaxEndAt):
		o.complete(job, now)
		status.Message = "maximum reconciliation period reached"
	case changed:
		p.Phase = types.PhaseMonitoring
		status.Message = reason
	case p.DaysStable >= stability-1:
		p.Phase = types.PhaseFinalizing
	default:
		p.Phase = types.PhaseStabilizing
	}
	status.Phase = p.Phase
	if job.Status == types.JobActive {
		next := now.Add(time.Duration(job.Config.CheckFrequencyHours) * time.Hour)
		status.NextCheckAt = &next
	}

	job.UpdatedAt = now
	if err := o.store.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrapf(err, "save job %s", jobID)
	}

	o.log.Debug("Reconciliation cycle processed",
		zap.String("job_id", job.ID),
		zap.String("phase", string(status.Phase)),
		zap.Bool("significant_change", changed),
		zap.Int("days_stable", p.DaysStable))
	return status, nil
}

// CancelReconciliation marks an active job cancelled.
func (o *Orchestrator) CancelReconciliation(ctx context.Context, jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "load job %s", jobID)
	}
	if job == nil {
		return errors.Wrapf(ErrJobNotFound, "job %s", jobID)
	}
	if job.Status != types.JobActive {
		return errors.Wrapf(ErrJobNotActive, "job %s is %s", jobID, job.Status)
	}

	now := o.now()
	job.Status = types.JobCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	delete(o.active, job.Key())
	return errors.Wrapf(o.store.SaveJob(ctx, job), "save job %s", jobID)
}

// complete must be called with o.mu held.
func (o *Orchestrator) complete(job *types.ReconciliationJob, now time.Time) {
	job.Status = types.JobCompleted
	job.Progress.Phase = types.PhaseCompleted
	t := now
	job.CompletedAt = &t
	delete(o.active, job.Key())
	o.log.Info("Reconciliation completed",
		zap.String("job_id", job.ID),
		zap.String("key", job.Key()),
		zap.Int("days_active", job.Progress.DaysActive))
}

// SignificantChange reports whether current differs from cached beyond the
// thresholds of cfg, with a human-readable reason.
func SignificantChange(cfg types.ReconciliationConfig, current, cached *types.DistrictSnapshot) (bool, string) {
	if pct := percentChange(cached.TotalMembership, current.TotalMembership); pct > cfg.MembershipChangePercent {
		return true, fmt.Sprintf("membership changed by %.2f%%", pct)
	}
	if diff := current.ActiveClubs - cached.ActiveClubs; cfg.ClubCountChange > 0 && absInt(diff) >= cfg.ClubCountChange {
		return true, fmt.Sprintf("club count changed by %d", diff)
	}
	if pct := percentChange(cached.DistinguishedClubs, current.DistinguishedClubs); pct > cfg.DistinguishedChangePercent {
		return true, fmt.Sprintf("distinguished clubs changed by %.2f%%", pct)
	}
	return false, ""
}

func percentChange(from, to int) float64 {
	if from == to {
		return 0
	}
	if from == 0 {
		return math.Inf(1)
	}
	return math.Abs(float64(to-from)) / float64(from) * 100
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func daysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from) / (24 * time.Hour))
}
