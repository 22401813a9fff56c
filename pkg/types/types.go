// Package types defines the domain model shared by the batch reconciliation
// orchestrator: batch requests and results, and the reconciliation jobs that
// the external reconciliation operation creates and advances.
package types

import (
	"time"
)

// JobKey builds the de-duplication key for a district and target period.
// It is used to look up cached jobs and to track in-flight work.
func JobKey(districtID, targetPeriod string) string {
	return districtID + "-" + targetPeriod
}

// ============================================================================
// Batch model
// ============================================================================

// BatchJob is one requested (district, target period) reconciliation.
type BatchJob struct {
	DistrictID   string `json:"district_id"`   // district identifier
	TargetPeriod string `json:"target_period"` // target period, "YYYY-MM"
	Priority     int    `json:"priority"`      // higher is admitted first

	Config *ReconciliationConfig `json:"config,omitempty"` // per-job override

	// When both snapshots are present, one reconciliation cycle is driven
	// immediately after the job starts.
	CurrentData *DistrictSnapshot `json:"current_data,omitempty"`
	CachedData  *DistrictSnapshot `json:"cached_data,omitempty"`
}

// Key returns the job's de-duplication key.
func (j BatchJob) Key() string {
	return JobKey(j.DistrictID, j.TargetPeriod)
}

// BatchResult is the outcome of processing one BatchJob.
type BatchResult struct {
	DistrictID   string                `json:"district_id"`
	TargetPeriod string                `json:"target_period"`
	Success      bool                  `json:"success"`
	JobID        string                `json:"job_id,omitempty"` // handle assigned by the reconciliation operation
	Status       *ReconciliationStatus `json:"status,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"` // Err rendered for serialization

	ProcessingTimeMs int64 `json:"processing_time_ms"`
	RetryCount       int   `json:"retry_count"`
	FromCache        bool  `json:"from_cache,omitempty"`
}

// Key returns the result's de-duplication key.
func (r BatchResult) Key() string {
	return JobKey(r.DistrictID, r.TargetPeriod)
}

// BatchProgress is a point-in-time summary of a batch.
type BatchProgress struct {
	TotalJobs                int   `json:"total_jobs"`
	CompletedJobs            int   `json:"completed_jobs"`
	FailedJobs               int   `json:"failed_jobs"`
	ActiveJobs               int   `json:"active_jobs"`
	QueuedJobs               int   `json:"queued_jobs"`
	EstimatedTimeRemainingMs int64 `json:"estimated_time_remaining_ms"`
	AverageProcessingTimeMs  int64 `json:"average_processing_time_ms"`
}

// BatchStatistics aggregates every result of the current (or last) batch.
type BatchStatistics struct {
	TotalProcessed          int        `json:"total_processed"`
	Successful              int        `json:"successful"`
	Failed                  int        `json:"failed"`
	SuccessRate             float64    `json:"success_rate"`
	AverageProcessingTimeMs float64    `json:"average_processing_time_ms"`
	TotalProcessingTimeMs   int64      `json:"total_processing_time_ms"`
	CacheStats              CacheStats `json:"cache_stats"`
}

// CacheStats describes the job cache.
type CacheStats struct {
	Entries   int     `json:"entries"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// ============================================================================
// Reconciliation model
// ============================================================================

// ReconciliationJobStatus is the lifecycle state of a reconciliation job.
type ReconciliationJobStatus string

const (
	JobActive    ReconciliationJobStatus = "active"
	JobCompleted ReconciliationJobStatus = "completed"
	JobFailed    ReconciliationJobStatus = "failed"
	JobCancelled ReconciliationJobStatus = "cancelled"
)

// Trigger records what started a reconciliation job.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// ReconciliationPhase is the phase reported by a reconciliation cycle.
type ReconciliationPhase string

const (
	PhaseMonitoring  ReconciliationPhase = "monitoring"
	PhaseStabilizing ReconciliationPhase = "stabilizing"
	PhaseFinalizing  ReconciliationPhase = "finalizing"
	PhaseCompleted   ReconciliationPhase = "completed"
)

// ReconciliationConfig tunes how long a district is monitored and what
// counts as a significant change between two snapshots.
type ReconciliationConfig struct {
	MaxReconciliationDays      int     `json:"max_reconciliation_days" yaml:"max_reconciliation_days"`
	StabilityPeriodDays        int     `json:"stability_period_days" yaml:"stability_period_days"`
	CheckFrequencyHours        int     `json:"check_frequency_hours" yaml:"check_frequency_hours"`
	MembershipChangePercent    float64 `json:"membership_change_percent" yaml:"membership_change_percent"`
	ClubCountChange            int     `json:"club_count_change" yaml:"club_count_change"`
	DistinguishedChangePercent float64 `json:"distinguished_change_percent" yaml:"distinguished_change_percent"`
}

// DefaultReconciliationConfig returns the stock reconciliation policy.
func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		MaxReconciliationDays:      15,
		StabilityPeriodDays:        3,
		CheckFrequencyHours:        24,
		MembershipChangePercent:    1.0,
		ClubCountChange:            1,
		DistinguishedChangePercent: 2.0,
	}
}

// ReconciliationProgress tracks the stability counters of a job.
type ReconciliationProgress struct {
	Phase        ReconciliationPhase `json:"phase"`
	DaysActive   int                 `json:"days_active"`
	DaysStable   int                 `json:"days_stable"`
	CyclesRun    int                 `json:"cycles_run"`
	LastChangeAt *time.Time          `json:"last_change_at,omitempty"`
}

// ReconciliationJob is the persisted state of one district/period
// reconciliation.
type ReconciliationJob struct {
	ID           string                  `json:"id"`
	DistrictID   string                  `json:"district_id"`
	TargetPeriod string                  `json:"target_period"`
	Status       ReconciliationJobStatus `json:"status"`
	TriggeredBy  Trigger                 `json:"triggered_by"`
	Config       ReconciliationConfig    `json:"config"`
	Progress     ReconciliationProgress  `json:"progress"`

	StartedAt   time.Time  `json:"started_at"`
	MaxEndAt    time.Time  `json:"max_end_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Key returns the job's district/period key.
func (j *ReconciliationJob) Key() string {
	return JobKey(j.DistrictID, j.TargetPeriod)
}

// Clone returns a deep copy of the job.
func (j *ReconciliationJob) Clone() *ReconciliationJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Progress.LastChangeAt != nil {
		t := *j.Progress.LastChangeAt
		c.Progress.LastChangeAt = &t
	}
	return &c
}

// ReconciliationStatus is the outcome of one reconciliation cycle.
type ReconciliationStatus struct {
	JobID             string              `json:"job_id"`
	Phase             ReconciliationPhase `json:"phase"`
	DaysActive        int                 `json:"days_active"`
	DaysStable        int                 `json:"days_stable"`
	SignificantChange bool                `json:"significant_change"`
	Message           string              `json:"message,omitempty"`
	NextCheckAt       *time.Time          `json:"next_check_at,omitempty"`
}

// DistrictSnapshot is the subset of district performance data compared
// between reconciliation cycles.
type DistrictSnapshot struct {
	DistrictID         string    `json:"district_id"`
	AsOf               time.Time `json:"as_of"`
	TotalMembership    int       `json:"total_membership"`
	ActiveClubs        int       `json:"active_clubs"`
	DistinguishedClubs int       `json:"distinguished_clubs"`
}
