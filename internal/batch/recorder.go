package batch

import "github.com/ChuLiYu/district-reconcile/pkg/types"

// Recorder observes a batch as it runs. Calls come from the coordinator's
// loop goroutine.
type Recorder interface {
	JobAdmitted(job types.BatchJob)
	JobFinished(res types.BatchResult)
	CacheHit(job types.BatchJob)
	Throttled()
	QueueDepth(queued, inFlight int)
}

type nopRecorder struct{}

func (nopRecorder) JobAdmitted(types.BatchJob)    {}
func (nopRecorder) JobFinished(types.BatchResult) {}
func (nopRecorder) CacheHit(types.BatchJob)       {}
func (nopRecorder) Throttled()                    {}
func (nopRecorder) QueueDepth(int, int)           {}
