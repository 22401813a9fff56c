package batch

import (
	"time"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

// GetProgress returns a snapshot of the current batch. Safe to call at any
// time, including mid-run.
func (c *Coordinator) GetProgress() types.BatchProgress {
	c.mu.Lock()
	p := types.BatchProgress{
		CompletedJobs: len(c.results),
		ActiveJobs:    c.inflight.Len(),
		QueuedJobs:    c.queue.Size(),
	}
	var successes, successMs int64
	for _, r := range c.results {
		if !r.Success {
			p.FailedJobs++
			continue
		}
		successes++
		successMs += r.ProcessingTimeMs
	}
	c.mu.Unlock()

	p.TotalJobs = p.CompletedJobs + p.ActiveJobs + p.QueuedJobs
	if successes > 0 {
		p.AverageProcessingTimeMs = successMs / successes
	}
	remaining := int64(p.QueuedJobs + p.ActiveJobs)
	p.EstimatedTimeRemainingMs = p.AverageProcessingTimeMs * remaining / int64(c.inflight.Cap())
	return p
}

// GetStatistics aggregates the results of the current or last batch and
// includes the cache's statistics.
func (c *Coordinator) GetStatistics() types.BatchStatistics {
	c.mu.Lock()
	var s types.BatchStatistics
	var totalMs int64
	for _, r := range c.results {
		s.TotalProcessed++
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		totalMs += r.ProcessingTimeMs
	}
	start := c.startTime
	c.mu.Unlock()

	if s.TotalProcessed > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.TotalProcessed)
		s.AverageProcessingTimeMs = float64(totalMs) / float64(s.TotalProcessed)
	}
	if !start.IsZero() {
		s.TotalProcessingTimeMs = time.Since(start).Milliseconds()
	}
	s.CacheStats = c.cache.Stats()
	return s
}
