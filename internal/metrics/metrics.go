// ============================================================================
// Batch metrics - Prometheus instrumentation of the batch coordinator
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metrics:
//
//   Counters:
//     reconcile_jobs_admitted_total     jobs handed to the runner
//     reconcile_jobs_succeeded_total    successful results (cache hits included)
//     reconcile_jobs_failed_total       failed results
//     reconcile_cache_hits_total        results served from the job cache
//     reconcile_job_retries_total       retries spent across all jobs
//     reconcile_throttle_events_total   memory throttle events
//
//   Histogram:
//     reconcile_job_duration_seconds    processing time of executed jobs
//
//   Gauges:
//     reconcile_jobs_queued             jobs waiting for admission
//     reconcile_jobs_in_flight          jobs being executed
//
// Example queries:
//
//   # failure ratio
//   rate(reconcile_jobs_failed_total[5m])
//     / (rate(reconcile_jobs_succeeded_total[5m]) + rate(reconcile_jobs_failed_total[5m]))
//
//   # p95 job duration
//   histogram_quantile(0.95, rate(reconcile_job_duration_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/district-reconcile/pkg/types"
)

const namespace = "reconcile"

// Collector records batch events as Prometheus metrics.
type Collector struct {
	jobsAdmitted  prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	cacheHits     prometheus.Counter
	retries       prometheus.Counter
	throttles     prometheus.Counter

	jobDuration prometheus.Histogram

	jobsQueued   prometheus.Gauge
	jobsInFlight prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		jobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_admitted_total",
			Help:      "Total number of jobs handed to the runner",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Total number of successful job results",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of failed job results",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of jobs answered from the job cache",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Total number of retries spent on jobs",
		}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_events_total",
			Help:      "Total number of memory throttle events",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Processing time of executed jobs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Current number of jobs waiting for admission",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of jobs being executed",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.jobsAdmitted, c.jobsSucceeded, c.jobsFailed, c.cacheHits, c.retries,
		c.throttles, c.jobDuration, c.jobsQueued, c.jobsInFlight,
	} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "register metric")
		}
	}
	return c, nil
}

// JobAdmitted records a job handed to the runner.
func (c *Collector) JobAdmitted(types.BatchJob) {
	c.jobsAdmitted.Inc()
}

// JobFinished records one result.
func (c *Collector) JobFinished(res types.BatchResult) {
	if res.Success {
		c.jobsSucceeded.Inc()
	} else {
		c.jobsFailed.Inc()
	}
	c.retries.Add(float64(res.RetryCount))
	if !res.FromCache {
		c.jobDuration.Observe((time.Duration(res.ProcessingTimeMs) * time.Millisecond).Seconds())
	}
}

// CacheHit records a job answered from the cache.
func (c *Collector) CacheHit(types.BatchJob) {
	c.cacheHits.Inc()
}

// Throttled records a memory throttle event.
func (c *Collector) Throttled() {
	c.throttles.Inc()
}

// QueueDepth updates the queue gauges.
func (c *Collector) QueueDepth(queued, inFlight int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsInFlight.Set(float64(inFlight))
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer returns a metrics server for gatherer on port.
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until the server stops. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
