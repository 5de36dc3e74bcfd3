// Package metrics exposes Prometheus collectors for jobs, pipeline steps,
// share fan-out and ingestion. A Collector implements the observer
// interfaces of the worker, the pipeline and the ingestion watchers.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trellisfw/target-helper/ingest"
	"github.com/trellisfw/target-helper/pipeline"
	"github.com/trellisfw/target-helper/pulse/async"
)

const (
	namespace = "target_helper"

	jobsTotal          = "jobs_total"
	jobsRunning        = "jobs_running"
	jobDurationSeconds = "job_duration_seconds"
	stepFailuresTotal  = "pipeline_step_failures_total"
	sharesPostedTotal  = "shares_posted_total"
	submissionsTotal   = "ingest_submissions_total"
	stubsRemovedTotal  = "queue_stubs_removed_total"

	// Labels
	typeLabel    = "type"
	outcomeLabel = "outcome"
	stepLabel    = "step"
	docTypeLabel = "doc_type"
	kindLabel    = "kind"
)

// Collector holds the service's metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	jobs         *prometheus.CounterVec
	running      *prometheus.GaugeVec
	duration     *prometheus.HistogramVec
	stepFailures *prometheus.CounterVec
	shares       *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	stubsRemoved prometheus.Counter

	httpOnce sync.Once
	http     *Middleware
}

var (
	_ async.Observer    = (*Collector)(nil)
	_ pipeline.Observer = (*Collector)(nil)
	_ ingest.Observer   = (*Collector)(nil)
)

// New creates a collector and registers it, with the Go and process
// collectors, on a fresh registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      jobsTotal,
			Help:      "Jobs handled, by type and outcome.",
		}, []string{typeLabel, outcomeLabel}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      jobsRunning,
			Help:      "Jobs currently executing, by type.",
		}, []string{typeLabel}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      jobDurationSeconds,
			Help:      "Time from dispatch to terminal status, by type.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{typeLabel}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      stepFailuresTotal,
			Help:      "Pipeline runs aborted, by failing step.",
		}, []string{stepLabel}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      sharesPostedTotal,
			Help:      "Share jobs posted, by document type.",
		}, []string{docTypeLabel}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      submissionsTotal,
			Help:      "Jobs submitted by the ingestion watchers, by kind.",
		}, []string{kindLabel}),
		stubsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      stubsRemovedTotal,
			Help:      "Broken pending-queue links removed by the healer.",
		}),
	}

	c.registry.MustRegister(
		c.jobs, c.running, c.duration, c.stepFailures, c.shares, c.submissions, c.stubsRemoved,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// JobStarted implements async.Observer
func (c *Collector) JobStarted(jobType string) {
	c.running.With(prometheus.Labels{typeLabel: jobType}).Inc()
}

// JobFinished implements async.Observer
func (c *Collector) JobFinished(jobType, status string, elapsed time.Duration) {
	c.running.With(prometheus.Labels{typeLabel: jobType}).Dec()
	c.jobs.With(prometheus.Labels{typeLabel: jobType, outcomeLabel: status}).Inc()
	c.duration.With(prometheus.Labels{typeLabel: jobType}).Observe(elapsed.Seconds())
}

// StepFailed implements pipeline.Observer
func (c *Collector) StepFailed(step string) {
	c.stepFailures.With(prometheus.Labels{stepLabel: step}).Inc()
}

// SharesPosted implements pipeline.Observer
func (c *Collector) SharesPosted(docType string, n int) {
	c.shares.With(prometheus.Labels{docTypeLabel: docType}).Add(float64(n))
}

// Submitted implements ingest.Observer
func (c *Collector) Submitted(kind string) {
	c.submissions.With(prometheus.Labels{kindLabel: kind}).Inc()
}

// StubsRemoved implements ingest.Observer
func (c *Collector) StubsRemoved(n int) {
	c.stubsRemoved.Add(float64(n))
}
