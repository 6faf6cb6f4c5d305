// Package metrics exposes Prometheus instrumentation for the download
// pipeline. One Set satisfies both the fetch client's and the queue
// manager's reporting hooks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the pipeline collectors.
type Set struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	activeJobs   prometheus.Gauge
	retries      *prometheus.CounterVec
	bytes        prometheus.Counter
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagrab_jobs_started_total",
			Help: "Jobs picked up by a worker.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagrab_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagrab_jobs_active",
			Help: "Jobs currently running.",
		}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagrab_request_retries_total",
			Help: "HTTP request retries, by domain.",
		}, []string{"domain"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagrab_downloaded_bytes_total",
			Help: "Media bytes written to disk.",
		}),
	}
	reg.MustRegister(s.jobsStarted, s.jobsFinished, s.activeJobs, s.retries, s.bytes)
	return s
}

// JobStarted implements queue.Metrics.
func (s *Set) JobStarted() {
	s.jobsStarted.Inc()
	s.activeJobs.Inc()
}

// JobFinished implements queue.Metrics.
func (s *Set) JobFinished(status string) {
	s.jobsFinished.WithLabelValues(status).Inc()
	s.activeJobs.Dec()
}

// RequestRetried implements fetch.Metrics.
func (s *Set) RequestRetried(domain string) {
	s.retries.WithLabelValues(domain).Inc()
}

// BytesDownloaded implements fetch.Metrics.
func (s *Set) BytesDownloaded(n int64) {
	s.bytes.Add(float64(n))
}
