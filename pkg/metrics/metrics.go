// Package metrics records run metrics and pushes them to a Prometheus
// Pushgateway at the end of a run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the collectors for one run
type Metrics struct {
	Registry *prometheus.Registry

	PollAttempts         *prometheus.GaugeVec
	JobDuration          *prometheus.HistogramVec
	BatchesPublished     *prometheus.CounterVec
	SubjectsReported     *prometheus.CounterVec
	SnapshotsUnavailable *prometheus.CounterVec
}

// New registers the run collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PollAttempts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scanrelay_poll_attempts",
				Help: "Status polls made for the last job",
			},
			[]string{"scope", "outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanrelay_job_duration_seconds",
				Help:    "Time from job submission to a terminal state",
				Buckets: prometheus.ExponentialBuckets(5, 2, 10),
			},
			[]string{"scope", "outcome"},
		),
		BatchesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_batches_published",
				Help: "Batches published to the tracker",
			},
			[]string{"scope"},
		),
		SubjectsReported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_subjects_reported",
				Help: "Subjects with new findings included in published batches",
			},
			[]string{"scope"},
		),
		SnapshotsUnavailable: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanrelay_snapshots_unavailable",
				Help: "Prior snapshots that could not be read",
			},
			[]string{"scope"},
		),
	}
	m.Registry.MustRegister(
		m.PollAttempts,
		m.JobDuration,
		m.BatchesPublished,
		m.SubjectsReported,
		m.SnapshotsUnavailable,
	)
	return m
}

// ObserveJob records the outcome of a polled job
func (m *Metrics) ObserveJob(scope, outcome string, attempts int, elapsed time.Duration) {
	m.PollAttempts.WithLabelValues(scope, outcome).Set(float64(attempts))
	m.JobDuration.WithLabelValues(scope, outcome).Observe(elapsed.Seconds())
}

// Push sends the registry to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(url, job string, grouping map[string]string) error {
	if url == "" {
		return nil
	}
	p := push.New(url, job).Gatherer(m.Registry)
	for k, v := range grouping {
		p = p.Grouping(k, v)
	}
	if err := p.Push(); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
