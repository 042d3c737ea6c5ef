// Package metrics exposes service metrics in the Prometheus format.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/glyph-api/internal/task"
	"github.com/phrazzld/glyph-api/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "glyph"

// Collector owns every service metric. It satisfies the metrics interfaces of
// the worker, autoscale and poll packages.
type Collector struct {
	registry *prometheus.Registry

	jobs           *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	queueDepth     *prometheus.GaugeVec
	workers        *prometheus.GaugeVec
	acquires       *prometheus.CounterVec
	scaleDecisions *prometheus.CounterVec
	pollWait       prometheus.Histogram
}

// NewCollector creates a Collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Image jobs finished by this instance, by outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from claim to result for image jobs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs in the shared queue, by state.",
		}, []string{"state"}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Execution units on this instance, by state.",
		}, []string{"state"}),
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_acquire_total",
			Help:      "Credential acquisition attempts, by result.",
		}, []string{"result"}),
		scaleDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scale_decisions_total",
			Help:      "Autoscaler decisions taken by this instance, by reason.",
		}, []string{"reason"}),
		pollWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_wait_seconds",
			Help:      "How long long-poll requests were held.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobs,
		c.jobDuration,
		c.queueDepth,
		c.workers,
		c.acquires,
		c.scaleDecisions,
		c.pollWait,
	)
	return c
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveJob implements worker.Metrics.
func (c *Collector) ObserveJob(outcome string, d time.Duration) {
	c.jobs.WithLabelValues(outcome).Inc()
	if outcome != worker.OutcomeRequeued {
		c.jobDuration.Observe(d.Seconds())
	}
}

// ObserveAcquire implements worker.Metrics.
func (c *Collector) ObserveAcquire(result string) {
	c.acquires.WithLabelValues(result).Inc()
}

// ObserveScaleDecision implements autoscale.Metrics.
func (c *Collector) ObserveScaleDecision(reason string) {
	c.scaleDecisions.WithLabelValues(reason).Inc()
}

// ObservePollWait implements poll.Metrics.
func (c *Collector) ObservePollWait(d time.Duration) {
	c.pollWait.Observe(d.Seconds())
}

// SetQueue records the queue gauges.
func (c *Collector) SetQueue(stats task.QueueStats) {
	c.queueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	c.queueDepth.WithLabelValues("processing").Set(float64(stats.InFlight))
}

// SetWorkers records the worker gauges.
func (c *Collector) SetWorkers(stats worker.Stats) {
	c.workers.WithLabelValues("active").Set(float64(stats.Active))
	c.workers.WithLabelValues("idle").Set(float64(stats.Idle))
}

// QueueSource reports queue depth.
type QueueSource interface {
	QueueStats(ctx context.Context) (task.QueueStats, error)
}

// Sampler refreshes the gauges on an interval.
type Sampler struct {
	collector *Collector
	queue     QueueSource
	workers   func() worker.Stats
	interval  time.Duration
	logger    *slog.Logger
}

// NewSampler creates a Sampler.
func NewSampler(collector *Collector, queue QueueSource, workers func() worker.Stats, interval time.Duration, logger *slog.Logger) *Sampler {
	return &Sampler{
		collector: collector,
		queue:     queue,
		workers:   workers,
		interval:  interval,
		logger:    logger.With("component", "metrics_sampler"),
	}
}

// Sample refreshes the gauges once.
func (s *Sampler) Sample(ctx context.Context) {
	stats, err := s.queue.QueueStats(ctx)
	if err != nil {
		s.logger.Warn("failed to sample queue depth", "error", err)
	} else {
		s.collector.SetQueue(stats)
	}
	s.collector.SetWorkers(s.workers())
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sample(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
