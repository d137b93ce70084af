package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_enqueued_total", Help: "Jobs accepted by the ingest guard"})
	IngestRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_ingest_rejects_total", Help: "Enqueue requests denied or throttled at admission"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_worker_succeeded_total", Help: "Attempts finished successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_worker_failed_total", Help: "Attempts that failed"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_worker_dead_letter_total", Help: "Jobs moved to the DLQ"})
	PolicyDeferrals  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_policy_deferrals_total", Help: "Leased jobs pushed back by storm control"})
	ReapedLocks      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pgflow_reaped_locks_total", Help: "Expired leases reclaimed by the reaper"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pgflow_worker_inflight", Help: "Jobs currently executing in this process"})
)

// CountsSource supplies the job-table counts for the text projection.
type CountsSource interface {
	CountsSnapshot(ctx context.Context) (queued, running, succeeded60, failed60 int64, err error)
}

// jobCounts projects the job-table state into the pgflow_* gauges on every
// scrape.
type jobCounts struct {
	src CountsSource

	queueDepth  *prometheus.Desc
	runningJobs *prometheus.Desc
	succeeded60 *prometheus.Desc
	failed60    *prometheus.Desc
}

func newJobCounts(src CountsSource) *jobCounts {
	return &jobCounts{
		src:         src,
		queueDepth:  prometheus.NewDesc("pgflow_queue_depth", "Number of queued jobs", nil, nil),
		runningJobs: prometheus.NewDesc("pgflow_running_jobs", "Number of running jobs", nil, nil),
		succeeded60: prometheus.NewDesc("pgflow_jobs_succeeded_last_60s", "Jobs succeeded in last 60s", nil, nil),
		failed60:    prometheus.NewDesc("pgflow_jobs_failed_last_60s", "Jobs failed/dlq in last 60s", nil, nil),
	}
}

func (c *jobCounts) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.runningJobs
	ch <- c.succeeded60
	ch <- c.failed60
}

func (c *jobCounts) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queued, running, succeeded60, failed60, err := c.src.CountsSnapshot(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(queued))
	ch <- prometheus.MustNewConstMetric(c.runningJobs, prometheus.GaugeValue, float64(running))
	ch <- prometheus.MustNewConstMetric(c.succeeded60, prometheus.GaugeValue, float64(succeeded60))
	ch <- prometheus.MustNewConstMetric(c.failed60, prometheus.GaugeValue, float64(failed60))
}

// Handler exposes the /metrics/prom HTTP handler. The first call registers
// the process counters and the job-table collector.
func Handler(src CountsSource) http.Handler {
	once.Do(func() {
		registry.MustRegister(
			EnqueueCounter,
			IngestRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			PolicyDeferrals,
			ReapedLocks,
			InFlightGauge,
		)
		if src != nil {
			registry.MustRegister(newJobCounts(src))
		}
	})
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
