package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_enqueued_total", Help: "Total report jobs enqueued"})
	ReportsSent           = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_completed_total", Help: "Report jobs that finished with the customer email sent"})
	ReportRetries         = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_retried_total", Help: "Report jobs rescheduled after a transient failure"})
	ReportDeadLetter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_dead_lettered_total", Help: "Report jobs terminated without delivery"})
	ReportStalls          = prometheus.NewCounter(prometheus.CounterOpts{Name: "report_jobs_stalled_total", Help: "Jobs reclaimed after a missed lock renewal"})
	InternalNotifyFailure = prometheus.NewCounter(prometheus.CounterOpts{Name: "internal_notify_failures_total", Help: "Internal stakeholder emails that failed (non-fatal)"})
	QueueDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_queue_depth", Help: "Jobs waiting in the ready queue"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "report_jobs_inflight", Help: "Jobs currently leased by a worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			ReportsSent,
			ReportRetries,
			ReportDeadLetter,
			ReportStalls,
			InternalNotifyFailure,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
