package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Download queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelctl_queue_depth",
			Help: "Number of queued items by status (pending, active, failed)",
		},
		[]string{"status"},
	)

	ActiveJobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelctl_active_jobs_total",
			Help: "Number of downloads currently being executed by workers",
		},
	)

	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelctl_bytes_downloaded_total",
			Help: "Total bytes written to disk across all downloads",
		},
	)

	DownloadsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelctl_downloads_completed_total",
			Help: "Total number of terminal download outcomes by result",
		},
		[]string{"result"}, // completed, failed, cancelled
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelctl_download_duration_seconds",
			Help:    "Wall-clock time from dispatch to terminal state for one queued item",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		},
	)

	ShardRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "modelctl_shard_retries_total",
			Help: "Total number of shard download attempts retried after a transient error",
		},
	)

	// Process supervisor metrics
	RunningProcessesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelctl_running_processes_total",
			Help: "Number of inference server processes currently supervised",
		},
	)

	ProcessUptimeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelctl_process_uptime_seconds",
			Help: "Seconds since the current process for a model was spawned",
		},
		[]string{"model_id"},
	)

	ProcessHealthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelctl_process_health_state",
			Help: "Last observed health state per model (1 if the label matches the current state, else 0)",
		},
		[]string{"model_id", "state"},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "modelctl_spawn_duration_seconds",
			Help:    "Time from process spawn to first healthy probe",
			Buckets: prometheus.DefBuckets,
		},
	)

	SwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelctl_swaps_total",
			Help: "Total number of single-swap model changes by outcome",
		},
		[]string{"outcome"}, // success, spawn_failed
	)

	// Proxy metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelctl_proxy_requests_total",
			Help: "Total number of proxied requests by model and status",
		},
		[]string{"model", "status"},
	)

	ProxyRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelctl_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveJobsTotal)
	prometheus.MustRegister(BytesDownloadedTotal)
	prometheus.MustRegister(DownloadsCompletedTotal)
	prometheus.MustRegister(DownloadDuration)
	prometheus.MustRegister(ShardRetriesTotal)

	prometheus.MustRegister(RunningProcessesTotal)
	prometheus.MustRegister(ProcessUptimeSeconds)
	prometheus.MustRegister(ProcessHealthState)
	prometheus.MustRegister(SpawnDuration)
	prometheus.MustRegister(SwapsTotal)

	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
