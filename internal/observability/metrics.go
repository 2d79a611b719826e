package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RendersTotal counts finished renders; origin is interactive or worker,
	// outcome is ok, failed or cancelled.
	RendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_renders_total",
			Help: "Total number of renders by tier, origin and outcome",
		},
		[]string{"tier", "origin", "outcome"},
	)

	RenderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegen_render_duration_seconds",
			Help:    "Render duration in seconds, measured inside the GPU lock",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		[]string{"tier", "origin"},
	)

	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imagegen_lock_wait_seconds",
			Help:    "Time spent waiting for the GPU lock",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"origin"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_cache_lookups_total",
			Help: "Artifact cache lookups by result (hit or miss)",
		},
		[]string{"result"},
	)

	PreemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_preemptions_total",
			Help: "Interactive requests that preempted the worker, by whether a live worker was killed",
		},
		[]string{"killed"},
	)

	WorkerSpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imagegen_worker_spawns_total",
			Help: "Total number of upgrade worker processes spawned",
		},
	)

	JobsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_jobs_dropped_total",
			Help: "Queue jobs removed without producing an artifact, by tier and reason",
		},
		[]string{"tier", "reason"},
	)

	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_jobs_enqueued_total",
			Help: "Queue jobs written, by tier",
		},
		[]string{"tier"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imagegen_queue_depth",
			Help: "Pending jobs per upgrade queue as last observed",
		},
		[]string{"tier"},
	)

	RendersInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imagegen_renders_in_progress",
			Help: "Interactive renders currently in flight in this process",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_http_requests_total",
			Help: "HTTP requests served, by method and status code",
		},
		[]string{"method", "code"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imagegen_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by endpoint scope",
		},
		[]string{"scope"},
	)
)
