package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Scheduled          = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_jobs_scheduled_total", Help: "Jobs accepted for scheduling"})
	Published          = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_posts_published_total", Help: "Posts published successfully"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_publish_failures_total", Help: "Publish attempts that failed"})
	PublishTimeouts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_publish_timeouts_total", Help: "Publish attempts that exceeded the timeout"})
	Cancelled          = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_jobs_cancelled_total", Help: "Jobs cancelled by their owner"})
	RecurrencesSpawned = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_recurrences_spawned_total", Help: "Next occurrences created for recurring jobs"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "postflow_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	QueueDepth         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postflow_schedule_queue_depth", Help: "Entries waiting in the delay queue"})
	InFlight           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "postflow_publish_inflight", Help: "Publishes currently in flight"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Scheduled,
			Published,
			PublishFailures,
			PublishTimeouts,
			Cancelled,
			RecurrencesSpawned,
			RateLimitRejects,
			QueueDepth,
			InFlight,
		)
	})
	return promhttp.Handler()
}
