package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "saassync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events written to the queue by name.",
		},
		[]string{"event"},
	)

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_runs_total",
			Help:      "Function runs by outcome.",
		},
		[]string{"function", "outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_run_duration_seconds",
			Help:      "Handler execution time.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	usersSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "users_synced_total",
			Help:      "Users pushed to the aggregator.",
		},
	)

	cronRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_runs_total",
			Help:      "Scheduled trigger runs by outcome.",
		},
		[]string{"cron", "outcome"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, eventsEmitted, runs, runDuration, usersSynced, cronRuns)
	})
}

func IncHTTP(endpoint string, status string) {
	httpRequests.WithLabelValues(endpoint, status).Inc()
}

func IncEmitted(event string) {
	eventsEmitted.WithLabelValues(event).Inc()
}

// ObserveRun records a finished function run.
func ObserveRun(function, outcome string, d time.Duration) {
	runs.WithLabelValues(function, outcome).Inc()
	runDuration.WithLabelValues(function).Observe(d.Seconds())
}

func AddUsersSynced(n int) {
	usersSynced.Add(float64(n))
}

func IncCron(name, outcome string) {
	cronRuns.WithLabelValues(name, outcome).Inc()
}
