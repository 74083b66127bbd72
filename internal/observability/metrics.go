package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServicesRegistered = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "services_registered_total", Help: "Total service registrations"})
	ServicesActive     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "mobility_sync", Name: "services_active", Help: "Number of activated services"})
	ActivationFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "activation_failures_total", Help: "Activation attempts with a wrong code"})
	TripsCompleted     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "trips_completed_total", Help: "Occupancy releases counted as completed trips"})
	RatingsSubmitted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "ratings_submitted_total", Help: "Reviews folded into service aggregates"})

	RequestsInitiated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "requests_initiated_total", Help: "Booking requests started"})
	RequestsCancelled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "requests_cancelled_total", Help: "Booking requests cancelled before confirmation"})
	RequestsConfirmed  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "requests_confirmed_total", Help: "Booking requests auto-confirmed at countdown zero"})
	StaleEventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "mobility_sync", Name: "stale_events_dropped_total", Help: "Remote events discarded for carrying an old version"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mobility_sync", Name: "events_published_total", Help: "Broadcast events published"},
		[]string{"type"},
	)
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mobility_sync", Name: "events_applied_total", Help: "Broadcast events folded into the local mirror"},
		[]string{"type"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "mobility_sync", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mobility_sync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
