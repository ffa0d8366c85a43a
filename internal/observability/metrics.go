package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "rides_requested_total", Help: "Rides created"})
	RidesAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "rides_accepted_total", Help: "Rides accepted by a driver"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "rides_completed_total", Help: "Rides completed"})
	RidesCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "rides_cancelled_total", Help: "Rides cancelled"})
	RidesTimedOut  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "rides_timed_out_total", Help: "Ride requests expired unaccepted"})

	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "accept_conflicts_total", Help: "Acceptance attempts that lost the exclusive-acquisition race"})

	LocationUpdates        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "location_updates_total", Help: "Driver location updates relayed"})
	LocationUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_ride", Name: "location_updates_dropped_total", Help: "Driver location updates dropped by the rate limiter"})

	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taxi_ride", Name: "dispatch_candidates", Help: "Candidate drivers notified per dispatch",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_ride", Name: "connected_clients", Help: "Currently connected websocket clients"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_ride", Name: "drivers_online", Help: "Drivers currently online"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_ride", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_ride",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
