package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_submitted_total", Help: "Ride requests accepted at intake"})
	RequestsFinished  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "requests_finished_total", Help: "Ride requests reaching a terminal state"},
		[]string{"state", "reason"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "match_latency_seconds",
		Help:      "Time from intake to assignment",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	})
	SearchAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch",
		Name:      "search_attempts",
		Help:      "Radius widening attempts per candidate search",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8},
	})
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_total", Help: "Offers by outcome"},
		[]string{"outcome"},
	)
	AgentsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "agents", Help: "Known agents by status"},
		[]string{"status"},
	)
	LocationReports = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_reports_total", Help: "Location reports by result"},
		[]string{"result"},
	)
	SweeperEvictions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "sweeper_evictions_total", Help: "Agents evicted for stale positions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
