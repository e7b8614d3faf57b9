package router

import (
	"github.com/prometheus/client_golang/prometheus"
)

// --- Metrics ---

// Metrics holds all the Prometheus metrics for the router.
type Metrics struct {
	routeDuration    *prometheus.HistogramVec
	searchIterations *prometheus.HistogramVec
	commitsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics for the router.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		routeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_route_duration_seconds",
			Help:    "Time taken to find the limit and optimal flashloan for a buy.",
			Buckets: prometheus.DefBuckets,
		}, []string{}),
		searchIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_search_iterations",
			Help:    "Iterations used by a single search, labeled by search.",
			Buckets: prometheus.LinearBuckets(0, 16, 16),
		}, []string{"search"}),
		commitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_commits_total",
			Help: "Total number of routed buys committed, labeled by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.routeDuration, m.searchIterations, m.commitsTotal)
	return m
}
