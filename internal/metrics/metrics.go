// Package metrics holds the prometheus collectors splitlab exports.
// Every experiment-scoped series carries an "experiment" label (the handle)
// so /v1/metrics can serve a single experiment's view.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "splitlab"

// ExperimentLabel is the label /v1/metrics filters on.
const ExperimentLabel = "experiment"

var (
	Impressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "impressions_total",
			Help:      "Impressions recorded per experiment arm.",
		},
		[]string{ExperimentLabel, "arm"},
	)
	Conversions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Counted conversions per experiment arm and goal type.",
		},
		[]string{ExperimentLabel, "arm", "goal_type"},
	)
	Assignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Arm decisions by source (token, stored, new, unpersisted).",
		},
		[]string{ExperimentLabel, "source"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Conversion requests rejected by the rate limiter.",
		},
		[]string{ExperimentLabel},
	)
	CascadeRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cascade_rebuilds_total",
			Help:      "Cascade rebuilds by mode (inline, deferred, background) and result.",
		},
		[]string{"mode", "result"},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of request durations in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(Impressions, Conversions, Assignments, RateLimited, CascadeRebuilds, HTTPRequests, HTTPDuration)
}
