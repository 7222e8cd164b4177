// Package metrics holds the prometheus collectors shared by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oasis_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oasis_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method", "route"},
	)

	Extractions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oasis_extractions_total",
			Help: "Document extractions by document type and outcome (ok, failed).",
		},
		[]string{"document_type", "outcome"},
	)

	DeadlineNormalizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oasis_deadline_normalizations_total",
			Help: "Deadline phrase normalizations by path (empty, local, model, rolling).",
		},
		[]string{"path"},
	)

	RemindersSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oasis_reminders_total",
			Help: "Reminder notifications by offset in days and outcome (sent, failed).",
		},
		[]string{"offset_days", "outcome"},
	)

	NotificationsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oasis_notifications_failed_total",
			Help: "Notifications that could not be delivered and were dropped.",
		},
	)
)
