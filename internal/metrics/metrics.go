package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksImportedTotal counts tasks added through imports
	TasksImportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_imported_total",
			Help: "Total number of tasks added through imports",
		},
	)

	// TasksLeasedTotal counts tasks handed out to worker nodes
	TasksLeasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_leased_total",
			Help: "Total number of tasks leased to worker nodes",
		},
	)

	// TasksReportedTotal counts worker outcome reports by result
	TasksReportedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_reported_total",
			Help: "Total number of task outcome reports",
		},
		[]string{"result"},
	)

	// TasksSweptTotal counts tasks touched by the timeout sweeper
	TasksSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatchd_tasks_swept_total",
			Help: "Total number of processing tasks timed out by the sweeper",
		},
	)

	// WebhookPostsTotal counts webhook deliveries by result
	WebhookPostsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_webhook_posts_total",
			Help: "Total number of webhook notification attempts",
		},
		[]string{"result"},
	)

	// HTTPRequestsTotal counts API requests by path and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"path", "code"},
	)

	// RoundsTotal tracks the current number of registered rounds
	RoundsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_rounds_total",
			Help: "Current number of registered task rounds",
		},
	)
)
