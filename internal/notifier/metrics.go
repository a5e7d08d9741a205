package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errwatch_notify_decisions_total",
			Help: "Debounce evaluations by outcome reason.",
		},
		[]string{"reason"},
	)
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errwatch_notify_deliveries_total",
			Help: "Notification deliveries by status.",
		},
		[]string{"status"},
	)
	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "errwatch_notify_delivery_duration_seconds",
		Help:    "Time spent delivering one notification.",
		Buckets: prometheus.DefBuckets,
	})
	jobsScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errwatch_notify_jobs_scheduled_total",
			Help: "Debounce jobs scheduled by scheduler driver.",
		},
		[]string{"driver"},
	)
	jobsDue = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errwatch_notify_jobs_due_total",
			Help: "Debounce jobs handed to workers by scheduler driver.",
		},
		[]string{"driver"},
	)
)
