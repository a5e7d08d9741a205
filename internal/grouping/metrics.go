package grouping

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	groupsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "errwatch_groups_created_total",
		Help: "Total groups created by the exact signature rule.",
	})
	groupsRescored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "errwatch_groups_rescored_total",
			Help: "Total group rescore attempts by status.",
		},
		[]string{"status"},
	)
)
