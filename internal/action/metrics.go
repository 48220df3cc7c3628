package action

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var attemptsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adresu_executor_attempts_total",
	Help: "Homeserver write attempts issued by the action executor",
}, []string{"account", "kind"})

var outcomesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adresu_executor_outcomes_total",
	Help: "Terminal outcomes of executor writes",
}, []string{"kind", "status"})

var backoffHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "adresu_executor_backoff_seconds",
	Help:    "Scheduled delay before retrying a write",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
}, []string{"account"})
