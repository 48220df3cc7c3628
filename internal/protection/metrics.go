package protection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adresu_protection_runs_total",
	Help: "Events and reports evaluated, per protection",
}, []string{"protection"})

var consequencesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adresu_protection_consequences_total",
	Help: "Consequences yielded, per protection and type",
}, []string{"protection", "type"})

var failuresCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adresu_protection_failures_total",
	Help: "Protection errors and recovered panics",
}, []string{"protection", "kind"})

var durationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "adresu_protection_duration_seconds",
	Help:    "Time spent in one protection for one event",
	Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
}, []string{"protection"})
