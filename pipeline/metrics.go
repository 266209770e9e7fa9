package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtseval",
		Name:      "packages_total",
		Help:      "Packages that reached a terminal classification",
	}, []string{"terminal"})

	packagesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dtseval",
		Name:      "packages_skipped_total",
		Help:      "Packages skipped because a previous run already classified them",
	})

	packageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dtseval",
		Name:      "package_duration_seconds",
		Help:      "Wall time of one package run by terminal classification",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"terminal"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dtseval",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of one pipeline stage",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"stage"})
)
