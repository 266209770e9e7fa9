package example

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// candidatesTotal counts validated candidates.
	// Labels: mode, outcome (accepted, import_missing, runtime_failure)
	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dtseval",
		Name:      "candidates_total",
		Help:      "Validated example candidates by mode and outcome",
	}, []string{"mode", "outcome"})

	// generationAttempts observes how many proposals the generation loop needed.
	// Labels: result (accepted, exhausted)
	generationAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dtseval",
		Name:      "generation_attempts",
		Help:      "Proposals made per generation loop",
		Buckets:   []float64{1, 2, 3, 4, 5},
	}, []string{"result"})
)
