package labqc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stablehand/labqc/internal/platform/telemetry"
)

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labqc",
			Name:      "evaluations_total",
			Help:      "Result values evaluated against a reference range.",
		},
		[]string{"status", "parsed"},
	)

	droppedTemplatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "labqc",
			Name:      "template_resolution_dropped_total",
			Help:      "Template ids that did not resolve while building a result form.",
		},
	)

	associationLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labqc",
			Name:      "association_load_total",
			Help:      "Association loads by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	telemetry.Registry.MustRegister(evaluationsTotal, droppedTemplatesTotal, associationLoadsTotal)
}

func recordEvaluation(ev Evaluation) {
	evaluationsTotal.WithLabelValues(string(ev.Status), strconv.FormatBool(ev.Parsed)).Inc()
}
