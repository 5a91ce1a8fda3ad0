package corphylo

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sentinel reasons reported by the objective function.
const (
	reasonSignalBound  = "signal_bound"
	reasonCovariance   = "covariance"
	reasonIndefinite   = "indefinite"
	reasonDimension    = "dimension"
	reasonDesign       = "design"
	reasonLogDet       = "log_det"
	reasonNonFiniteLik = "non_finite"
)

// Metrics collects Prometheus metrics for fits and bootstrap sweeps.
// A nil *Metrics records nothing.
type Metrics struct {
	objectiveEvals *prometheus.CounterVec
	sentinels      *prometheus.CounterVec
	fits           *prometheus.CounterVec
	fitDuration    *prometheus.HistogramVec
	replicates     *prometheus.CounterVec
}

// NewMetrics registers the corphylo metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// objectiveEvals counts likelihood evaluations.
		// Labels: mode (reml, ml)
		objectiveEvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corphylo",
			Subsystem: "likelihood",
			Name:      "evaluations_total",
			Help:      "Objective function evaluations",
		}, []string{"mode"}),

		// sentinels counts evaluations rejected with the sentinel value.
		// Labels: reason (signal_bound, covariance, indefinite, design, log_det,
		// non_finite, dimension)
		sentinels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corphylo",
			Subsystem: "likelihood",
			Name:      "sentinel_total",
			Help:      "Objective evaluations rejected as numerically degenerate",
		}, []string{"reason"}),

		// fits counts finished optimizer sessions.
		// Labels: method, converged (true, false)
		fits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corphylo",
			Subsystem: "fit",
			Name:      "total",
			Help:      "Finished model fits",
		}, []string{"method", "converged"}),

		fitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corphylo",
			Subsystem: "fit",
			Name:      "duration_seconds",
			Help:      "Wall time of a single model fit",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"method"}),

		// replicates counts bootstrap replicates by outcome.
		// Labels: outcome (converged, failed)
		replicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corphylo",
			Subsystem: "bootstrap",
			Name:      "replicates_total",
			Help:      "Bootstrap replicates by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) recordEvaluation(reml bool) {
	if m == nil {
		return
	}
	mode := "ml"
	if reml {
		mode = "reml"
	}
	m.objectiveEvals.WithLabelValues(mode).Inc()
}

func (m *Metrics) recordSentinel(reason string) {
	if m == nil {
		return
	}
	m.sentinels.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordFit(method string, convCode int, seconds float64) {
	if m == nil {
		return
	}
	m.fits.WithLabelValues(method, strconv.FormatBool(convCode == 0)).Inc()
	m.fitDuration.WithLabelValues(method).Observe(seconds)
}

func (m *Metrics) recordReplicate(failed bool) {
	if m == nil {
		return
	}
	outcome := "converged"
	if failed {
		outcome = "failed"
	}
	m.replicates.WithLabelValues(outcome).Inc()
}
