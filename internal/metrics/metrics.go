package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the engine's operational counters via Prometheus
type Recorder struct {
	cyclesTotal        prometheus.Counter
	alertsCreated      *prometheus.CounterVec
	providerRequests   *prometheus.CounterVec
	aiValidations      *prometheus.CounterVec
	outcomeResolutions *prometheus.CounterVec
	cycleDuration      prometheus.Histogram
}

// New creates a new Prometheus metrics recorder
func New() *Recorder {
	return &Recorder{
		cyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_cycles_total",
			Help: "Total number of user scan cycles run",
		}),
		alertsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewatch_alerts_created_total",
				Help: "Total number of alerts persisted",
			},
			[]string{"type"},
		),
		providerRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewatch_provider_requests_total",
				Help: "Market provider requests by result",
			},
			[]string{"result"},
		),
		aiValidations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewatch_ai_validations_total",
				Help: "AI validation verdicts by mode",
			},
			[]string{"mode"},
		),
		outcomeResolutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradewatch_outcome_resolutions_total",
				Help: "Alert outcome resolutions by result",
			},
			[]string{"result"},
		),
		cycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradewatch_cycle_duration_seconds",
			Help:    "Duration of user scan cycles in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordCycle records one completed user cycle and its duration
func (r *Recorder) RecordCycle(seconds float64) {
	if r == nil {
		return
	}
	r.cyclesTotal.Inc()
	r.cycleDuration.Observe(seconds)
}

// RecordAlert records one persisted alert
func (r *Recorder) RecordAlert(alertType string) {
	if r == nil {
		return
	}
	r.alertsCreated.WithLabelValues(alertType).Inc()
}

// RecordProviderRequest records a market provider call result
func (r *Recorder) RecordProviderRequest(result string) {
	if r == nil {
		return
	}
	r.providerRequests.WithLabelValues(result).Inc()
}

// RecordAIValidation records a validation verdict mode
func (r *Recorder) RecordAIValidation(mode string) {
	if r == nil {
		return
	}
	r.aiValidations.WithLabelValues(mode).Inc()
}

// RecordOutcome records one resolved (or still open) alert outcome
func (r *Recorder) RecordOutcome(result string) {
	if r == nil {
		return
	}
	r.outcomeResolutions.WithLabelValues(result).Inc()
}
