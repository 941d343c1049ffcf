// Package metrics provides Prometheus-based recording of protocol and
// generation activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is implemented by metric sinks. Agents call through this interface
// so tests can substitute a no-op.
type Recorder interface {
	ObserveGeneration(agentID, model, errorType string, promptTokens, completionTokens int, success bool, duration time.Duration)
	SessionStarted()
	SessionFinalized(rounds int, forced bool)
	SessionAborted(reason string)
}

// PrometheusRecorder implements Recorder on promauto collectors.
type PrometheusRecorder struct {
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	tokensTotal        *prometheus.CounterVec
	sessionsStarted    prometheus.Counter
	sessionsFinalized  *prometheus.CounterVec
	sessionsAborted    *prometheus.CounterVec
	reviewRounds       prometheus.Histogram
}

// NewPrometheusRecorder creates a recorder registered on the default
// registry. Call at most once per process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		generationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflector_generations_total",
				Help: "Total generation requests by agent, model, and status",
			},
			[]string{"agent_id", "model", "status", "error_type"},
		),
		generationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reflector_generation_duration_seconds",
				Help:    "Duration of generation requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id", "model"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflector_tokens_total",
				Help: "Total tokens used in generation requests",
			},
			[]string{"agent_id", "model", "type"},
		),
		sessionsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "reflector_sessions_started_total",
				Help: "Total review sessions opened",
			},
		),
		sessionsFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflector_sessions_finalized_total",
				Help: "Total sessions that produced a final result",
			},
			[]string{"outcome"},
		),
		sessionsAborted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reflector_sessions_aborted_total",
				Help: "Total sessions aborted before a final result",
			},
			[]string{"reason"},
		),
		reviewRounds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reflector_review_rounds",
				Help:    "Review rounds taken per finalized session",
				Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 20},
			},
		),
	}
}

// ObserveGeneration records one completed generation request.
func (p *PrometheusRecorder) ObserveGeneration(agentID, model, errorType string, promptTokens, completionTokens int, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	if errorType == "" {
		errorType = "none"
	}
	p.generationsTotal.WithLabelValues(agentID, model, status, errorType).Inc()
	p.generationDuration.WithLabelValues(agentID, model).Observe(duration.Seconds())
	if promptTokens > 0 {
		p.tokensTotal.WithLabelValues(agentID, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		p.tokensTotal.WithLabelValues(agentID, model, "completion").Add(float64(completionTokens))
	}
}

// SessionStarted records a newly opened session.
func (p *PrometheusRecorder) SessionStarted() {
	p.sessionsStarted.Inc()
}

// SessionFinalized records a session that produced its final result.
func (p *PrometheusRecorder) SessionFinalized(rounds int, forced bool) {
	outcome := "approved"
	if forced {
		outcome = "forced"
	}
	p.sessionsFinalized.WithLabelValues(outcome).Inc()
	p.reviewRounds.Observe(float64(rounds))
}

// SessionAborted records a session terminated by a fatal error.
func (p *PrometheusRecorder) SessionAborted(reason string) {
	p.sessionsAborted.WithLabelValues(reason).Inc()
}

// NopRecorder discards all observations. Used in tests.
type NopRecorder struct{}

func (NopRecorder) ObserveGeneration(string, string, string, int, int, bool, time.Duration) {}
func (NopRecorder) SessionStarted()                                                        {}
func (NopRecorder) SessionFinalized(int, bool)                                             {}
func (NopRecorder) SessionAborted(string)                                                  {}
