// Package metrics exports generation counters and latencies to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is safe for concurrent use. A nil *Recorder records nothing.
type Recorder struct {
	sessions        *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	tokensGenerated *prometheus.CounterVec
	tokensProcessed *prometheus.CounterVec
	forwardSeconds  *prometheus.HistogramVec
	sessionSeconds  *prometheus.HistogramVec
}

// New registers the kvgen collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvgen_sessions_total",
			Help: "Completed generation sessions by cache mode and stop reason",
		}, []string{"mode", "stop_reason"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvgen_requests_rejected_total",
			Help: "Generation requests rejected before any forward step",
		}, []string{"reason"}),
		tokensGenerated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvgen_tokens_generated_total",
			Help: "Tokens sampled by generation sessions",
		}, []string{"mode"}),
		tokensProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kvgen_tokens_processed_total",
			Help: "Token positions run through the forward pass",
		}, []string{"mode"}),
		forwardSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvgen_forward_duration_seconds",
			Help:    "Duration of one forward step",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"mode", "phase"}),
		sessionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvgen_session_duration_seconds",
			Help:    "Wall-clock duration of a generation session",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 5.0, 10, 30, 60},
		}, []string{"mode"}),
	}
}

// Mode returns the label value for a cache setting.
func Mode(useCache bool) string {
	if useCache {
		return "cached"
	}
	return "full"
}

func (r *Recorder) ObserveForward(mode, phase string, tokens int, d time.Duration) {
	if r == nil {
		return
	}
	r.forwardSeconds.WithLabelValues(mode, phase).Observe(d.Seconds())
	r.tokensProcessed.WithLabelValues(mode).Add(float64(tokens))
}

func (r *Recorder) ObserveSession(mode, stopReason string, generated int, d time.Duration) {
	if r == nil {
		return
	}
	r.sessions.WithLabelValues(mode, stopReason).Inc()
	r.tokensGenerated.WithLabelValues(mode).Add(float64(generated))
	r.sessionSeconds.WithLabelValues(mode).Observe(d.Seconds())
}

func (r *Recorder) Rejected(reason string) {
	if r == nil {
		return
	}
	r.rejected.WithLabelValues(reason).Inc()
}
