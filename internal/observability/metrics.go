package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry points reported as the "entrypoint" label.
const (
	EntrypointSend   = "send"
	EntrypointSubmit = "submit"
	EntrypointStream = "stream"
)

type Metrics struct {
	ActiveSessions prometheus.Gauge
	Outcomes       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide relay metrics, registering them with
// the default registry on first use.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "convai_relay_active_sessions",
				Help: "Backend sessions currently open",
			}),
			Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "convai_relay_outcomes_total",
				Help: "Terminal relay outcomes by entry point",
			}, []string{"entrypoint", "outcome"}),
			Duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "convai_relay_duration_seconds",
				Help:    "Wall time from session open to terminal outcome",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
			}, []string{"entrypoint"}),
		}
	})
	return metricsInstance
}

func (m *Metrics) SessionOpened() {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil || m.ActiveSessions == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) RecordOutcome(entrypoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.Outcomes != nil {
		m.Outcomes.WithLabelValues(entrypoint, outcome).Inc()
	}
	if m.Duration != nil {
		m.Duration.WithLabelValues(entrypoint).Observe(elapsed.Seconds())
	}
}
