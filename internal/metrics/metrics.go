// Package metrics provides Prometheus collectors for the story agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the turn-level collectors.
type Metrics struct {
	TurnsTotal      *prometheus.CounterVec
	TurnErrorsTotal *prometheus.CounterVec
	TurnDuration    *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_agent_turns_total",
				Help: "Total number of completed turns by transition",
			},
			[]string{"transition"},
		),
		TurnErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_agent_turn_errors_total",
				Help: "Total number of turns rejected or failed by error code",
			},
			[]string{"code"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "story_agent_turn_duration_seconds",
				Help:    "Duration of turns in seconds, including generation",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"transition"},
		),
	}
}

// ObserveTurn records a completed turn.
func (m *Metrics) ObserveTurn(transition string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(transition).Inc()
	m.TurnDuration.WithLabelValues(transition).Observe(d.Seconds())
}

// ObserveError records a failed turn.
func (m *Metrics) ObserveError(code string) {
	if m == nil {
		return
	}
	m.TurnErrorsTotal.WithLabelValues(code).Inc()
}
