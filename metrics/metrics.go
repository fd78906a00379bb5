// Package metrics records per-run statistics in the Prometheus text format
// for node_exporter's textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run describes one invocation.
type Run struct {
	PromptTokens    int
	GeneratedTokens int
	Duration        time.Duration
	// Outcome is "ok", "prompt_too_long", or an error code.
	Outcome string
	Time    time.Time
}

// Stats holds the gauges for the last run.
type Stats struct {
	reg *prometheus.Registry

	promptTokens    prometheus.Gauge
	generatedTokens prometheus.Gauge
	duration        prometheus.Gauge
	success         prometheus.Gauge
	timestamp       prometheus.Gauge
	outcome         *prometheus.GaugeVec
}

// New returns Stats backed by a private registry.
func New() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Stats{
		reg: reg,
		promptTokens: f.NewGauge(prometheus.GaugeOpts{
			Name: "how_last_run_prompt_tokens",
			Help: "Prompt length in tokens, including BOS",
		}),
		generatedTokens: f.NewGauge(prometheus.GaugeOpts{
			Name: "how_last_run_generated_tokens",
			Help: "Number of tokens generated",
		}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "how_last_run_duration_seconds",
			Help: "Wall time spent decoding",
		}),
		success: f.NewGauge(prometheus.GaugeOpts{
			Name: "how_last_run_success",
			Help: "1 if the last run printed a command",
		}),
		timestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "how_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		outcome: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "how_last_run_outcome",
			Help: "Outcome of the last run",
		}, []string{"outcome"}),
	}
}

// Observe records r, replacing any previous run.
func (s *Stats) Observe(r Run) {
	s.promptTokens.Set(float64(r.PromptTokens))
	s.generatedTokens.Set(float64(r.GeneratedTokens))
	s.duration.Set(r.Duration.Seconds())
	if r.Outcome == "ok" {
		s.success.Set(1)
	} else {
		s.success.Set(0)
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	s.timestamp.Set(float64(r.Time.UnixNano()) / 1e9)
	s.outcome.Reset()
	s.outcome.WithLabelValues(r.Outcome).Set(1)
}

// Gatherer exposes the underlying registry.
func (s *Stats) Gatherer() prometheus.Gatherer { return s.reg }

// WriteTextfile atomically writes the current stats to path.
func (s *Stats) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, s.reg)
}
