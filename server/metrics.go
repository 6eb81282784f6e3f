package server

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-ebpfpolicy/security"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	activations *prometheus.CounterVec
	generation  prometheus.Gauge
	rules       *prometheus.GaugeVec
	mapEntries  *prometheus.GaugeVec
}

// NewMetrics creates and registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ebpfpolicy",
			Name:      "activations_total",
			Help:      "Policy and admin config activations by outcome.",
		}, []string{"kind", "filter_type", "result"}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ebpfpolicy",
			Name:      "snapshot_generation",
			Help:      "Generation of the most recently published snapshot.",
		}),
		rules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ebpfpolicy",
			Name:      "policy_rules",
			Help:      "Rules in the current policy snapshot.",
		}, []string{"filter_type"}),
		mapEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ebpfpolicy",
			Name:      "policy_map_entries",
			Help:      "BPF map entries rendered for the current policy snapshot.",
		}, []string{"filter_type"}),
	}
	for _, c := range []prometheus.Collector{m.activations, m.generation, m.rules, m.mapEntries} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register engine metrics: %w", err)
		}
	}
	return m, nil
}

func result(accepted bool) string {
	if accepted {
		return "accepted"
	}
	return "rejected"
}

func (m *Metrics) policyActivation(ft security.FilterType, accepted bool) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues("policy", ft.String(), result(accepted)).Inc()
}

func (m *Metrics) adminActivation() {
	if m == nil {
		return
	}
	m.activations.WithLabelValues("admin", "", result(true)).Inc()
}

func (m *Metrics) published(ft security.FilterType, generation uint64, rules, entries int) {
	if m == nil {
		return
	}
	m.generation.Set(float64(generation))
	m.rules.WithLabelValues(ft.String()).Set(float64(rules))
	m.mapEntries.WithLabelValues(ft.String()).Set(float64(entries))
}

func (m *Metrics) adminPublished(generation uint64) {
	if m == nil {
		return
	}
	m.generation.Set(float64(generation))
}
